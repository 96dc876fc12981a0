// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// A Strategy defines how records are compared and how clusters of
// records are summarized into centroids.
//
// Partial aggregates are flat buffers of AggregateWidth(D) values per
// cluster; the last value of each cluster's block is the number of
// records folded into it. Aggregates from different workers are
// combined by element-wise summation, so the Reduce collective needs
// no knowledge of the strategy.
type Strategy interface {
	// Kind returns the kind of records the strategy operates on.
	Kind() Kind
	// Distance returns the distance between record i of a and record
	// j of b. Distances are nonnegative and symmetric.
	Distance(a Records, i int, b Records, j int) float64
	// AggregateWidth returns the number of aggregate values for one
	// cluster of records of width d, including the count slot.
	AggregateWidth(d int) int
	// Accumulate folds record i of r into the cluster aggregate agg.
	Accumulate(agg []float64, r Records, i int)
	// Finalize writes the centroid summarizing cluster aggregate agg
	// into centroid j of c. Finalize returns false, leaving the
	// centroid unchanged, if no records were folded into agg.
	Finalize(agg []float64, c Records, j int) bool
	// DefaultThreshold is the convergence threshold used when none
	// is configured.
	DefaultThreshold() float64
	// String returns the strategy's metric name.
	String() string
}

// Euclidean is the strategy for vectors: records are compared by
// Euclidean distance and a cluster's centroid is the arithmetic mean
// of its records.
var Euclidean Strategy = euclidean{}

type euclidean struct{}

func (euclidean) Kind() Kind                { return Vectors }
func (euclidean) String() string            { return MetricEuclidean }
func (euclidean) DefaultThreshold() float64 { return 1e-3 }
func (euclidean) AggregateWidth(d int) int  { return d + 1 }

func (euclidean) Distance(a Records, i int, b Records, j int) float64 {
	return math.Sqrt(sqdist(a.Vector(i), b.Vector(j)))
}

func (euclidean) Accumulate(agg []float64, r Records, i int) {
	for k, v := range r.Vector(i) {
		agg[k] += v
	}
	agg[len(agg)-1]++
}

func (euclidean) Finalize(agg []float64, c Records, j int) bool {
	n := agg[len(agg)-1]
	if n == 0 {
		return false
	}
	for k := range c.Vector(j) {
		c.Vector(j)[k] = agg[k] / n
	}
	return true
}

func sqdist(a, b []float64) float64 {
	var d float64
	for k := range a {
		x := a[k] - b[k]
		d += x * x
	}
	return d
}

// DefaultAlphabet is the alphabet of DNA strands.
const DefaultAlphabet = "ACGT"

// Hamming is a strategy for sequences over a small alphabet: records
// are compared by the number of positions at which they differ, and
// a cluster's centroid takes, at each position, the symbol that
// occurs most frequently among the cluster's records.
//
// The aggregate of a cluster is its frequency table, laid out
// position-major: the count of symbol s at position p is stored at
// index p*len(alphabet)+s, where s is the symbol's index in the
// alphabet. Symbols outside of the alphabet contribute to distances
// but are not counted.
type Hamming struct {
	alphabet string
	index    [256]int
}

// NewHamming returns a Hamming strategy for the provided alphabet,
// which must be nonempty and may not repeat symbols.
func NewHamming(alphabet string) (*Hamming, error) {
	if alphabet == "" {
		return nil, errors.E(errors.Invalid, "bigkmeans: empty alphabet")
	}
	h := &Hamming{alphabet: alphabet}
	for i := range h.index {
		h.index[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if h.index[c] >= 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: symbol %q repeated in alphabet %q", c, alphabet))
		}
		h.index[c] = i
	}
	return h, nil
}

// Alphabet returns the strategy's alphabet.
func (h *Hamming) Alphabet() string { return h.alphabet }

func (h *Hamming) Kind() Kind                { return Sequences }
func (h *Hamming) String() string            { return MetricHamming }
func (h *Hamming) DefaultThreshold() float64 { return 1 }

func (h *Hamming) AggregateWidth(d int) int { return d*len(h.alphabet) + 1 }

func (h *Hamming) Distance(a Records, i int, b Records, j int) float64 {
	x, y := a.Sequence(i), b.Sequence(j)
	var n int
	for k := range x {
		if x[k] != y[k] {
			n++
		}
	}
	return float64(n)
}

func (h *Hamming) Accumulate(agg []float64, r Records, i int) {
	a := len(h.alphabet)
	for p, c := range r.Sequence(i) {
		if s := h.index[c]; s >= 0 {
			agg[p*a+s]++
		}
	}
	agg[len(agg)-1]++
}

// Finalize sets each position of the centroid to its most frequent
// symbol. When several symbols share the highest count, the symbol
// that comes first in the alphabet wins. A position at which no
// record holds a symbol of the alphabet keeps its previous symbol.
func (h *Hamming) Finalize(agg []float64, c Records, j int) bool {
	if agg[len(agg)-1] == 0 {
		return false
	}
	a := len(h.alphabet)
	seq := c.Sequence(j)
	for p := range seq {
		counts := agg[p*a : (p+1)*a]
		best := 0
		for s := 1; s < a; s++ {
			if counts[s] > counts[best] {
				best = s
			}
		}
		if counts[best] > 0 {
			seq[p] = h.alphabet[best]
		}
	}
	return true
}
