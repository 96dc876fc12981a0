// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package seed implements strategies for choosing the initial
// centroids of a clustering job.
package seed

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans"
)

const (
	// DefaultMinDistance is the default minimum euclidean distance
	// between vector seeds.
	DefaultMinDistance = 0.5
	// DefaultMinFraction is the default minimum fraction of positions
	// in which sequence seeds must differ.
	DefaultMinFraction = 0.3
)

// Separated is a bigkmeans.Seeder that picks records at random,
// skipping any record that lies too close to a record already picked.
// Each record of the dataset is considered at most once, in an order
// determined by Seed, so that seeding is reproducible.
type Separated struct {
	// MinDistance is the minimum euclidean distance between vector
	// seeds. If zero, DefaultMinDistance is used.
	MinDistance float64
	// MinFraction is the minimum fraction of the sequence width in
	// which every pair of sequence seeds must differ. If zero,
	// DefaultMinFraction is used.
	MinFraction float64
	// Seed seeds the random order in which records are considered.
	Seed int64
}

// Seed implements bigkmeans.Seeder.
func (s Separated) Seed(ctx context.Context, data bigkmeans.Records, k int) (bigkmeans.Records, error) {
	if k <= 0 {
		return bigkmeans.Records{}, errors.E(errors.Invalid, fmt.Sprintf("seed: invalid number of clusters %d", k))
	}
	dist, min, err := s.metric(data)
	if err != nil {
		return bigkmeans.Records{}, err
	}
	var (
		r      = rand.New(rand.NewSource(s.Seed))
		picked = make([]int, 0, k)
		seeds  = bigkmeans.Records{Kind: data.Kind, Width: data.Width}
	)
	for _, i := range r.Perm(data.Len()) {
		if len(picked) == k {
			break
		}
		if err := ctx.Err(); err != nil {
			return bigkmeans.Records{}, err
		}
		if tooClose(dist, data, i, picked, min) {
			continue
		}
		picked = append(picked, i)
		switch data.Kind {
		case bigkmeans.Vectors:
			seeds.Floats = append(seeds.Floats, data.Vector(i)...)
		case bigkmeans.Sequences:
			seeds.Symbols = append(seeds.Symbols, data.Sequence(i)...)
		}
	}
	if len(picked) < k {
		return bigkmeans.Records{}, errors.E(errors.Invalid,
			fmt.Sprintf("seed: cannot find enough centroids: found %d of %d records at distance >= %g", len(picked), k, min))
	}
	log.Debug.Printf("seed: picked records %v", picked)
	return seeds, nil
}

// metric returns the distance function and minimum distance used to
// separate seeds of the given dataset.
func (s Separated) metric(data bigkmeans.Records) (func(a bigkmeans.Records, i int, b bigkmeans.Records, j int) float64, float64, error) {
	switch data.Kind {
	case bigkmeans.Vectors:
		min := s.MinDistance
		if min == 0 {
			min = DefaultMinDistance
		}
		return bigkmeans.Euclidean.Distance, min, nil
	case bigkmeans.Sequences:
		frac := s.MinFraction
		if frac == 0 {
			frac = DefaultMinFraction
		}
		h, err := bigkmeans.NewHamming(bigkmeans.DefaultAlphabet)
		if err != nil {
			return nil, 0, err
		}
		return h.Distance, math.Floor(frac * float64(data.Width)), nil
	default:
		return nil, 0, errors.E(errors.Invalid, fmt.Sprintf("seed: unsupported record kind %s", data.Kind))
	}
}

func tooClose(dist func(bigkmeans.Records, int, bigkmeans.Records, int) float64, data bigkmeans.Records, i int, picked []int, min float64) bool {
	for _, j := range picked {
		if dist(data, i, data, j) < min {
			return true
		}
	}
	return false
}
