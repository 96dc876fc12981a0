// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Aggregates holds one aggregate block per cluster, as defined by a
// Strategy. Values is a flat buffer of K*Width values.
type Aggregates struct {
	K, Width int
	Values   []float64
}

// NewAggregates returns zeroed aggregates for k clusters of records
// of width d under strategy s.
func NewAggregates(s Strategy, k, d int) Aggregates {
	w := s.AggregateWidth(d)
	return Aggregates{K: k, Width: w, Values: make([]float64, k*w)}
}

// Cluster returns the aggregate block of cluster j.
func (a Aggregates) Cluster(j int) []float64 {
	return a.Values[j*a.Width : (j+1)*a.Width]
}

// Count returns the number of records folded into cluster j.
func (a Aggregates) Count(j int) int {
	return int(a.Cluster(j)[a.Width-1])
}

// Assign labels each record in data with the index of its nearest
// centroid and folds it into that cluster's partial aggregate. Ties
// are broken in favor of the lowest cluster index. Empty data yields
// no labels and zero aggregates.
func Assign(s Strategy, data Records, c Centroids) (labels []int, agg Aggregates) {
	n := data.Len()
	labels = make([]int, n)
	agg = NewAggregates(s, c.K(), data.Width)
	for i := 0; i < n; i++ {
		best, dist := 0, s.Distance(data, i, c.Records, 0)
		for j := 1; j < c.K(); j++ {
			if d := s.Distance(data, i, c.Records, j); d < dist {
				best, dist = j, d
			}
		}
		labels[i] = best
		s.Accumulate(agg.Cluster(best), data, i)
	}
	return labels, agg
}

// Combine sums partial aggregates element-wise. The parts must all
// have the same shape. Summation proceeds in argument order.
func Combine(parts ...Aggregates) (Aggregates, error) {
	if len(parts) == 0 {
		return Aggregates{}, errors.E(errors.Invalid, "bigkmeans: no aggregates to combine")
	}
	sum := Aggregates{K: parts[0].K, Width: parts[0].Width, Values: make([]float64, len(parts[0].Values))}
	for i, p := range parts {
		if p.K != sum.K || p.Width != sum.Width || len(p.Values) != len(sum.Values) {
			return Aggregates{}, errors.E(errors.Integrity,
				fmt.Sprintf("bigkmeans: aggregate %d has shape %dx%d, want %dx%d", i, p.K, p.Width, sum.K, sum.Width))
		}
		for k, v := range p.Values {
			sum.Values[k] += v
		}
	}
	return sum, nil
}

// Update derives the next centroid set from combined aggregates. The
// returned centroids have the next version; clusters that received
// no records keep their previous centroid and are reported in empty.
func Update(s Strategy, combined Aggregates, prev Centroids) (next Centroids, empty []int) {
	next = Centroids{Version: prev.Version + 1, Records: prev.Records.Copy()}
	for j := 0; j < prev.K(); j++ {
		if !s.Finalize(combined.Cluster(j), next.Records, j) {
			empty = append(empty, j)
		}
	}
	return next, empty
}
