// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import "time"

// spread summarizes a sample of durations by its five-number summary.
type spread struct {
	min, q1, q2, q3, max time.Duration
}

// summarize returns the five-number summary of ds, which must be
// sorted and non-empty. Quartiles follow Tukey's hinges: q2 is the
// median; q1 and q3 are the medians of the lower and upper halves,
// each of which includes q2 when len(ds) is odd.
func summarize(ds []time.Duration) spread {
	var (
		n    = len(ds)
		half = (n + 1) / 2
	)
	s := spread{min: ds[0], max: ds[n-1], q2: median(ds)}
	s.q1 = median(ds[:half])
	s.q3 = median(ds[n-half:])
	return s
}

// median returns the median of the sorted, non-empty ds. The mean of
// the two middle values is computed without overflow.
func median(ds []time.Duration) time.Duration {
	mid := len(ds) / 2
	if len(ds)%2 == 1 {
		return ds[mid]
	}
	a, b := ds[mid-1], ds[mid]
	return a/2 + b/2 + (a%2+b%2)/2
}
