// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition computes how a dataset of fixed-width records is
// split among a fixed group of workers. Partitions are contiguous and
// ordered by worker rank, so that concatenating them in rank order
// reconstructs the original record order.
package partition

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Layout describes the partitioning of a dataset among a group of
// workers. Counts and offsets are expressed in elements (records
// times width), which is the unit in which datasets are distributed.
type Layout struct {
	// Width is the number of elements in each record.
	Width int
	// Counts is the number of elements held by each worker.
	Counts []int
	// Offsets is the element offset of each worker's partition.
	Offsets []int
}

// Plan computes the partition layout for total records of the given
// width among n workers. Workers 0 to n-2 each receive total/n
// records; the last worker absorbs the remainder. Thus, when total <
// n, all but the last worker receive empty partitions.
func Plan(total, n, width int) (Layout, error) {
	switch {
	case n <= 0:
		return Layout{}, errors.E(errors.Invalid, fmt.Sprintf("partition: invalid worker count %d", n))
	case width <= 0:
		return Layout{}, errors.E(errors.Invalid, fmt.Sprintf("partition: invalid record width %d", width))
	case total < 0:
		return Layout{}, errors.E(errors.Invalid, fmt.Sprintf("partition: invalid record count %d", total))
	}
	l := Layout{
		Width:   width,
		Counts:  make([]int, n),
		Offsets: make([]int, n),
	}
	base := total / n
	for i := 0; i < n-1; i++ {
		l.Counts[i] = base * width
	}
	l.Counts[n-1] = (total - base*(n-1)) * width
	var off int
	for i := range l.Counts {
		l.Offsets[i] = off
		off += l.Counts[i]
	}
	return l, nil
}

// NumWorker returns the number of workers in the layout.
func (l Layout) NumWorker() int { return len(l.Counts) }

// Len returns the total number of records covered by the layout.
func (l Layout) Len() int {
	var n int
	for _, c := range l.Counts {
		n += c
	}
	return n / l.Width
}

// RecordCounts returns the number of records held by each worker.
// This is the view used for label-oriented collectives.
func (l Layout) RecordCounts() []int {
	counts := make([]int, len(l.Counts))
	for i, c := range l.Counts {
		counts[i] = c / l.Width
	}
	return counts
}

// RecordOffsets returns the record offset of each worker's
// partition.
func (l Layout) RecordOffsets() []int {
	offsets := make([]int, len(l.Offsets))
	for i, off := range l.Offsets {
		offsets[i] = off / l.Width
	}
	return offsets
}

// Range returns the half-open record range [beg, end) held by the
// given worker.
func (l Layout) Range(rank int) (beg, end int) {
	beg = l.Offsets[rank] / l.Width
	end = beg + l.Counts[rank]/l.Width
	return
}
