// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestPlan(t *testing.T) {
	for _, c := range []struct {
		total, n, width int
		counts          []int
	}{
		{4, 2, 2, []int{4, 4}},
		{501, 10, 1, []int{50, 50, 50, 50, 50, 50, 50, 50, 50, 51}},
		{10, 3, 4, []int{12, 12, 16}},
		{2, 4, 3, []int{0, 0, 0, 6}},
		{0, 3, 2, []int{0, 0, 0}},
		{7, 1, 5, []int{35}},
	} {
		l, err := Plan(c.total, c.n, c.width)
		if err != nil {
			t.Fatal(err)
		}
		if got, want := l.Counts, c.counts; !reflect.DeepEqual(got, want) {
			t.Errorf("plan(%d, %d, %d): got %v, want %v", c.total, c.n, c.width, got, want)
		}
		if got, want := l.Len(), c.total; got != want {
			t.Errorf("plan(%d, %d, %d): got len %v, want %v", c.total, c.n, c.width, got, want)
		}
	}
}

func TestPlanInvariants(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for iter := 0; iter < 1000; iter++ {
		var (
			total, n, width uint16
		)
		fz.Fuzz(&total)
		fz.Fuzz(&n)
		fz.Fuzz(&width)
		n = n%64 + 1
		width = width%16 + 1
		l, err := Plan(int(total), int(n), int(width))
		if err != nil {
			t.Fatal(err)
		}
		var sum int
		for i, c := range l.Counts {
			if c < 0 {
				t.Fatalf("negative partition %d: %d", i, c)
			}
			if c%int(width) != 0 {
				t.Fatalf("partition %d not record aligned: %d", i, c)
			}
			if i < len(l.Counts)-1 && c != l.Counts[0] {
				t.Fatalf("unequal leading partitions: %v", l.Counts)
			}
			if got, want := l.Offsets[i], sum; got != want {
				t.Fatalf("partition %d: got offset %d, want %d", i, got, want)
			}
			sum += c
		}
		if got, want := sum, int(total)*int(width); got != want {
			t.Fatalf("got %d elements, want %d", got, want)
		}
		if total >= n {
			for i, c := range l.Counts {
				if c == 0 {
					t.Fatalf("partition %d empty with %d records among %d workers", i, total, n)
				}
			}
		}
	}
}

func TestRecordViews(t *testing.T) {
	l, err := Plan(11, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := l.RecordCounts(), []int{3, 3, 5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := l.RecordOffsets(), []int{0, 3, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	beg, end := l.Range(2)
	if beg != 6 || end != 11 {
		t.Errorf("got [%d, %d), want [6, 11)", beg, end)
	}
	if got, want := l.NumWorker(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestPlanErrors(t *testing.T) {
	for _, c := range [][3]int{
		{10, 0, 1},
		{10, -1, 1},
		{10, 2, 0},
		{-1, 2, 1},
	} {
		_, err := Plan(c[0], c[1], c[2])
		if err == nil {
			t.Errorf("plan%v: expected error", c)
			continue
		}
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("plan%v: got %v, want invalid", c, err)
		}
	}
}
