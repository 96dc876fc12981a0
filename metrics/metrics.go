// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines named counters whose values are kept in
// mergeable scopes. Each rank of a clustering run updates its own
// scope; the executor merges the ranks' scopes into the scope
// reported with the run's result.
package metrics

import (
	"fmt"
	"sync"
)

var (
	mu sync.Mutex
	// names holds the name of each registered counter, indexed by id.
	// Index 0 is reserved so that zero-valued counters are never
	// mistaken for registered ones.
	names = []string{""}
)

// A Counter is a named, monotonically increasing metric. Counters
// must be created with NewCounter, typically as package-level
// variables, so that ids are assigned identically in every process.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter with the provided
// name.
func NewCounter(name string) Counter {
	mu.Lock()
	defer mu.Unlock()
	for _, n := range names {
		if n == name {
			panic(fmt.Sprintf("metrics: counter %q already registered", name))
		}
	}
	names = append(names, name)
	return Counter{len(names) - 1}
}

// Name returns the counter's registered name.
func (c Counter) Name() string {
	return counterName(c.id)
}

// Incr increments the counter by n in the provided scope.
func (c Counter) Incr(scope *Scope, n int) {
	if c.id == 0 {
		panic("metrics: use of unregistered counter")
	}
	scope.add(c.id, uint64(n))
}

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) uint64 {
	return scope.value(c.id)
}

func counterName(id int) string {
	mu.Lock()
	defer mu.Unlock()
	if id <= 0 || id >= len(names) {
		return fmt.Sprintf("counter%d", id)
	}
	return names[id]
}
