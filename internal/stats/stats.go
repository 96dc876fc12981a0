// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides live, process-wide counters. Unlike the
// run-scoped counters of package metrics, stats counters are never
// reset: callers compare snapshots to measure an interval.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the counters of a Map.
type Values map[string]int64

// Sub returns the difference v-w, omitting counters that did not
// change.
func (v Values) Sub(w Values) Values {
	d := make(Values)
	for k, x := range v {
		if x != w[k] {
			d[k] = x - w[k]
		}
	}
	return d
}

// String returns the values as space-separated key:value pairs,
// sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name. The zero Map is not
// usable; Maps are created by NewMap.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if
// needed. A nil Map returns a nil counter, which discards updates.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of every counter in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	return vals
}

// An Int is an atomic integer counter. Operations on a nil Int are
// no-ops.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
