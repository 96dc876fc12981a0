// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package trace records and reads the per-rank phase timings of
// clustering runs in the Chrome tracing format, which can be viewed
// with chrome://tracing. Each rank of a run is represented as a
// Chrome "process"; each run occupies its own "thread" so that
// consecutive runs of a session are shown on separate rows.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Event categories.
const (
	// CatPhase is the category of events that cover one phase of
	// one round on one rank.
	CatPhase = "phase"
	// CatRun is the category of events that cover a whole run on the
	// coordinator.
	CatRun = "run"
)

// T is a trace: a set of events as written to a trace file.
type T struct {
	Events []Event `json:"traceEvents"`
}

// Event is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type Event struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// Start returns the event's start time as an offset from the
// beginning of the trace.
func (e Event) Start() time.Duration { return time.Duration(e.Ts) * time.Microsecond }

// Duration returns the duration of a complete ("X") event.
func (e Event) Duration() time.Duration { return time.Duration(e.Dur) * time.Microsecond }

// Encode writes the trace to w as JSON.
func (t *T) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(t)
}

// Decode reads a JSON trace from r.
func (t *T) Decode(r io.Reader) error {
	dec := json.NewDecoder(r)
	return dec.Decode(t)
}

// A Recorder accumulates trace events. Event timestamps are relative
// to the first event recorded. Recorders are safe for concurrent use;
// a nil Recorder discards all events.
type Recorder struct {
	mu     sync.Mutex
	first  time.Time
	events []Event
	pids   map[int]bool
}

// NewRecorder returns a new, empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{pids: make(map[int]bool)}
}

// Complete records a complete event of the given category and name
// on process pid and thread tid. Args is a list of interleaved
// key-value pairs attached as event metadata; it must be of even
// length.
func (r *Recorder) Complete(pid, tid int, cat, name string, start time.Time, dur time.Duration, args ...interface{}) {
	if r == nil {
		return
	}
	if len(args)%2 != 0 {
		panic("trace.Complete: invalid arguments")
	}
	event := Event{
		Pid:  pid,
		Tid:  tid,
		Ph:   "X",
		Name: name,
		Cat:  cat,
		Dur:  dur.Nanoseconds() / 1e3,
		Args: make(map[string]interface{}, len(args)/2),
	}
	if event.Dur == 0 {
		event.Dur = 1
	}
	for i := 0; i < len(args); i += 2 {
		event.Args[fmt.Sprint(args[i])] = args[i+1]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.first.IsZero() || start.Before(r.first) {
		r.rebase(start)
	}
	event.Ts = start.Sub(r.first).Nanoseconds() / 1e3
	if !r.pids[pid] {
		r.pids[pid] = true
		r.events = append(r.events, Event{
			Pid:  pid,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": processName(pid)},
		})
	}
	r.events = append(r.events, event)
}

// rebase moves the trace origin to t, which must precede the
// current origin.
func (r *Recorder) rebase(t time.Time) {
	if !r.first.IsZero() {
		shift := r.first.Sub(t).Nanoseconds() / 1e3
		for i := range r.events {
			if r.events[i].Ph != "M" {
				r.events[i].Ts += shift
			}
		}
	}
	r.first = t
}

// Len returns the number of events recorded, excluding metadata.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events) - len(r.pids)
}

// Marshal writes the recorded trace to w, with events ordered by
// timestamp.
func (r *Recorder) Marshal(w io.Writer) error {
	r.mu.Lock()
	t := T{Events: make([]Event, len(r.events))}
	copy(t.Events, r.events)
	r.mu.Unlock()
	sort.SliceStable(t.Events, func(i, j int) bool {
		return t.Events[i].Ts < t.Events[j].Ts
	})
	return t.Encode(w)
}

func processName(pid int) string {
	if pid == 0 {
		return "coordinator"
	}
	return fmt.Sprintf("rank %d", pid)
}
