// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/grailbio/base/limitbuf"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/internal/trace"
)

// run describes one clustering run of a session.
type run struct {
	index   int
	id      string
	metric  string
	k       int
	workers int
	ok      bool
	// start is measured as an offset from the start of tracing.
	start    time.Duration
	duration time.Duration
}

// phaseStat summarizes the time spent by every rank of a run in one
// phase, across all rounds.
type phaseStat struct {
	run    int
	phase  string
	count  int
	rounds int
	ranks  int
	// start is measured as an offset from the start of tracing.
	start time.Duration
	total time.Duration
	spread
}

// session holds the runs and phase statistics recovered from a
// session's trace.
type session struct {
	runs  []run
	stats []phaseStat
}

func newSession(events []trace.Event) *session {
	return &session{
		runs:  buildRuns(events),
		stats: buildPhaseStats(events),
	}
}

// Runs returns the session's runs, ordered by index.
func (s *session) Runs() []run {
	return s.runs
}

// PhaseStats returns the phase statistics of the given run, in the
// order in which the phases first started.
func (s *session) PhaseStats(index int) []phaseStat {
	var stats []phaseStat
	for _, stat := range s.stats {
		if stat.run == index {
			stats = append(stats, stat)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].start < stats[j].start })
	return stats
}

func buildRuns(events []trace.Event) []run {
	var runs []run
	for _, event := range events {
		if event.Cat != trace.CatRun {
			continue
		}
		r := run{
			index:    event.Tid,
			metric:   event.Name,
			start:    event.Start(),
			duration: event.Duration(),
		}
		var ok bool
		if r.id, ok = event.Args["run"].(string); !ok {
			log.Printf("run event without id: %#v", event)
		}
		r.k = intArg(event, "k")
		r.workers = intArg(event, "workers")
		r.ok, _ = event.Args["ok"].(bool)
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].index < runs[j].index })
	return runs
}

func buildPhaseStats(events []trace.Event) []phaseStat {
	type key struct {
		run   int
		phase string
	}
	type accum struct {
		start     time.Duration
		durations []time.Duration
		rounds    map[int]bool
		ranks     map[int]bool
	}
	accums := make(map[key]*accum)
	for _, event := range events {
		if event.Cat != trace.CatPhase {
			continue
		}
		k := key{event.Tid, event.Name}
		a := accums[k]
		if a == nil {
			a = &accum{
				start:  event.Start(),
				rounds: make(map[int]bool),
				ranks:  make(map[int]bool),
			}
			accums[k] = a
		}
		if s := event.Start(); s < a.start {
			a.start = s
		}
		a.durations = append(a.durations, event.Duration())
		a.rounds[intArg(event, "round")] = true
		a.ranks[event.Pid] = true
	}
	stats := make([]phaseStat, 0, len(accums))
	for k, a := range accums {
		sort.Slice(a.durations, func(i, j int) bool { return a.durations[i] < a.durations[j] })
		stat := phaseStat{
			run:    k.run,
			phase:  k.phase,
			count:  len(a.durations),
			rounds: len(a.rounds),
			ranks:  len(a.ranks),
			start:  a.start,
			// a.durations is non-empty: accumulators are created
			// for an event.
			spread: summarize(a.durations),
		}
		for _, d := range a.durations {
			stat.total += d
		}
		stats = append(stats, stat)
	}
	return stats
}

// intArg returns the integer event argument with the given name.
// JSON decodes numbers as float64.
func intArg(event trace.Event, name string) int {
	v, ok := event.Args[name].(float64)
	if !ok {
		return 0
	}
	return int(v)
}

func truncatef(v interface{}) string {
	b := limitbuf.NewLogger(40)
	fmt.Fprint(b, v)
	return b.String()
}
