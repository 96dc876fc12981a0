// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/metrics"
	"github.com/grailbio/bigkmeans/partition"
)

var (
	roundsCounter   = metrics.NewCounter("rounds")
	assignedCounter = metrics.NewCounter("records-assigned")
	emptyCounter    = metrics.NewCounter("empty-clusters")
)

// Phases of a round, as reported in Events.
const (
	PhaseLoad       = "load"
	PhaseDistribute = "distribute"
	PhaseAssign     = "assign"
	PhaseReduce     = "reduce"
	PhaseUpdate     = "update"
	PhaseBroadcast  = "broadcast"
	PhaseGather     = "gather"
)

// An Event reports the completion of one phase of a run on one rank.
type Event struct {
	Rank     int
	Round    int
	Phase    string
	Start    time.Time
	Duration time.Duration
}

// RoundInfo summarizes a completed round. It is reported on the
// coordinator only.
type RoundInfo struct {
	Round    int
	Drift    float64
	Empty    int
	Decision Decision
}

// Result is the outcome of a run.
type Result struct {
	// Labels holds the cluster index of each record in the dataset's
	// original order. Labels are assembled on the coordinator only;
	// they are nil on other ranks.
	Labels []int
	// Centroids is the final centroid set. On ranks other than the
	// coordinator, it is the last centroid set used for assignment.
	Centroids Centroids
	// Rounds is the number of rounds executed.
	Rounds int
	// Converged tells whether the run converged. Runs that exhaust
	// Config.MaxRounds return their latest state with Converged set
	// to false.
	Converged bool
	// Drift is the total centroid drift of the last round.
	Drift float64
	// Layout is the partitioning of the dataset among the group.
	Layout partition.Layout
}

// A RunOption configures a run.
type RunOption func(*runOptions)

type runOptions struct {
	onRound func(RoundInfo)
	onEvent func(Event)
}

// OnRound registers a function that is called on the coordinator
// after each round.
func OnRound(fn func(RoundInfo)) RunOption {
	return func(o *runOptions) { o.onRound = fn }
}

// OnEvent registers a function that is called after each phase of
// the run completes.
func OnEvent(fn func(Event)) RunOption {
	return func(o *runOptions) { o.onEvent = fn }
}

// Run executes one rank of a clustering job over comm. Every rank of
// the group must call Run with the same configuration; source and
// seeder are used only on the coordinator, and may be nil on other
// ranks.
//
// Any error on any rank aborts the run on every rank: the failing
// rank notifies its peers, whose pending collectives fail with the
// same kind of error.
func Run(ctx context.Context, comm *collective.Comm, cfg Config, source Source, seeder Seeder, opts ...RunOption) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	r := &runner{
		comm:      comm,
		cfg:       cfg,
		strategy:  s,
		threshold: cfg.threshold(s),
		source:    source,
		seeder:    seeder,
		scope:     metrics.ContextScope(ctx),
	}
	for _, opt := range opts {
		opt(&r.runOptions)
	}
	res, err := r.run(ctx)
	if err != nil {
		log.Error.Printf("bigkmeans: rank %d: %v", comm.Rank(), err)
		if aerr := comm.Abort(ctx, err); aerr != nil {
			log.Error.Printf("bigkmeans: rank %d: abort: %v", comm.Rank(), aerr)
		}
		return nil, err
	}
	return res, nil
}

type runner struct {
	runOptions
	comm      *collective.Comm
	cfg       Config
	strategy  Strategy
	threshold float64
	source    Source
	seeder    Seeder
	scope     *metrics.Scope
}

func (r *runner) run(ctx context.Context) (*Result, error) {
	var (
		data, seeds Records
		err         error
		start       = time.Now()
	)
	if r.comm.IsRoot() {
		data, seeds, err = r.load(ctx)
		if err != nil {
			return nil, err
		}
		r.event(0, PhaseLoad, start)
	}

	start = time.Now()
	hdr, err := r.comm.Bcast(ctx, collective.Payload{Ints: []int64{int64(data.Len())}})
	if err != nil {
		return nil, err
	}
	if len(hdr.Ints) != 1 {
		return nil, errors.E(errors.Integrity, "bigkmeans: malformed dataset header")
	}
	layout, err := partition.Plan(int(hdr.Ints[0]), r.comm.Size(), r.cfg.D)
	if err != nil {
		return nil, err
	}
	local, err := r.distribute(ctx, layout, data)
	if err != nil {
		return nil, err
	}
	cur, err := r.bcastCentroids(ctx, NewCentroids(seeds))
	if err != nil {
		return nil, err
	}
	r.event(0, PhaseDistribute, start)

	var (
		labels   []int
		drift    float64
		decision Decision
		round    int
	)
	for decision == Continue {
		round++
		start = time.Now()
		var agg Aggregates
		labels, agg = Assign(r.strategy, local, cur)
		assignedCounter.Incr(r.scope, local.Len())
		r.event(round, PhaseAssign, start)

		start = time.Now()
		sum, err := r.comm.Reduce(ctx, agg.Values)
		if err != nil {
			return nil, err
		}
		r.event(round, PhaseReduce, start)

		if r.comm.IsRoot() {
			start = time.Now()
			combined := Aggregates{K: agg.K, Width: agg.Width, Values: sum}
			next, empty := Update(r.strategy, combined, cur)
			drift = Drift(r.strategy, cur, next)
			decision = Gate(drift, r.threshold, round, r.cfg.MaxRounds)
			cur = next
			roundsCounter.Incr(r.scope, 1)
			emptyCounter.Incr(r.scope, len(empty))
			log.Debug.Printf("bigkmeans: round %d: drift %.6g, %d empty clusters: %s", round, drift, len(empty), decision)
			if len(empty) > 0 {
				log.Debug.Printf("bigkmeans: round %d: clusters %v received no records", round, empty)
			}
			if r.onRound != nil {
				r.onRound(RoundInfo{Round: round, Drift: drift, Empty: len(empty), Decision: decision})
			}
			r.event(round, PhaseUpdate, start)
		}

		start = time.Now()
		flag, err := r.comm.Bcast(ctx, collective.Payload{Ints: []int64{int64(decision)}, Floats: []float64{drift}})
		if err != nil {
			return nil, err
		}
		if len(flag.Ints) != 1 || len(flag.Floats) != 1 {
			return nil, errors.E(errors.Integrity, "bigkmeans: malformed convergence flag")
		}
		decision, drift = Decision(flag.Ints[0]), flag.Floats[0]
		if decision == Continue {
			if cur, err = r.bcastCentroids(ctx, cur); err != nil {
				return nil, err
			}
		}
		r.event(round, PhaseBroadcast, start)
	}

	start = time.Now()
	all, err := r.gather(ctx, layout, labels)
	if err != nil {
		return nil, err
	}
	r.event(round, PhaseGather, start)

	res := &Result{
		Labels:    all,
		Centroids: cur,
		Rounds:    round,
		Converged: decision == Converged,
		Drift:     drift,
		Layout:    layout,
	}
	if r.comm.IsRoot() {
		if res.Converged {
			log.Printf("bigkmeans: converged after %d rounds (drift %.6g)", round, drift)
		} else {
			log.Printf("bigkmeans: WARNING: did not converge after %d rounds (drift %.6g > %v)", round, drift, r.threshold)
		}
	}
	return res, nil
}

// load loads the dataset and its seeds, checking them against the
// run's configuration.
func (r *runner) load(ctx context.Context) (data, seeds Records, err error) {
	if r.source == nil || r.seeder == nil {
		return Records{}, Records{}, errors.E(errors.Invalid, "bigkmeans: coordinator requires a source and a seeder")
	}
	data, err = r.source.Load(ctx)
	if err != nil {
		return Records{}, Records{}, errors.E("bigkmeans: load dataset", err)
	}
	if err = r.check("dataset", data); err != nil {
		return
	}
	if n := data.Len(); r.cfg.Records > 0 && n != r.cfg.Records {
		return Records{}, Records{}, errors.E(errors.Invalid,
			fmt.Sprintf("bigkmeans: dataset contains %d records, expected %d", n, r.cfg.Records))
	}
	if data.Len() < r.cfg.K {
		return Records{}, Records{}, errors.E(errors.Invalid,
			fmt.Sprintf("bigkmeans: %d records cannot form %d clusters", data.Len(), r.cfg.K))
	}
	seeds, err = r.seeder.Seed(ctx, data, r.cfg.K)
	if err != nil {
		return Records{}, Records{}, errors.E("bigkmeans: seed centroids", err)
	}
	if err = r.check("seeds", seeds); err != nil {
		return
	}
	if seeds.Len() != r.cfg.K {
		return Records{}, Records{}, errors.E(errors.Invalid,
			fmt.Sprintf("bigkmeans: seeder chose %d centroids, want %d", seeds.Len(), r.cfg.K))
	}
	return data, seeds, nil
}

func (r *runner) check(what string, recs Records) error {
	if recs.Kind != r.strategy.Kind() {
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %s are %v, metric %s requires %v", what, recs.Kind, r.strategy, r.strategy.Kind()))
	}
	if recs.Width != r.cfg.D {
		return errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %s have width %d, want %d", what, recs.Width, r.cfg.D))
	}
	return nil
}

// distribute scatters the dataset according to layout and returns
// the calling rank's partition.
func (r *runner) distribute(ctx context.Context, layout partition.Layout, data Records) (Records, error) {
	var parts []collective.Payload
	if r.comm.IsRoot() {
		parts = make([]collective.Payload, r.comm.Size())
		for rank := range parts {
			parts[rank] = data.Slice(layout.Range(rank)).payload()
		}
	}
	p, err := r.comm.Scatterv(ctx, parts)
	if err != nil {
		return Records{}, err
	}
	local, err := recordsFromPayload(r.strategy.Kind(), r.cfg.D, p)
	if err != nil {
		return Records{}, errors.E(errors.Integrity, "bigkmeans: received partition", err)
	}
	if got, want := local.Len(), layout.RecordCounts()[r.comm.Rank()]; got != want {
		return Records{}, errors.E(errors.Integrity,
			fmt.Sprintf("bigkmeans: rank %d received %d records, want %d", r.comm.Rank(), got, want))
	}
	return local, nil
}

// bcastCentroids broadcasts the coordinator's centroid set, returning
// it on every rank.
func (r *runner) bcastCentroids(ctx context.Context, c Centroids) (Centroids, error) {
	var p collective.Payload
	if r.comm.IsRoot() {
		p = c.payload()
		p.Ints = []int64{int64(c.Version)}
	}
	p, err := r.comm.Bcast(ctx, p)
	if err != nil {
		return Centroids{}, err
	}
	if r.comm.IsRoot() {
		return c, nil
	}
	if len(p.Ints) != 1 {
		return Centroids{}, errors.E(errors.Integrity, "bigkmeans: malformed centroid set")
	}
	recs, err := recordsFromPayload(r.strategy.Kind(), r.cfg.D, p)
	if err != nil {
		return Centroids{}, errors.E(errors.Integrity, "bigkmeans: received centroids", err)
	}
	if recs.Len() != r.cfg.K {
		return Centroids{}, errors.E(errors.Integrity,
			fmt.Sprintf("bigkmeans: received %d centroids, want %d", recs.Len(), r.cfg.K))
	}
	return Centroids{Version: int(p.Ints[0]), Records: recs}, nil
}

// gather collects every rank's labels on the coordinator, in dataset
// order.
func (r *runner) gather(ctx context.Context, layout partition.Layout, labels []int) ([]int, error) {
	local := make([]int64, len(labels))
	for i, l := range labels {
		local[i] = int64(l)
	}
	parts, err := r.comm.Gatherv(ctx, collective.Payload{Ints: local})
	if err != nil || !r.comm.IsRoot() {
		return nil, err
	}
	var (
		all     = make([]int, layout.Len())
		counts  = layout.RecordCounts()
		offsets = layout.RecordOffsets()
	)
	for rank, p := range parts {
		if got, want := len(p.Ints), counts[rank]; got != want {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("bigkmeans: rank %d returned %d labels, want %d", rank, got, want))
		}
		for i, l := range p.Ints {
			all[offsets[rank]+i] = int(l)
		}
	}
	return all, nil
}

func (r *runner) event(round int, phase string, start time.Time) {
	if r.onEvent == nil {
		return
	}
	r.onEvent(Event{
		Rank:     r.comm.Rank(),
		Round:    round,
		Phase:    phase,
		Start:    start,
		Duration: time.Since(start),
	})
}
