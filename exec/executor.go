// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/internal/stats"
	"github.com/grailbio/bigkmeans/metrics"
)

// Executor runs the ranks of clustering jobs. The coordinator (rank
// 0) always runs in the session's own process, where the job's
// source and seeder are available; executors differ in where they
// place the remaining ranks.
type Executor interface {
	// Name returns a human-friendly name for this executor.
	Name() string

	// Start starts the executor. It is called before any runs are
	// made. The returned shutdown function is called when the
	// session is shut down.
	Start(*Session) (shutdown func())

	// Run runs every rank of the provided job, returning the
	// coordinator's result. Run returns an error if any rank fails.
	Run(ctx context.Context, job *job) (*bigkmeans.Result, error)

	// HandleDebug adds executor-specific debug handlers to the
	// provided mux.
	HandleDebug(handler *http.ServeMux)
}

// A Job is a clustering job to be run by a session.
type Job struct {
	// Config configures the job. It is shipped to every rank.
	Config bigkmeans.Config
	// Source loads the dataset on the coordinator.
	Source bigkmeans.Source
	// Seeder chooses the initial centroids on the coordinator.
	Seeder bigkmeans.Seeder
}

// job is a Job being run by a session.
type job struct {
	Job
	// ID uniquely identifies the run.
	ID string
	// Index is the index of the run within the session; it is used
	// to lay out trace events.
	Index int
	// Size is the number of ranks.
	Size int
	// Scope accumulates the metrics of every rank.
	Scope *metrics.Scope
	// OnRound and OnEvent observe the run's progress.
	OnRound func(bigkmeans.RoundInfo)
	OnEvent func(bigkmeans.Event)
}

// traffic counts the collective messages exchanged by the ranks
// hosted in this process.
var traffic = stats.NewMap()

// comm returns a collective endpoint over t configured for the job.
func (j *job) comm(t collective.Transport) *collective.Comm {
	return collective.New(t, collective.Timeout(j.Config.CollectiveTimeout), collective.Stats(traffic))
}

// runRank runs one rank of the job over t. Panics are converted into
// fatal errors. Metrics are accumulated into scope.
func runRank(ctx context.Context, j *job, t collective.Transport, scope *metrics.Scope, source bigkmeans.Source, seeder bigkmeans.Seeder, opts ...bigkmeans.RunOption) (res *bigkmeans.Result, err error) {
	comm := j.comm(t)
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while running rank %d: %v\n%s", comm.Rank(), e, string(stack))
			err = errors.E(err, errors.Fatal)
			_ = comm.Abort(ctx, err)
		}
	}()
	ctx = metrics.ScopedContext(ctx, scope)
	return bigkmeans.Run(ctx, comm, j.Config, source, seeder, opts...)
}

// firstErr returns the error of the coordinator if it failed,
// otherwise the first error reported by another rank.
func firstErr(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
