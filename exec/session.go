// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec runs clustering jobs on groups of workers. A Session
// owns an executor, which places the ranks of each job either in the
// current process (Local) or on a cluster of machines managed by
// bigmachine (Bigmachine).
package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/internal/trace"
	"github.com/grailbio/bigkmeans/metrics"
	"github.com/grailbio/bigmachine"
)

// Session represents a bigkmeans compute session. A session owns an
// executor and a fixed worker group size, and is valid for the run
// of the binary. A session can run multiple clustering jobs, one
// after another or concurrently.
//
// A session is started by the Start method. Some executors launch
// additional copies of the binary to host the workers; in these
// copies Start does not return.
//
//	func main() {
//		sess := exec.Start(exec.Workers(16))
//		defer sess.Shutdown()
//		res, err := sess.Run(ctx, exec.Job{Config: cfg, Source: src, Seeder: seeder})
//		if err != nil {
//			log.Fatal(err)
//		}
//		// Success!
//	}
type Session struct {
	context.Context
	index     int32
	shutdown  func()
	workers   int
	executor  Executor
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string

	tracer *trace.Recorder
	runs   int32
}

func newSession() *Session {
	return &Session{
		Context: backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each bigmachine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Workers configures the number of workers (ranks) that cooperate on
// each job, including the coordinator.
func Workers(n int) Option {
	if n <= 0 {
		panic("exec.Workers: n <= 0")
	}
	return func(s *Session) {
		s.workers = n
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("bigkmeans-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the
// session will be written on shutdown. The path may name any file
// supported by package github.com/grailbio/base/file.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new bigkmeans session, configuring it
// according to the provided options. The returned session remains
// valid for the lifetime of the binary. If no executor is
// configured, the session is configured to use the bigmachine
// executor with the local system.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.workers == 0 {
		s.workers = 1
	}
	if s.executor == nil {
		s.executor = newBigmachineExecutor(bigmachine.Local)
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("bigkmeans:sessionStart",
		"command", command(),
		"executorType", s.executor.Name(),
		"workers", s.workers)
	s.tracer = trace.NewRecorder()

	name := fmt.Sprintf("bigkmeans-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// Run runs the provided clustering job across the session's worker
// group. Run returns when the job has completed, or else on error.
// It is safe to make concurrent calls to Run.
func (s *Session) Run(ctx context.Context, j Job) (*Result, error) {
	if err := j.Config.Validate(); err != nil {
		return nil, err
	}
	if j.Source == nil || j.Seeder == nil {
		return nil, errors.E(errors.Invalid, "exec.Run: job requires a source and a seeder")
	}
	run := &job{
		Job:   j,
		ID:    uuid.New().String(),
		Index: int(atomic.AddInt32(&s.runs, 1)),
		Size:  s.workers,
		Scope: new(metrics.Scope),
	}
	var task *status.Task
	if s.status != nil {
		task = s.status.Group("bigkmeans").Startf("run %d (%s, k=%d)", run.Index, j.Config.Metric, j.Config.K)
		defer task.Done()
		task.Print("loading")
	}
	run.OnRound = func(info bigkmeans.RoundInfo) {
		if task != nil {
			task.Printf("round %d: drift %.6g, %d empty clusters", info.Round, info.Drift, info.Empty)
		}
	}
	run.OnEvent = func(e bigkmeans.Event) {
		s.tracer.Complete(e.Rank, run.Index, trace.CatPhase, e.Phase, e.Start, e.Duration, "round", e.Round, "run", run.ID)
	}
	s.eventer.Event("bigkmeans:runStart",
		"run", run.ID,
		"metric", j.Config.Metric,
		"k", j.Config.K,
		"d", j.Config.D,
		"workers", run.Size)
	log.Debug.Printf("exec: run %s: %d workers on %s executor", run.ID, run.Size, s.executor.Name())

	start, before := time.Now(), traffic.Snapshot()
	res, err := s.executor.Run(ctx, run)
	log.Debug.Printf("exec: run %s: local traffic: %s", run.ID, traffic.Snapshot().Sub(before))
	s.tracer.Complete(0, run.Index, trace.CatRun, j.Config.Metric, start, time.Since(start),
		"run", run.ID, "k", j.Config.K, "workers", run.Size, "ok", err == nil)
	if err != nil {
		if task != nil {
			task.Printf("error: %v", err)
		}
		s.eventer.Event("bigkmeans:runError", "run", run.ID, "error", err.Error())
		return nil, err
	}
	if task != nil {
		task.Printf("done: %d rounds, converged %v", res.Rounds, res.Converged)
	}
	s.eventer.Event("bigkmeans:runDone",
		"run", run.ID,
		"rounds", res.Rounds,
		"converged", res.Converged)
	return &Result{Result: res, scope: run.Scope}, nil
}

// Must is a version of Run that panics if the job fails.
func (s *Session) Must(ctx context.Context, j Job) *Result {
	res, err := s.Run(ctx, j)
	if err != nil {
		log.Panicf("exec.Run: %v", err)
	}
	return res
}

// Workers returns the number of workers in each job's group.
func (s *Session) Workers() int {
	return s.workers
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s, s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the session's debug handlers on the
// provided mux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	if s.tracer != nil {
		handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("content-type", "application/json; charset=utf-8")
			if err := s.tracer.Marshal(w); err != nil {
				log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
			}
		})
	}
}

// A Result is the outcome of a job run by a session: the
// coordinator's labels and centroids, together with the metrics of
// every rank.
type Result struct {
	*bigkmeans.Result
	scope *metrics.Scope
}

// Scope returns the merged metrics scope of every rank of the run.
func (r *Result) Scope() *metrics.Scope {
	return r.scope
}

var traceMu sync.Mutex

func writeTraceFile(ctx context.Context, tracer *trace.Recorder, path string) {
	traceMu.Lock()
	defer traceMu.Unlock()
	f, err := file.Create(ctx, path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	if err := tracer.Marshal(f.Writer(ctx)); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
	if err := f.Close(ctx); err != nil {
		log.Error.Printf("error closing trace file at %q: %v", path, err)
	}
}

// command returns the command line of the current process, quoted so
// that it can be pasted into sh.
func command() string {
	args := make([]string, len(os.Args))
	for i, arg := range os.Args {
		args[i] = "'" + strings.Replace(arg, "'", `'\''`, -1) + "'"
	}
	return strings.Join(args, " ")
}
