// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/metrics"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&worker{})
}

// BigmachineStatusGroup is the name of the status group to which the
// bigmachine executor reports machine state.
const BigmachineStatusGroup = "bigmachine"

// drainPolicy paces the checks for undelivered messages at the end of
// a run.
var drainPolicy = retry.Backoff(10*time.Millisecond, time.Second, 1.5)

// drainTimeout bounds the time a completed run waits for the
// coordinator to collect its messages.
const drainTimeout = time.Minute

// bigmachineExecutor is an executor that runs the coordinator in
// the session's process and every other rank on its own bigmachine
// machine. The coordinator drives all communication: it delivers
// messages to a rank by calling Worker.Put on the rank's machine, and
// collects messages from a rank by calling Worker.Take. Machines
// never call back into the coordinator.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B

	status *status.Group

	mu       sync.Mutex
	machines []*bigmachine.Machine
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine. Machines are started on the first run.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group(BigmachineStatusGroup)
	}
	return b.b.Shutdown
}

// ensureMachines returns n running machines, starting any that are
// missing. Machines that have stopped are replaced.
func (b *bigmachineExecutor) ensureMachines(ctx context.Context, n int) ([]*bigmachine.Machine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	alive := b.machines[:0]
	for _, m := range b.machines {
		if m.State() == bigmachine.Running {
			alive = append(alive, m)
			continue
		}
		log.Printf("exec: machine %s is %s: %v", m.Addr, m.State(), m.Err())
	}
	b.machines = alive
	if need := n - len(b.machines); need > 0 {
		started, err := startMachines(ctx, b.b, b.status, need, append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, b.params...)...)
		if err != nil {
			return nil, err
		}
		b.machines = append(b.machines, started...)
	}
	return b.machines[:n], nil
}

// startMachines starts n machines on b and waits for all of them to
// be running.
func startMachines(ctx context.Context, b *bigmachine.B, group *status.Group, n int, params ...bigmachine.Param) ([]*bigmachine.Machine, error) {
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "exec: start machines", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			var task *status.Task
			if group != nil {
				task = group.Start()
				task.Print("waiting for machine to boot")
				defer task.Done()
			}
			select {
			case <-m.Wait(bigmachine.Running):
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := m.Err(); err != nil {
				log.Printf("exec: machine %s failed to start: %v", m.Addr, err)
				return errors.E(errors.Unavailable, fmt.Sprintf("exec: machine %s failed to start", m.Addr), err)
			}
			if err := m.RetryCall(ctx, "Worker.Ping", struct{}{}, nil); err != nil {
				return errors.E(errors.Unavailable, fmt.Sprintf("exec: machine %s", m.Addr), err)
			}
			log.Printf("exec: machine %v is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	return machines, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, j *job) (*bigkmeans.Result, error) {
	machines, err := b.ensureMachines(ctx, j.Size-1)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		g     errgroup.Group
		res   *bigkmeans.Result
		errs  = make([]error, j.Size)
		scope metrics.Scope
	)
	// Failures are propagated by the abort protocol rather than by
	// the group, so that every rank reports the originating error. A
	// failed coordinator additionally cancels outstanding machine
	// calls, since it can no longer serve the other ranks.
	g.Go(func() error {
		t := &driverTransport{id: j.ID, size: j.Size, machines: machines}
		res, errs[collective.Root] = runRank(ctx, j, t, &scope, j.Source, j.Seeder,
			bigkmeans.OnRound(j.OnRound), bigkmeans.OnEvent(j.OnEvent))
		if errs[collective.Root] != nil {
			cancel()
		}
		return nil
	})
	for i, m := range machines {
		rank, m := i+1, m
		g.Go(func() error {
			req := runRequest{ID: j.ID, Rank: rank, Size: j.Size, Config: j.Config}
			var reply runReply
			if err := m.Call(ctx, "Worker.Run", req, &reply); err != nil {
				errs[rank] = errors.E(fmt.Sprintf("exec: rank %d on machine %s", rank, m.Addr), err)
				return nil
			}
			scope.Merge(&reply.Scope)
			if j.OnEvent != nil {
				for _, e := range reply.Events {
					j.OnEvent(e)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	j.Scope.Merge(&scope)
	if err := firstErr(errs); err != nil {
		return nil, err
	}
	return res, nil
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
}

// driverTransport is the coordinator's transport. Messages are
// exchanged with each rank through the mailboxes of the Worker
// service on the rank's machine.
type driverTransport struct {
	id       string
	size     int
	machines []*bigmachine.Machine
}

func (t *driverTransport) Rank() int { return collective.Root }
func (t *driverTransport) Size() int { return t.size }

func (t *driverTransport) Send(ctx context.Context, to int, msg collective.Message) error {
	if err := checkPeer(t, to); err != nil {
		return err
	}
	return t.machines[to-1].RetryCall(ctx, "Worker.Put", putRequest{ID: t.id, Message: msg}, nil)
}

func (t *driverTransport) Recv(ctx context.Context, from int) (collective.Message, error) {
	if err := checkPeer(t, from); err != nil {
		return collective.Message{}, err
	}
	var msg collective.Message
	err := t.machines[from-1].Call(ctx, "Worker.Take", takeRequest{ID: t.id}, &msg)
	return msg, err
}

// workerTransport is the transport of a rank running on a machine.
// It exchanges messages only with the coordinator, through the
// run's mailboxes.
type workerTransport struct {
	rank, size int
	boxes      *mailboxes
}

func (t *workerTransport) Rank() int { return t.rank }
func (t *workerTransport) Size() int { return t.size }

func (t *workerTransport) Send(ctx context.Context, to int, msg collective.Message) error {
	if to != collective.Root {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: rank %d: cannot send to rank %d", t.rank, to))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.boxes.out.Put(collective.Root, msg)
	return nil
}

func (t *workerTransport) Recv(ctx context.Context, from int) (collective.Message, error) {
	if from != collective.Root {
		return collective.Message{}, errors.E(errors.Invalid, fmt.Sprintf("exec: rank %d: cannot receive from rank %d", t.rank, from))
	}
	return t.boxes.in.Take(ctx, collective.Root)
}

func checkPeer(t collective.Transport, peer int) error {
	if peer <= collective.Root || peer >= t.Size() {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: invalid peer %d in group of %d", peer, t.Size()))
	}
	return nil
}

// mailboxes holds the messages of one run on a worker: in holds the
// messages sent by the coordinator; out holds messages waiting to be
// taken by the coordinator. Both are keyed by the coordinator's rank.
type mailboxes struct {
	in, out *collective.Mailbox

	mu      sync.Mutex
	lastOp  collective.Op
	lastSeq uint64
}

type runRequest struct {
	ID         string
	Rank, Size int
	Config     bigkmeans.Config
}

type runReply struct {
	Scope  metrics.Scope
	Events []bigkmeans.Event
}

type putRequest struct {
	ID      string
	Message collective.Message
}

type takeRequest struct {
	ID string
}

// worker is the bigmachine service that runs ranks of clustering
// jobs. Runs are identified by ID; a run's mailboxes are created on
// first use by any of Run, Put, or Take, since the coordinator may
// deliver messages before the run has started.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b *bigmachine.B

	mu   sync.Mutex
	runs map[string]*mailboxes
	done map[string]bool
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.runs = make(map[string]*mailboxes)
	w.done = make(map[string]bool)
	return nil
}

// Ping is used to verify that the worker is up.
func (w *worker) Ping(ctx context.Context, _ struct{}, _ *struct{}) error {
	return nil
}

// Run runs one rank of a job, returning once the rank has completed.
func (w *worker) Run(ctx context.Context, req runRequest, reply *runReply) error {
	boxes := w.mailboxes(req.ID)
	if boxes == nil {
		return errors.E(errors.Invalid, fmt.Sprintf("exec: run %s already completed", req.ID))
	}
	defer func() {
		w.mu.Lock()
		delete(w.runs, req.ID)
		w.done[req.ID] = true
		w.mu.Unlock()
	}()
	j := &job{Job: Job{Config: req.Config}, ID: req.ID, Size: req.Size}
	t := &workerTransport{rank: req.Rank, size: req.Size, boxes: boxes}
	var mu sync.Mutex
	onEvent := bigkmeans.OnEvent(func(e bigkmeans.Event) {
		mu.Lock()
		reply.Events = append(reply.Events, e)
		mu.Unlock()
	})
	_, err := runRank(ctx, j, t, &reply.Scope, nil, nil, onEvent)
	// The rank's last message (its labels, or its abort) must remain
	// available until the coordinator has taken it.
	if derr := drain(ctx, boxes.out); derr != nil {
		log.Error.Printf("exec: run %s rank %d: %d undelivered messages: %v", req.ID, req.Rank, boxes.out.Len(), derr)
	}
	return err
}

// drain waits for every message in box to be taken.
func drain(ctx context.Context, box *collective.Mailbox) error {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for retries := 0; box.Len() > 0; retries++ {
		if err := retry.Wait(ctx, drainPolicy, retries); err != nil {
			return err
		}
	}
	return nil
}

// Put delivers a message from the coordinator to a run.
func (w *worker) Put(ctx context.Context, req putRequest, _ *struct{}) error {
	boxes := w.mailboxes(req.ID)
	if boxes == nil {
		// The run has completed; late messages, such as aborts that
		// crossed the rank's completion, are dropped.
		return nil
	}
	boxes.mu.Lock()
	defer boxes.mu.Unlock()
	if req.Message.Op == boxes.lastOp && req.Message.Seq == boxes.lastSeq {
		// Retried delivery.
		return nil
	}
	boxes.lastOp, boxes.lastSeq = req.Message.Op, req.Message.Seq
	boxes.in.Put(collective.Root, req.Message)
	return nil
}

// Take returns the next message sent by a run to the coordinator,
// blocking until one is available.
func (w *worker) Take(ctx context.Context, req takeRequest, msg *collective.Message) error {
	boxes := w.mailboxes(req.ID)
	if boxes == nil {
		return errors.E(errors.NotExist, fmt.Sprintf("exec: run %s has completed", req.ID))
	}
	m, err := boxes.out.Take(ctx, collective.Root)
	if err != nil {
		return err
	}
	*msg = m
	return nil
}

// mailboxes returns the mailboxes of the run with the provided ID,
// creating them if needed. It returns nil if the run has completed.
func (w *worker) mailboxes(id string) *mailboxes {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done[id] {
		return nil
	}
	boxes := w.runs[id]
	if boxes == nil {
		boxes = &mailboxes{in: collective.NewMailbox(), out: collective.NewMailbox()}
		w.runs[id] = boxes
	}
	return boxes
}
