// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective implements rooted collective operations
// (scatter, broadcast, reduce, gather) over a fixed-size group of
// ranks connected by a Transport.
//
// Collectives are blocking and must be called by every rank of the
// group in the same order: each call is numbered, and a rank that
// receives a message belonging to a different collective reports a
// protocol violation rather than silently mixing up rounds. A rank
// that cannot proceed calls Abort, which causes the pending or next
// collective on every other rank to fail with the aborting rank's
// error, so that no rank is left waiting on a peer that has exited.
package collective

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/internal/stats"
)

// Root is the rank that coordinates every collective.
const Root = 0

// A Comm is one rank's endpoint of a collective group.
// Comms are not safe for concurrent use.
type Comm struct {
	t       Transport
	seq     uint64
	timeout time.Duration
	aborted map[int]bool
	stats   *stats.Map
}

// An Option configures a Comm.
type Option func(c *Comm)

// Timeout bounds the duration of each collective. A collective that
// does not complete within d fails with a timeout error. A zero
// duration disables the timeout.
func Timeout(d time.Duration) Option {
	return func(c *Comm) {
		c.timeout = d
	}
}

// Stats counts the messages and payload values sent and received by
// the Comm in m.
func Stats(m *stats.Map) Option {
	return func(c *Comm) {
		c.stats = m
	}
}

// New returns a Comm that communicates over the provided transport.
func New(t Transport, opts ...Option) *Comm {
	c := &Comm{t: t, aborted: make(map[int]bool)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rank returns the rank of this participant.
func (c *Comm) Rank() int { return c.t.Rank() }

// Size returns the number of ranks in the group.
func (c *Comm) Size() int { return c.t.Size() }

// IsRoot tells whether this participant is the root.
func (c *Comm) IsRoot() bool { return c.t.Rank() == Root }

// Seq returns the number of collectives started by this participant.
func (c *Comm) Seq() uint64 { return c.seq }

// Scatterv distributes one payload to each rank. On the root, parts
// must contain exactly one payload per rank, indexed by rank; parts
// is ignored on the other ranks. Scatterv returns the calling rank's
// payload.
func (c *Comm) Scatterv(ctx context.Context, parts []Payload) (Payload, error) {
	ctx, cancel, seq := c.begin(ctx)
	defer cancel()
	if !c.IsRoot() {
		msg, err := c.recv(ctx, Root, OpScatter, seq)
		return msg.Payload, err
	}
	if len(parts) != c.Size() {
		return Payload{}, errors.E(errors.Invalid, fmt.Sprintf("collective: scatter of %d parts in group of %d", len(parts), c.Size()))
	}
	for rank := 1; rank < c.Size(); rank++ {
		if err := c.send(ctx, rank, OpScatter, seq, parts[rank]); err != nil {
			return Payload{}, err
		}
	}
	return parts[Root], nil
}

// Bcast sends the root's payload to every rank. The argument is
// ignored on ranks other than the root. Bcast returns the root's
// payload on every rank.
func (c *Comm) Bcast(ctx context.Context, p Payload) (Payload, error) {
	ctx, cancel, seq := c.begin(ctx)
	defer cancel()
	if !c.IsRoot() {
		msg, err := c.recv(ctx, Root, OpBcast, seq)
		return msg.Payload, err
	}
	for rank := 1; rank < c.Size(); rank++ {
		if err := c.send(ctx, rank, OpBcast, seq, p); err != nil {
			return Payload{}, err
		}
	}
	return p, nil
}

// Reduce computes the element-wise sum of every rank's buffer. The
// sum is returned on the root only; other ranks receive nil.
// Contributions are combined in rank order, independent of the
// order in which they arrive, so that every run over the same
// inputs produces bit-identical sums. All buffers must have the same
// length.
func (c *Comm) Reduce(ctx context.Context, buf []float64) ([]float64, error) {
	ctx, cancel, seq := c.begin(ctx)
	defer cancel()
	if !c.IsRoot() {
		return nil, c.send(ctx, Root, OpReduce, seq, Payload{Floats: buf})
	}
	sum := make([]float64, len(buf))
	copy(sum, buf)
	for rank := 1; rank < c.Size(); rank++ {
		msg, err := c.recv(ctx, rank, OpReduce, seq)
		if err != nil {
			return nil, err
		}
		if got, want := len(msg.Payload.Floats), len(sum); got != want {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("collective: reduce #%d: rank %d contributed %d values, want %d", seq, rank, got, want))
		}
		for i, v := range msg.Payload.Floats {
			sum[i] += v
		}
	}
	return sum, nil
}

// Gatherv collects one payload from every rank. The root receives
// all payloads indexed by rank; other ranks receive nil.
func (c *Comm) Gatherv(ctx context.Context, p Payload) ([]Payload, error) {
	ctx, cancel, seq := c.begin(ctx)
	defer cancel()
	if !c.IsRoot() {
		return nil, c.send(ctx, Root, OpGather, seq, p)
	}
	parts := make([]Payload, c.Size())
	parts[Root] = p
	for rank := 1; rank < c.Size(); rank++ {
		msg, err := c.recv(ctx, rank, OpGather, seq)
		if err != nil {
			return nil, err
		}
		parts[rank] = msg.Payload
	}
	return parts, nil
}

// Abort notifies the group that this rank cannot proceed because of
// err. The root notifies every other rank; other ranks notify the
// root, which is expected to propagate the abort. Ranks that have
// themselves aborted are not notified.
func (c *Comm) Abort(ctx context.Context, err error) error {
	msg := Message{
		Op:   OpAbort,
		Seq:  c.seq,
		Kind: int(errors.Recover(err).Kind),
		Err:  err.Error(),
	}
	if !c.IsRoot() {
		if c.aborted[Root] {
			return nil
		}
		return c.t.Send(ctx, Root, msg)
	}
	var first error
	for rank := 1; rank < c.Size(); rank++ {
		if c.aborted[rank] {
			continue
		}
		if err := c.t.Send(ctx, rank, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Comm) begin(ctx context.Context) (context.Context, context.CancelFunc, uint64) {
	c.seq++
	if c.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		return ctx, cancel, c.seq
	}
	return ctx, func() {}, c.seq
}

func (c *Comm) send(ctx context.Context, to int, op Op, seq uint64, p Payload) error {
	msg := Message{Op: op, Seq: seq, Payload: p, Sum: p.Sum()}
	if err := c.t.Send(ctx, to, msg); err != nil {
		return c.error(ctx, op, seq, to, err)
	}
	c.stats.Int("sent").Add(1)
	c.stats.Int("sent-values").Add(int64(p.Len()))
	return nil
}

func (c *Comm) recv(ctx context.Context, from int, op Op, seq uint64) (Message, error) {
	msg, err := c.t.Recv(ctx, from)
	if err != nil {
		return Message{}, c.error(ctx, op, seq, from, err)
	}
	if msg.Op == OpAbort {
		c.aborted[from] = true
		return Message{}, errors.E(errors.Kind(msg.Kind), fmt.Sprintf("collective: %s#%d: aborted by rank %d: %s", op, seq, from, msg.Err))
	}
	if msg.Op != op || msg.Seq != seq {
		return Message{}, errors.E(errors.Integrity,
			fmt.Sprintf("collective: protocol violation: rank %d expected %s#%d from rank %d, got %s", c.Rank(), op, seq, from, msg))
	}
	if sum := msg.Payload.Sum(); sum != msg.Sum {
		c.stats.Int("corrupt").Add(1)
		return Message{}, errors.E(errors.Integrity,
			fmt.Sprintf("collective: %s from rank %d: computed checksum %x but expected checksum %x", msg, from, sum, msg.Sum))
	}
	c.stats.Int("received").Add(1)
	c.stats.Int("received-values").Add(int64(msg.Payload.Len()))
	return msg, nil
}

func (c *Comm) error(ctx context.Context, op Op, seq uint64, peer int, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.E(errors.Timeout, fmt.Sprintf("collective: %s#%d with rank %d timed out after %s", op, seq, peer, c.timeout), err)
	}
	return errors.E(fmt.Sprintf("collective: %s#%d with rank %d", op, seq, peer), err)
}
