// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"math/rand"
	"reflect"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/internal/stats"
	"golang.org/x/sync/errgroup"
)

// runGroup runs fn on every rank of an n-rank local group and
// returns the first error.
func runGroup(ctx context.Context, n int, fn func(ctx context.Context, c *Comm) error, opts ...Option) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range Local(n) {
		c := New(t, opts...)
		g.Go(func() error { return fn(ctx, c) })
	}
	return g.Wait()
}

func TestScatterBcastGather(t *testing.T) {
	const N = 5
	ctx := context.Background()
	var gathered []Payload
	err := runGroup(ctx, N, func(ctx context.Context, c *Comm) error {
		var parts []Payload
		if c.IsRoot() {
			for rank := 0; rank < N; rank++ {
				parts = append(parts, Payload{Ints: []int64{int64(rank), int64(rank * 10)}})
			}
		}
		p, err := c.Scatterv(ctx, parts)
		if err != nil {
			return err
		}
		if got, want := p.Ints, []int64{int64(c.Rank()), int64(c.Rank() * 10)}; !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		var b Payload
		if c.IsRoot() {
			b = Payload{Bytes: []byte("ACGT"), Floats: []float64{1.5}}
		}
		b, err = c.Bcast(ctx, b)
		if err != nil {
			return err
		}
		if got, want := string(b.Bytes), "ACGT"; got != want {
			t.Errorf("rank %d: got %v, want %v", c.Rank(), got, want)
		}
		parts, err = c.Gatherv(ctx, Payload{Ints: p.Ints[:1]})
		if err != nil {
			return err
		}
		if c.IsRoot() {
			gathered = parts
		} else if parts != nil {
			t.Errorf("rank %d: unexpected gather result", c.Rank())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(gathered), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for rank, p := range gathered {
		if got, want := p.Ints, []int64{int64(rank)}; !reflect.DeepEqual(got, want) {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
	}
}

func TestReduceArrivalOrder(t *testing.T) {
	const (
		N = 7
		M = 64
	)
	fz := fuzz.NewWithSeed(N * M)
	fz.NilChance(0).NumElements(M, M)
	contrib := make([][]float64, N)
	for i := range contrib {
		fz.Fuzz(&contrib[i])
	}
	reduce := func(delays []time.Duration) []float64 {
		var sum []float64
		err := runGroup(context.Background(), N, func(ctx context.Context, c *Comm) error {
			time.Sleep(delays[c.Rank()])
			s, err := c.Reduce(ctx, contrib[c.Rank()])
			if c.IsRoot() {
				sum = s
			}
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return sum
	}
	want := reduce(make([]time.Duration, N))
	r := rand.New(rand.NewSource(1))
	for iter := 0; iter < 5; iter++ {
		delays := make([]time.Duration, N)
		for i, j := range r.Perm(N) {
			delays[i] = time.Duration(j) * time.Millisecond
		}
		if got := reduce(delays); !reflect.DeepEqual(got, want) {
			t.Fatalf("delays %v: reduce depends on arrival order", delays)
		}
	}
	for i := range want {
		var sum float64
		for rank := range contrib {
			sum += contrib[rank][i]
		}
		if got := want[i]; got != sum {
			t.Errorf("index %d: got %v, want %v", i, got, sum)
		}
	}
}

func TestReduceLengthMismatch(t *testing.T) {
	err := runGroup(context.Background(), 3, func(ctx context.Context, c *Comm) error {
		buf := make([]float64, 4)
		if c.Rank() == 2 {
			buf = buf[:3]
		}
		_, err := c.Reduce(ctx, buf)
		return err
	})
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestAbortPropagates(t *testing.T) {
	const N = 4
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, N)
	_ = runGroup(ctx, N, func(ctx context.Context, c *Comm) error {
		if c.IsRoot() {
			errs[c.Rank()] = c.Abort(ctx, errors.E(errors.NotExist, "missing dataset"))
			return nil
		}
		_, errs[c.Rank()] = c.Scatterv(ctx, nil)
		return nil
	})
	if err := errs[Root]; err != nil {
		t.Fatal(err)
	}
	for rank := 1; rank < N; rank++ {
		if !errors.Is(errors.NotExist, errs[rank]) {
			t.Errorf("rank %d: got %v, want not exist", rank, errs[rank])
		}
	}
}

func TestWorkerAbort(t *testing.T) {
	ctx := context.Background()
	errs := make([]error, 3)
	_ = runGroup(ctx, 3, func(ctx context.Context, c *Comm) error {
		var err error
		switch c.Rank() {
		case Root:
			_, err = c.Reduce(ctx, []float64{1})
			if err != nil {
				if aerr := c.Abort(ctx, err); aerr != nil {
					t.Error(aerr)
				}
			}
		case 1:
			err = c.Abort(ctx, errors.E(errors.Invalid, "bad partition"))
			if err == nil {
				err = errors.E(errors.Invalid, "aborted")
			}
		case 2:
			if _, err = c.Reduce(ctx, []float64{1}); err != nil {
				break
			}
			_, err = c.Bcast(ctx, Payload{})
		}
		errs[c.Rank()] = err
		return nil
	})
	for rank, err := range errs {
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("rank %d: got %v, want invalid", rank, err)
		}
	}
}

func TestProtocolViolation(t *testing.T) {
	err := runGroup(context.Background(), 2, func(ctx context.Context, c *Comm) error {
		if c.IsRoot() {
			_, err := c.Bcast(ctx, Payload{Ints: []int64{1}})
			return err
		}
		_, err := c.Scatterv(ctx, nil)
		return err
	})
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestChecksum(t *testing.T) {
	ts := Local(2)
	ctx := context.Background()
	p := Payload{Floats: []float64{1, 2, 3}}
	msg := Message{Op: OpBcast, Seq: 1, Payload: p, Sum: p.Sum() + 1}
	if err := ts[Root].Send(ctx, 1, msg); err != nil {
		t.Fatal(err)
	}
	c := New(ts[1])
	if _, err := c.Bcast(ctx, Payload{}); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestTimeout(t *testing.T) {
	ts := Local(2)
	c := New(ts[1], Timeout(10*time.Millisecond))
	_, err := c.Bcast(context.Background(), Payload{})
	if !errors.Is(errors.Timeout, err) {
		t.Errorf("got %v, want timeout", err)
	}
}

func TestInvalidPeer(t *testing.T) {
	ts := Local(2)
	ctx := context.Background()
	if err := ts[0].Send(ctx, 0, Message{}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := ts[1].Recv(ctx, 5); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestMailbox(t *testing.T) {
	m := NewMailbox()
	ctx := context.Background()
	m.Put(1, Message{Seq: 1})
	m.Put(2, Message{Seq: 10})
	m.Put(1, Message{Seq: 2})
	if got, want := m.Len(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, want := range []uint64{1, 2} {
		msg, err := m.Take(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got := msg.Seq; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	done := make(chan Message)
	go func() {
		msg, err := m.Take(ctx, 3)
		if err != nil {
			t.Error(err)
		}
		done <- msg
	}()
	m.Put(3, Message{Seq: 7})
	if got, want := (<-done).Seq, uint64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.Take(cctx, 4); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestStats(t *testing.T) {
	const N = 4
	m := stats.NewMap()
	err := runGroup(context.Background(), N, func(ctx context.Context, c *Comm) error {
		_, err := c.Bcast(ctx, Payload{Floats: []float64{1, 2, 3}})
		return err
	}, Stats(m))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.Snapshot().String(), "received:3 received-values:9 sent:3 sent-values:9"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
