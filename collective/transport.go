// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Transport moves messages between the ranks of a fixed-size
// group. Messages between any pair of ranks are delivered in the
// order in which they were sent. Send must not block on the
// receiver: the collectives rely on buffered delivery so that the
// root can drain contributions in rank order.
//
// The collectives in this package only require traffic between the
// root and the other ranks; transports are free to reject any other
// pairing.
type Transport interface {
	// Rank returns the rank of the local participant.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Send delivers msg to rank to.
	Send(ctx context.Context, to int, msg Message) error
	// Recv returns the next message sent from rank from.
	Recv(ctx context.Context, from int) (Message, error)
}

// Local returns the transports of an n-rank group whose members
// live in the same process. Transport i has rank i.
func Local(n int) []Transport {
	boxes := make([]*Mailbox, n)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	ts := make([]Transport, n)
	for i := range ts {
		ts[i] = &localTransport{rank: i, boxes: boxes}
	}
	return ts
}

type localTransport struct {
	rank  int
	boxes []*Mailbox
}

func (t *localTransport) Rank() int { return t.rank }
func (t *localTransport) Size() int { return len(t.boxes) }

func (t *localTransport) Send(ctx context.Context, to int, msg Message) error {
	if err := checkPeer(t, to); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.boxes[to].Put(t.rank, msg)
	return nil
}

func (t *localTransport) Recv(ctx context.Context, from int) (Message, error) {
	if err := checkPeer(t, from); err != nil {
		return Message{}, err
	}
	return t.boxes[t.rank].Take(ctx, from)
}

func checkPeer(t Transport, peer int) error {
	if peer < 0 || peer >= t.Size() || peer == t.Rank() {
		return errors.E(errors.Invalid, fmt.Sprintf("collective: rank %d: invalid peer %d in group of %d", t.Rank(), peer, t.Size()))
	}
	return nil
}
