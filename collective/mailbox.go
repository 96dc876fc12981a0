// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"sync"

	"github.com/grailbio/bigkmeans/internal/ctxsync"
)

// A Mailbox holds messages delivered to a rank, queued in FIFO order
// per sending rank. Put never blocks; Take blocks until a message
// from the requested sender is available or the context is done.
type Mailbox struct {
	mu     sync.Mutex
	cond   *ctxsync.Cond
	queues map[int][]Message
}

// NewMailbox returns a new, empty mailbox.
func NewMailbox() *Mailbox {
	m := &Mailbox{queues: make(map[int][]Message)}
	m.cond = ctxsync.NewCond(&m.mu)
	return m
}

// Put enqueues a message sent by rank from.
func (m *Mailbox) Put(from int, msg Message) {
	m.mu.Lock()
	m.queues[from] = append(m.queues[from], msg)
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Take dequeues the next message sent by rank from. If no such
// message is available, Take waits until one is, or until the
// context is done, in which case the context's error is returned.
func (m *Mailbox) Take(ctx context.Context, from int) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.cond.WaitUntil(ctx, func() bool { return len(m.queues[from]) > 0 }); err != nil {
		return Message{}, err
	}
	q := m.queues[from]
	msg := q[0]
	q[0] = Message{}
	if len(q) == 1 {
		delete(m.queues, from)
	} else {
		m.queues[from] = q[1:]
	}
	return msg, nil
}

// Len returns the number of messages currently queued.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
