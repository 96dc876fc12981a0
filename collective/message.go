// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spaolacci/murmur3"
)

// Op identifies the collective operation a message belongs to.
type Op int

const (
	opInvalid Op = iota
	// OpScatter carries one rank's share of a Scatterv.
	OpScatter
	// OpBcast carries a broadcast buffer.
	OpBcast
	// OpReduce carries one rank's contribution to a Reduce.
	OpReduce
	// OpGather carries one rank's contribution to a Gatherv.
	OpGather
	// OpAbort terminates the collective protocol on the receiver.
	OpAbort
)

var opNames = [...]string{
	opInvalid: "invalid",
	OpScatter: "scatter",
	OpBcast:   "bcast",
	OpReduce:  "reduce",
	OpGather:  "gather",
	OpAbort:   "abort",
}

func (op Op) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(op))
	}
	return opNames[op]
}

// A Payload is the data carried by a message. Collectives are typed
// by convention: each call site agrees on which of the buffers are
// populated.
type Payload struct {
	Floats []float64
	Bytes  []byte
	Ints   []int64
}

// Len returns the total number of values in the payload.
func (p Payload) Len() int {
	return len(p.Floats) + len(p.Bytes) + len(p.Ints)
}

// Sum computes a murmur3 checksum of the payload.
func (p Payload) Sum() uint64 {
	h := murmur3.New64()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(len(p.Floats)))
	h.Write(b[:])
	for _, f := range p.Floats {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
		h.Write(b[:])
	}
	binary.LittleEndian.PutUint64(b[:], uint64(len(p.Bytes)))
	h.Write(b[:])
	h.Write(p.Bytes)
	binary.LittleEndian.PutUint64(b[:], uint64(len(p.Ints)))
	h.Write(b[:])
	for _, v := range p.Ints {
		binary.LittleEndian.PutUint64(b[:], uint64(v))
		h.Write(b[:])
	}
	return h.Sum64()
}

// A Message is the unit of transmission between ranks.
type Message struct {
	// Op is the collective operation that produced the message.
	Op Op
	// Seq is the sender's collective sequence number. All ranks
	// number their collectives identically, so a mismatch indicates
	// that the ranks have diverged.
	Seq uint64
	// Payload is the data carried by the message.
	Payload Payload
	// Sum is the checksum of Payload computed by the sender.
	Sum uint64

	// Kind and Err describe the failure that caused an OpAbort.
	Kind int
	Err  string
}

func (m Message) String() string {
	return fmt.Sprintf("%s#%d", m.Op, m.Seq)
}
