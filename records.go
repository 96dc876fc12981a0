// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import (
	"bytes"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans/collective"
)

// Kind is the kind of records in a dataset.
type Kind int

const (
	// Vectors are records of real numbers.
	Vectors Kind = iota + 1
	// Sequences are records of symbols.
	Sequences
)

func (k Kind) String() string {
	switch k {
	case Vectors:
		return "vectors"
	case Sequences:
		return "sequences"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Records is a contiguous buffer of fixed-width records. Record i
// occupies elements [i*Width, (i+1)*Width) of the buffer matching the
// records' kind: Floats for Vectors, Symbols for Sequences.
//
// Records are treated as immutable once constructed; operations that
// derive new records (Slice, Copy) never modify their receiver.
type Records struct {
	Kind    Kind
	Width   int
	Floats  []float64
	Symbols []byte
}

// NewVectors returns vector records of the given width backed by
// data. The length of data must be a multiple of width.
func NewVectors(data []float64, width int) (Records, error) {
	if width <= 0 {
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid record width %d", width))
	}
	if len(data)%width != 0 {
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %d values do not form records of width %d", len(data), width))
	}
	return Records{Kind: Vectors, Width: width, Floats: data}, nil
}

// NewSequences returns sequence records of the given width backed
// by data. The length of data must be a multiple of width.
func NewSequences(data []byte, width int) (Records, error) {
	if width <= 0 {
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid record width %d", width))
	}
	if len(data)%width != 0 {
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %d symbols do not form records of width %d", len(data), width))
	}
	return Records{Kind: Sequences, Width: width, Symbols: data}, nil
}

// MustVectors is like NewVectors, but panics on error.
func MustVectors(data []float64, width int) Records {
	r, err := NewVectors(data, width)
	if err != nil {
		panic(err)
	}
	return r
}

// MustSequences returns sequence records made from the provided
// strings, all of which must have the same length.
func MustSequences(seqs ...string) Records {
	if len(seqs) == 0 {
		panic("bigkmeans.MustSequences: no sequences")
	}
	var b bytes.Buffer
	for _, s := range seqs {
		if len(s) != len(seqs[0]) {
			panic(fmt.Sprintf("bigkmeans.MustSequences: sequence %q has length %d, want %d", s, len(s), len(seqs[0])))
		}
		b.WriteString(s)
	}
	r, err := NewSequences(b.Bytes(), len(seqs[0]))
	if err != nil {
		panic(err)
	}
	return r
}

// Len returns the number of records.
func (r Records) Len() int {
	if r.Width == 0 {
		return 0
	}
	switch r.Kind {
	case Vectors:
		return len(r.Floats) / r.Width
	case Sequences:
		return len(r.Symbols) / r.Width
	default:
		return 0
	}
}

// Slice returns records [i, j).
func (r Records) Slice(i, j int) Records {
	s := Records{Kind: r.Kind, Width: r.Width}
	switch r.Kind {
	case Vectors:
		s.Floats = r.Floats[i*r.Width : j*r.Width]
	case Sequences:
		s.Symbols = r.Symbols[i*r.Width : j*r.Width]
	}
	return s
}

// Vector returns vector record i.
func (r Records) Vector(i int) []float64 {
	return r.Floats[i*r.Width : (i+1)*r.Width]
}

// Sequence returns sequence record i.
func (r Records) Sequence(i int) []byte {
	return r.Symbols[i*r.Width : (i+1)*r.Width]
}

// Copy returns a deep copy of the records.
func (r Records) Copy() Records {
	c := Records{Kind: r.Kind, Width: r.Width}
	if r.Floats != nil {
		c.Floats = append([]float64(nil), r.Floats...)
	}
	if r.Symbols != nil {
		c.Symbols = append([]byte(nil), r.Symbols...)
	}
	return c
}

// Equal tells whether r and s contain identical records.
func (r Records) Equal(s Records) bool {
	if r.Kind != s.Kind || r.Width != s.Width || r.Len() != s.Len() {
		return false
	}
	switch r.Kind {
	case Vectors:
		for i := range r.Floats {
			if r.Floats[i] != s.Floats[i] {
				return false
			}
		}
		return true
	case Sequences:
		return bytes.Equal(r.Symbols, s.Symbols)
	}
	return true
}

// String returns a compact rendering of the records, suitable for
// logging small record sets such as centroids.
func (r Records) String() string {
	var b bytes.Buffer
	b.WriteByte('[')
	for i := 0; i < r.Len(); i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch r.Kind {
		case Vectors:
			fmt.Fprint(&b, r.Vector(i))
		case Sequences:
			b.Write(r.Sequence(i))
		}
	}
	b.WriteByte(']')
	return b.String()
}

func (r Records) payload() collective.Payload {
	switch r.Kind {
	case Vectors:
		return collective.Payload{Floats: r.Floats}
	case Sequences:
		return collective.Payload{Bytes: r.Symbols}
	default:
		return collective.Payload{}
	}
}

func recordsFromPayload(kind Kind, width int, p collective.Payload) (Records, error) {
	switch kind {
	case Vectors:
		return NewVectors(p.Floats, width)
	case Sequences:
		return NewSequences(p.Bytes, width)
	default:
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: invalid record kind %v", kind))
	}
}
