// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Scope is a collection of counter values. The zero Scope is empty
// and ready to use. Scopes are safe for concurrent use.
type Scope struct {
	mu     sync.Mutex
	values map[int]uint64
}

// GobEncode implements a custom gob encoder for scopes, so that
// scopes may be returned from remote workers.
func (s *Scope) GobEncode() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b bytes.Buffer
	values := s.values
	if values == nil {
		values = map[int]uint64{}
	}
	err := gob.NewEncoder(&b).Encode(values)
	return b.Bytes(), err
}

// GobDecode implements a custom gob decoder for scopes.
func (s *Scope) GobDecode(p []byte) error {
	var values map[int]uint64
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&values); err != nil {
		return err
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Merge adds the values in scope u to scope s.
func (s *Scope) Merge(u *Scope) {
	if u == s {
		panic("metrics: merge of scope into itself")
	}
	u.mu.Lock()
	values := make(map[int]uint64, len(u.values))
	for id, v := range u.values {
		values[id] = v
	}
	u.mu.Unlock()
	for id, v := range values {
		s.add(id, v)
	}
}

// Reset resets the scope s to a copy of u. It is reset to its
// initial (empty) state if u is nil.
func (s *Scope) Reset(u *Scope) {
	var values map[int]uint64
	if u != nil {
		u.mu.Lock()
		values = make(map[int]uint64, len(u.values))
		for id, v := range u.values {
			values[id] = v
		}
		u.mu.Unlock()
	}
	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
}

// String returns the nonzero counters in the scope, sorted by name,
// as name:value pairs.
func (s *Scope) String() string {
	s.mu.Lock()
	var pairs []string
	for id, v := range s.values {
		if v == 0 {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s:%d", counterName(id), v))
	}
	s.mu.Unlock()
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}

func (s *Scope) add(id int, n uint64) {
	s.mu.Lock()
	if s.values == nil {
		s.values = make(map[int]uint64)
	}
	s.values[id] += n
	s.mu.Unlock()
}

func (s *Scope) value(id int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[id]
}

// contextKeyType is used to create unique context key for scopes,
// available only to code in this package.
type contextKeyType struct{}

// contextKey is the key used to attach scopes to contexts.
var contextKey contextKeyType

// ScopedContext returns a context with the provided scope attached.
// The scope may be retrieved by ContextScope.
func ScopedContext(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, contextKey, scope)
}

// ContextScope returns the scope attached to the provided context.
// If the context carries no scope, a fresh scope is returned, so
// that code instrumented with counters may run outside of an
// executor.
func ContextScope(ctx context.Context) *Scope {
	if s, ok := ctx.Value(contextKey).(*Scope); ok {
		return s
	}
	return new(Scope)
}
