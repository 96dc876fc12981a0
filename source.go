// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// A Source loads the dataset to be clustered. Sources are invoked
// only on the coordinator.
type Source interface {
	Load(ctx context.Context) (Records, error)
}

// A Seeder chooses the k initial centroids for a dataset. Seeders
// are invoked only on the coordinator.
type Seeder interface {
	Seed(ctx context.Context, data Records, k int) (Records, error)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (Records, error)

// Load implements Source.
func (f SourceFunc) Load(ctx context.Context) (Records, error) { return f(ctx) }

// Const returns a Source of the provided records.
func Const(data Records) Source {
	return SourceFunc(func(context.Context) (Records, error) { return data, nil })
}

// Fixed returns a Seeder that always chooses the provided seeds.
func Fixed(seeds Records) Seeder { return fixed{seeds} }

type fixed struct{ seeds Records }

func (f fixed) Seed(_ context.Context, data Records, k int) (Records, error) {
	if got := f.seeds.Len(); got != k {
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %d fixed seeds for %d clusters", got, k))
	}
	return f.seeds, nil
}

// First returns a Seeder that chooses the first k records of the
// dataset.
var First Seeder = first{}

type first struct{}

func (first) Seed(_ context.Context, data Records, k int) (Records, error) {
	if data.Len() < k {
		return Records{}, errors.E(errors.Invalid, fmt.Sprintf("bigkmeans: %d records cannot seed %d clusters", data.Len(), k))
	}
	return data.Slice(0, k).Copy(), nil
}
