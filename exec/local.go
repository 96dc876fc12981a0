// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/metrics"
)

// localExecutor is an executor that runs every rank in-process, in
// separate goroutines connected by in-memory mailboxes.
type localExecutor struct{}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string { return "local" }

func (*localExecutor) Start(*Session) (shutdown func()) {
	return func() {}
}

func (*localExecutor) Run(ctx context.Context, j *job) (*bigkmeans.Result, error) {
	var (
		transports = collective.Local(j.Size)
		results    = make([]*bigkmeans.Result, j.Size)
		errs       = make([]error, j.Size)
		scopes     = make([]metrics.Scope, j.Size)
	)
	// Ranks never fail traversal: each rank's error is kept so that
	// the coordinator's error takes precedence, and the abort
	// protocol unblocks the remaining ranks.
	_ = traverse.Limit(j.Size).Each(j.Size, func(rank int) error {
		var (
			source bigkmeans.Source
			seeder bigkmeans.Seeder
			opts   = []bigkmeans.RunOption{bigkmeans.OnEvent(j.OnEvent)}
		)
		if rank == collective.Root {
			source, seeder = j.Source, j.Seeder
			opts = append(opts, bigkmeans.OnRound(j.OnRound))
		}
		results[rank], errs[rank] = runRank(ctx, j, transports[rank], &scopes[rank], source, seeder, opts...)
		return nil
	})
	for i := range scopes {
		j.Scope.Merge(&scopes[i])
	}
	if err := firstErr(errs); err != nil {
		return nil, err
	}
	return results[collective.Root], nil
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
