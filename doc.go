// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigkmeans implements distributed k-means clustering over
	datasets of fixed-width records. The dataset is split among a
	fixed group of workers, and the group refines a shared set of
	cluster centroids in lock-step rounds until the centroids
	stabilize. The result is a cluster label for every record, in
	the dataset's original order, together with the final centroids.

	Two record kinds are supported: vectors of real numbers, compared
	by Euclidean distance and summarized by their arithmetic mean
	(see Euclidean), and fixed-length sequences of symbols drawn from a
	small alphabet, compared by Hamming distance and summarized by a
	per-position majority vote (see Hamming). Both are expressed as
	a Strategy, so that the distributed refinement loop is shared.

	Each round proceeds as follows. Every worker assigns each of its
	records to the nearest centroid and folds the record into a
	partial aggregate for that cluster. The partial aggregates are
	summed on the coordinating worker (rank 0), which derives the next
	centroid set, measures how far the centroids moved, and decides
	whether the run has converged. The decision, and the next centroid
	set when the run continues, is broadcast to every worker. Once the
	run has converged, the per-worker labels are gathered back on the
	coordinator.

	Communication among workers is expressed entirely through the
	collectives in package github.com/grailbio/bigkmeans/collective.
	Run implements the protocol for a single worker; it must be called
	by every worker of a group, with identical configuration. Package
	github.com/grailbio/bigkmeans/exec provides sessions that run all
	workers of a group, either in-process or on a cluster of machines
	managed by bigmachine:

		sess := exec.Start(exec.Local, exec.Workers(8))
		defer sess.Shutdown()
		res, err := sess.Run(ctx, exec.Job{
			Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 4, D: 2},
			Source: kmeansio.VectorFile(path, 2),
			Seeder: seed.Separated{MinDistance: 0.5},
		})

	Cluster counts, record width, and the worker group are fixed for the
	duration of a run. A run has no iteration limit unless
	Config.MaxRounds is set; a run that reaches the limit returns its
	current labels and centroids with Result.Converged set to false.
*/
package bigkmeans
