// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigkmeans clusters a dataset of vectors or sequences with
// k-means, distributing the work across a group of workers.
//
// For example, to cluster a file of 2-dimensional points into 4
// clusters using 8 in-process workers:
//
//	bigkmeans -metric euclidean -input points.csv -k 4 -d 2 -workers 8
//
// and to cluster DNA strands of length 20 stored on S3 using EC2
// workers:
//
//	bigkmeans -system ec2 -metric dna -input s3://bucket/strands.txt.zst -k 8 -d 20 -labels labels.txt
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmeanscmd"
	"github.com/grailbio/bigkmeans/kmeansio"
	"github.com/grailbio/bigkmeans/seed"
)

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(session.Options{})))
}

func main() {
	var (
		metric    = flag.String("metric", bigkmeans.MetricEuclidean, "distance metric: euclidean (or 2d) for vectors, hamming (or dna) for sequences")
		input     = flag.String("input", "", "input dataset path")
		n         = flag.Int("n", 0, "expected number of records in the dataset; 0 accepts any number")
		k         = flag.Int("k", 0, "number of clusters")
		d         = flag.Int("d", 0, "record width: vector dimension or sequence length")
		alphabet  = flag.String("alphabet", bigkmeans.DefaultAlphabet, "sequence alphabet")
		threshold = flag.Float64("threshold", 0, "convergence threshold on total centroid drift; 0 selects the metric's default")
		maxRounds = flag.Int("max-rounds", 0, "maximum number of rounds; 0 means unbounded")
		timeout   = flag.Duration("collective-timeout", 0, "timeout for each collective operation; 0 means none")
		seedFlag  = flag.Int64("seed", 0, "seed for choosing the initial centroids")
		minDist   = flag.Float64("min-distance", seed.DefaultMinDistance, "minimum distance between initial vector centroids")
		minFrac   = flag.Float64("min-fraction", seed.DefaultMinFraction, "minimum fraction of differing positions between initial sequence centroids")
		labels    = flag.String("labels", "", "path to which record labels are written")
		centroids = flag.String("centroids", "", "path to which final centroids are written")
	)
	kmeanscmd.Main(func(sess *exec.Session, args []string) error {
		if *input == "" {
			return errors.New("missing flag -input")
		}
		cfg := bigkmeans.Config{
			Metric:            *metric,
			K:                 *k,
			D:                 *d,
			Alphabet:          *alphabet,
			Threshold:         *threshold,
			MaxRounds:         *maxRounds,
			Records:           *n,
			CollectiveTimeout: *timeout,
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		strategy, err := cfg.Strategy()
		if err != nil {
			return err
		}
		source := &kmeansio.File{Path: *input, Kind: strategy.Kind(), Width: cfg.D}
		ctx := context.Background()
		start := time.Now()
		res, err := sess.Run(ctx, exec.Job{
			Config: cfg,
			Source: source,
			Seeder: seed.Separated{MinDistance: *minDist, MinFraction: *minFrac, Seed: *seedFlag},
		})
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		fmt.Printf("clustered %d records into %d clusters with %d workers in %d rounds\n",
			len(res.Labels), res.Centroids.K(), sess.Workers(), res.Rounds)
		if !res.Converged {
			fmt.Printf("did not converge: drift %g after %d rounds\n", res.Drift, res.Rounds)
		}
		for j := 0; j < res.Centroids.K(); j++ {
			fmt.Printf("cluster %d: %s\n", j, res.Centroids.Slice(j, j+1))
		}
		if scope := res.Scope().String(); scope != "" {
			fmt.Printf("metrics: %s\n", scope)
		}
		fmt.Printf("time: %s\n", elapsed)
		if *labels != "" {
			if err := kmeansio.WriteLabels(ctx, *labels, res.Labels); err != nil {
				return err
			}
			log.Printf("wrote labels to %s", *labels)
		}
		if *centroids != "" {
			if err := kmeansio.WriteCentroids(ctx, *centroids, res.Centroids); err != nil {
				return err
			}
			log.Printf("wrote centroids to %s", *centroids)
		}
		if len(args) > 0 {
			log.Printf("ignoring extra arguments %v", args)
		}
		return nil
	})
}
