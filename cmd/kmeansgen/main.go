// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command kmeansgen generates synthetic datasets for bigkmeans. With
// -metric euclidean it draws gaussian blobs of points around
// well-separated centres; with -metric hamming it draws strands
// mutated from well-separated base strands. The records are written
// in random order to the path given by -o; the centres (or base
// strands) are written to -truth, if provided.
//
//	kmeansgen -metric dna -k 4 -n 1000 -d 20 -o strands.txt.zst
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/kmeansio"
	"github.com/grailbio/bigkmeans/seed"
)

func init() {
	file.RegisterImplementation("s3", s3file.NewImplementation(
		s3file.NewDefaultProvider(session.Options{})))
}

func main() {
	var (
		metric = flag.String("metric", bigkmeans.MetricEuclidean, "euclidean for vectors, hamming for sequences")
		g      generator
		out    = flag.String("o", "", "output path")
		truth  = flag.String("truth", "", "path to which the generating centres are written")
	)
	flag.IntVar(&g.K, "k", 4, "number of clusters")
	flag.IntVar(&g.N, "n", 1000, "number of records per cluster")
	flag.IntVar(&g.D, "d", 2, "record width: vector dimension or strand length")
	flag.Int64Var(&g.Seed, "seed", 1, "random seed")
	flag.Float64Var(&g.Spread, "spread", 10, "minimum distance between vector centres")
	flag.Float64Var(&g.Sigma, "sigma", 1, "standard deviation of vector components around their centre")
	flag.StringVar(&g.Alphabet, "alphabet", bigkmeans.DefaultAlphabet, "strand alphabet")
	flag.Float64Var(&g.Separation, "separation", seed.DefaultMinFraction, "minimum fraction of differing positions between base strands")
	flag.Float64Var(&g.Mutation, "mutation", 0.1, "per-position mutation probability of strands")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: kmeansgen [flags] -o path\n")
		flag.PrintDefaults()
		os.Exit(2)
	}
	log.AddFlags()
	log.SetPrefix("kmeansgen: ")
	must.Func = log.Fatal
	flag.Parse()
	if *out == "" {
		flag.Usage()
	}
	must.True(g.K > 0 && g.N > 0 && g.D > 0, "-k, -n and -d must be positive")

	ctx := context.Background()
	var (
		data, centres bigkmeans.Records
		err           error
	)
	switch strings.ToLower(*metric) {
	case bigkmeans.MetricEuclidean, "2d", "vector":
		data, centres, err = g.Vectors(ctx)
	case bigkmeans.MetricHamming, "dna", "sequence":
		data, centres, err = g.Sequences(ctx)
	default:
		log.Fatalf("unknown metric %q", *metric)
	}
	must.Nil(err)
	must.Nil(kmeansio.WriteRecords(ctx, *out, data))
	log.Printf("wrote %d %s of width %d to %s", data.Len(), data.Kind, data.Width, *out)
	if *truth != "" {
		must.Nil(kmeansio.WriteRecords(ctx, *truth, centres))
	}
}
