// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command kmeansprofile checks a bigkmeans configuration profile by
// clustering a small dataset on the session it describes.
//
//	kmeansprofile -set bigkmeans.workers=2
package main

import (
	"context"
	"fmt"

	_ "github.com/grailbio/base/config/aws"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmeansconfig"
)

var job = exec.Job{
	Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2},
	Source: bigkmeans.Const(bigkmeans.MustVectors([]float64{
		0, 0,
		0, 1,
		10, 0,
		10, 1,
	}, 2)),
	Seeder: bigkmeans.First,
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("kmeansprofile: ")
	sess, shutdown := kmeansconfig.Parse()
	defer shutdown()
	res, err := sess.Run(context.Background(), job)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("ok: %d workers, %d rounds, centroids %s\n", sess.Workers(), res.Rounds, res.Centroids.Records)
}
