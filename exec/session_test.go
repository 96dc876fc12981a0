// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/internal/trace"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func init() {
	log.AddFlags()
}

var executors = map[string]func() Option{
	"Local":           func() Option { return Local },
	"Bigmachine.Test": func() Option { return Bigmachine(testsystem.New()) },
}

func testSession(t *testing.T, workers int, run func(t *testing.T, sess *Session)) {
	t.Helper()
	for name, opt := range executors {
		t.Run(name, func(t *testing.T) {
			sess := Start(opt(), Workers(workers))
			defer sess.Shutdown()
			run(t, sess)
		})
	}
}

// blobs returns n points around each of the provided centers, in
// interleaved order.
func blobs(r *rand.Rand, centers [][2]float64, n int) bigkmeans.Records {
	var data []float64
	for i := 0; i < n; i++ {
		for _, c := range centers {
			data = append(data, c[0]+r.Float64()-0.5, c[1]+r.Float64()-0.5)
		}
	}
	return bigkmeans.MustVectors(data, 2)
}

func TestSessionScenarios(t *testing.T) {
	ctx := context.Background()
	testSession(t, 2, func(t *testing.T, sess *Session) {
		res, err := sess.Run(ctx, Job{
			Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2},
			Source: bigkmeans.Const(bigkmeans.MustVectors([]float64{0, 0, 0, 1, 10, 0, 10, 1}, 2)),
			Seeder: bigkmeans.Fixed(bigkmeans.MustVectors([]float64{0, 0, 10, 0}, 2)),
		})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := res.Labels, []int{0, 0, 1, 1}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := res.Centroids.Floats, []float64{0, 0.5, 10, 0.5}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}

		res, err = sess.Run(ctx, Job{
			Config: bigkmeans.Config{Metric: bigkmeans.MetricHamming, K: 2, D: 4},
			Source: bigkmeans.Const(bigkmeans.MustSequences("AAAA", "AAAC", "TTTT", "TTTG")),
			Seeder: bigkmeans.Fixed(bigkmeans.MustSequences("AAAA", "TTTT")),
		})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := res.Labels, []int{0, 0, 1, 1}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := string(res.Centroids.Symbols), "AAAATTTT"; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		assert.EQ(t, res.Rounds, 1)
	})
}

func TestSessionBlobs(t *testing.T) {
	centers := [][2]float64{{0, 0}, {20, 0}, {0, 20}, {20, 20}}
	data := blobs(rand.New(rand.NewSource(1)), centers, 50)
	ctx := context.Background()
	testSession(t, 3, func(t *testing.T, sess *Session) {
		res, err := sess.Run(ctx, Job{
			Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 4, D: 2, Records: data.Len()},
			Source: bigkmeans.Const(data),
			Seeder: bigkmeans.First,
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.Converged {
			t.Fatal("expected convergence")
		}
		// Points are interleaved by center, and the first four points
		// seed the clusters, so point i belongs to cluster i%4.
		for i, l := range res.Labels {
			if got, want := l, i%len(centers); got != want {
				t.Errorf("point %d: got %v, want %v", i, got, want)
			}
		}
		var cents []float64
		for j := 0; j < res.Centroids.K(); j++ {
			v := res.Centroids.Vector(j)
			cents = append(cents, float64(int(v[0]+0.5)), float64(int(v[1]+0.5)))
		}
		if got, want := cents, []float64{0, 0, 20, 0, 0, 20, 20, 20}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		scope := res.Scope().String()
		if scope == "" {
			t.Error("no metrics recorded")
		}
	})
}

func TestSessionError(t *testing.T) {
	ctx := context.Background()
	testSession(t, 3, func(t *testing.T, sess *Session) {
		_, err := sess.Run(ctx, Job{
			Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2},
			Source: bigkmeans.SourceFunc(func(context.Context) (bigkmeans.Records, error) {
				return bigkmeans.Records{}, errors.E(errors.NotExist, "dataset vanished")
			}),
			Seeder: bigkmeans.First,
		})
		if !errors.Is(errors.NotExist, err) {
			t.Errorf("got %v, want not exist", err)
		}
		// The session remains usable after a failed run.
		res, err := sess.Run(ctx, Job{
			Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 1, D: 1},
			Source: bigkmeans.Const(bigkmeans.MustVectors([]float64{1, 2, 3}, 1)),
			Seeder: bigkmeans.First,
		})
		if err != nil {
			t.Fatal(err)
		}
		assert.EQ(t, res.Centroids.Floats, []float64{2})
	})
}

func TestSessionInvalidConfig(t *testing.T) {
	testSession(t, 2, func(t *testing.T, sess *Session) {
		_, err := sess.Run(context.Background(), Job{
			Config: bigkmeans.Config{Metric: "cosine", K: 2, D: 2},
		})
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("got %v, want invalid", err)
		}
	})
}

func TestSessionTrace(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := dir + "/trace.json"
	sess := Start(Local, Workers(3), TracePath(path))
	res, err := sess.Run(context.Background(), Job{
		Config: bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2},
		Source: bigkmeans.Const(bigkmeans.MustVectors([]float64{0, 0, 0, 1, 10, 0, 10, 1, 5, 5}, 2)),
		Seeder: bigkmeans.First,
	})
	if err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if err := sess.tracer.Marshal(&b); err != nil {
		t.Fatal(err)
	}
	sess.Shutdown()

	var tr trace.T
	if err := tr.Decode(&b); err != nil {
		t.Fatal(err)
	}
	var (
		pids   = make(map[int]bool)
		phases = make(map[string]int)
	)
	for _, e := range tr.Events {
		if e.Cat != trace.CatPhase {
			continue
		}
		pids[e.Pid] = true
		phases[e.Name]++
	}
	var ranks []int
	for pid := range pids {
		ranks = append(ranks, pid)
	}
	sort.Ints(ranks)
	assert.EQ(t, ranks, []int{0, 1, 2})
	assert.EQ(t, phases[bigkmeans.PhaseAssign], 3*res.Rounds)
	assert.EQ(t, phases[bigkmeans.PhaseUpdate], res.Rounds)
	assert.EQ(t, phases[bigkmeans.PhaseGather], 3)
}
