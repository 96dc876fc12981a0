// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigkmeans_test

import (
	"context"
	"math/rand"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/collective"
	"github.com/grailbio/bigkmeans/metrics"
	"golang.org/x/sync/errgroup"
)

func init() {
	log.AddFlags() // so they can be used in tests
}

// runGroup runs a clustering job on an n-rank local group and
// returns the coordinator's result together with the error returned
// by each rank.
func runGroup(t *testing.T, n int, cfg bigkmeans.Config, src bigkmeans.Source, seeder bigkmeans.Seeder, opts ...bigkmeans.RunOption) (*bigkmeans.Result, []error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	var (
		g       errgroup.Group
		results = make([]*bigkmeans.Result, n)
		errs    = make([]error, n)
	)
	for _, tr := range collective.Local(n) {
		comm := collective.New(tr)
		g.Go(func() error {
			rank := comm.Rank()
			results[rank], errs[rank] = bigkmeans.Run(ctx, comm, cfg, src, seeder, opts...)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		t.Fatal("run did not complete")
	}
	return results[collective.Root], errs
}

func run(t *testing.T, n int, cfg bigkmeans.Config, src bigkmeans.Source, seeder bigkmeans.Seeder, opts ...bigkmeans.RunOption) *bigkmeans.Result {
	t.Helper()
	res, errs := runGroup(t, n, cfg, src, seeder, opts...)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	return res
}

func TestScenarioVectors(t *testing.T) {
	data := bigkmeans.MustVectors([]float64{0, 0, 0, 1, 10, 0, 10, 1}, 2)
	seeds := bigkmeans.MustVectors([]float64{0, 0, 10, 0}, 2)
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2}
	res := run(t, 2, cfg, bigkmeans.Const(data), bigkmeans.Fixed(seeds))
	if got, want := res.Labels, []int{0, 0, 1, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Centroids.Floats, []float64{0, 0.5, 10, 0.5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !res.Converged {
		t.Error("expected convergence")
	}
	// The first round moves the centroids to their final values; the
	// second confirms that they no longer move.
	if got, want := res.Rounds, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Drift, 0.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	cfg.MaxRounds = 1
	res = run(t, 2, cfg, bigkmeans.Const(data), bigkmeans.Fixed(seeds))
	if got, want := res.Centroids.Floats, []float64{0, 0.5, 10, 0.5}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Labels, []int{0, 0, 1, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if res.Converged {
		t.Error("unexpected convergence")
	}
}

func TestScenarioSequences(t *testing.T) {
	data := bigkmeans.MustSequences("AAAA", "AAAC", "TTTT", "TTTG")
	seeds := bigkmeans.MustSequences("AAAA", "TTTT")
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricHamming, K: 2, D: 4}
	res := run(t, 2, cfg, bigkmeans.Const(data), bigkmeans.Fixed(seeds))
	if got, want := res.Labels, []int{0, 0, 1, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := string(res.Centroids.Symbols), "AAAATTTT"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !res.Converged {
		t.Error("expected convergence")
	}
	if got, want := res.Rounds, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSequenceTieBreak(t *testing.T) {
	data := bigkmeans.MustSequences("AAAA", "CCCC")
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricHamming, K: 1, D: 4}
	res := run(t, 2, cfg, bigkmeans.Const(data), bigkmeans.Fixed(bigkmeans.MustSequences("CCCC")))
	if got, want := string(res.Centroids.Symbols), "AAAA"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := res.Rounds, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !res.Converged {
		t.Error("expected convergence")
	}
}

func TestEmptyCluster(t *testing.T) {
	fz := fuzz.NewWithSeed(3)
	data := make([]float64, 200)
	for i := range data {
		var v uint8
		fz.Fuzz(&v)
		data[i] = float64(v)
	}
	seeds := []float64{0, 0, 255, 255, 1e6, -1e6}
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 3, D: 2, MaxRounds: 20}
	scope := new(metrics.Scope)
	ctx := metrics.ScopedContext(context.Background(), scope)
	var (
		g    errgroup.Group
		root *bigkmeans.Result
	)
	for _, tr := range collective.Local(3) {
		comm := collective.New(tr)
		g.Go(func() error {
			res, err := bigkmeans.Run(ctx, comm, cfg, bigkmeans.Const(bigkmeans.MustVectors(data, 2)),
				bigkmeans.Fixed(bigkmeans.MustVectors(seeds, 2)))
			if comm.IsRoot() {
				root = res
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got, want := root.Centroids.Vector(2), []float64{1e6, -1e6}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	for i, l := range root.Labels {
		if l == 2 {
			t.Errorf("record %d assigned to empty cluster", i)
		}
	}
	// Every rank shares the scope; the coordinator counts one empty
	// cluster per round.
	if scope.String() == "" {
		t.Fatal("no metrics recorded")
	}
	rounds := metricValue(t, scope, "rounds")
	if got, want := metricValue(t, scope, "empty-clusters"), rounds; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := metricValue(t, scope, "records-assigned"), 100*rounds; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// metricValue extracts the named counter from the scope's string
// rendering.
func metricValue(t *testing.T, scope *metrics.Scope, name string) uint64 {
	t.Helper()
	for _, field := range strings.Fields(scope.String()) {
		if !strings.HasPrefix(field, name+":") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(field, name+":"), 10, 64)
		if err != nil {
			t.Fatal(err)
		}
		return v
	}
	return 0
}

// sequential is a single-process k-means used as a reference.
func sequential(s bigkmeans.Strategy, data bigkmeans.Records, seeds bigkmeans.Records, threshold float64) ([]int, bigkmeans.Records) {
	cur := seeds.Copy()
	k := cur.Len()
	for {
		labels := make([]int, data.Len())
		aggs := make([][]float64, k)
		for j := range aggs {
			aggs[j] = make([]float64, s.AggregateWidth(data.Width))
		}
		for i := range labels {
			best := 0
			for j := 1; j < k; j++ {
				if s.Distance(data, i, cur, j) < s.Distance(data, i, cur, best) {
					best = j
				}
			}
			labels[i] = best
			s.Accumulate(aggs[best], data, i)
		}
		next := cur.Copy()
		var drift float64
		for j := range aggs {
			s.Finalize(aggs[j], next, j)
			drift += s.Distance(cur, j, next, j)
		}
		cur = next
		if drift <= threshold {
			return labels, cur
		}
	}
}

func TestSingleWorker(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	vecs := make([]float64, 500*3)
	for i := range vecs {
		vecs[i] = float64(r.Intn(1000)) / 8
	}
	data := bigkmeans.MustVectors(vecs, 3)
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 5, D: 3}
	res := run(t, 1, cfg, bigkmeans.Const(data), bigkmeans.First)
	labels, cents := sequential(bigkmeans.Euclidean, data, data.Slice(0, 5), bigkmeans.Euclidean.DefaultThreshold())
	if got, want := res.Labels, labels; !reflect.DeepEqual(got, want) {
		t.Errorf("labels differ from sequential reference")
	}
	if got, want := res.Centroids.Records, cents; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	seqs := make([]byte, 300*12)
	for i := range seqs {
		seqs[i] = "ACGT"[r.Intn(4)]
	}
	sdata, err := bigkmeans.NewSequences(seqs, 12)
	if err != nil {
		t.Fatal(err)
	}
	cfg = bigkmeans.Config{Metric: bigkmeans.MetricHamming, K: 4, D: 12}
	res = run(t, 1, cfg, bigkmeans.Const(sdata), bigkmeans.First)
	h, _ := cfg.Strategy()
	labels, cents = sequential(h, sdata, sdata.Slice(0, 4), h.DefaultThreshold())
	if got, want := res.Labels, labels; !reflect.DeepEqual(got, want) {
		t.Errorf("labels differ from sequential reference")
	}
	if got, want := res.Centroids.Records, cents; !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLabelOrder(t *testing.T) {
	// Each record is placed on its own centroid, tagging it with its
	// index; every partitioning must return the tags in order.
	const N = 11
	vecs := make([]float64, N)
	for i := range vecs {
		vecs[i] = float64(i * 100)
	}
	data := bigkmeans.MustVectors(vecs, 1)
	want := make([]int, N)
	for i := range want {
		want[i] = i
	}
	for _, n := range []int{1, 2, 3, 4, 7, 11, 13} {
		cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: N, D: 1}
		res := run(t, n, cfg, bigkmeans.Const(data), bigkmeans.First)
		if got := res.Labels; !reflect.DeepEqual(got, want) {
			t.Errorf("%d workers: got %v, want %v", n, got, want)
		}
		if got, want := res.Layout.NumWorker(), n; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
}

func TestWorkerCountInvariance(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	vecs := make([]float64, 97*2)
	for i := range vecs {
		vecs[i] = float64(r.Intn(64))
	}
	data := bigkmeans.MustVectors(vecs, 2)
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 3, D: 2}
	want := run(t, 1, cfg, bigkmeans.Const(data), bigkmeans.First)
	for _, n := range []int{2, 5, 8} {
		got := run(t, n, cfg, bigkmeans.Const(data), bigkmeans.First)
		if !reflect.DeepEqual(got.Labels, want.Labels) {
			t.Errorf("%d workers: labels differ", n)
		}
		if got.Rounds != want.Rounds {
			t.Errorf("%d workers: got %v rounds, want %v", n, got.Rounds, want.Rounds)
		}
	}
}

func TestSourceError(t *testing.T) {
	src := bigkmeans.SourceFunc(func(context.Context) (bigkmeans.Records, error) {
		return bigkmeans.Records{}, errors.E(errors.NotExist, "no such dataset")
	})
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2}
	_, errs := runGroup(t, 4, cfg, src, bigkmeans.First)
	for rank, err := range errs {
		if !errors.Is(errors.NotExist, err) {
			t.Errorf("rank %d: got %v, want not exist", rank, err)
		}
	}
}

func TestDatasetMismatch(t *testing.T) {
	data := bigkmeans.MustVectors([]float64{0, 0, 0, 1, 10, 0, 10, 1}, 2)
	for _, cfg := range []bigkmeans.Config{
		{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2, Records: 5},
		{Metric: bigkmeans.MetricEuclidean, K: 2, D: 4},
		{Metric: bigkmeans.MetricHamming, K: 2, D: 2},
		{Metric: bigkmeans.MetricEuclidean, K: 5, D: 2},
	} {
		_, errs := runGroup(t, 3, cfg, bigkmeans.Const(data), bigkmeans.First)
		for rank, err := range errs {
			if !errors.Is(errors.Invalid, err) {
				t.Errorf("%+v: rank %d: got %v, want invalid", cfg, rank, err)
			}
		}
	}
}

func TestOnRound(t *testing.T) {
	data := bigkmeans.MustVectors([]float64{0, 0, 0, 1, 10, 0, 10, 1}, 2)
	seeds := bigkmeans.MustVectors([]float64{0, 0, 10, 0}, 2)
	cfg := bigkmeans.Config{Metric: bigkmeans.MetricEuclidean, K: 2, D: 2}
	var (
		mu     sync.Mutex
		rounds []bigkmeans.RoundInfo
		phases = make(map[string]int)
	)
	run(t, 3, cfg, bigkmeans.Const(data), bigkmeans.Fixed(seeds),
		bigkmeans.OnRound(func(info bigkmeans.RoundInfo) {
			mu.Lock()
			rounds = append(rounds, info)
			mu.Unlock()
		}),
		bigkmeans.OnEvent(func(e bigkmeans.Event) {
			mu.Lock()
			phases[e.Phase]++
			mu.Unlock()
		}))
	want := []bigkmeans.RoundInfo{
		{Round: 1, Drift: 1, Decision: bigkmeans.Continue},
		{Round: 2, Drift: 0, Decision: bigkmeans.Converged},
	}
	if !reflect.DeepEqual(rounds, want) {
		t.Errorf("got %v, want %v", rounds, want)
	}
	if got, want := phases[bigkmeans.PhaseAssign], 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := phases[bigkmeans.PhaseUpdate], 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := phases[bigkmeans.PhaseLoad], 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
