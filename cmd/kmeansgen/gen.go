// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/bigkmeans/seed"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// poolFactor is the number of candidate centres drawn per cluster;
// the centres are picked from the candidates by seed.Separated.
const poolFactor = 16

// generator draws synthetic datasets with a known cluster structure.
type generator struct {
	// K is the number of clusters; N is the number of records per
	// cluster; D is the record width.
	K, N, D int
	// Seed seeds every random choice.
	Seed int64
	// Spread is the minimum distance between vector centres. Sigma is
	// the standard deviation of each component of a vector around its
	// centre.
	Spread, Sigma float64
	// Alphabet is the sequence alphabet. Separation is the minimum
	// fraction of positions in which base strands differ. Mutation is
	// the probability with which each position of a strand is
	// replaced by a random symbol.
	Alphabet              string
	Separation, Mutation float64
}

// Vectors returns K*N vectors drawn from gaussian blobs around K
// separated centres, together with the centres.
func (g generator) Vectors(ctx context.Context) (data, centres bigkmeans.Records, err error) {
	r := rand.New(rand.NewSource(g.Seed))
	// Candidates are drawn from a cube large enough to hold K
	// separated centres.
	extent := g.Spread * float64(g.K)
	pool := make([]float64, poolFactor*g.K*g.D)
	for i := range pool {
		pool[i] = r.Float64() * extent
	}
	centres, err = seed.Separated{MinDistance: g.Spread, Seed: g.Seed}.Seed(ctx, bigkmeans.MustVectors(pool, g.D), g.K)
	if err != nil {
		return
	}
	noise := distuv.Normal{Mu: 0, Sigma: g.Sigma, Src: exprand.NewSource(uint64(g.Seed))}
	values := make([]float64, 0, g.K*g.N*g.D)
	for j := 0; j < g.K; j++ {
		c := centres.Vector(j)
		for i := 0; i < g.N; i++ {
			for _, v := range c {
				values = append(values, v+noise.Rand())
			}
		}
	}
	data, err = bigkmeans.NewVectors(values, g.D)
	if err != nil {
		return
	}
	return g.shuffle(r, data), centres, nil
}

// Sequences returns K*N strands mutated from K separated base strands,
// together with the base strands.
func (g generator) Sequences(ctx context.Context) (data, bases bigkmeans.Records, err error) {
	if len(g.Alphabet) == 0 {
		return data, bases, fmt.Errorf("empty alphabet")
	}
	r := rand.New(rand.NewSource(g.Seed))
	pool := make([]byte, poolFactor*g.K*g.D)
	for i := range pool {
		pool[i] = g.Alphabet[r.Intn(len(g.Alphabet))]
	}
	pooled, err := bigkmeans.NewSequences(pool, g.D)
	if err != nil {
		return
	}
	bases, err = seed.Separated{MinFraction: g.Separation, Seed: g.Seed}.Seed(ctx, pooled, g.K)
	if err != nil {
		return
	}
	symbols := make([]byte, 0, g.K*g.N*g.D)
	for j := 0; j < g.K; j++ {
		base := bases.Sequence(j)
		for i := 0; i < g.N; i++ {
			for _, b := range base {
				if r.Float64() < g.Mutation {
					b = g.Alphabet[r.Intn(len(g.Alphabet))]
				}
				symbols = append(symbols, b)
			}
		}
	}
	data, err = bigkmeans.NewSequences(symbols, g.D)
	if err != nil {
		return
	}
	return g.shuffle(r, data), bases, nil
}

// shuffle returns the records of data in random order.
func (g generator) shuffle(r *rand.Rand, data bigkmeans.Records) bigkmeans.Records {
	out := bigkmeans.Records{Kind: data.Kind, Width: data.Width}
	for _, i := range r.Perm(data.Len()) {
		switch data.Kind {
		case bigkmeans.Vectors:
			out.Floats = append(out.Floats, data.Vector(i)...)
		case bigkmeans.Sequences:
			out.Symbols = append(out.Symbols, data.Sequence(i)...)
		}
	}
	return out
}
