// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeansio

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigkmeans"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestRead(t *testing.T) {
	for _, c := range []struct {
		in    string
		kind  bigkmeans.Kind
		width int
		want  bigkmeans.Records
	}{
		{"0,0\n0,1\n\n10,0\n10,1\n", bigkmeans.Vectors, 2, bigkmeans.MustVectors([]float64{0, 0, 0, 1, 10, 0, 10, 1}, 2)},
		{"1.5, -2 ,3e2\n", bigkmeans.Vectors, 0, bigkmeans.MustVectors([]float64{1.5, -2, 300}, 3)},
		{"AAAA\nAAAC\n", bigkmeans.Sequences, 4, bigkmeans.MustSequences("AAAA", "AAAC")},
		{"T,T,T,G\nT,T,T,T\n", bigkmeans.Sequences, 0, bigkmeans.MustSequences("TTTG", "TTTT")},
		{"ACG\nA,C,T\n", bigkmeans.Sequences, 3, bigkmeans.MustSequences("ACG", "ACT")},
	} {
		got, err := Read(strings.NewReader(c.in), c.kind, c.width)
		if err != nil {
			t.Errorf("%q: %v", c.in, err)
			continue
		}
		if !got.Equal(c.want) {
			t.Errorf("%q: got %v, want %v", c.in, got, c.want)
		}
	}
}

func TestReadErrors(t *testing.T) {
	for _, c := range []struct {
		in    string
		kind  bigkmeans.Kind
		width int
	}{
		{"0,0\n0\n", bigkmeans.Vectors, 0},
		{"0,x\n", bigkmeans.Vectors, 2},
		{"0,0,0\n", bigkmeans.Vectors, 2},
		{"ACGT\nACG\n", bigkmeans.Sequences, 0},
		{"A,CG,T\n", bigkmeans.Sequences, 0},
		{"\n\n", bigkmeans.Sequences, 0},
	} {
		_, err := Read(strings.NewReader(c.in), c.kind, c.width)
		if !errors.Is(errors.Invalid, err) {
			t.Errorf("%q: got %v, want invalid", c.in, err)
		}
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	for _, name := range []string{"centroids.txt", "centroids.txt.zst"} {
		path := filepath.Join(dir, name)
		for _, recs := range []bigkmeans.Records{
			bigkmeans.MustVectors([]float64{0.1, 0.5, -10, 1e-9}, 2),
			bigkmeans.MustSequences("AAAA", "TTTT", "ACGT"),
		} {
			c := bigkmeans.NewCentroids(recs)
			if err := WriteCentroids(ctx, path, c); err != nil {
				t.Fatal(err)
			}
			src := &File{Path: path, Kind: recs.Kind}
			got, err := src.Load(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(recs) {
				t.Errorf("%s: got %v, want %v", name, got, recs)
			}
		}
	}
}

func TestWriteLabels(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "labels")
	if err := WriteLabels(context.Background(), path, []int{0, 0, 1, 12}); err != nil {
		t.Fatal(err)
	}
	b, err := ioutil.ReadFile(path)
	assert.NoError(t, err)
	assert.EQ(t, string(b), "0\n0\n1\n12\n")
}

func TestLoadMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	_, err := VectorFile(filepath.Join(dir, "nope"), 2).Load(context.Background())
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestWrite(t *testing.T) {
	var b bytes.Buffer
	err := Write(&b, bigkmeans.MustVectors([]float64{1, 2.5, 3, 4}, 2))
	assert.NoError(t, err)
	if got, want := strings.Split(strings.TrimSpace(b.String()), "\n"), []string{"1,2.5", "3,4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
