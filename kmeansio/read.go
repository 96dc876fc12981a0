// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmeansio reads datasets for and writes results of
// clustering jobs. Paths may name any file supported by
// github.com/grailbio/base/file, including s3:// URLs once the s3
// implementation is registered. Paths ending in ".zst" are
// transparently (de)compressed with zstd.
//
// Vector files hold one record per line, with the record's D
// components separated by commas:
//
//	0.5,1.25
//	10,-3
//
// Sequence files hold one record per line, either as a plain string
// of symbols or with the symbols separated by commas:
//
//	ACGTACGT
//	A,C,G,T,A,C,G,T
package kmeansio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans"
)

// A File is a bigkmeans.Source that loads its records from a file.
type File struct {
	// Path is the path of the file.
	Path string
	// Kind is the kind of records stored in the file.
	Kind bigkmeans.Kind
	// Width is the record width. If Width is 0, it is inferred
	// from the first record in the file.
	Width int
}

// VectorFile returns a source of vector records of width d, read from
// the file at path.
func VectorFile(path string, d int) *File {
	return &File{Path: path, Kind: bigkmeans.Vectors, Width: d}
}

// SequenceFile returns a source of sequence records of width d, read
// from the file at path.
func SequenceFile(path string, d int) *File {
	return &File{Path: path, Kind: bigkmeans.Sequences, Width: d}
}

// Load implements bigkmeans.Source.
func (f *File) Load(ctx context.Context) (recs bigkmeans.Records, err error) {
	fd, err := file.Open(ctx, f.Path)
	if err != nil {
		return recs, openError(f.Path, err)
	}
	defer errors.CleanUpCtx(ctx, fd.Close, &err)
	var r io.Reader = fd.Reader(ctx)
	if isCompressed(f.Path) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return recs, errors.E(errors.Unavailable, fmt.Sprintf("kmeansio: %s: zstd", f.Path), err)
		}
		defer zr.Close()
		r = zr
	}
	recs, err = Read(r, f.Kind, f.Width)
	if err != nil {
		return recs, errors.E(fmt.Sprintf("kmeansio: %s", f.Path), err)
	}
	log.Debug.Printf("kmeansio: %s: loaded %d %s of width %d", f.Path, recs.Len(), recs.Kind, recs.Width)
	return recs, nil
}

func (f *File) String() string {
	return fmt.Sprintf("%s(%s)", f.Kind, f.Path)
}

// Read parses records of the given kind and width from r. If width
// is 0, it is inferred from the first record. Blank lines are
// skipped.
func Read(r io.Reader, kind bigkmeans.Kind, width int) (bigkmeans.Records, error) {
	var (
		scan    = bufio.NewScanner(r)
		floats  []float64
		symbols []byte
		lineno  int
	)
	scan.Buffer(nil, 64<<20)
	for scan.Scan() {
		lineno++
		line := bytes.TrimSpace(scan.Bytes())
		if len(line) == 0 {
			continue
		}
		var n int
		switch kind {
		case bigkmeans.Vectors:
			fields := strings.Split(string(line), ",")
			for _, field := range fields {
				v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
				if err != nil {
					return bigkmeans.Records{}, errors.E(errors.Invalid, fmt.Sprintf("line %d: bad value %q", lineno, field))
				}
				floats = append(floats, v)
			}
			n = len(fields)
		case bigkmeans.Sequences:
			before := len(symbols)
			if bytes.IndexByte(line, ',') >= 0 {
				for _, field := range bytes.Split(line, []byte{','}) {
					field = bytes.TrimSpace(field)
					if len(field) != 1 {
						return bigkmeans.Records{}, errors.E(errors.Invalid, fmt.Sprintf("line %d: bad symbol %q", lineno, field))
					}
					symbols = append(symbols, field[0])
				}
			} else {
				symbols = append(symbols, line...)
			}
			n = len(symbols) - before
		default:
			return bigkmeans.Records{}, errors.E(errors.Invalid, fmt.Sprintf("unsupported record kind %s", kind))
		}
		if width == 0 {
			width = n
		}
		if n != width {
			return bigkmeans.Records{}, errors.E(errors.Invalid, fmt.Sprintf("line %d: record has width %d, want %d", lineno, n, width))
		}
	}
	if err := scan.Err(); err != nil {
		return bigkmeans.Records{}, errors.E(errors.Unavailable, err)
	}
	if width == 0 {
		return bigkmeans.Records{}, errors.E(errors.Invalid, "no records")
	}
	if kind == bigkmeans.Vectors {
		return bigkmeans.NewVectors(floats, width)
	}
	return bigkmeans.NewSequences(symbols, width)
}

func openError(path string, err error) error {
	kind := errors.Unavailable
	if os.IsNotExist(err) || errors.Is(errors.NotExist, err) {
		kind = errors.NotExist
	}
	return errors.E(kind, fmt.Sprintf("kmeansio: open %s", path), err)
}

func isCompressed(path string) bool {
	return strings.HasSuffix(path, ".zst")
}
