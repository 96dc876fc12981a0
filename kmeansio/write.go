// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package kmeansio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/bigkmeans"
)

// WriteLabels writes one cluster label per line to the file at path.
func WriteLabels(ctx context.Context, path string, labels []int) error {
	return create(ctx, path, func(w *bufio.Writer) error {
		var buf []byte
		for _, l := range labels {
			buf = strconv.AppendInt(buf[:0], int64(l), 10)
			buf = append(buf, '\n')
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteCentroids writes one centroid per line to the file at path,
// in the format read by Read.
func WriteCentroids(ctx context.Context, path string, c bigkmeans.Centroids) error {
	return WriteRecords(ctx, path, c.Records)
}

// WriteRecords writes recs to the file at path in the format read by
// Read.
func WriteRecords(ctx context.Context, path string, recs bigkmeans.Records) error {
	return create(ctx, path, func(w *bufio.Writer) error {
		return Write(w, recs)
	})
}

// Write writes recs to w, one record per line, in the format read by
// Read. Sequences are written as plain strings.
func Write(w io.Writer, recs bigkmeans.Records) error {
	var buf []byte
	for i := 0; i < recs.Len(); i++ {
		buf = buf[:0]
		switch recs.Kind {
		case bigkmeans.Vectors:
			for j, v := range recs.Vector(i) {
				if j > 0 {
					buf = append(buf, ',')
				}
				buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
			}
		case bigkmeans.Sequences:
			buf = append(buf, recs.Sequence(i)...)
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("kmeansio: unsupported record kind %s", recs.Kind))
		}
		buf = append(buf, '\n')
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func create(ctx context.Context, path string, write func(w *bufio.Writer) error) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Unavailable, fmt.Sprintf("kmeansio: create %s", path), err)
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	var w io.Writer = f.Writer(ctx)
	if isCompressed(path) {
		var zw io.WriteCloser
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return errors.E(fmt.Sprintf("kmeansio: %s: zstd", path), err)
		}
		defer fileio.CloseAndReport(zw, &err)
		w = zw
	}
	bw := bufio.NewWriter(w)
	if err := write(bw); err != nil {
		return errors.E(fmt.Sprintf("kmeansio: write %s", path), err)
	}
	return bw.Flush()
}
