// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command kmeanstrace summarizes the trace of a bigkmeans session, as
// written by the -trace flag of bigkmeans tools. For each run of the
// session it reports the time spent in each phase of the algorithm,
// across all ranks and rounds, as a five-number summary.
//
// Usage:
//
//	kmeanstrace path
//
// The path may name any file supported by
// github.com/grailbio/base/file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigkmeans/internal/trace"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kmeanstrace path\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("kmeanstrace: ")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
	}
	ctx := context.Background()
	events, err := readTrace(ctx, flag.Arg(0))
	if err != nil {
		log.Fatal(err)
	}
	if err := report(os.Stdout, newSession(events)); err != nil {
		log.Fatal(err)
	}
}

func readTrace(ctx context.Context, path string) (events []trace.Event, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer errors.CleanUpCtx(ctx, f.Close, &err)
	var t trace.T
	if err := t.Decode(f.Reader(ctx)); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decoding trace %s", path), err)
	}
	return t.Events, nil
}

func report(w io.Writer, s *session) error {
	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 2, ' ', 0)
	for _, r := range s.Runs() {
		status := "ok"
		if !r.ok {
			status = "failed"
		}
		fmt.Fprintf(&tw, "run %d %s (%s, k=%d, %d workers): %s, %s\n",
			r.index, truncatef(r.id), r.metric, r.k, r.workers, round(r.duration), status)
		fmt.Fprintln(&tw, "\tphase\tranks\trounds\tevents\ttotal\tmin\tq1\tq2\tq3\tmax\t")
		for _, stat := range s.PhaseStats(r.index) {
			fmt.Fprintf(&tw, "\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
				stat.phase, stat.ranks, stat.rounds, stat.count, round(stat.total),
				round(stat.min), round(stat.q1), round(stat.q2), round(stat.q3), round(stat.max))
		}
	}
	return tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Microsecond)
}
