// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command kmeanssetup manages the bigkmeans configuration profile.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans/kmeansconfig"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Kmeanssetup manages the bigkmeans configuration profile at %s.

Usage:

	kmeanssetup <command> [arguments]

The commands are:

	setup-ec2   configure EC2 for use with bigkmeans

Kmeansprofile checks the resulting profile by running a small job.
`, kmeansconfig.Path)
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("kmeanssetup: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "setup-ec2":
		setupEC2Cmd(args)
	}
}
