// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmeanscmd provides utilities for implementing bigkmeans
// command line tools. The main entry point, kmeanscmd.Main, starts a
// session configured by a common set of flags and then invokes the
// tool's driver code:
//
//	func main() {
//		k := flag.Int("k", 4, "number of clusters")
//		kmeanscmd.Main(func(sess *exec.Session, args []string) error {
//			res, err := sess.Run(ctx, exec.Job{...})
//			...
//		})
//	}
package kmeanscmd

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Exposed on the diagnostic web server.
	"os"
	"sort"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigkmeans/exec"
	"github.com/grailbio/bigkmeans/kmeansflags"
)

// Main parses the command line flags, starts a session accordingly,
// and calls main with the session and the remaining arguments. Main
// does not return: the process exits with status 1 if main returns
// an error, and 0 otherwise.
//
// Main serves a diagnostic web server (default address :3333) on
// http.DefaultServeMux with pprof, status and trace handlers.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl kmeansflags.Flags
	kmeansflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session as configured by the provided flags. If
// -system-help was given, Init prints the help text and exits.
func Init(fl kmeansflags.Flags) (*exec.Session, error) {
	if fl.SystemHelp {
		printSystemHelp(fl)
		os.Exit(0)
	}
	options, err := fl.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(options...)
	DisplayStatus(fl, sess)
	return sess, nil
}

func printSystemHelp(fl kmeansflags.Flags) {
	w := fl.Output()
	providers, profiles := kmeansflags.ProvidersAndProfiles()
	fmt.Fprintf(w, "%s\nThe available systems are: %v\n", kmeansflags.SystemHelpLong, providers)
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s is shorthand for: %s\n", name, profiles[name])
	}
}

// DisplayStatus arranges for the session's status to be printed to
// the console and/or served at /debug/status, as selected by the
// flags.
func DisplayStatus(fl kmeansflags.Flags, sess *exec.Session) {
	if fl.ConsoleStatus && sess.Status() != nil {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if fl.HTTPAddress.Address == "" {
		return
	}
	sess.HandleDebug(http.DefaultServeMux)
	if sess.Status() != nil {
		http.Handle("/debug/status", status.Handler(sess.Status()))
	}
	go func() {
		log.Printf("http status at %v", fl.HTTPAddress)
		if err := http.ListenAndServe(fl.HTTPAddress.Address, nil); err != nil {
			log.Error.Printf("http status at %v: %v", fl.HTTPAddress, err)
		}
	}()
}
