// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package kmeansconfig creates a bigkmeans session from a shared
// configuration profile, using the configuration mechanism of package
// github.com/grailbio/base/config. The default profile is read from
// $HOME/.bigkmeans/config; for example:
//
//	param bigkmeans (
//		workers = 16
//		system = bigmachine/ec2system
//	)
package kmeansconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigkmeans/exec"

	// Provides the ec2system instance used by bigkmeans.system.
	_ "github.com/grailbio/bigmachine/ec2system"
)

// Path is the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigkmeans/config")

// Parse registers the configuration flags, parses the command line,
// and returns the session configured by the "bigkmeans" instance of
// the profile at Path, as modified by any flags. Parse panics if the
// session cannot be created. The returned shutdown func tears down
// the session.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("bigkmeans", &sess)
	return sess, sess.Shutdown
}
