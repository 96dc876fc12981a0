// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("bigkmeans", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.workers, "workers", 4, "number of workers cooperating on each job")
		var system bigmachine.System
		inst.InstanceVar(&system, "system", "", "the bigmachine system used for job execution")
		inst.StringVar(&sess.tracePath, "trace", "", "path to which a trace of each session is written")
		inst.Doc = "bigkmeans configures the bigkmeans runtime"
		inst.New = func() (interface{}, error) {
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
