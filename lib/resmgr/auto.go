// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resmgr

import (
	"github.com/scrjob/scrjob/sdk/go/scrjob"
)

// Auto delegates to the ResourceManager detected when it was
// created. The choice does not change afterwards.
type Auto struct {
	ResourceManager
}

type detector struct {
	envvars []string
	binary  string
	build   func(Options) ResourceManager
}

// Detection order. Allocation environment variables are checked for
// every family before falling back to scheduler binaries on PATH.
var detectors = []detector{
	{[]string{"SLURM_JOBID", "SLURM_JOB_ID"}, "squeue", func(o Options) ResourceManager { return NewSLURM(o) }},
	{[]string{"LSB_JOBID"}, "bjobs", func(o Options) ResourceManager { return NewLSF(o) }},
	{[]string{"PBS_JOBID"}, "qstat", func(o Options) ResourceManager { return NewPBS(o) }},
	{[]string{"FLUX_JOB_ID"}, "flux", func(o Options) ResourceManager { return NewFlux(o) }},
}

// NewAuto detects the batch scheduler and returns an Auto wrapping
// it, or an *scrjob.EnvironmentError if none is found.
func NewAuto(opts Options) (*Auto, error) {
	cli := newSchedCLI(opts, "AUTO")
	for _, d := range detectors {
		if _, ok := cli.getenv(d.envvars...); ok {
			cli.logger.Debugf("detected scheduler by %s", d.envvars[0])
			return &Auto{d.build(opts)}, nil
		}
	}
	for _, d := range detectors {
		if path, err := cli.lookPath(d.binary); err == nil {
			cli.logger.Debugf("detected scheduler by %s", path)
			return &Auto{d.build(opts)}, nil
		}
	}
	return nil, scrjob.NewEnvironmentError("could not detect a batch scheduler (no allocation environment variables, and none of squeue, bjobs, qstat, flux found in PATH)")
}
