// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package relaunch

import (
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/scrjob/scrjob/lib/cmd"
	"github.com/scrjob/scrjob/lib/jobenv"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
)

// Command runs a job on the current allocation, relaunching it on the
// remaining usable nodes after failures.
//
// Exit code is 0 if the job eventually succeeded, 1 if the run was
// aborted, 2 for usage errors.
var Command cmd.Handler = command{}

type command struct{ jobenv.Options }

func (rc command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	reportPath := flags.String("report", "", "write the attempt history as JSON to `file`")
	env, ctx, cancel, ok, code := jobenv.Setup(rc.Options, flags, prog, args, "command [args...]", stdin, stderr)
	if !ok {
		return code
	}
	defer cancel()
	tests, err := env.NodeTests()
	if err != nil {
		env.Logger.WithError(err).Error("cannot set up node tests")
		return 1
	}
	orch := &Orchestrator{
		Env:    env,
		Tests:  tests,
		Stdout: stdout,
		Stderr: stderr,
	}
	res := orch.Run(ctx, flags.Args())
	if *reportPath != "" {
		if err := writeReport(*reportPath, res); err != nil {
			env.Logger.WithError(err).Warn("could not write report")
		}
	}
	if res.State != StateSucceeded {
		return 1
	}
	return 0
}

// report is the JSON form of a Result.
type report struct {
	State        State
	Error        string `json:",omitempty"`
	Attempts     []scrjob.Attempt
	PendingFlush []int `json:",omitempty"`
}

func writeReport(path string, res Result) error {
	rpt := report{
		State:        res.State,
		Attempts:     res.Attempts,
		PendingFlush: res.PendingFlush,
	}
	if res.Err != nil {
		rpt.Error = res.Err.Error()
	}
	buf, err := json.MarshalIndent(rpt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(buf, '\n'), 0644)
}
