// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"flag"
	"os"

	"github.com/scrjob/scrjob/lib/cmd"
	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/lib/jobenv"
	"github.com/scrjob/scrjob/lib/relaunch"
	"github.com/scrjob/scrjob/lib/resmgr"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"run":             relaunch.Command,
		"env":             jobenv.EnvCommand,
		"list-down-nodes": jobenv.ListDownNodesCommand,
		"postrun":         jobenv.PostrunCommand,
		"glob-hosts":      resmgr.GlobHostsCommand,
		"config-dump":     config.DumpCommand,
	})
)

func main() {
	// Accept config flags before the subcommand name, as in
	// "scrjob -config /etc/scrjob.yml run ./app".
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	config.NewLoader(nil, nil).SetupFlags(flags)
	args := cmd.SubcommandToFront(os.Args[1:], flags)
	os.Exit(handler.RunCommand(os.Args[0], args, os.Stdin, os.Stdout, os.Stderr))
}
