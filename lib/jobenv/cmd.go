// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobenv

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrjob/scrjob/lib/cmd"
	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
)

// Setup loads the config using the standard flags (added to flags),
// builds a JobEnv, and returns a context that is cancelled on SIGINT
// or SIGTERM. Fields of opts other than Config and Logger are passed
// through to New.
//
// If ok is false, the caller should return code. Errors have already
// been reported to stderr.
func Setup(opts Options, flags *flag.FlagSet, prog string, args []string, positional string, stdin io.Reader, stderr io.Writer) (env *JobEnv, ctx context.Context, cancel context.CancelFunc, ok bool, code int) {
	cfg, logger, ok, code := config.ParseAndLoad(flags, prog, args, positional, stdin, stderr)
	if !ok {
		return nil, nil, nil, false, code
	}
	opts.Config = cfg
	opts.Logger = logger
	env, err := New(opts)
	if err != nil {
		logger.WithError(err).Error("cannot set up job environment")
		return nil, nil, nil, false, 1
	}
	ctx, cancel = signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	return env, ctx, cancel, true, 0
}

// EnvCommand prints the resource manager, job id, allocated nodes,
// end time, and launcher in effect.
var EnvCommand cmd.Handler = envCommand{}

type envCommand struct{ Options }

func (ec envCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "print JSON instead of text")
	env, ctx, cancel, ok, code := Setup(ec.Options, flags, prog, args, "", stdin, stderr)
	if !ok {
		return code
	}
	defer cancel()
	sum, err := env.Summary(ctx)
	if err != nil {
		env.Logger.WithError(err).Error("cannot query allocation")
		return 1
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			env.Logger.WithError(err).Error("write failed")
			return 1
		}
		return 0
	}
	end := "unknown"
	if sum.EndTime != nil {
		end = sum.EndTime.Format(time.RFC3339)
	}
	fmt.Fprintf(stdout, "ResourceManager: %s\n", sum.ResourceManager)
	fmt.Fprintf(stdout, "JobID: %s\n", sum.JobID)
	fmt.Fprintf(stdout, "Nodes: %s\n", sum.Nodes)
	fmt.Fprintf(stdout, "NodeCount: %d\n", sum.NodeCount)
	fmt.Fprintf(stdout, "EndTime: %s\n", end)
	fmt.Fprintf(stdout, "Launcher: %s\n", sum.Launcher)
	fmt.Fprintf(stdout, "LaunchExe: %s\n", sum.LaunchExe)
	return 0
}

// ListDownNodesCommand runs the enabled node tests against the
// allocation and prints the nodes that failed.
var ListDownNodesCommand cmd.Handler = listDownNodesCommand{}

type listDownNodesCommand struct{ Options }

func (lc listDownNodesCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	reason := flags.Bool("reason", false, "print one node per line with the reason it is down")
	count := flags.Bool("count", false, "print the number of down nodes")
	env, ctx, cancel, ok, code := Setup(lc.Options, flags, prog, args, "", stdin, stderr)
	if !ok {
		return code
	}
	defer cancel()
	_, hr, err := env.DownNodes(ctx)
	if err != nil {
		env.Logger.WithError(err).Error("cannot list down nodes")
		return 1
	}
	down := hr.Nodes()
	switch {
	case *count:
		fmt.Fprintln(stdout, down.Len())
	case *reason:
		for _, node := range down.Slice() {
			fmt.Fprintf(stdout, "%s: %s\n", node, hr.Reason(node))
		}
	case !down.Empty():
		fmt.Fprintln(stdout, env.ResourceManager.CompressHosts(down))
	}
	return 0
}

// PostrunCommand reports checkpoint datasets that still need to be
// flushed. It does not need to run inside an allocation.
var PostrunCommand cmd.Handler = postrunCommand{}

type postrunCommand struct{ Options }

func (pc postrunCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	prefix := flags.String("prefix", "", "checkpoint prefix `directory` (default Dataset.Prefix, $SCR_PREFIX, or the current directory)")
	current := flags.String("current", "", "mark the named checkpoint as the one to restart from")
	cfg, logger, ok, code := config.ParseAndLoad(flags, prog, args, "", stdin, stderr)
	if !ok {
		return code
	}
	if *prefix != "" {
		cfg.Dataset.Prefix = *prefix
	}
	env := &JobEnv{
		Config: cfg,
		Params: pc.Params,
		Runner: pc.Runner,
		Logger: logger,
	}
	if env.Params == nil {
		env.Params = config.NewParams(cfg)
	}
	client, err := env.Dataset()
	if err != nil {
		logger.WithError(err).Error("cannot set up dataset client")
		return 1
	}
	ctx, cancel := signal.NotifyContext(ctxlog.Context(context.Background(), logger), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *current != "" && !client.SetCurrent(ctx, *current) {
		logger.WithField("Checkpoint", *current).Error("could not set current checkpoint")
		return 1
	}
	report := client.Postrun(ctx)
	for _, id := range report.Pending {
		fmt.Fprintln(stdout, id)
	}
	return 0
}
