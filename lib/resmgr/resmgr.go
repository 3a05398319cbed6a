// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package resmgr queries the batch scheduler that owns the current
// allocation: job id, allocated nodes, nodes the scheduler reports
// down, and the allocation end time.
package resmgr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

// ReasonDown is the reason recorded for nodes the scheduler itself
// reports unusable.
const ReasonDown = "Reported down by resource manager"

// A ResourceManager is the interface to one batch scheduler family.
type ResourceManager interface {
	// Type returns the scheduler family, e.g., "SLURM".
	Type() string

	// JobID returns the scheduler's identifier for the current
	// allocation, or an *scrjob.EnvironmentError if not running
	// inside an allocation.
	JobID() (string, error)

	// AllocationNodes returns every node granted to the
	// allocation.
	AllocationNodes(context.Context) (nodeset.NodeSet, error)

	// DownNodes returns allocation nodes the scheduler reports
	// unusable, with a reason for each. The map is empty if there
	// are none or the scheduler has no such report.
	DownNodes(context.Context) (map[string]string, error)

	// EndTime returns the time the allocation will be reclaimed,
	// or the zero time if unknown or unlimited.
	EndTime(context.Context) (time.Time, error)

	// ExpandHosts and CompressHosts convert between the
	// scheduler's compact host list syntax and a NodeSet. They
	// are exact inverses.
	ExpandHosts(string) (nodeset.NodeSet, error)
	CompressHosts(nodeset.NodeSet) string

	// ExcludeHint returns the node list in the form launch
	// commands of this scheduler family accept in an exclude
	// argument.
	ExcludeHint(nodeset.NodeSet) string
}

// Options holds what every ResourceManager variant needs.
type Options struct {
	Config *scrjob.Config
	Logger logrus.FieldLogger
	Runner *procrun.Runner

	// Timeout for a single scheduler query. Default 1 minute.
	QueryTimeout time.Duration

	// (for testing) environment and PATH lookups. Default
	// os.LookupEnv and exec.LookPath.
	LookupEnv func(string) (string, bool)
	LookPath  func(string) (string, error)
	// (for testing) current time. Default time.Now.
	Now func() time.Time
}

// New returns the ResourceManager named by opts.Config.ResourceManager.
func New(opts Options) (ResourceManager, error) {
	switch strings.ToUpper(opts.Config.ResourceManager) {
	case "SLURM":
		return NewSLURM(opts), nil
	case "LSF":
		return NewLSF(opts), nil
	case "PBS", "PBSALPS":
		return NewPBS(opts), nil
	case "FLUX":
		return NewFlux(opts), nil
	case "AUTO", "":
		auto, err := NewAuto(opts)
		if err != nil {
			return nil, err
		}
		return auto, nil
	default:
		return nil, fmt.Errorf("unknown ResourceManager %q", opts.Config.ResourceManager)
	}
}

// schedCLI runs scheduler query commands, at most three at a time.
type schedCLI struct {
	logger       logrus.FieldLogger
	runner       *procrun.Runner
	lookupEnv    func(string) (string, bool)
	lookPath     func(string) (string, error)
	now          func() time.Time
	queryTimeout time.Duration
	runSemaphore chan bool
}

func newSchedCLI(opts Options, family string) schedCLI {
	cli := schedCLI{
		logger:       opts.Logger,
		runner:       opts.Runner,
		lookupEnv:    opts.LookupEnv,
		lookPath:     opts.LookPath,
		now:          opts.Now,
		queryTimeout: opts.QueryTimeout,
		runSemaphore: make(chan bool, 3),
	}
	if cli.logger == nil {
		cli.logger = logrus.StandardLogger()
	}
	cli.logger = cli.logger.WithField("ResourceManager", family)
	if cli.runner == nil {
		cli.runner = &procrun.Runner{Logger: cli.logger}
	}
	if cli.lookupEnv == nil {
		cli.lookupEnv = os.LookupEnv
	}
	if cli.lookPath == nil {
		cli.lookPath = exec.LookPath
	}
	if cli.now == nil {
		cli.now = time.Now
	}
	if cli.queryTimeout <= 0 {
		cli.queryTimeout = time.Minute
	}
	return cli
}

// getenv returns the value of the first of the given variables that
// is set to a non-empty value.
func (cli *schedCLI) getenv(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := cli.lookupEnv(k); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func (cli *schedCLI) output(ctx context.Context, prog string, args ...string) ([]byte, error) {
	cli.runSemaphore <- true
	defer func() { <-cli.runSemaphore }()
	res := cli.runner.Output(ctx, cli.queryTimeout, prog, args...)
	if err := res.Failure(); err != nil {
		cli.logger.WithError(err).Debugf("%s failed", prog)
		return res.Stdout, err
	}
	return res.Stdout, nil
}

// bracketHosts implements host list conversion for schedulers that
// use "node[1-4]" range syntax.
type bracketHosts struct{}

func (bracketHosts) ExpandHosts(spec string) (nodeset.NodeSet, error) {
	return nodeset.Expand(spec)
}

func (bracketHosts) CompressHosts(ns nodeset.NodeSet) string {
	return nodeset.Compress(ns)
}

func (bracketHosts) ExcludeHint(ns nodeset.NodeSet) string {
	return nodeset.Compress(ns)
}

func notInAllocation(envvar string) error {
	return scrjob.NewEnvironmentError("not running inside an allocation (%s is not set)", envvar)
}

// restrictTo returns the entries of down whose node is in nodes.
func restrictTo(down map[string]string, nodes nodeset.NodeSet) map[string]string {
	out := map[string]string{}
	for node, reason := range down {
		if nodes.Contains(node) {
			out[node] = reason
		}
	}
	return out
}
