// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobenv binds the configuration, parameter store, resource
// manager, and launcher for one run.
package jobenv

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/lib/dataset"
	"github.com/scrjob/scrjob/lib/launcher"
	"github.com/scrjob/scrjob/lib/nodetest"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/lib/resmgr"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

// PrefixParam names the parameter holding the checkpoint prefix
// directory.
const PrefixParam = "SCR_PREFIX"

// A JobEnv owns the ResourceManager and JobLauncher for a run. Other
// components borrow them.
type JobEnv struct {
	Config          *scrjob.Config
	Params          nodetest.ParamGetter
	ResourceManager resmgr.ResourceManager
	Launcher        launcher.JobLauncher
	Runner          *procrun.Runner
	Logger          logrus.FieldLogger
}

// Options control how New builds a JobEnv. Only Config is required.
type Options struct {
	Config *scrjob.Config
	Logger logrus.FieldLogger
	// Default: environment, then Config.Params.
	Params nodetest.ParamGetter
	Runner *procrun.Runner

	// (for testing) passed through to the ResourceManager.
	LookupEnv func(string) (string, bool)
	LookPath  func(string) (string, error)
	Now       func() time.Time
}

// New selects the resource manager (detecting it once if AUTO) and
// launcher named by the config.
func New(opts Options) (*JobEnv, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	runner := opts.Runner
	if runner == nil {
		runner = &procrun.Runner{Logger: logger}
	}
	params := opts.Params
	if params == nil {
		params = config.NewParams(opts.Config)
	}
	rm, err := resmgr.New(resmgr.Options{
		Config:    opts.Config,
		Logger:    logger,
		Runner:    runner,
		LookupEnv: opts.LookupEnv,
		LookPath:  opts.LookPath,
		Now:       opts.Now,
	})
	if err != nil {
		return nil, err
	}
	l, err := launcher.New(launcher.Options{
		Config: opts.Config,
		Logger: logger,
		Runner: runner,
	})
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"ResourceManager": rm.Type(),
		"Launcher":        l.Name(),
	}).Debug("job environment ready")
	return &JobEnv{
		Config:          opts.Config,
		Params:          params,
		ResourceManager: rm,
		Launcher:        l,
		Runner:          runner,
		Logger:          logger,
	}, nil
}

// LaunchExe returns the launch executable.
func (env *JobEnv) LaunchExe() string {
	return launcher.Exe(env.Config)
}

// NodeTests returns the enabled node tests.
func (env *JobEnv) NodeTests() ([]nodetest.NodeTest, error) {
	return nodetest.FromConfig(nodetest.Deps{
		Config:          env.Config,
		Params:          env.Params,
		ResourceManager: env.ResourceManager,
		Launcher:        env.Launcher,
		Runner:          env.Runner,
		Logger:          env.Logger,
	})
}

// DownNodes runs the enabled node tests against the whole
// allocation.
func (env *JobEnv) DownNodes(ctx context.Context) (nodeset.NodeSet, scrjob.HealthReport, error) {
	nodes, err := env.ResourceManager.AllocationNodes(ctx)
	if err != nil {
		return nodeset.NodeSet{}, nil, err
	}
	tests, err := env.NodeTests()
	if err != nil {
		return nodeset.NodeSet{}, nil, err
	}
	return nodes, nodetest.Run(ctx, tests, nodes), nil
}

// Dataset returns a client for the checkpoint prefix directory:
// Dataset.Prefix, else the SCR_PREFIX parameter, else the current
// directory.
func (env *JobEnv) Dataset() (*dataset.Client, error) {
	prefix := env.Config.Dataset.Prefix
	if prefix == "" {
		prefix, _ = env.Params.Get(PrefixParam)
	}
	if prefix == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determining checkpoint prefix: %w", err)
		}
		prefix = wd
	}
	return dataset.New(env.Config, prefix, env.Runner, env.Logger)
}

// Summary describes the job environment.
type Summary struct {
	ResourceManager string
	JobID           string
	Nodes           string
	NodeCount       int
	EndTime         *time.Time `json:",omitempty"`
	Launcher        string
	LaunchExe       string
	LaunchExePath   string `json:",omitempty"`
}

// Summary queries the resource manager for the current allocation.
func (env *JobEnv) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{
		ResourceManager: env.ResourceManager.Type(),
		Launcher:        env.Launcher.Name(),
		LaunchExe:       env.LaunchExe(),
	}
	if path, err := exec.LookPath(sum.LaunchExe); err == nil {
		sum.LaunchExePath = path
	}
	var err error
	sum.JobID, err = env.ResourceManager.JobID()
	if err != nil {
		return sum, err
	}
	nodes, err := env.ResourceManager.AllocationNodes(ctx)
	if err != nil {
		return sum, err
	}
	sum.Nodes = env.ResourceManager.CompressHosts(nodes)
	sum.NodeCount = nodes.Len()
	end, err := env.ResourceManager.EndTime(ctx)
	if err != nil {
		env.Logger.WithError(err).Warn("could not determine allocation end time")
	} else if !end.IsZero() {
		sum.EndTime = &end
	}
	return sum, nil
}
