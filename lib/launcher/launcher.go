// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package launcher builds and runs launch commands for the
// supported parallel job launchers, and runs commands on a set of
// nodes for node tests.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

// ErrEmptyNodeSet is returned by ParallelExec when there are no
// target nodes.
var ErrEmptyNodeSet = errors.New("no target nodes")

// A JobLauncher knows the argument syntax of one launch command
// family.
type JobLauncher interface {
	Name() string

	// BuildArgv returns the launch command line for userArgs with
	// the down nodes excluded, or nil if userArgs is empty.
	BuildArgv(exe string, down nodeset.NodeSet, userArgs []string) []string

	// ExcludeFlag returns the arguments that exclude down, or nil
	// if down is empty or the launcher cannot exclude nodes.
	ExcludeFlag(down nodeset.NodeSet) []string

	// ParallelExec runs argv once on each target node and collects
	// per-node output. The returned error is non-nil only if
	// targets is empty; all other failures are reported in the
	// outcome.
	ParallelExec(ctx context.Context, argv []string, targets nodeset.NodeSet, timeout time.Duration) (*scrjob.LaunchOutcome, error)

	// Run runs a launch command locally, copying its output to
	// stdout and stderr. A zero timeout means no limit other than
	// ctx.
	Run(ctx context.Context, argv []string, stdout, stderr io.Writer, timeout time.Duration) *scrjob.LaunchOutcome
}

// A HostTargeter is a JobLauncher that has no exclude syntax, and
// instead needs the usable nodes listed explicitly.
type HostTargeter interface {
	TargetHosts(argv []string, usable nodeset.NodeSet) []string
}

// Command returns the launch command line for args on the usable
// nodes. Launchers that cannot exclude nodes get an explicit host
// list instead.
func Command(l JobLauncher, exe string, usable, down nodeset.NodeSet, args []string) []string {
	argv := l.BuildArgv(exe, down, args)
	if len(argv) == 0 {
		return nil
	}
	if ht, ok := l.(HostTargeter); ok {
		argv = ht.TargetHosts(argv, usable)
	}
	return argv
}

// Options holds what every JobLauncher needs.
type Options struct {
	Config *scrjob.Config
	Logger logrus.FieldLogger
	Runner *procrun.Runner
}

// New returns the JobLauncher named by opts.Config.Launcher.Name.
func New(opts Options) (JobLauncher, error) {
	name := strings.ToLower(opts.Config.Launcher.Name)
	ctor, ok := launchers[name]
	if !ok {
		return nil, fmt.Errorf("unknown Launcher.Name %q", opts.Config.Launcher.Name)
	}
	cmn, err := newCommon(opts, name)
	if err != nil {
		return nil, err
	}
	return ctor(cmn), nil
}

var launchers = map[string]func(*common) JobLauncher{
	"srun":   func(c *common) JobLauncher { return &SRun{c} },
	"jsrun":  func(c *common) JobLauncher { return &JSRun{c} },
	"lrun":   func(c *common) JobLauncher { return &LRun{c} },
	"mpirun": func(c *common) JobLauncher { return &MPIRun{c} },
	"aprun":  func(c *common) JobLauncher { return &APRun{c} },
	"flux":   func(c *common) JobLauncher { return &FluxRun{c} },
}

// Exe returns the launch executable: Launcher.Command if set,
// otherwise the launcher name.
func Exe(cfg *scrjob.Config) string {
	if cfg.Launcher.Command != "" {
		return cfg.Launcher.Command
	}
	return strings.ToLower(cfg.Launcher.Name)
}

// common implements the parts of JobLauncher that do not depend on
// the launch command family.
type common struct {
	name        string
	logger      logrus.FieldLogger
	runner      *procrun.Runner
	fanOut      int
	backend     string
	remoteShell []string
	pdsh        string
	ssh         *sshExec
}

func newCommon(opts Options, name string) (*common, error) {
	cfg := opts.Config
	c := &common{
		name:    name,
		logger:  opts.Logger,
		runner:  opts.Runner,
		fanOut:  cfg.Launcher.FanOut,
		backend: cfg.Launcher.ParallelExec,
		pdsh:    cfg.Launcher.PdshCommand,
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.logger = c.logger.WithField("Launcher", name)
	if c.runner == nil {
		c.runner = &procrun.Runner{Logger: c.logger}
	}
	if c.fanOut < 1 {
		c.fanOut = 1
	}
	if c.pdsh == "" {
		c.pdsh = "pdsh"
	}
	shell := cfg.Launcher.RemoteShell
	if shell == "" {
		shell = defaultRemoteShell
		if name == "srun" {
			shell = "srun --nodelist=%h -N1 -n1"
		}
	}
	var err error
	c.remoteShell, err = shlex.Split(shell)
	if err != nil {
		return nil, fmt.Errorf("parsing Launcher.RemoteShell %q: %w", shell, err)
	}
	if len(c.remoteShell) == 0 {
		return nil, fmt.Errorf("Launcher.RemoteShell is empty")
	}
	if c.backend == "ssh" {
		c.ssh, err = newSSHExec(cfg)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

const defaultRemoteShell = "ssh -o BatchMode=yes -o ConnectTimeout=10 %h"

func (c *common) Name() string {
	return c.name
}

// buildArgv assembles a launch command line from its parts.
func buildArgv(exe string, exclude, userArgs []string) []string {
	if len(userArgs) == 0 {
		return nil
	}
	argv := []string{exe}
	argv = append(argv, exclude...)
	return append(argv, userArgs...)
}

func (c *common) Run(ctx context.Context, argv []string, stdout, stderr io.Writer, timeout time.Duration) *scrjob.LaunchOutcome {
	c.logger.WithField("Argv", argv).Info("launching")
	res := c.runner.Run(ctx, procrun.Spec{
		Args:    argv,
		Stdout:  stdout,
		Stderr:  stderr,
		Timeout: timeout,
	})
	outcome := &scrjob.LaunchOutcome{
		Status:     statusOf(res),
		ExitCode:   res.ExitCode,
		Stderr:     string(res.Stderr),
		StartedAt:  res.StartedAt,
		FinishedAt: res.StartedAt.Add(res.Duration),
	}
	c.logger.WithFields(logrus.Fields{
		"Status":   outcome.Status,
		"ExitCode": outcome.ExitCode,
		"Duration": res.Duration,
	}).Info("launch finished")
	return outcome
}

func statusOf(res procrun.Result) scrjob.LaunchStatus {
	switch {
	case res.OK():
		return scrjob.StatusSuccess
	case res.NotStarted():
		return scrjob.StatusNotStarted
	case res.TimedOut():
		return scrjob.StatusTimedOut
	case res.Cancelled(), errors.Is(res.Err, context.DeadlineExceeded):
		return scrjob.StatusCancelled
	default:
		return scrjob.StatusFailed
	}
}
