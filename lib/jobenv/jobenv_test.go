// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobenv

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct {
	cfg *scrjob.Config
	env map[string]string
}

func (s *suite) SetUpTest(c *check.C) {
	ldr := config.NewLoader(nil, ctxlog.TestLogger(c))
	ldr.Path = "-"
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)
	s.cfg = cfg
	s.cfg.NodeTests.Enabled = []string{"SCRExcludeNodes", "ResMgrDown"}
	s.env = map[string]string{
		"SLURM_JOB_ID":   "77",
		"SLURM_NODELIST": "node[1-4]",
	}
}

func (s *suite) newEnv(c *check.C) (*JobEnv, error) {
	return New(Options{
		Config: s.cfg,
		Logger: ctxlog.TestLogger(c),
		Params: config.StaticParams(map[string]string{"SCR_EXCLUDE_NODES": "node1", PrefixParam: "/scratch/ckpt"}),
		Runner: &procrun.Runner{
			Logger: ctxlog.TestLogger(c),
			StubCommand: func(prog string, args ...string) *exec.Cmd {
				switch prog {
				case "sinfo":
					return exec.Command("echo", "node3|down*|cable")
				case "scontrol":
					return exec.Command("echo", "JobId=77 EndTime=2031-01-02T03:04:05")
				}
				return exec.Command("false")
			},
		},
		LookupEnv: func(k string) (string, bool) {
			v, ok := s.env[k]
			return v, ok
		},
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	})
}

func (s *suite) TestAutoDetectedOnce(c *check.C) {
	env, err := s.newEnv(c)
	c.Assert(err, check.IsNil)
	c.Check(env.ResourceManager.Type(), check.Equals, "SLURM")
	c.Check(env.Launcher.Name(), check.Equals, "srun")
	c.Check(env.LaunchExe(), check.Equals, "srun")
}

func (s *suite) TestNoAllocation(c *check.C) {
	s.env = map[string]string{}
	_, err := s.newEnv(c)
	var envErr *scrjob.EnvironmentError
	c.Check(errors.As(err, &envErr), check.Equals, true)
}

func (s *suite) TestUnknownLauncher(c *check.C) {
	s.cfg.Launcher.Name = "qrsh"
	_, err := s.newEnv(c)
	c.Check(err, check.ErrorMatches, `unknown Launcher.Name "qrsh"`)
}

func (s *suite) TestDownNodes(c *check.C) {
	env, err := s.newEnv(c)
	c.Assert(err, check.IsNil)
	nodes, hr, err := env.DownNodes(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(nodes.Len(), check.Equals, 4)
	c.Check(hr.Nodes().Slice(), check.DeepEquals, []string{"node1", "node3"})
	c.Check(hr.Reason("node1"), check.Equals, "administratively excluded")
	c.Check(hr.Reason("node3"), check.Equals, "Reported down by resource manager: cable")
}

func (s *suite) TestSummary(c *check.C) {
	env, err := s.newEnv(c)
	c.Assert(err, check.IsNil)
	sum, err := env.Summary(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(sum.JobID, check.Equals, "77")
	c.Check(sum.Nodes, check.Equals, "node[1-4]")
	c.Check(sum.NodeCount, check.Equals, 4)
	c.Assert(sum.EndTime, check.NotNil)
	c.Check(sum.EndTime.Equal(time.Date(2031, 1, 2, 3, 4, 5, 0, time.Local)), check.Equals, true)
}

func (s *suite) TestDatasetPrefix(c *check.C) {
	env, err := s.newEnv(c)
	c.Assert(err, check.IsNil)
	client, err := env.Dataset()
	c.Assert(err, check.IsNil)
	c.Check(client.Prefix, check.Equals, "/scratch/ckpt")

	s.cfg.Dataset.Prefix = "/p/other"
	client, err = env.Dataset()
	c.Assert(err, check.IsNil)
	c.Check(client.Prefix, check.Equals, "/p/other")
}
