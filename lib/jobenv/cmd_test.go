// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobenv

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"strings"

	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&cmdSuite{})

type cmdSuite struct {
	opts Options
}

const cmdConfig = `
NodeTests:
  Enabled: [SCRExcludeNodes, ResMgrDown]
`

func (s *cmdSuite) SetUpTest(c *check.C) {
	env := map[string]string{
		"SLURM_JOB_ID":   "77",
		"SLURM_NODELIST": "node[1-4]",
	}
	s.opts = Options{
		Params: config.StaticParams(map[string]string{"SCR_EXCLUDE_NODES": "node1"}),
		Runner: &procrun.Runner{
			Logger: ctxlog.TestLogger(c),
			StubCommand: func(prog string, args ...string) *exec.Cmd {
				switch prog {
				case "sinfo":
					return exec.Command("echo", "node3|down*|cable")
				case "scontrol":
					return exec.Command("echo", "JobId=77 EndTime=Unknown")
				case "scr_flush_file":
					if strings.HasSuffix(strings.Join(args, " "), "--list") {
						return exec.Command("echo", "3 6")
					}
					if args[len(args)-1] == "6" || args[len(args)-2] == "--current" {
						return exec.Command("true")
					}
				}
				return exec.Command("false")
			},
		},
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}
}

func (s *cmdSuite) TestEnv(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := envCommand{s.opts}.RunCommand("scrjob env", []string{"-config=-"}, strings.NewReader(cmdConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	c.Check(stdout.String(), check.Equals, `ResourceManager: SLURM
JobID: 77
Nodes: node[1-4]
NodeCount: 4
EndTime: unknown
Launcher: srun
LaunchExe: srun
`)
}

func (s *cmdSuite) TestEnvJSON(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := envCommand{s.opts}.RunCommand("scrjob env", []string{"-config=-", "-json"}, strings.NewReader(cmdConfig), &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	var sum Summary
	c.Assert(json.Unmarshal(stdout.Bytes(), &sum), check.IsNil)
	c.Check(sum.JobID, check.Equals, "77")
	c.Check(sum.NodeCount, check.Equals, 4)
	c.Check(sum.EndTime, check.IsNil)
}

func (s *cmdSuite) TestEnvNoAllocation(c *check.C) {
	s.opts.LookupEnv = func(string) (string, bool) { return "", false }
	var stdout, stderr bytes.Buffer
	code := envCommand{s.opts}.RunCommand("scrjob env", []string{"-config=-"}, strings.NewReader(cmdConfig), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*cannot set up job environment.*`)
}

func (s *cmdSuite) TestEnvBadFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := envCommand{s.opts}.RunCommand("scrjob env", []string{"-nosuchflag"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}

func (s *cmdSuite) TestListDownNodes(c *check.C) {
	for _, trial := range []struct {
		args   []string
		stdout string
	}{
		{nil, "node[1,3]\n"},
		{[]string{"-count"}, "2\n"},
		{[]string{"-reason"}, "node1: administratively excluded\nnode3: Reported down by resource manager: cable\n"},
	} {
		var stdout, stderr bytes.Buffer
		code := listDownNodesCommand{s.opts}.RunCommand("scrjob list-down-nodes", append([]string{"-config=-"}, trial.args...), strings.NewReader(cmdConfig), &stdout, &stderr)
		c.Check(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
		c.Check(stdout.String(), check.Equals, trial.stdout)
	}
}

func (s *cmdSuite) TestListDownNodesOverrideTests(c *check.C) {
	// The stubbed remote shell fails everywhere, so Echo gets no
	// response from any node.
	var stdout, stderr bytes.Buffer
	code := listDownNodesCommand{s.opts}.RunCommand("scrjob list-down-nodes", []string{"-config=-", "-node-tests=Echo"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "node[1-4]\n")

	stdout.Reset()
	code = listDownNodesCommand{s.opts}.RunCommand("scrjob list-down-nodes", []string{"-config=-", "-node-tests=SCRExcludeNodes"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "node1\n")
}

func (s *cmdSuite) TestPostrun(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := postrunCommand{s.opts}.RunCommand("scrjob postrun", []string{"-config=-", "-prefix=/p/ckpt", "-current=ckpt.6"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "6\n")
}
