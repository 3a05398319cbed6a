// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package relaunch

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/scrjob/scrjob/lib/config"
	"github.com/scrjob/scrjob/lib/jobenv"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&cmdSuite{})

type cmdSuite struct{}

func (*cmdSuite) command(c *check.C, launchScript string) command {
	env := map[string]string{
		"SLURM_JOB_ID":   "12",
		"SLURM_NODELIST": "node[1-3]",
	}
	return command{jobenv.Options{
		Params: config.StaticParams(map[string]string{"SCR_EXCLUDE_NODES": "node2"}),
		Runner: &procrun.Runner{
			Logger: ctxlog.TestLogger(c),
			StubCommand: func(prog string, args ...string) *exec.Cmd {
				switch prog {
				case "srun":
					return exec.Command("bash", append([]string{"-c", launchScript, prog}, args...)...)
				case "scontrol":
					return exec.Command("echo", "JobId=12 EndTime=Unknown")
				}
				return exec.Command("false")
			},
		},
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
		LookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}}
}

func (s *cmdSuite) TestRunSuccess(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := s.command(c, `echo "launched $*"`).RunCommand("scrjob run",
		[]string{"-config=-", "-node-tests=SCRExcludeNodes", "./app", "-x"},
		strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "launched --exclude=node2 ./app -x\n")
}

func (s *cmdSuite) TestRunFailureWritesReport(c *check.C) {
	report := filepath.Join(c.MkDir(), "report.json")
	var stdout, stderr bytes.Buffer
	code := s.command(c, `exit 3`).RunCommand("scrjob run",
		[]string{"-config=-", "-node-tests=SCRExcludeNodes", "-max-attempts=2", "-report=" + report, "./app"},
		strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	buf, err := os.ReadFile(report)
	c.Assert(err, check.IsNil)
	var rpt struct {
		State    State
		Error    string
		Attempts []struct {
			Number  int
			Argv    []string
			Outcome struct {
				Status   string
				ExitCode int
			}
		}
	}
	c.Assert(json.Unmarshal(buf, &rpt), check.IsNil)
	c.Check(rpt.State, check.Equals, StateAborted)
	c.Check(rpt.Error, check.Matches, `.*reached maximum of 2 attempts.*`)
	c.Assert(rpt.Attempts, check.HasLen, 2)
	c.Check(rpt.Attempts[1].Number, check.Equals, 2)
	c.Check(rpt.Attempts[1].Argv, check.DeepEquals, []string{"srun", "--exclude=node2", "./app"})
	c.Check(rpt.Attempts[1].Outcome.Status, check.Equals, "Failed")
	c.Check(rpt.Attempts[1].Outcome.ExitCode, check.Equals, 3)
}

func (s *cmdSuite) TestRunNoCommand(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := s.command(c, `true`).RunCommand("scrjob run", []string{"-config=-"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}

func (s *cmdSuite) TestRunUnknownNodeTest(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := s.command(c, `true`).RunCommand("scrjob run", []string{"-config=-", "-node-tests=Bogus", "./app"}, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown node test.*`)
}
