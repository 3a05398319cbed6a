// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("scrjob config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms)error parsing command line arguments: .*`)
}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Launcher:
  Name: jsrun
  UnknownKey: foobar
`
	code := DumpCommand.RunCommand("scrjob config-dump", []string{"-config=-", "-max-attempts=7"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  Name: jsrun\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\n  MaxAttempts: 7\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey: foobar.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*unused config key.*Launcher.UnknownKey.*`)
}

func (s *CommandSuite) TestInvalidConfig(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("scrjob config-dump", []string{"-config=-"}, bytes.NewBufferString("Launcher: {FanOut: 0}\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*Launcher.FanOut must be at least 1.*`)
}
