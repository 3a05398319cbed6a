// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resmgr

import (
	"bytes"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&globSuite{})

type globSuite struct{}

func (*globSuite) TestGlobHosts(c *check.C) {
	for _, trial := range []struct {
		args   []string
		code   int
		stdout string
	}{
		{[]string{"node3,node1,node2"}, 0, "node[1-3]\n"},
		{[]string{"--expand", "node[1-3]"}, 0, "node1,node2,node3\n"},
		{[]string{"-e", "node[1-3]"}, 0, "node1,node2,node3\n"},
		{[]string{"--count", "node[1-4],login1"}, 0, "5\n"},
		{[]string{"-c", "node[1-4],login1"}, 0, "5\n"},
		{[]string{"-n", "2", "node[1-4]"}, 0, "node2\n"},
		{[]string{"--nth=-1", "node[1-4]"}, 0, "node4\n"},
		{[]string{"--nth", "5", "node[1-4]"}, 1, ""},
		{[]string{"-m", "node[2-3]", "node[1-4]"}, 0, "node[1,4]\n"},
		{[]string{"--intersect=node[3-9]", "node[1-4]"}, 0, "node[3-4]\n"},
		{[]string{"--minus", "node[1-4]", "node[1-4]"}, 0, "\n"},
		{[]string{"node[1-"}, 1, ""},
		{[]string{}, 2, ""},
		{[]string{"a", "b"}, 2, ""},
		{[]string{"--bogus", "a"}, 2, ""},
	} {
		var stdout, stderr bytes.Buffer
		code := GlobHostsCommand.RunCommand("scrjob glob-hosts", trial.args, nil, &stdout, &stderr)
		c.Check(code, check.Equals, trial.code, check.Commentf("%q: stderr %q", trial.args, stderr.String()))
		c.Check(stdout.String(), check.Equals, trial.stdout, check.Commentf("%q", trial.args))
	}
}
