// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nodeset

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&HostlistSuite{})

type HostlistSuite struct{}

func (s *HostlistSuite) TestExpand(c *check.C) {
	for _, trial := range []struct {
		spec   string
		expect []string
	}{
		{"", nil},
		{"node1", []string{"node1"}},
		{"node[1-3]", []string{"node1", "node2", "node3"}},
		{"node[1-2,5],login1", []string{"node1", "node2", "node5", "login1"}},
		{"n[08-11]", []string{"n08", "n09", "n10", "n11"}},
		{"n[9-10]", []string{"n9", "n10"}},
		{"rack[1-2]n[1-2]", []string{"rack1n1", "rack1n2", "rack2n1", "rack2n2"}},
		{"n[1-2]-ib", []string{"n1-ib", "n2-ib"}},
		{"a b\tc", []string{"a", "b", "c"}},
		{"node1,node1,node[1-2]", []string{"node1", "node2"}},
	} {
		ns, err := Expand(trial.spec)
		c.Check(err, check.IsNil, check.Commentf("%q", trial.spec))
		c.Check(ns.Slice(), check.DeepEquals, trial.expect, check.Commentf("%q", trial.spec))
	}
}

func (s *HostlistSuite) TestExpandErrors(c *check.C) {
	for _, spec := range []string{
		"node[1-3",
		"node1-3]",
		"node[3-1]",
		"node[a-b]",
		"node[1-]",
		"node[[1-2]]",
		"node[0-99999999]",
		"n[0-18446744073709551615]",
		"n[1-9223372036854775808][0-1]",
		"n[0-600000,0-600000]",
	} {
		_, err := Expand(spec)
		c.Check(err, check.NotNil, check.Commentf("%q", spec))
	}
}

func (s *HostlistSuite) TestExpandRangeEnd(c *check.C) {
	ns, err := Expand("n[18446744073709551615]")
	c.Assert(err, check.IsNil)
	c.Check(ns.Slice(), check.DeepEquals, []string{"n18446744073709551615"})
}

func (s *HostlistSuite) TestCompress(c *check.C) {
	for _, trial := range []struct {
		names  []string
		expect string
	}{
		{nil, ""},
		{[]string{"node1"}, "node1"},
		{[]string{"node3", "node1", "node2"}, "node[1-3]"},
		{[]string{"node1", "node2", "node5", "login1"}, "node[1-2,5],login1"},
		{[]string{"n08", "n09", "n10"}, "n[08-10]"},
		{[]string{"n9", "n10"}, "n9,n10"},
		{[]string{"login", "node1"}, "login,node1"},
	} {
		c.Check(Compress(New(trial.names...)), check.Equals, trial.expect)
	}
}

func (s *HostlistSuite) TestSetOps(c *check.C) {
	a := New("n1", "n2", "n3", "n4")
	b := New("n4", "n2", "n9")
	c.Check(a.Diff(b).Slice(), check.DeepEquals, []string{"n1", "n3"})
	c.Check(a.Intersect(b).Slice(), check.DeepEquals, []string{"n2", "n4"})
	c.Check(a.Union(b).Slice(), check.DeepEquals, []string{"n1", "n2", "n3", "n4", "n9"})
	c.Check(New("n2", "n1").Equal(New("n1", "n2")), check.Equals, true)
	c.Check(New("n2").Equal(New("n1", "n2")), check.Equals, false)
	c.Check(NodeSet{}.Empty(), check.Equals, true)
	c.Check(SplitList("a, b,,c\nd").Slice(), check.DeepEquals, []string{"a", "b", "c", "d"})
}

func genNodeName() gopter.Gen {
	prefixes := []string{"node", "rack1n", "c", "login", "x-"}
	return gen.IntRange(0, 5000).Map(func(n int) string {
		prefix := prefixes[n%len(prefixes)]
		switch (n / len(prefixes)) % 4 {
		case 0:
			return fmt.Sprintf("%s%d", prefix, n/20)
		case 1:
			return fmt.Sprintf("%s%03d", prefix, n/20)
		case 2:
			return fmt.Sprintf("%s%02d", prefix, n/20)
		default:
			return prefix
		}
	})
}

func TestCompressExpandRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)
	properties.Property("Expand(Compress(S)) equals S", prop.ForAll(
		func(names []string) bool {
			ns := New(names...)
			back, err := Expand(Compress(ns))
			return err == nil && back.Equal(ns)
		},
		gen.SliceOf(genNodeName()),
	))
	properties.TestingRun(t)
}
