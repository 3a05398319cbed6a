// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scrjob

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&HealthSuite{})

type HealthSuite struct{}

func (s *HealthSuite) TestMerge(c *check.C) {
	echo := HealthReport{"node2": {"no response"}}
	ping := HealthReport{"node2": {"failed ping"}, "node4": {"failed ping"}}
	merged := Merge(echo, ping)
	c.Check(merged.Nodes().Slice(), check.DeepEquals, []string{"node2", "node4"})
	c.Check(merged.Reason("node2"), check.Equals, "failed ping; no response")
	c.Check(merged, check.DeepEquals, Merge(ping, echo))
	// inputs untouched
	c.Check(echo, check.DeepEquals, HealthReport{"node2": {"no response"}})
}

func (s *HealthSuite) TestAddDedup(c *check.C) {
	hr := HealthReport{}
	hr.Add("n1", "b")
	hr.Add("n1", "a")
	hr.Add("n1", "b")
	c.Check(hr["n1"], check.DeepEquals, []string{"a", "b"})
}

func genReport() gopter.Gen {
	return gen.SliceOf(gen.IntRange(0, 63)).Map(func(codes []int) HealthReport {
		hr := HealthReport{}
		for _, code := range codes {
			hr.Add(fmt.Sprintf("node%d", code%8), fmt.Sprintf("reason%d", code/8))
		}
		return hr
	})
}

func TestMergeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("merge is commutative", prop.ForAll(
		func(a, b HealthReport) bool {
			return reflect.DeepEqual(Merge(a, b), Merge(b, a))
		},
		genReport(), genReport(),
	))
	properties.Property("merge is associative", prop.ForAll(
		func(a, b, c HealthReport) bool {
			return reflect.DeepEqual(Merge(Merge(a, b), c), Merge(a, Merge(b, c)))
		},
		genReport(), genReport(), genReport(),
	))
	properties.TestingRun(t)
}
