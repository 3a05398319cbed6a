// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package nodetest implements the health checks run against the
// candidate nodes before each launch.
package nodetest

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrjob/scrjob/lib/launcher"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/lib/resmgr"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

// A NodeTest judges which candidate nodes are unusable.
//
// Evaluate returns an error only if the test could not be carried
// out at all; Run then treats every candidate as failed.
type NodeTest interface {
	Name() string
	Evaluate(ctx context.Context, candidates nodeset.NodeSet) (scrjob.HealthReport, error)
}

// ParamGetter is a read-only parameter store.
type ParamGetter interface {
	Get(key string) (string, bool)
}

// Deps holds everything a NodeTest may consult.
type Deps struct {
	Config          *scrjob.Config
	Params          ParamGetter
	ResourceManager resmgr.ResourceManager
	Launcher        launcher.JobLauncher
	Runner          *procrun.Runner
	Logger          logrus.FieldLogger
}

type constructor func(Deps) (NodeTest, error)

// Registered tests, in the order Names reports them.
var registry = []struct {
	name string
	ctor constructor
}{
	{"Echo", newEcho},
	{"Ping", newPing},
	{"ResMgrDown", newResMgrDown},
	{"SCRExcludeNodes", newSCRExcludeNodes},
	{"DirCheck", newDirCheck},
}

// Names returns the names of all available tests.
func Names() []string {
	var names []string
	for _, ent := range registry {
		names = append(names, ent.name)
	}
	return names
}

// New returns the named test. Names are case-insensitive.
func New(name string, deps Deps) (NodeTest, error) {
	for _, ent := range registry {
		if strings.EqualFold(ent.name, name) {
			return ent.ctor(deps)
		}
	}
	return nil, fmt.Errorf("unknown node test %q (available: %s)", name, strings.Join(Names(), ", "))
}

// FromConfig returns the tests listed in Config.NodeTests.Enabled,
// in that order.
func FromConfig(deps Deps) ([]NodeTest, error) {
	var tests []NodeTest
	for _, name := range deps.Config.NodeTests.Enabled {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, err := New(name, deps)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}
	return tests, nil
}

// Run evaluates every test against candidates and returns the merged
// report. A test that fails to run marks all candidates failed.
func Run(ctx context.Context, tests []NodeTest, candidates nodeset.NodeSet) scrjob.HealthReport {
	logger := ctxlog.FromContext(ctx)
	var reports []scrjob.HealthReport
	for _, t := range tests {
		hr, err := t.Evaluate(ctx, candidates)
		if err != nil {
			pf := &scrjob.ProbeFailure{Test: t.Name(), Err: err}
			logger.WithError(pf).Warn("node test could not run, treating all candidates as failed")
			hr = scrjob.HealthReport{}
			for _, node := range candidates.Slice() {
				hr.Add(node, pf.Error())
			}
		}
		if len(hr) > 0 {
			logger.WithFields(logrus.Fields{
				"Test":   t.Name(),
				"Failed": hr.Nodes().String(),
			}).Info("node test found unusable nodes")
		}
		reports = append(reports, hr)
	}
	return scrjob.Merge(reports...)
}

func (d Deps) logger(test string) logrus.FieldLogger {
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("NodeTest", test)
}

func (d Deps) runner() *procrun.Runner {
	if d.Runner == nil {
		return &procrun.Runner{Logger: d.Logger}
	}
	return d.Runner
}
