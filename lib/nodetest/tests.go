// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package nodetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/scrjob/scrjob/lib/launcher"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/lib/resmgr"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

const (
	ReasonNoResponse   = "no response"
	ReasonFailedPing   = "failed ping"
	ReasonExcluded     = "administratively excluded"
	ReasonFailedDirChk = "failed directory check"

	// ExcludeParam names the parameter holding the host list for
	// SCRExcludeNodes.
	ExcludeParam = "SCR_EXCLUDE_NODES"
)

var errNoLauncher = errors.New("no launcher configured")

// echoTest runs "echo <token>" on every candidate.
type echoTest struct {
	launcher launcher.JobLauncher
	token    string
	timeout  time.Duration
}

func newEcho(d Deps) (NodeTest, error) {
	if d.Launcher == nil {
		return nil, fmt.Errorf("Echo: %w", errNoLauncher)
	}
	token := d.Config.NodeTests.Echo.Token
	if token == "" {
		token = "UP"
	}
	return &echoTest{
		launcher: d.Launcher,
		token:    token,
		timeout:  d.Config.Launcher.ExecTimeout.Duration(),
	}, nil
}

func (*echoTest) Name() string { return "Echo" }

func (t *echoTest) Evaluate(ctx context.Context, candidates nodeset.NodeSet) (scrjob.HealthReport, error) {
	hr := scrjob.HealthReport{}
	if candidates.Empty() {
		return hr, nil
	}
	outcome, err := t.launcher.ParallelExec(ctx, []string{"echo", t.token}, candidates, t.timeout)
	if err != nil {
		return nil, err
	}
	for _, node := range candidates.Slice() {
		if !strings.Contains(outcome.NodeOutput[node], t.token) {
			hr.Add(node, ReasonNoResponse)
		}
	}
	return hr, nil
}

// pingTest pings every candidate from the local node, trying a second
// time before declaring a node down.
type pingTest struct {
	runner  *procrun.Runner
	logger  logrus.FieldLogger
	command []string
	timeout time.Duration
	fanOut  int
}

func newPing(d Deps) (NodeTest, error) {
	cmd := d.Config.NodeTests.Ping.Command
	if cmd == "" {
		cmd = "ping -c 1 -w %t %h"
	}
	argv, err := shlex.Split(cmd)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("Ping: invalid NodeTests.Ping.Command %q", cmd)
	}
	timeout := d.Config.NodeTests.Ping.Timeout.Duration()
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	fanOut := d.Config.Launcher.FanOut
	if fanOut < 1 {
		fanOut = 1
	}
	return &pingTest{
		runner:  d.runner(),
		logger:  d.logger("Ping"),
		command: argv,
		timeout: timeout,
		fanOut:  fanOut,
	}, nil
}

func (*pingTest) Name() string { return "Ping" }

func (t *pingTest) Evaluate(ctx context.Context, candidates nodeset.NodeSet) (scrjob.HealthReport, error) {
	var (
		mtx    sync.Mutex
		wg     sync.WaitGroup
		failed []string
	)
	sem := make(chan bool, t.fanOut)
	for _, node := range candidates.Slice() {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- true:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			if t.probe(ctx, node) || t.probe(ctx, node) {
				return
			}
			mtx.Lock()
			failed = append(failed, node)
			mtx.Unlock()
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hr := scrjob.HealthReport{}
	for _, node := range failed {
		hr.Add(node, ReasonFailedPing)
	}
	return hr, nil
}

// probe sends one ping and returns true if the node answered. The
// command gets an extra second beyond its own deadline.
func (t *pingTest) probe(ctx context.Context, node string) bool {
	secs := strconv.Itoa(int(math.Ceil(t.timeout.Seconds())))
	argv := make([]string, len(t.command))
	for i, tok := range t.command {
		tok = strings.ReplaceAll(tok, "%t", secs)
		argv[i] = strings.ReplaceAll(tok, "%h", node)
	}
	res := t.runner.Output(ctx, t.timeout+time.Second, argv[0], argv[1:]...)
	if !res.OK() {
		t.logger.WithField("Node", node).WithError(res.Failure()).Debug("ping failed")
	}
	return res.OK()
}

// resMgrDownTest reports nodes the scheduler considers down.
type resMgrDownTest struct {
	rm resmgr.ResourceManager
}

func newResMgrDown(d Deps) (NodeTest, error) {
	if d.ResourceManager == nil {
		return nil, errors.New("ResMgrDown: no resource manager configured")
	}
	return &resMgrDownTest{rm: d.ResourceManager}, nil
}

func (*resMgrDownTest) Name() string { return "ResMgrDown" }

func (t *resMgrDownTest) Evaluate(ctx context.Context, candidates nodeset.NodeSet) (scrjob.HealthReport, error) {
	down, err := t.rm.DownNodes(ctx)
	if err != nil {
		return nil, err
	}
	hr := scrjob.HealthReport{}
	for node, reason := range down {
		if candidates.Contains(node) {
			hr.Add(node, reason)
		}
	}
	return hr, nil
}

// excludeTest fails every candidate listed in the
// SCR_EXCLUDE_NODES parameter.
type excludeTest struct {
	params ParamGetter
	rm     resmgr.ResourceManager
}

func newSCRExcludeNodes(d Deps) (NodeTest, error) {
	if d.Params == nil {
		return nil, errors.New("SCRExcludeNodes: no parameter store")
	}
	return &excludeTest{params: d.Params, rm: d.ResourceManager}, nil
}

func (*excludeTest) Name() string { return "SCRExcludeNodes" }

func (t *excludeTest) Evaluate(ctx context.Context, candidates nodeset.NodeSet) (scrjob.HealthReport, error) {
	hr := scrjob.HealthReport{}
	list, ok := t.params.Get(ExcludeParam)
	if !ok || strings.TrimSpace(list) == "" {
		return hr, nil
	}
	var excluded nodeset.NodeSet
	var err error
	if t.rm != nil {
		excluded, err = t.rm.ExpandHosts(list)
	} else {
		excluded, err = nodeset.Expand(list)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ExcludeParam, err)
	}
	for _, node := range candidates.Intersect(excluded).Slice() {
		hr.Add(node, ReasonExcluded)
	}
	return hr, nil
}

// dirCheckTest runs a configured command on every candidate. A node
// fails if the command exits non-zero or its output lacks the
// configured token.
type dirCheckTest struct {
	launcher launcher.JobLauncher
	argv     []string
	token    string
	timeout  time.Duration
}

func newDirCheck(d Deps) (NodeTest, error) {
	if d.Launcher == nil {
		return nil, fmt.Errorf("DirCheck: %w", errNoLauncher)
	}
	cmd := d.Config.NodeTests.DirCheck.Command
	if cmd == "" {
		return nil, errors.New("DirCheck: NodeTests.DirCheck.Command is not configured")
	}
	argv, err := shlex.Split(cmd)
	if err != nil || len(argv) == 0 {
		return nil, fmt.Errorf("DirCheck: invalid NodeTests.DirCheck.Command %q", cmd)
	}
	return &dirCheckTest{
		launcher: d.Launcher,
		argv:     argv,
		token:    d.Config.NodeTests.DirCheck.Token,
		timeout:  d.Config.Launcher.ExecTimeout.Duration(),
	}, nil
}

func (*dirCheckTest) Name() string { return "DirCheck" }

func (t *dirCheckTest) Evaluate(ctx context.Context, candidates nodeset.NodeSet) (scrjob.HealthReport, error) {
	hr := scrjob.HealthReport{}
	if candidates.Empty() {
		return hr, nil
	}
	outcome, err := t.launcher.ParallelExec(ctx, t.argv, candidates, t.timeout)
	if err != nil {
		return nil, err
	}
	for _, node := range candidates.Slice() {
		out, ok := outcome.NodeOutput[node]
		if !ok || outcome.NodeFailed.Contains(node) || (t.token != "" && !strings.Contains(out, t.token)) {
			hr.Add(node, ReasonFailedDirChk)
		}
	}
	return hr, nil
}
