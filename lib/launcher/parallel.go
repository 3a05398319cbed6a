// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

func (c *common) ParallelExec(ctx context.Context, argv []string, targets nodeset.NodeSet, timeout time.Duration) (*scrjob.LaunchOutcome, error) {
	if targets.Empty() {
		return nil, ErrEmptyNodeSet
	}
	logger := c.logger.WithFields(logrus.Fields{
		"Argv":    argv,
		"Targets": targets.Len(),
		"Backend": c.backend,
	})
	logger.Debug("parallel exec starting")
	var outcome *scrjob.LaunchOutcome
	if c.backend == "pdsh" {
		outcome = c.execPdsh(ctx, argv, targets, timeout)
	} else {
		outcome = c.execFanout(ctx, argv, targets, timeout)
	}
	logger.WithFields(logrus.Fields{
		"Status":     outcome.Status,
		"NodeFailed": outcome.NodeFailed.Len(),
	}).Debug("parallel exec finished")
	return outcome, nil
}

// execNode runs argv on node, using the ssh backend if configured,
// otherwise the remote shell.
func (c *common) execNode(ctx context.Context, node string, argv []string) procrun.Result {
	if c.ssh != nil {
		return c.ssh.run(ctx, node, argv)
	}
	cmd := c.remoteArgv(node, argv)
	return c.runner.Output(ctx, 0, cmd[0], cmd[1:]...)
}

// remoteArgv returns the remote shell command for node followed by
// argv.
func (c *common) remoteArgv(node string, argv []string) []string {
	out := make([]string, 0, len(c.remoteShell)+len(argv))
	for _, tok := range c.remoteShell {
		out = append(out, strings.ReplaceAll(tok, "%h", node))
	}
	return append(out, argv...)
}

// execFanout runs argv on each node, at most fanOut at a time. All of them are killed when the overall timeout expires.
func (c *common) execFanout(ctx context.Context, argv []string, targets nodeset.NodeSet, timeout time.Duration) *scrjob.LaunchOutcome {
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	outcome := &scrjob.LaunchOutcome{
		NodeOutput: map[string]string{},
		StartedAt:  time.Now(),
	}
	var (
		mtx        sync.Mutex
		wg         sync.WaitGroup
		failed     []string
		notStarted int
		stderr     []string
	)
	sem := make(chan bool, c.fanOut)
	for _, node := range targets.Slice() {
		node := node
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- true:
				defer func() { <-sem }()
			case <-execCtx.Done():
				mtx.Lock()
				failed = append(failed, node)
				mtx.Unlock()
				return
			}
			res := c.execNode(execCtx, node, argv)
			mtx.Lock()
			defer mtx.Unlock()
			outcome.NodeOutput[node] = string(res.Stdout)
			if !res.OK() {
				failed = append(failed, node)
				if res.NotStarted() {
					notStarted++
				}
				if outcome.ExitCode == 0 && res.ExitCode > 0 {
					outcome.ExitCode = res.ExitCode
				}
				if len(res.Stderr) > 0 {
					stderr = append(stderr, node+": "+strings.TrimSpace(string(res.Stderr)))
				}
			}
		}()
	}
	wg.Wait()
	outcome.FinishedAt = time.Now()
	outcome.NodeFailed = nodeset.New(failed...)
	sort.Strings(stderr)
	outcome.Stderr = strings.Join(stderr, "\n")

	switch {
	case ctx.Err() != nil:
		outcome.Status = scrjob.StatusCancelled
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		outcome.Status = scrjob.StatusTimedOut
	case notStarted == targets.Len():
		outcome.Status = scrjob.StatusNotStarted
	case len(failed) > 0:
		outcome.Status = scrjob.StatusFailed
		if outcome.ExitCode == 0 {
			outcome.ExitCode = -1
		}
	default:
		outcome.Status = scrjob.StatusSuccess
	}
	return outcome
}

// pdshFailure matches pdsh's report of a remote command that exited
// non-zero, e.g., "pdsh@login1: node3: ssh exited with exit code 255".
var pdshFailure = regexp.MustCompile(`^pdsh@[^:]*: ([^:]+): .*exit(?:ed)? with exit code (\d+)`)

// execPdsh runs a single pdsh command across all targets. pdsh
// prefixes each output line with "host: ".
func (c *common) execPdsh(ctx context.Context, argv []string, targets nodeset.NodeSet, timeout time.Duration) *scrjob.LaunchOutcome {
	args := []string{"-f", strconv.Itoa(c.fanOut), "-S", "-w", targets.String()}
	args = append(args, argv...)
	res := c.runner.Output(ctx, timeout, c.pdsh, args...)

	outcome := &scrjob.LaunchOutcome{
		Status:     statusOf(res),
		ExitCode:   res.ExitCode,
		NodeOutput: map[string]string{},
		Stderr:     string(res.Stderr),
		StartedAt:  res.StartedAt,
		FinishedAt: res.StartedAt.Add(res.Duration),
	}
	if outcome.Status == scrjob.StatusNotStarted {
		outcome.NodeFailed = targets
		return outcome
	}
	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	for scanner.Scan() {
		host, text, ok := strings.Cut(scanner.Text(), ": ")
		if !ok || !targets.Contains(host) {
			continue
		}
		outcome.NodeOutput[host] += text + "\n"
	}
	var failed []string
	scanner = bufio.NewScanner(bytes.NewReader(res.Stderr))
	for scanner.Scan() {
		if m := pdshFailure.FindStringSubmatch(scanner.Text()); m != nil && targets.Contains(m[1]) {
			failed = append(failed, m[1])
		}
	}
	if outcome.Status == scrjob.StatusTimedOut || outcome.Status == scrjob.StatusCancelled {
		failed = append(failed, outcome.Silent(targets).Slice()...)
	}
	outcome.NodeFailed = nodeset.New(failed...)
	return outcome
}
