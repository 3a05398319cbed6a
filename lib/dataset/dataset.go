// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dataset queries the checkpoint engine's dataset index
// through its command line tools.
package dataset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"
	"github.com/scrjob/scrjob/lib/procrun"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 5 * time.Minute

// A Client runs the flush and inspect tools against one checkpoint
// prefix directory. Any non-zero exit is reported as false or an
// empty result.
type Client struct {
	Prefix  string
	Timeout time.Duration

	runner     *procrun.Runner
	logger     logrus.FieldLogger
	flushCmd   []string
	inspectCmd []string
}

// New returns a Client for the given prefix directory.
func New(cfg *scrjob.Config, prefix string, runner *procrun.Runner, logger logrus.FieldLogger) (*Client, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if runner == nil {
		runner = &procrun.Runner{Logger: logger}
	}
	flush, err := splitCommand("Dataset.FlushFileCommand", cfg.Dataset.FlushFileCommand, "scr_flush_file")
	if err != nil {
		return nil, err
	}
	inspect, err := splitCommand("Dataset.InspectCommand", cfg.Dataset.InspectCommand, "scr_inspect")
	if err != nil {
		return nil, err
	}
	return &Client{
		Prefix:     prefix,
		Timeout:    defaultTimeout,
		runner:     runner,
		logger:     logger.WithField("Prefix", prefix),
		flushCmd:   flush,
		inspectCmd: inspect,
	}, nil
}

func splitCommand(key, cmd, dflt string) ([]string, error) {
	if cmd == "" {
		cmd = dflt
	}
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("parsing %s %q: %w", key, cmd, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%s is empty", key)
	}
	return argv, nil
}

// run runs base with "--dir <prefix>" and args appended, and returns
// stdout, or ok=false if the command did not exit 0.
func (c *Client) run(ctx context.Context, base []string, args ...string) ([]byte, bool) {
	argv := append(append([]string(nil), base[1:]...), "--dir", c.Prefix)
	argv = append(argv, args...)
	res := c.runner.Output(ctx, c.Timeout, base[0], argv...)
	if err := res.Failure(); err != nil {
		c.logger.WithError(err).Debug("dataset query failed")
		return nil, false
	}
	return res.Stdout, true
}

// ListFlush returns the ids of datasets that still need to be
// flushed, in the order the engine lists them.
func (c *Client) ListFlush(ctx context.Context) []int {
	out, ok := c.run(ctx, c.flushCmd, "--list")
	if !ok {
		return nil
	}
	var ids []int
	for _, field := range strings.Fields(string(out)) {
		id, err := strconv.Atoi(field)
		if err != nil {
			c.logger.Warnf("ignoring unexpected dataset id %q", field)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// NeedFlush returns true if dataset id needs to be flushed.
func (c *Client) NeedFlush(ctx context.Context, id int) bool {
	_, ok := c.run(ctx, c.flushCmd, "--need-flush", strconv.Itoa(id))
	return ok
}

// SetCurrent marks the named checkpoint as the one to restart from.
func (c *Client) SetCurrent(ctx context.Context, name string) bool {
	_, ok := c.run(ctx, c.flushCmd, "--current", name)
	return ok
}

// Inspect rebuilds the index from the files in the prefix directory
// and returns the lines it printed.
func (c *Client) Inspect(ctx context.Context) []string {
	out, ok := c.run(ctx, c.inspectCmd)
	if !ok {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// PostrunReport summarizes the dataset state after a run.
type PostrunReport struct {
	// Datasets the engine still needs to flush.
	Pending []int
	// Output of the inspect tool, if it ran.
	Inspected []string
}

// Postrun inspects the prefix directory and reports datasets that
// were not flushed before the run ended.
func (c *Client) Postrun(ctx context.Context) PostrunReport {
	var report PostrunReport
	report.Inspected = c.Inspect(ctx)
	for _, id := range c.ListFlush(ctx) {
		if c.NeedFlush(ctx, id) {
			report.Pending = append(report.Pending, id)
		}
	}
	if len(report.Pending) > 0 {
		c.logger.WithField("Datasets", report.Pending).Warn("datasets still need to be flushed")
	} else {
		c.logger.Info("no datasets pending flush")
	}
	return report
}
