// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// PBS queries a PBS Pro / Torque allocation using the node file,
// pbsnodes, and qstat.
type PBS struct {
	schedCLI
	bracketHosts
	nodeFile string
}

func NewPBS(opts Options) *PBS {
	return &PBS{
		schedCLI: newSchedCLI(opts, "PBS"),
		nodeFile: opts.Config.PBS.NodeFile,
	}
}

func (*PBS) Type() string { return "PBS" }

func (rm *PBS) JobID() (string, error) {
	if id, ok := rm.getenv("PBS_JOBID"); ok {
		return id, nil
	}
	return "", notInAllocation("PBS_JOBID")
}

// AllocationNodes reads the node file (one line per slot) named by
// the PBS.NodeFile config entry or PBS_NODEFILE.
func (rm *PBS) AllocationNodes(context.Context) (nodeset.NodeSet, error) {
	fnm := rm.nodeFile
	if fnm == "" {
		var ok bool
		if fnm, ok = rm.getenv("PBS_NODEFILE"); !ok {
			return nodeset.NodeSet{}, notInAllocation("PBS_NODEFILE")
		}
	}
	buf, err := os.ReadFile(fnm)
	if err != nil {
		return nodeset.NodeSet{}, fmt.Errorf("reading node file: %w", err)
	}
	return nodeset.New(strings.Fields(string(buf))...), nil
}

// DownNodes runs "pbsnodes -l", which lists down, offline, and
// unknown nodes with their state.
func (rm *PBS) DownNodes(ctx context.Context) (map[string]string, error) {
	nodes, err := rm.AllocationNodes(ctx)
	if err != nil {
		return nil, err
	}
	out, err := rm.output(ctx, "pbsnodes", "-l")
	if err != nil {
		return nil, fmt.Errorf("listing down nodes: %w", err)
	}
	down := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		switch len(fields) {
		case 0:
		case 1:
			down[fields[0]] = ReasonDown
		default:
			down[fields[0]] = ReasonDown + " (state " + fields[1] + ")"
		}
	}
	return restrictTo(down, nodes), scanner.Err()
}

// EndTime uses Walltime.Remaining from "qstat -f" if present,
// otherwise the difference between Resource_List.walltime and
// resources_used.walltime.
func (rm *PBS) EndTime(ctx context.Context) (time.Time, error) {
	id, err := rm.JobID()
	if err != nil {
		return time.Time{}, err
	}
	now := rm.now()
	out, err := rm.output(ctx, "qstat", "-f", id)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying job walltime: %w", err)
	}
	attrs := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), "=")
		if ok {
			attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if v, ok := attrs["Walltime.Remaining"]; ok {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing Walltime.Remaining %q: %w", v, err)
		}
		return now.Add(time.Duration(secs) * time.Second), nil
	}
	limit, ok := attrs["Resource_List.walltime"]
	if !ok {
		return time.Time{}, nil
	}
	limitDur, err := parseHMS(limit)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing Resource_List.walltime %q: %w", limit, err)
	}
	var usedDur time.Duration
	if used, ok := attrs["resources_used.walltime"]; ok {
		if usedDur, err = parseHMS(used); err != nil {
			return time.Time{}, fmt.Errorf("parsing resources_used.walltime %q: %w", used, err)
		}
	}
	return now.Add(limitDur - usedDur), nil
}

// parseHMS parses "HH:MM:SS", "MM:SS", or "SS".
func parseHMS(s string) (time.Duration, error) {
	var total int64
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("too many fields")
	}
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return 0, err
		}
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, nil
}
