// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// SLURM queries a Slurm allocation using environment variables,
// sinfo, and scontrol.
type SLURM struct {
	schedCLI
	bracketHosts
	downStates []string
}

func NewSLURM(opts Options) *SLURM {
	return &SLURM{
		schedCLI:   newSchedCLI(opts, "SLURM"),
		downStates: opts.Config.SLURM.DownStates,
	}
}

func (*SLURM) Type() string { return "SLURM" }

func (rm *SLURM) JobID() (string, error) {
	if id, ok := rm.getenv("SLURM_JOBID", "SLURM_JOB_ID"); ok {
		return id, nil
	}
	return "", notInAllocation("SLURM_JOBID")
}

func (rm *SLURM) AllocationNodes(context.Context) (nodeset.NodeSet, error) {
	spec, ok := rm.getenv("SLURM_JOB_NODELIST", "SLURM_NODELIST")
	if !ok {
		return nodeset.NodeSet{}, notInAllocation("SLURM_NODELIST")
	}
	return rm.ExpandHosts(spec)
}

// DownNodes asks sinfo for the state of each allocation node and
// reports nodes whose state starts with one of the configured down
// states. "drain" matches "drained" and "draining". State flags like
// "*" are ignored.
func (rm *SLURM) DownNodes(ctx context.Context) (map[string]string, error) {
	nodes, err := rm.AllocationNodes(ctx)
	if err != nil {
		return nil, err
	}
	down := map[string]string{}
	if nodes.Empty() {
		return down, nil
	}
	out, err := rm.output(ctx, "sinfo", "--noheader", "--Node", "--format=%N|%T|%E", "--nodes="+rm.CompressHosts(nodes))
	if err != nil {
		return nil, fmt.Errorf("querying node states: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), "|", 3)
		if len(fields) < 2 {
			continue
		}
		node, state := fields[0], strings.ToLower(strings.TrimRight(fields[1], "*~#!%$@^-+"))
		if !rm.isDownState(state) {
			continue
		}
		reason := ReasonDown + " (state " + state + ")"
		if len(fields) == 3 && fields[2] != "" && fields[2] != "none" {
			reason = ReasonDown + ": " + fields[2]
		}
		down[node] = reason
	}
	return restrictTo(down, nodes), scanner.Err()
}

func (rm *SLURM) isDownState(state string) bool {
	for _, prefix := range rm.downStates {
		if strings.HasPrefix(state, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// EndTime parses the EndTime field of "scontrol show job". Slurm
// prints local time without a zone.
func (rm *SLURM) EndTime(ctx context.Context) (time.Time, error) {
	id, err := rm.JobID()
	if err != nil {
		return time.Time{}, err
	}
	out, err := rm.output(ctx, "scontrol", "--oneliner", "show", "job", id)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying job end time: %w", err)
	}
	for _, field := range strings.Fields(string(out)) {
		if !strings.HasPrefix(field, "EndTime=") {
			continue
		}
		val := strings.TrimPrefix(field, "EndTime=")
		switch val {
		case "Unknown", "None", "":
			return time.Time{}, nil
		}
		t, err := time.ParseInLocation("2006-01-02T15:04:05", val, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing EndTime %q: %w", val, err)
		}
		return t, nil
	}
	return time.Time{}, nil
}
