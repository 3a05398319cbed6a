// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resmgr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// Flux queries the enclosing Flux instance using the flux command.
type Flux struct {
	schedCLI
	bracketHosts
}

func NewFlux(opts Options) *Flux {
	return &Flux{schedCLI: newSchedCLI(opts, "FLUX")}
}

func (*Flux) Type() string { return "FLUX" }

func (rm *Flux) JobID() (string, error) {
	if id, ok := rm.getenv("FLUX_JOB_ID"); ok {
		return id, nil
	}
	return "", notInAllocation("FLUX_JOB_ID")
}

func (rm *Flux) AllocationNodes(ctx context.Context) (nodeset.NodeSet, error) {
	if _, err := rm.JobID(); err != nil {
		return nodeset.NodeSet{}, err
	}
	return rm.nodelist(ctx, "all")
}

// DownNodes reports nodes the instance lists in the "down" state.
func (rm *Flux) DownNodes(ctx context.Context) (map[string]string, error) {
	nodes, err := rm.AllocationNodes(ctx)
	if err != nil {
		return nil, err
	}
	downset, err := rm.nodelist(ctx, "down")
	if err != nil {
		return nil, err
	}
	down := map[string]string{}
	for _, node := range downset.Slice() {
		down[node] = ReasonDown
	}
	return restrictTo(down, nodes), nil
}

// nodelist returns the union of the node lists flux prints for the
// given resource state, one line per state group.
func (rm *Flux) nodelist(ctx context.Context, state string) (nodeset.NodeSet, error) {
	out, err := rm.output(ctx, "flux", "resource", "list", "--no-header", "--states="+state, "--format={nodelist}")
	if err != nil {
		return nodeset.NodeSet{}, fmt.Errorf("listing %s resources: %w", state, err)
	}
	var all nodeset.NodeSet
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ns, err := rm.ExpandHosts(line)
		if err != nil {
			return nodeset.NodeSet{}, err
		}
		all = all.Union(ns)
	}
	return all, scanner.Err()
}

// EndTime uses "flux job timeleft", which prints the remaining
// seconds, or "infinity" if the job has no time limit.
func (rm *Flux) EndTime(ctx context.Context) (time.Time, error) {
	if _, err := rm.JobID(); err != nil {
		return time.Time{}, err
	}
	now := rm.now()
	out, err := rm.output(ctx, "flux", "job", "timeleft")
	if err != nil {
		return time.Time{}, fmt.Errorf("querying time left: %w", err)
	}
	val := strings.TrimSpace(string(out))
	if val == "" || val == "infinity" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timeleft %q: %w", val, err)
	}
	return now.Add(time.Duration(secs * float64(time.Second))), nil
}
