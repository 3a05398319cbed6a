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

// LSF queries an IBM Spectrum LSF allocation using environment
// variables, bhosts, and bjobs.
type LSF struct {
	schedCLI
	excludeLaunchHost bool
	downStatuses      map[string]bool
}

func NewLSF(opts Options) *LSF {
	rm := &LSF{
		schedCLI:          newSchedCLI(opts, "LSF"),
		excludeLaunchHost: opts.Config.LSF.ExcludeLaunchHost,
		downStatuses:      map[string]bool{},
	}
	for _, st := range opts.Config.LSF.DownStatuses {
		rm.downStatuses[strings.ToLower(st)] = true
	}
	return rm
}

func (*LSF) Type() string { return "LSF" }

func (rm *LSF) JobID() (string, error) {
	if id, ok := rm.getenv("LSB_JOBID"); ok {
		return id, nil
	}
	return "", notInAllocation("LSB_JOBID")
}

// AllocationNodes reads the host list from LSB_MCPU_HOSTS ("host
// ncpus" pairs), LSB_HOSTS (one entry per slot), or the file named
// by LSB_DJOB_HOSTFILE, in that order. The first host is the launch
// node; it is dropped if ExcludeLaunchHost is set and other hosts
// remain.
func (rm *LSF) AllocationNodes(context.Context) (nodeset.NodeSet, error) {
	var hosts []string
	if v, ok := rm.getenv("LSB_MCPU_HOSTS"); ok {
		fields := strings.Fields(v)
		for i := 0; i < len(fields); i += 2 {
			hosts = append(hosts, fields[i])
		}
	} else if v, ok := rm.getenv("LSB_HOSTS"); ok {
		hosts = strings.Fields(v)
	} else if fnm, ok := rm.getenv("LSB_DJOB_HOSTFILE"); ok {
		buf, err := os.ReadFile(fnm)
		if err != nil {
			return nodeset.NodeSet{}, fmt.Errorf("reading LSB_DJOB_HOSTFILE: %w", err)
		}
		hosts = strings.Fields(string(buf))
	} else {
		return nodeset.NodeSet{}, notInAllocation("LSB_MCPU_HOSTS")
	}
	nodes := nodeset.New(hosts...)
	if rm.excludeLaunchHost && nodes.Len() > 1 {
		nodes = nodes.Diff(nodeset.New(nodes.Slice()[0]))
	}
	return nodes, nil
}

// DownNodes reports allocation hosts whose "bhosts -w" status is one
// of the configured down statuses.
func (rm *LSF) DownNodes(ctx context.Context) (map[string]string, error) {
	nodes, err := rm.AllocationNodes(ctx)
	if err != nil {
		return nil, err
	}
	down := map[string]string{}
	if nodes.Empty() {
		return down, nil
	}
	out, err := rm.output(ctx, "bhosts", append([]string{"-w"}, nodes.Slice()...)...)
	if err != nil {
		return nil, fmt.Errorf("querying host statuses: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] == "HOST_NAME" {
			continue
		}
		if rm.downStatuses[strings.ToLower(fields[1])] {
			down[fields[0]] = ReasonDown + " (status " + fields[1] + ")"
		}
	}
	return restrictTo(down, nodes), scanner.Err()
}

// EndTime parses the time_left field of bjobs, which looks like
// "1:23 L" (hours:minutes, then a status letter), or "-" if the job
// has no run limit.
func (rm *LSF) EndTime(ctx context.Context) (time.Time, error) {
	id, err := rm.JobID()
	if err != nil {
		return time.Time{}, err
	}
	now := rm.now()
	out, err := rm.output(ctx, "bjobs", "-noheader", "-o", "time_left", id)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying job time left: %w", err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 || fields[0] == "-" {
		return time.Time{}, nil
	}
	left, err := parseHoursMinutes(fields[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing bjobs time_left %q: %w", fields[0], err)
	}
	return now.Add(left), nil
}

func parseHoursMinutes(s string) (time.Duration, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("expected H:MM")
	}
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(m)
	if err != nil {
		return 0, err
	}
	return time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute, nil
}

// ExpandHosts parses a comma or whitespace separated host list. LSF
// has no range syntax.
func (*LSF) ExpandHosts(spec string) (nodeset.NodeSet, error) {
	return nodeset.SplitList(spec), nil
}

func (*LSF) CompressHosts(ns nodeset.NodeSet) string {
	return ns.String()
}

func (*LSF) ExcludeHint(ns nodeset.NodeSet) string {
	return ns.String()
}
