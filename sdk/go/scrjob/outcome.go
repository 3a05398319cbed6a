// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scrjob

import (
	"time"

	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// LaunchStatus summarizes how a launch or parallel command ended.
type LaunchStatus string

const (
	StatusSuccess    = LaunchStatus("Success")
	StatusFailed     = LaunchStatus("Failed")
	StatusTimedOut   = LaunchStatus("TimedOut")
	StatusNotStarted = LaunchStatus("NotStarted")
	StatusCancelled  = LaunchStatus("Cancelled")
)

// A LaunchOutcome is the result of running a command across a set of
// nodes.
type LaunchOutcome struct {
	Status   LaunchStatus
	ExitCode int
	// Captured stdout per node. Nil if the command does not
	// provide per-node output (e.g., a job launch).
	NodeOutput map[string]string `json:",omitempty"`
	// Nodes whose own subprocess failed, where known.
	NodeFailed nodeset.NodeSet
	// Tail of stderr, for diagnostics.
	Stderr     string `json:",omitempty"`
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success returns true if the command ran and exited 0.
func (o *LaunchOutcome) Success() bool {
	return o != nil && o.Status == StatusSuccess
}

// Silent returns the nodes in targets that produced no output. It
// returns an empty set if the outcome has no per-node output.
func (o *LaunchOutcome) Silent(targets nodeset.NodeSet) nodeset.NodeSet {
	if o == nil || o.NodeOutput == nil {
		return nodeset.NodeSet{}
	}
	var silent []string
	for _, node := range targets.Slice() {
		if o.NodeOutput[node] == "" {
			silent = append(silent, node)
		}
	}
	return nodeset.New(silent...)
}
