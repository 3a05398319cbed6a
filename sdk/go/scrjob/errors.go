// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scrjob

import (
	"fmt"
)

// EnvironmentError indicates there is no usable batch allocation,
// or the scheduler could not be identified. It is not retried.
type EnvironmentError struct {
	Msg string
}

func (e *EnvironmentError) Error() string {
	return "environment error: " + e.Msg
}

// NewEnvironmentError returns an *EnvironmentError with a formatted
// message.
func NewEnvironmentError(format string, args ...interface{}) error {
	return &EnvironmentError{Msg: fmt.Sprintf(format, args...)}
}

// ProbeFailure indicates a node test could not complete. Nodes it
// covers are treated as unhealthy.
type ProbeFailure struct {
	Test string
	Node string
	Err  error
}

func (e *ProbeFailure) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s probe of %s failed: %s", e.Test, e.Node, e.Err)
	}
	return fmt.Sprintf("%s probe failed: %s", e.Test, e.Err)
}

func (e *ProbeFailure) Unwrap() error {
	return e.Err
}

// LaunchFailure indicates a launch command exited non-zero, timed
// out, or could not be started.
type LaunchFailure struct {
	Outcome *LaunchOutcome
}

func (e *LaunchFailure) Error() string {
	if e.Outcome == nil {
		return "launch failed"
	}
	return fmt.Sprintf("launch failed: status %s, exit code %d", e.Outcome.Status, e.Outcome.ExitCode)
}

// ResourceExhausted indicates the run cannot continue: too few
// usable nodes, no attempts left, or no allocation time left.
type ResourceExhausted struct {
	Reason string
}

func (e *ResourceExhausted) Error() string {
	return "resources exhausted: " + e.Reason
}
