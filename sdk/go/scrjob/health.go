// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scrjob

import (
	"sort"
	"strings"

	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// A HealthReport maps node names to the reasons they were judged
// unusable. A node that is absent from the report was found
// healthy.
type HealthReport map[string][]string

// Add records reason for node, ignoring exact duplicates.
func (hr HealthReport) Add(node, reason string) {
	for _, r := range hr[node] {
		if r == reason {
			return
		}
	}
	hr[node] = append(hr[node], reason)
	sort.Strings(hr[node])
}

// Nodes returns the failed nodes, sorted by name.
func (hr HealthReport) Nodes() nodeset.NodeSet {
	names := make([]string, 0, len(hr))
	for node := range hr {
		names = append(names, node)
	}
	sort.Strings(names)
	return nodeset.New(names...)
}

// Reason returns all reasons recorded for node, joined with "; ".
func (hr HealthReport) Reason(node string) string {
	return strings.Join(hr[node], "; ")
}

// Merge returns the union of the given reports. A node failing in
// any report fails in the result, with the reasons from every
// report. The inputs are not modified, and the result does not
// depend on the order of the arguments.
func Merge(reports ...HealthReport) HealthReport {
	merged := HealthReport{}
	for _, hr := range reports {
		for node, reasons := range hr {
			for _, reason := range reasons {
				merged.Add(node, reason)
			}
		}
	}
	return merged
}
