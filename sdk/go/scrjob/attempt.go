// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scrjob

import (
	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// An Attempt records one evaluate-launch-observe cycle.
type Attempt struct {
	Number     int
	Candidates nodeset.NodeSet
	Health     HealthReport
	Usable     nodeset.NodeSet
	Argv       []string
	Outcome    *LaunchOutcome
	// Nodes removed from the candidate set because of this
	// attempt's symptoms.
	Implicated nodeset.NodeSet
}
