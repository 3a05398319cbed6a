// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

var (
	// Version will get assigned the release number at compile time
	Version string
)

// GetVersion returns the release number if it was assigned by the compiler
// or "dev" otherwise.
func GetVersion() string {
	if Version != "" {
		return Version
	}
	return "dev"
}

// String returns a one-line version description for prog, including
// the Go runtime version.
func String(prog string) string {
	return fmt.Sprintf("%s %s (%s)", prog, GetVersion(), runtime.Version())
}
