// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags calls f.Parse(args), checks the number of positional
// arguments, and prints help or usage errors to stderr.
//
// positional describes the accepted positional arguments, e.g.,
// "hostlist" or "command [args...]". Each word not in brackets is a
// required argument. If the last word ends in "...", any number of
// further arguments are accepted. An empty positional accepts none.
//
// If ok is false, the caller should exit with exitCode: 0 if -help
// was given, 2 for a usage error.
func ParseFlags(f FlagSet, prog string, args []string, positional string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	if err == flag.ErrHelp {
		usage(f, prog, positional, stderr)
		f.PrintDefaults()
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "%s: %s (try -help)\n", prog, err)
		return false, 2
	}
	min, max := arity(positional)
	if n := f.NArg(); n < min || (max >= 0 && n > max) {
		if max == 0 {
			fmt.Fprintf(stderr, "%s: unrecognized command line arguments: %v (try -help)\n", prog, f.Args())
		} else {
			usage(f, prog, positional, stderr)
		}
		return false, 2
	}
	return true, 0
}

func usage(f FlagSet, prog, positional string, stderr io.Writer) {
	fmt.Fprintf(stderr, "usage: %s [options] %s\n", prog, positional)
	f.SetOutput(stderr)
}

// arity returns the minimum and maximum number of arguments
// described by positional. max is -1 if unlimited.
func arity(positional string) (min, max int) {
	words := strings.Fields(positional)
	for _, w := range words {
		if !strings.HasPrefix(w, "[") {
			min++
		}
		if strings.HasSuffix(strings.TrimRight(w, "]"), "...") {
			return min, -1
		}
		max++
	}
	return min, max
}
