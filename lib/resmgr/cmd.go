// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package resmgr

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/scrjob/scrjob/lib/cmd"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"rsc.io/getopt"
)

// GlobHostsCommand evaluates host list expressions. It prints the
// compressed (or expanded) form of a host list, optionally after
// subtracting or intersecting another list. Options follow getopt
// conventions, e.g., "-c" or "--count".
var GlobHostsCommand cmd.Handler = globHostsCommand{}

type globHostsCommand struct{}

func (globHostsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := getopt.NewFlagSet(prog, flag.ContinueOnError)
	expand := flags.Bool("expand", false, "print a comma-separated list instead of range notation")
	flags.Alias("e", "expand")
	count := flags.Bool("count", false, "print the number of hosts")
	flags.Alias("c", "count")
	nth := flags.Int("nth", 0, "print only the `n`th host (1-based; negative counts from the end)")
	flags.Alias("n", "nth")
	minus := flags.String("minus", "", "remove hosts in this `list`")
	flags.Alias("m", "minus")
	intersect := flags.String("intersect", "", "keep only hosts also in this `list`")
	flags.Alias("i", "intersect")
	if ok, code := cmd.ParseFlags(flags, prog, args, "hostlist", stderr); !ok {
		return code
	}

	ns, err := nodeset.Expand(flags.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *minus != "" {
		other, err := nodeset.Expand(*minus)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		ns = ns.Diff(other)
	}
	if *intersect != "" {
		other, err := nodeset.Expand(*intersect)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		ns = ns.Intersect(other)
	}

	switch {
	case *count:
		fmt.Fprintln(stdout, ns.Len())
	case *nth != 0:
		i := *nth - 1
		if *nth < 0 {
			i = ns.Len() + *nth
		}
		if i < 0 || i >= ns.Len() {
			fmt.Fprintf(stderr, "host %d out of range (list has %d hosts)\n", *nth, ns.Len())
			return 1
		}
		fmt.Fprintln(stdout, ns.Slice()[i])
	case *expand:
		fmt.Fprintln(stdout, strings.Join(ns.Slice(), ","))
	default:
		fmt.Fprintln(stdout, nodeset.Compress(ns))
	}
	return 0
}
