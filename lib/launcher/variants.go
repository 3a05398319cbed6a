// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package launcher

import (
	"github.com/scrjob/scrjob/sdk/go/nodeset"
)

// SRun launches with Slurm's srun.
type SRun struct{ *common }

func (*SRun) ExcludeFlag(down nodeset.NodeSet) []string {
	if down.Empty() {
		return nil
	}
	return []string{"--exclude=" + nodeset.Compress(down)}
}

func (l *SRun) BuildArgv(exe string, down nodeset.NodeSet, args []string) []string {
	return buildArgv(exe, l.ExcludeFlag(down), args)
}

// JSRun launches with IBM's jsrun.
type JSRun struct{ *common }

func (*JSRun) ExcludeFlag(down nodeset.NodeSet) []string {
	if down.Empty() {
		return nil
	}
	return []string{"--exclude_hosts=" + down.String()}
}

func (l *JSRun) BuildArgv(exe string, down nodeset.NodeSet, args []string) []string {
	return buildArgv(exe, l.ExcludeFlag(down), args)
}

// LRun launches with LLNL's lrun wrapper around jsrun, which passes
// exclusions through to jsrun.
type LRun struct{ *common }

func (*LRun) ExcludeFlag(down nodeset.NodeSet) []string {
	if down.Empty() {
		return nil
	}
	return []string{"--exclude_hosts=" + down.String()}
}

func (l *LRun) BuildArgv(exe string, down nodeset.NodeSet, args []string) []string {
	return buildArgv(exe, l.ExcludeFlag(down), args)
}

// APRun launches with Cray ALPS aprun.
type APRun struct{ *common }

func (*APRun) ExcludeFlag(down nodeset.NodeSet) []string {
	if down.Empty() {
		return nil
	}
	return []string{"-E", nodeset.Compress(down)}
}

func (l *APRun) BuildArgv(exe string, down nodeset.NodeSet, args []string) []string {
	return buildArgv(exe, l.ExcludeFlag(down), args)
}

// FluxRun launches with "flux run". Exclusion is expressed as a
// negated host constraint.
type FluxRun struct{ *common }

func (*FluxRun) ExcludeFlag(down nodeset.NodeSet) []string {
	if down.Empty() {
		return nil
	}
	return []string{"--requires=-host:" + nodeset.Compress(down)}
}

// BuildArgv inserts the "run" subcommand after exe.
func (l *FluxRun) BuildArgv(exe string, down nodeset.NodeSet, args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return buildArgv(exe, append([]string{"run"}, l.ExcludeFlag(down)...), args)
}

// MPIRun launches with mpirun, which has no exclude option. Use
// Command to restrict it to the usable nodes.
type MPIRun struct{ *common }

func (*MPIRun) ExcludeFlag(nodeset.NodeSet) []string {
	return nil
}

func (l *MPIRun) BuildArgv(exe string, down nodeset.NodeSet, args []string) []string {
	return buildArgv(exe, nil, args)
}

// TargetHosts inserts "--host a,b,c" after the executable.
func (*MPIRun) TargetHosts(argv []string, usable nodeset.NodeSet) []string {
	if len(argv) == 0 || usable.Empty() {
		return argv
	}
	out := []string{argv[0], "--host", usable.String()}
	return append(out, argv[1:]...)
}
