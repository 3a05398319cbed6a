// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package scrjob

// DefaultConfigFile is the system-wide config file consulted when
// neither -config nor SCRJOB_CONFIG is given.
const DefaultConfigFile = "/etc/scrjob/config.yml"

// Config is the complete configuration of a job run. It is loaded
// by lib/config from YAML, over the built-in defaults.
type Config struct {
	SystemLogs struct {
		LogLevel string
		Format   string
	}

	// ResourceManager is "AUTO", "SLURM", "LSF", "PBS" or "FLUX".
	ResourceManager string

	SLURM struct {
		// Node states that sinfo reports as unusable.
		DownStates []string
	}
	LSF struct {
		// Drop the first host in LSB_MCPU_HOSTS/LSB_HOSTS
		// (the launch node on systems where the batch script
		// does not run on a compute node).
		ExcludeLaunchHost bool
		// bhosts statuses treated as down.
		DownStatuses []string
	}
	PBS struct {
		NodeFile string
	}

	Launcher struct {
		// Launch command family: "srun", "jsrun", "lrun",
		// "mpirun", "aprun" or "flux".
		Name string
		// Executable to run; defaults to Name.
		Command string
		// Parallel execution backend for node tests:
		// "fanout", "ssh", or "pdsh".
		ParallelExec string
		// Remote shell template for the fanout backend; "%h"
		// is replaced with the node name. Empty means use the
		// launcher's default.
		RemoteShell string
		PdshCommand string
		// Maximum number of concurrent per-node subprocesses.
		FanOut int
		// Timeout for one ParallelExec call.
		ExecTimeout Duration
		// Settings for the "ssh" backend, which connects to
		// each node directly instead of starting a remote
		// shell process per node.
		SSH struct {
			User           string
			Port           string
			PrivateKeyFile string
			// If empty, any host key is accepted.
			KnownHostsFile string
			ConnectTimeout Duration
		}
	}

	NodeTests struct {
		// Tests to run, in order.
		Enabled []string
		// Minimum usable node count; below this the run
		// aborts.
		MinNodes int
		Echo     struct {
			Token string
		}
		Ping struct {
			Command string
			Timeout Duration
		}
		DirCheck struct {
			Command string
			Token   string
		}
	}

	Relaunch struct {
		// Maximum number of launch attempts; 0 means no
		// limit other than the allocation end time.
		MaxAttempts int
		// Stop retrying when less than this much allocation
		// time remains.
		HaltMargin Duration
		// Upper bound for one launch; 0 means the remaining
		// allocation time.
		LaunchTimeout Duration
		// Pause before the first relaunch. Later pauses
		// double, up to MaxRetryDelay.
		RetryDelay    Duration
		MaxRetryDelay Duration
		// Abort when this file exists, and interrupt a
		// running launch when it is created.
		HaltFile string
	}

	Dataset struct {
		Enabled          bool
		Prefix           string
		FlushFileCommand string
		InspectCommand   string
	}

	Metrics struct {
		// If non-empty, write prometheus metrics in text
		// exposition format to this file at the end of the
		// run (node_exporter textfile collector).
		TextfilePath string
	}

	// Params is the parameter store consulted after the
	// environment (e.g., SCR_EXCLUDE_NODES).
	Params map[string]string

	// ParamOverrides are parameters given on the command line.
	// They take precedence over the environment.
	ParamOverrides map[string]string `json:"-"`
}
