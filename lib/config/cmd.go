// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/ghodss/yaml"
	"github.com/scrjob/scrjob/lib/cmd"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

// DumpCommand prints the effective configuration (defaults, config
// file, and command line overrides) as YAML.
var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

// ParseAndLoad sets up the loader flags on flags, parses args, and
// loads the config. It returns a logger that writes to stderr in the
// configured SystemLogs format and level.
//
// If ok is false, the caller should return code without doing
// anything else. Errors have already been printed to stderr.
func ParseAndLoad(flags *flag.FlagSet, prog string, args []string, positional string, stdin io.Reader, stderr io.Writer) (cfg *scrjob.Config, logger *logrus.Logger, ok bool, code int) {
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, positional, stderr); !ok {
		return nil, nil, false, code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return nil, nil, false, 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	return cfg, logger, true, 0
}
