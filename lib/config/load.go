// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

// A Loader reads a config file over the built-in defaults, then
// applies command-line overrides.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path to the config file. "-" means read Stdin. Empty
	// means $SCRJOB_CONFIG, then scrjob.DefaultConfigFile if it
	// exists, otherwise defaults only.
	Path string

	flagset     *flag.FlagSet
	overrides   scrjob.Config
	nodeTests   string
	excludeList string
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and all config paths set to their default values.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger}
}

// SetupFlags configures a flagset so arguments like -config X can
// be used to change the loader's Path and override individual
// config entries.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	ldr.flagset = flagset
	flagset.StringVar(&ldr.Path, "config", "", "Site configuration `file` (default $SCRJOB_CONFIG or "+scrjob.DefaultConfigFile+")")
	flagset.StringVar(&ldr.overrides.ResourceManager, "resource-manager", "", "Batch scheduler: AUTO, SLURM, LSF, PBS, FLUX")
	flagset.StringVar(&ldr.overrides.Launcher.Name, "launcher", "", "Job launcher: srun, jsrun, lrun, mpirun, aprun, flux")
	flagset.IntVar(&ldr.overrides.NodeTests.MinNodes, "min-nodes", 0, "Minimum number of usable nodes")
	flagset.IntVar(&ldr.overrides.Relaunch.MaxAttempts, "max-attempts", 0, "Maximum number of launch attempts")
	flagset.StringVar(&ldr.nodeTests, "node-tests", "", "Comma-separated node tests to run")
	flagset.StringVar(&ldr.excludeList, "exclude-nodes", "", "Host list to exclude (sets SCR_EXCLUDE_NODES)")
	flagset.StringVar(&ldr.overrides.Relaunch.HaltFile, "halt-file", "", "Stop relaunching when this `file` exists")
	flagset.StringVar(&ldr.overrides.SystemLogs.LogLevel, "log-level", "", "Logging threshold")
}

// Load returns the loaded config, or an error.
func (ldr *Loader) Load() (*scrjob.Config, error) {
	var cfg scrjob.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	buf, err := ldr.read()
	if err != nil {
		return nil, err
	}
	if len(buf) > 0 {
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		ldr.logExtraKeys(buf)
	}

	if ldr.nodeTests != "" {
		ldr.overrides.NodeTests.Enabled = strings.Split(ldr.nodeTests, ",")
	}
	if ldr.excludeList != "" {
		ldr.overrides.Params = map[string]string{"SCR_EXCLUDE_NODES": ldr.excludeList}
		ldr.overrides.ParamOverrides = map[string]string{"SCR_EXCLUDE_NODES": ldr.excludeList}
	}
	err = mergo.Merge(&cfg, ldr.overrides, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("applying command line overrides: %w", err)
	}
	// Merge skips zero values, but 0 is meaningful for these.
	if ldr.flagset != nil {
		ldr.flagset.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "min-nodes":
				cfg.NodeTests.MinNodes = ldr.overrides.NodeTests.MinNodes
			case "max-attempts":
				cfg.Relaunch.MaxAttempts = ldr.overrides.Relaunch.MaxAttempts
			}
		})
	}
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	return &cfg, Check(&cfg)
}

func (ldr *Loader) read() ([]byte, error) {
	path := ldr.Path
	if path == "" {
		path = os.Getenv("SCRJOB_CONFIG")
	}
	if path == "-" {
		if ldr.Stdin == nil {
			return nil, nil
		}
		return io.ReadAll(ldr.Stdin)
	}
	if path == "" {
		buf, err := os.ReadFile(scrjob.DefaultConfigFile)
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return buf, err
	}
	return os.ReadFile(path)
}

// Check returns an error if cfg has values that cannot work.
func Check(cfg *scrjob.Config) error {
	if cfg.NodeTests.MinNodes < 0 {
		return fmt.Errorf("NodeTests.MinNodes must not be negative (got %d)", cfg.NodeTests.MinNodes)
	}
	if cfg.Relaunch.MaxAttempts < 0 {
		return fmt.Errorf("Relaunch.MaxAttempts must not be negative (got %d)", cfg.Relaunch.MaxAttempts)
	}
	if cfg.Launcher.FanOut < 1 {
		return fmt.Errorf("Launcher.FanOut must be at least 1 (got %d)", cfg.Launcher.FanOut)
	}
	switch cfg.Launcher.ParallelExec {
	case "fanout", "ssh", "pdsh":
	default:
		return fmt.Errorf("Launcher.ParallelExec must be \"fanout\", \"ssh\", or \"pdsh\" (got %q)", cfg.Launcher.ParallelExec)
	}
	return nil
}

// logExtraKeys warns about config keys that do not correspond to any
// config entry, which usually indicates a typo.
func (ldr *Loader) logExtraKeys(buf []byte) {
	if ldr.Logger == nil {
		return
	}
	var given map[string]interface{}
	if yaml.Unmarshal(buf, &given) != nil {
		return
	}
	var known map[string]interface{}
	j, _ := json.Marshal(scrjob.Config{})
	json.Unmarshal(j, &known)
	for _, key := range extraKeys(given, known, "") {
		ldr.Logger.Warnf("unused config key %q", key)
	}
}

func extraKeys(given, known map[string]interface{}, prefix string) []string {
	var extra []string
	for k, v := range given {
		kv, ok := known[k]
		if !ok {
			extra = append(extra, prefix+k)
			continue
		}
		if prefix+k == "Params" {
			continue
		}
		gm, gok := v.(map[string]interface{})
		km, kok := kv.(map[string]interface{})
		if gok && kok {
			extra = append(extra, extraKeys(gm, km, prefix+k+".")...)
		}
	}
	sort.Strings(extra)
	return extra
}
