// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"os"

	"github.com/scrjob/scrjob/sdk/go/scrjob"
)

// Params is a read-only parameter store. Lookups consult command
// line overrides first, then the environment, then the config
// file's Params section.
type Params struct {
	overrides map[string]string
	params    map[string]string
	lookup    func(string) (string, bool)
}

// NewParams returns a Params backed by cfg.ParamOverrides, the
// process environment, and cfg.Params.
func NewParams(cfg *scrjob.Config) *Params {
	return &Params{overrides: cfg.ParamOverrides, params: cfg.Params, lookup: os.LookupEnv}
}

// StaticParams returns a Params that ignores the environment. Used
// by tests.
func StaticParams(params map[string]string) *Params {
	return &Params{
		params: params,
		lookup: func(string) (string, bool) { return "", false },
	}
}

// Get returns the value of key, and whether it was set anywhere.
func (p *Params) Get(key string) (string, bool) {
	if v, ok := p.overrides[key]; ok {
		return v, true
	}
	if v, ok := p.lookup(key); ok {
		return v, true
	}
	v, ok := p.params[key]
	return v, ok
}
