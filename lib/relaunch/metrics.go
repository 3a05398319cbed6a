// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package relaunch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metrics struct {
	reg            *prometheus.Registry
	launches       prometheus.Counter
	launchFailures *prometheus.CounterVec
	launchSeconds  prometheus.Histogram
	usableNodes    prometheus.Gauge
	excludedNodes  prometheus.Gauge
	finalState     *prometheus.GaugeVec
}

func newMetrics(reg *prometheus.Registry) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &metrics{
		reg: reg,
		launches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrjob",
			Subsystem: "relaunch",
			Name:      "launches_total",
			Help:      "Number of launch attempts started.",
		}),
		launchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrjob",
			Subsystem: "relaunch",
			Name:      "launch_failures_total",
			Help:      "Number of launch attempts that did not succeed, by status.",
		}, []string{"status"}),
		launchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scrjob",
			Subsystem: "relaunch",
			Name:      "launch_duration_seconds",
			Help:      "Duration of launch attempts.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		usableNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrjob",
			Subsystem: "relaunch",
			Name:      "usable_nodes",
			Help:      "Number of usable nodes in the most recent evaluation.",
		}),
		excludedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrjob",
			Subsystem: "relaunch",
			Name:      "excluded_nodes",
			Help:      "Number of allocation nodes excluded in the most recent evaluation.",
		}),
		finalState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "scrjob",
			Subsystem: "relaunch",
			Name:      "final_state",
			Help:      "1 for the state the run ended in.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.launches, m.launchFailures, m.launchSeconds, m.usableNodes, m.excludedNodes, m.finalState)
	return m
}

func (m *metrics) resetGauges() {
	m.usableNodes.Set(0)
	m.excludedNodes.Set(0)
	m.finalState.Reset()
}

// writeTextfile writes all gathered metrics to path in the text
// exposition format, replacing the file atomically.
func (m *metrics) writeTextfile(path string) error {
	mfs, err := m.reg.Gather()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
