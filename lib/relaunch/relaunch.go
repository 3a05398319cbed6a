// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package relaunch runs a job on the usable nodes of an allocation,
// relaunching on a reduced node set after failures until it
// succeeds or the run cannot continue.
package relaunch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/dustin/go-humanize"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/scrjob/scrjob/lib/jobenv"
	"github.com/scrjob/scrjob/lib/launcher"
	"github.com/scrjob/scrjob/lib/nodetest"
	"github.com/scrjob/scrjob/sdk/go/ctxlog"
	"github.com/scrjob/scrjob/sdk/go/nodeset"
	"github.com/scrjob/scrjob/sdk/go/scrjob"
	"github.com/sirupsen/logrus"
)

// State is a state of the relaunch loop.
type State string

const (
	StateEvaluating = State("EVALUATING")
	StateLaunching  = State("LAUNCHING")
	StateObserving  = State("OBSERVING")
	StateRetrying   = State("RETRYING")
	StateSucceeded  = State("SUCCEEDED")
	StateAborted    = State("ABORTED")
)

// ErrNothingToLaunch is returned when the job command is empty.
var ErrNothingToLaunch = errors.New("nothing to launch")

// Result is the outcome of a run.
type Result struct {
	// Identifies the run in logs and reports.
	RunID string
	// SUCCEEDED or ABORTED.
	State    State
	Attempts []scrjob.Attempt
	// Nil if State is SUCCEEDED. Otherwise one or more of
	// *scrjob.ResourceExhausted, *scrjob.LaunchFailure,
	// *scrjob.EnvironmentError, ErrHalted, or a context error,
	// usable with errors.Is/errors.As.
	Err error
	// Set if the checkpoint engine was queried after the run.
	PendingFlush []int `json:",omitempty"`
}

// Launches returns the number of attempts that started a launch.
func (r Result) Launches() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Outcome != nil {
			n++
		}
	}
	return n
}

// An Orchestrator runs the relaunch loop. It borrows the resource
// manager and launcher from Env.
type Orchestrator struct {
	Env   *jobenv.JobEnv
	Tests []nodetest.NodeTest

	// Job output. Default os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Metrics are registered here on the first Run. Default: a
	// private registry.
	Registry *prometheus.Registry

	// (for testing) current time. Default time.Now.
	Now func() time.Time

	setupOnce sync.Once
	metrics   *metrics
}

// runMetrics returns the Orchestrator's metrics, registering them
// on first use. Counters accumulate across runs; gauges describe
// the current run.
func (o *Orchestrator) runMetrics() *metrics {
	o.setupOnce.Do(func() {
		o.metrics = newMetrics(o.Registry)
	})
	o.metrics.resetGauges()
	return o.metrics
}

// run holds the state of one Run call.
type run struct {
	*Orchestrator
	ctx    context.Context
	logger logrus.FieldLogger
	cfg    *scrjob.Config

	allocation  nodeset.NodeSet
	candidates  nodeset.NodeSet
	hasDeadline bool
	haltAt      time.Time

	attempts []scrjob.Attempt
	current  scrjob.Attempt
	err      error
	stop     context.CancelFunc
	backoff  *backoff.ExponentialBackOff
}

// Run runs userArgs on the allocation and returns when the job has
// succeeded or the run has been aborted.
func (o *Orchestrator) Run(ctx context.Context, userArgs []string) Result {
	cfg := o.Env.Config
	var runID string
	if id, err := uuid.NewV4(); err == nil {
		runID = id.String()
	}
	r := &run{
		Orchestrator: o,
		logger:       ctxlog.FromContext(ctx).WithField("RunID", runID),
		cfg:          cfg,
	}
	o.runMetrics()
	state := r.start(ctx, userArgs)
	if r.stop != nil {
		defer r.stop()
	}
	for state != StateSucceeded && state != StateAborted {
		r.logger.WithField("State", state).Debug("state transition")
		switch state {
		case StateEvaluating:
			state = r.evaluate()
		case StateLaunching:
			state = r.launch(userArgs)
		case StateObserving:
			state = r.observe()
		case StateRetrying:
			state = r.retry()
		default:
			panic("invalid state " + state)
		}
	}
	r.metrics.finalState.WithLabelValues(string(state)).Set(1)
	res := Result{RunID: runID, State: state, Attempts: r.attempts, Err: r.err}
	if state == StateAborted {
		r.logger.WithError(r.err).WithField("Attempts", len(r.attempts)).Error("run aborted")
	} else {
		r.logger.WithField("Attempts", len(r.attempts)).Info("run succeeded")
	}
	if cfg.Dataset.Enabled {
		res.PendingFlush = r.postrun(ctx)
	}
	if path := cfg.Metrics.TextfilePath; path != "" {
		if err := r.metrics.writeTextfile(path); err != nil {
			r.logger.WithError(err).Warn("could not write metrics textfile")
		}
	}
	return res
}

// start sets up the run and returns the first state.
func (r *run) start(ctx context.Context, userArgs []string) State {
	if len(userArgs) == 0 {
		r.err = ErrNothingToLaunch
		return StateAborted
	}
	hctx, stop, err := watchHaltFile(ctx, r.logger, r.cfg.Relaunch.HaltFile)
	if err != nil {
		r.err = err
		return StateAborted
	}
	r.ctx, r.stop = hctx, stop
	if err := r.interrupted(); err != nil {
		r.err = err
		return StateAborted
	}

	rm := r.Env.ResourceManager
	r.allocation, err = rm.AllocationNodes(r.ctx)
	if err != nil {
		r.err = err
		return StateAborted
	}
	r.candidates = r.allocation

	end, err := rm.EndTime(r.ctx)
	if err != nil {
		r.logger.WithError(err).Warn("could not determine allocation end time, continuing without one")
	} else if !end.IsZero() {
		// Adding the wall clock difference to now keeps a
		// monotonic reading in the deadline.
		now := r.now()
		r.hasDeadline = true
		r.haltAt = now.Add(end.Sub(now)).Add(-r.cfg.Relaunch.HaltMargin.Duration())
		r.logger.WithFields(logrus.Fields{
			"EndTime": end.Format(time.RFC3339),
			"Halt":    humanize.Time(r.haltAt),
		}).Info("allocation end time")
	}
	if delay := r.cfg.Relaunch.RetryDelay.Duration(); delay > 0 {
		r.backoff = &backoff.ExponentialBackOff{
			InitialInterval: delay,
			Multiplier:      2,
			MaxInterval:     max(delay, r.cfg.Relaunch.MaxRetryDelay.Duration()),
			Clock:           backoff.SystemClock,
		}
		r.backoff.Reset()
	}
	r.logger.WithFields(logrus.Fields{
		"Nodes":     rm.CompressHosts(r.allocation),
		"NodeCount": r.allocation.Len(),
	}).Info("starting run")
	return StateEvaluating
}

func (r *run) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// remaining returns the time left before haltAt. It is only
// meaningful if hasDeadline is true.
func (r *run) remaining() time.Duration {
	return r.haltAt.Sub(r.now())
}

// interrupted returns the reason the run must stop before the next
// launch, or nil.
func (r *run) interrupted() error {
	if r.ctx.Err() != nil {
		return context.Cause(r.ctx)
	}
	if haltFileExists(r.cfg.Relaunch.HaltFile) {
		return haltError(r.cfg.Relaunch.HaltFile)
	}
	if r.hasDeadline && r.remaining() <= 0 {
		return &scrjob.ResourceExhausted{Reason: "allocation end time reached"}
	}
	return nil
}

func (r *run) evaluate() State {
	if err := r.interrupted(); err != nil {
		r.err = err
		return StateAborted
	}
	r.current = scrjob.Attempt{
		Number:     len(r.attempts) + 1,
		Candidates: r.candidates,
	}
	hr := nodetest.Run(r.ctx, r.Tests, r.candidates)
	if r.ctx.Err() != nil {
		r.err = context.Cause(r.ctx)
		return StateAborted
	}
	usable := r.candidates.Diff(hr.Nodes())
	r.current.Health = hr
	r.current.Usable = usable
	r.metrics.usableNodes.Set(float64(usable.Len()))
	r.metrics.excludedNodes.Set(float64(r.allocation.Len() - usable.Len()))
	for _, node := range hr.Nodes().Slice() {
		r.logger.WithFields(logrus.Fields{
			"Node":   node,
			"Reason": hr.Reason(node),
		}).Info("excluding node")
	}

	minNodes := r.cfg.NodeTests.MinNodes
	if usable.Empty() || usable.Len() < minNodes {
		r.attempts = append(r.attempts, r.current)
		r.err = &scrjob.ResourceExhausted{Reason: fmt.Sprintf("%d usable nodes, need at least %d", usable.Len(), max(minNodes, 1))}
		return StateAborted
	}
	return StateLaunching
}

func (r *run) launch(userArgs []string) State {
	env := r.Env
	down := r.allocation.Diff(r.current.Usable)
	argv := launcher.Command(env.Launcher, env.LaunchExe(), r.current.Usable, down, userArgs)
	r.current.Argv = argv

	timeout := r.cfg.Relaunch.LaunchTimeout.Duration()
	if r.hasDeadline {
		left := r.remaining()
		if left <= 0 {
			r.attempts = append(r.attempts, r.current)
			r.err = &scrjob.ResourceExhausted{Reason: "allocation end time reached"}
			return StateAborted
		}
		if timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	r.logger.WithFields(logrus.Fields{
		"Attempt": humanize.Ordinal(r.current.Number),
		"Usable":  env.ResourceManager.CompressHosts(r.current.Usable),
		"Timeout": timeout,
	}).Info("launching")
	r.metrics.launches.Inc()
	r.current.Outcome = env.Launcher.Run(r.ctx, argv, r.stdout(), r.stderr(), timeout)
	return StateObserving
}

func (r *run) observe() State {
	outcome := r.current.Outcome
	r.metrics.launchSeconds.Observe(outcome.FinishedAt.Sub(outcome.StartedAt).Seconds())
	r.attempts = append(r.attempts, r.current)
	if outcome.Success() {
		return StateSucceeded
	}
	r.metrics.launchFailures.WithLabelValues(string(outcome.Status)).Inc()
	failure := &scrjob.LaunchFailure{Outcome: outcome}
	r.logger.WithFields(logrus.Fields{
		"Status":   outcome.Status,
		"ExitCode": outcome.ExitCode,
	}).Warn("launch failed")

	if r.ctx.Err() != nil {
		r.err = fmt.Errorf("%w: %w", context.Cause(r.ctx), failure)
		return StateAborted
	}
	if limit := r.cfg.Relaunch.MaxAttempts; limit > 0 && len(r.attempts) >= limit {
		r.err = fmt.Errorf("%w: %w", &scrjob.ResourceExhausted{Reason: fmt.Sprintf("reached maximum of %d attempts", limit)}, failure)
		return StateAborted
	}
	if r.hasDeadline && r.remaining() <= 0 {
		r.err = fmt.Errorf("%w: %w", &scrjob.ResourceExhausted{Reason: "allocation end time reached"}, failure)
		return StateAborted
	}
	return StateRetrying
}

func (r *run) retry() State {
	last := &r.attempts[len(r.attempts)-1]
	last.Implicated = last.Outcome.Silent(last.Usable)
	if !last.Implicated.Empty() {
		r.logger.WithField("Nodes", last.Implicated.String()).Info("removing nodes that produced no output")
		r.candidates = r.candidates.Diff(last.Implicated)
	}
	if r.hasDeadline {
		r.logger.Infof("relaunching, allocation time runs out %s", humanize.RelTime(r.haltAt, r.now(), "ago", "from now"))
	}
	if delay := r.retryDelay(); delay > 0 {
		r.logger.WithField("Delay", delay).Info("waiting before relaunch")
		select {
		case <-r.ctx.Done():
		case <-time.After(delay):
		}
	}
	return StateEvaluating
}

// retryDelay returns the next pause between a failed launch and the
// next evaluation. It never extends past the halt deadline.
func (r *run) retryDelay() time.Duration {
	if r.backoff == nil {
		return 0
	}
	delay := r.backoff.NextBackOff()
	if r.hasDeadline {
		delay = min(delay, r.remaining())
	}
	return delay
}

func (r *run) stdout() io.Writer {
	if r.Stdout != nil {
		return r.Stdout
	}
	return os.Stdout
}

func (r *run) stderr() io.Writer {
	if r.Stderr != nil {
		return r.Stderr
	}
	return os.Stderr
}

// postrun reports datasets the checkpoint engine has not flushed.
// It runs even if the run was cancelled.
func (r *run) postrun(ctx context.Context) []int {
	client, err := r.Env.Dataset()
	if err != nil {
		r.logger.WithError(err).Warn("skipping dataset postrun")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), client.Timeout)
	defer cancel()
	return client.Postrun(ctx).Pending
}
