// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package procrun runs external commands and reports how they ended
// as a Result value.
//
// Every interaction with the batch system, remote nodes, and the
// checkpoint engine goes through a Runner. A non-zero exit status is
// always reported as failure; there is no finer classification.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	ErrTimeout    = errors.New("command timed out")
	ErrNotStarted = errors.New("command could not be started")
)

const defaultKillGrace = 5 * time.Second

// Result describes a finished (or never started) command.
type Result struct {
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	// Err is nil if the command exited 0. Otherwise it wraps
	// ErrTimeout, ErrNotStarted, context.Canceled, or the
	// *exec.ExitError.
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// OK returns true if the command exited 0.
func (r Result) OK() bool {
	return r.Err == nil
}

// NotStarted returns true if the command could not be started.
func (r Result) NotStarted() bool {
	return errors.Is(r.Err, ErrNotStarted)
}

// TimedOut returns true if the command was killed because its
// timeout expired.
func (r Result) TimedOut() bool {
	return errors.Is(r.Err, ErrTimeout)
}

// Cancelled returns true if the command was killed because its
// context was cancelled.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, context.Canceled)
}

// Failure returns nil if the command succeeded, otherwise an error
// that includes the command name and the captured stderr.
func (r Result) Failure() error {
	if r.Err == nil {
		return nil
	}
	prog := ""
	if len(r.Args) > 0 {
		prog = r.Args[0]
	}
	return fmt.Errorf("%s: %w (%q)", prog, r.Err, strings.TrimSpace(string(r.Stderr)))
}

// A Runner starts external commands.
//
// The zero value is usable.
type Runner struct {
	Logger logrus.FieldLogger
	// Extra environment variables added to os.Environ().
	Env []string
	// Time to wait after SIGTERM before sending SIGKILL to a
	// command's process group. Default 5s.
	KillGrace time.Duration

	// (for testing) if non-nil, call StubCommand() instead of
	// exec.Command() when starting commands.
	StubCommand func(prog string, args ...string) *exec.Cmd
}

func (rnr *Runner) command(prog string, args ...string) *exec.Cmd {
	if f := rnr.StubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.Command(prog, args...)
}

func (rnr *Runner) logger() logrus.FieldLogger {
	if rnr.Logger == nil {
		return logrus.StandardLogger()
	}
	return rnr.Logger
}

// Output runs a command with no stdin and returns its captured
// output. A zero timeout means no timeout other than ctx.
func (rnr *Runner) Output(ctx context.Context, timeout time.Duration, prog string, args ...string) Result {
	var stdout, stderr bytes.Buffer
	res := rnr.Run(ctx, Spec{
		Args:    append([]string{prog}, args...),
		Timeout: timeout,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return res
}

// Spec describes a command to run.
type Spec struct {
	Args    []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Timeout time.Duration
}

// Run runs the command described by spec and waits for it to
// finish, the timeout to expire, or ctx to be cancelled. In the
// latter two cases the whole process group is sent SIGTERM, then
// SIGKILL after KillGrace.
//
// The returned Result's Stderr holds the last few kilobytes of
// stderr, and its Stdout is empty; callers that need the complete
// output should supply their own writers.
func (rnr *Runner) Run(ctx context.Context, spec Spec) Result {
	res := Result{Args: spec.Args, ExitCode: -1, StartedAt: time.Now()}
	if len(spec.Args) == 0 {
		res.Err = fmt.Errorf("%w: empty command", ErrNotStarted)
		return res
	}
	grace := rnr.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	stderrTail := &tailBuffer{max: 4096}

	cmd := rnr.command(spec.Args[0], spec.Args[1:]...)
	cmd.Env = append(os.Environ(), rnr.Env...)
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	if spec.Stderr != nil {
		cmd.Stderr = io.MultiWriter(spec.Stderr, stderrTail)
	} else {
		cmd.Stderr = stderrTail
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = grace

	logger := rnr.logger().WithField("Command", spec.Args)
	if err := cmd.Start(); err != nil {
		logger.WithError(err).Warn("could not start command")
		res.Err = fmt.Errorf("%w: %s", ErrNotStarted, err)
		return res
	}
	logger.WithField("PID", cmd.Process.Pid).Debug("started command")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err, killReason error
	select {
	case err = <-done:
	case <-timeout:
		killReason = ErrTimeout
	case <-ctx.Done():
		killReason = ctx.Err()
	}
	if killReason != nil {
		logger.WithField("Reason", killReason).Info("terminating command")
		err = rnr.terminate(cmd, done, grace)
	}
	res.Duration = time.Since(res.StartedAt)
	res.Stderr = stderrTail.Bytes()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	switch {
	case killReason != nil:
		res.Err = killReason
	case err != nil:
		res.Err = err
	}
	logger.WithFields(logrus.Fields{
		"ExitCode": res.ExitCode,
		"Duration": res.Duration,
	}).Debug("command finished")
	return res
}

// terminate sends SIGTERM to the process group, then SIGKILL if it
// does not exit within grace, and returns the result of Wait.
func (rnr *Runner) terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration) error {
	pgid := cmd.Process.Pid
	unix.Kill(-pgid, unix.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-time.After(grace):
	}
	rnr.logger().WithField("PID", pgid).Warn("command did not exit after SIGTERM, sending SIGKILL")
	unix.Kill(-pgid, unix.SIGKILL)
	return <-done
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.buf = append(tb.buf, p...)
	if over := len(tb.buf) - tb.max; over > 0 {
		tb.buf = append([]byte(nil), tb.buf[over:]...)
	}
	return len(p), nil
}

func (tb *tailBuffer) Bytes() []byte {
	return tb.buf
}
