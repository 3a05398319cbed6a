// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package relaunch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ErrHalted is the cause of cancellation when the halt file appears.
var ErrHalted = errors.New("halt requested")

func haltError(path string) error {
	return fmt.Errorf("%w: %s exists", ErrHalted, path)
}

// haltFileExists returns true if path is non-empty and exists.
func haltFileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// watchHaltFile returns a context that is cancelled, with a cause
// wrapping ErrHalted, as soon as path is created. The watcher stops
// when the returned cancel func is called.
func watchHaltFile(ctx context.Context, logger logrus.FieldLogger, path string) (context.Context, context.CancelFunc, error) {
	hctx, cancel := context.WithCancelCause(ctx)
	stop := func() { cancel(nil) }
	if path == "" {
		return hctx, stop, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("halt file watcher setup failed: %w", err)
	}
	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		watcher.Close()
		stop()
		return nil, nil, fmt.Errorf("cannot watch halt file directory: %w", err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-hctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("halt file watcher error")
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				logger.WithField("HaltFile", path).Warn("halt file created, interrupting run")
				cancel(haltError(path))
				return
			}
		}
	}()
	// The file may have appeared before the watch was set up.
	if haltFileExists(path) {
		cancel(haltError(path))
	}
	return hctx, stop, nil
}
