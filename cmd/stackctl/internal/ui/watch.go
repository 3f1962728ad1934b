// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
	"vawter.tech/stopper"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/flows"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// ErrNothingToWatch is returned when none of the watch paths' directories
// exist.
var ErrNothingToWatch = errors.New("no watchable paths")

// WatchConfig configures a Watcher.
type WatchConfig struct {
	// Paths are the files whose changes trigger a refresh.
	Paths []string

	// Debounce collapses a burst of events into one refresh. Default: 250ms.
	Debounce time.Duration

	// MinInterval is the minimum time between refreshes. Default: 2s.
	// Negative disables throttling.
	MinInterval time.Duration

	Logger *logging.Logger
}

// Watcher refreshes a waiting status flow when watched files change.
//
// # Description
//
// Parent directories are watched rather than the files themselves, because
// editors commonly replace a file on save. Events for other files in the
// same directory are ignored. A refresh is only submitted while the flow
// is waiting on "status-action"; changes during a round are dropped.
type Watcher struct {
	paths       map[string]struct{}
	debounce    time.Duration
	minInterval time.Duration
	logger      *logging.Logger
}

// NewWatcher creates a Watcher.
func NewWatcher(cfg WatchConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	} else if cfg.MinInterval == 0 {
		cfg.MinInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	w := &Watcher{
		paths:       make(map[string]struct{}, len(cfg.Paths)),
		debounce:    cfg.Debounce,
		minInterval: cfg.MinInterval,
		logger:      cfg.Logger,
	}
	for _, p := range cfg.Paths {
		if abs, err := filepath.Abs(p); err == nil {
			w.paths[abs] = struct{}{}
		}
	}
	return w
}

// Start begins watching. The returned stop function ends the watch and
// waits for its goroutine.
//
// # Outputs
//
//   - func() error: Stops the watcher; safe to call once
//   - error: ErrNothingToWatch, or an fsnotify setup failure
func (w *Watcher) Start(ctx context.Context, m *orchestration.Machine) (func() error, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	added := map[string]bool{}
	for p := range w.paths {
		dir := filepath.Dir(p)
		if added[dir] {
			continue
		}
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		added[dir] = true
	}
	if len(added) == 0 {
		_ = fw.Close()
		return nil, ErrNothingToWatch
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() { _ = fw.Close() })
	sctx.Go(func(sctx *stopper.Context) error {
		w.loop(sctx, fw, m)
		return nil
	})

	w.logger.Debug("watching for changes", "files", len(w.paths), "dirs", len(added))
	return func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}, nil
}

func (w *Watcher) loop(sctx *stopper.Context, fw *fsnotify.Watcher, m *orchestration.Machine) {
	limiter := rate.NewLimiter(rate.Every(w.minInterval), 1)
	var (
		fire      <-chan time.Time
		throttled bool
	)
	for {
		select {
		case <-sctx.Stopping():
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) || throttled {
				continue
			}
			fire = time.After(w.debounce)

		case <-fire:
			fire = nil
			if !throttled {
				if d := limiter.Reserve().Delay(); d > 0 {
					throttled = true
					fire = time.After(d)
					continue
				}
			}
			throttled = false
			w.trigger(m)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return false
	}
	_, ok := w.paths[abs]
	return ok
}

func (w *Watcher) trigger(m *orchestration.Machine) {
	if m.SubmitFor(flows.RequestStatusAction, flows.ActionRefresh) {
		w.logger.Info("configuration changed, refreshing")
		return
	}
	w.logger.Debug("change ignored, status round in progress")
}
