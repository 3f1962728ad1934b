// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repo finds the product repository stackctl operates on.
package repo

import (
	"os"
	"path/filepath"

	"github.com/AleutianAI/stackctl/pkg/logging"
)

// EnvVar, when set to an existing directory, is used as the repository root
// without walking the filesystem.
const EnvVar = "STACKCTL_REPO"

// DefaultMarkers are the files that identify a repository root.
var DefaultMarkers = []string{
	".stackctl.yaml",
	"infra/docker/docker-compose.yml",
}

// Locator finds the repository root.
type Locator interface {
	// FindRepoRoot returns the repository root and true, or "" and false
	// when no ancestor of the working directory carries a marker.
	FindRepoRoot() (string, bool)
}

// Config configures a DefaultLocator.
type Config struct {
	// Markers are repository-relative paths; the first ancestor containing
	// any of them is the root. Default: DefaultMarkers.
	Markers []string

	// StartDir overrides the working directory. Used by tests.
	StartDir string
}

// DefaultLocator walks parent directories looking for a marker.
//
// # Thread Safety
//
// Safe for concurrent use; it only reads the filesystem.
type DefaultLocator struct {
	markers   []string
	startDir  string
	lookupEnv func(string) (string, bool)
	logger    *logging.Logger
}

// NewLocator creates a DefaultLocator.
func NewLocator(cfg Config, logger *logging.Logger) *DefaultLocator {
	markers := cfg.Markers
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DefaultLocator{
		markers:   append([]string(nil), markers...),
		startDir:  cfg.StartDir,
		lookupEnv: os.LookupEnv,
		logger:    logger,
	}
}

// FindRepoRoot walks from the working directory to the filesystem root.
//
// # Description
//
// STACKCTL_REPO short-circuits the walk when it names an existing
// directory. Otherwise each directory from the start upwards is checked for
// every marker in order, and the first hit wins. Unreadable directories are
// skipped, not fatal.
//
// # Outputs
//
//   - string: Absolute path of the root
//   - bool: False when the filesystem root was reached without a match
func (l *DefaultLocator) FindRepoRoot() (string, bool) {
	if dir, ok := l.lookupEnv(EnvVar); ok && dir != "" {
		if abs, err := filepath.Abs(dir); err == nil && isDir(abs) {
			l.logger.Debug("repository from environment", "path", abs)
			return abs, true
		}
		l.logger.Warn("ignoring "+EnvVar+": not a directory", "path", dir)
	}

	start := l.startDir
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			l.logger.Debug("cannot determine working directory", "error", err)
			return "", false
		}
		start = wd
	}
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}

	for {
		for _, marker := range l.markers {
			if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(marker))); err == nil {
				l.logger.Debug("repository found", "path", dir, "marker", marker)
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// StaticLocator always returns Path. An empty Path means "not found".
type StaticLocator struct {
	Path string
}

// FindRepoRoot returns Path.
func (s StaticLocator) FindRepoRoot() (string, bool) {
	return s.Path, s.Path != ""
}

var (
	_ Locator = (*DefaultLocator)(nil)
	_ Locator = StaticLocator{}
)
