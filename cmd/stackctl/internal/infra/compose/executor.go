// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose drives docker compose for the containerized part of the
// managed service set and reads published host ports out of compose files.
package compose

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrComposeFileMissing indicates none of the candidate compose files
	// exist under the repository.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrInvalidConfig indicates an unusable executor configuration.
	ErrInvalidConfig = errors.New("invalid compose configuration")
)

// DefaultFileCandidates are probed in order, relative to the repo root.
var DefaultFileCandidates = []string{
	"infra/docker/docker-compose.yml",
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// FindComposeFile returns the first candidate that exists under repoPath.
func FindComposeFile(repoPath string, candidates []string) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultFileCandidates
	}
	for _, c := range candidates {
		p := c
		if !filepath.IsAbs(p) {
			p = filepath.Join(repoPath, c)
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s (tried %s)", ErrComposeFileMissing, repoPath, strings.Join(candidates, ", "))
}

// =============================================================================
// Interface
// =============================================================================

// Executor runs docker compose against one compose file.
type Executor interface {
	// Up creates and starts containers detached.
	Up(ctx context.Context, opts UpOptions) (*Result, error)

	// Down stops and removes containers and networks.
	Down(ctx context.Context, opts DownOptions) (*Result, error)

	// Status lists the project's containers.
	Status(ctx context.Context) (*Status, error)

	// File returns the compose file path.
	File() string
}

// Config configures a DefaultExecutor.
type Config struct {
	// File is the absolute compose file path. Required.
	File string

	// ProjectName overrides compose's directory-derived project name.
	ProjectName string

	// Command is the compose invocation. Default: ["docker", "compose"].
	Command []string

	// Timeout bounds each compose invocation. Default: 5 minutes.
	Timeout time.Duration
}

// UpOptions configures Up.
type UpOptions struct {
	Build    bool
	Services []string
}

// DownOptions configures Down.
type DownOptions struct {
	RemoveOrphans bool
}

// Result captures one compose invocation.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Status summarises `compose ps`.
type Status struct {
	Containers []Container
	Running    int
}

// Container is one row of `compose ps`.
type Container struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultExecutor shells out through a process.Manager.
//
// # Description
//
// Commands run in the compose file's directory so relative build contexts
// and the adjacent .env file resolve the way they do when a developer runs
// compose by hand.
//
// # Thread Safety
//
// Up and Down are serialized with a mutex; Status may run concurrently.
type DefaultExecutor struct {
	config Config
	proc   process.Manager
	logger *logging.Logger
	mu     sync.Mutex
}

// NewDefaultExecutor validates cfg and applies defaults.
func NewDefaultExecutor(cfg Config, proc process.Manager, logger *logging.Logger) (*DefaultExecutor, error) {
	if cfg.File == "" {
		return nil, fmt.Errorf("%w: File is required", ErrInvalidConfig)
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"docker", "compose"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DefaultExecutor{config: cfg, proc: proc, logger: logger}, nil
}

// File returns the compose file path.
func (e *DefaultExecutor) File() string {
	return e.config.File
}

// Up runs `compose up -d`.
func (e *DefaultExecutor) Up(ctx context.Context, opts UpOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := []string{"up", "-d"}
	if opts.Build {
		args = append(args, "--build")
	}
	args = append(args, opts.Services...)
	return e.run(ctx, args)
}

// Down runs `compose down`.
func (e *DefaultExecutor) Down(ctx context.Context, opts DownOptions) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	args := []string{"down"}
	if opts.RemoveOrphans {
		args = append(args, "--remove-orphans")
	}
	return e.run(ctx, args)
}

// Status runs `compose ps --format json`.
func (e *DefaultExecutor) Status(ctx context.Context) (*Status, error) {
	res, err := e.run(ctx, []string{"ps", "--all", "--format", "json"})
	if err != nil {
		return nil, err
	}
	return parseStatus(res.Stdout)
}

func (e *DefaultExecutor) run(ctx context.Context, args []string) (*Result, error) {
	full := e.baseArgs()
	full = append(full, args...)
	name := e.config.Command[0]
	cmdArgs := append(append([]string{}, e.config.Command[1:]...), full...)
	cmdStr := strings.Join(append([]string{name}, cmdArgs...), " ")

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	start := time.Now()
	e.logger.Debug("running compose", "command", cmdStr)
	stdout, stderr, exitCode, err := e.proc.RunInDir(execCtx, filepath.Dir(e.config.File), nil, name, cmdArgs...)

	result := &Result{
		Command:  cmdStr,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}
	if err != nil {
		e.logger.Warn("compose command failed", "command", cmdStr, "exit_code", exitCode, "error", err)
		return result, err
	}
	return result, nil
}

func (e *DefaultExecutor) baseArgs() []string {
	args := []string{"-f", e.config.File}
	if e.config.ProjectName != "" {
		args = append(args, "-p", e.config.ProjectName)
	}
	return args
}

// parseStatus accepts both the JSON array emitted by compose < 2.21 and the
// newline-delimited objects emitted since.
func parseStatus(out string) (*Status, error) {
	out = strings.TrimSpace(out)
	status := &Status{}
	if out == "" {
		return status, nil
	}

	if strings.HasPrefix(out, "[") {
		if err := json.Unmarshal([]byte(out), &status.Containers); err != nil {
			return nil, fmt.Errorf("failed to parse compose ps output: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(strings.NewReader(out))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var c Container
			if err := json.Unmarshal([]byte(line), &c); err != nil {
				return nil, fmt.Errorf("failed to parse compose ps line: %w", err)
			}
			status.Containers = append(status.Containers, c)
		}
	}

	for _, c := range status.Containers {
		if strings.EqualFold(c.State, "running") {
			status.Running++
		}
	}
	return status, nil
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockExecutor delegates to function fields. Nil fields succeed with an
// empty result.
type MockExecutor struct {
	UpFunc     func(ctx context.Context, opts UpOptions) (*Result, error)
	DownFunc   func(ctx context.Context, opts DownOptions) (*Result, error)
	StatusFunc func(ctx context.Context) (*Status, error)
	FilePath   string

	mu    sync.Mutex
	Calls []string
}

func (m *MockExecutor) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, name)
}

// Up records and delegates.
func (m *MockExecutor) Up(ctx context.Context, opts UpOptions) (*Result, error) {
	m.record("Up")
	if m.UpFunc == nil {
		return &Result{}, nil
	}
	return m.UpFunc(ctx, opts)
}

// Down records and delegates.
func (m *MockExecutor) Down(ctx context.Context, opts DownOptions) (*Result, error) {
	m.record("Down")
	if m.DownFunc == nil {
		return &Result{}, nil
	}
	return m.DownFunc(ctx, opts)
}

// Status records and delegates.
func (m *MockExecutor) Status(ctx context.Context) (*Status, error) {
	m.record("Status")
	if m.StatusFunc == nil {
		return &Status{}, nil
	}
	return m.StatusFunc(ctx)
}

// File returns FilePath.
func (m *MockExecutor) File() string {
	return m.FilePath
}

// GetCalls returns a copy of the recorded method names.
func (m *MockExecutor) GetCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

var (
	_ Executor = (*DefaultExecutor)(nil)
	_ Executor = (*MockExecutor)(nil)
)
