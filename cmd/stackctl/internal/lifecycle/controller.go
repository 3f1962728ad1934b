// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle starts and stops the managed service set.
//
// # Overview
//
// Containerized services are driven through docker compose; host-process
// services are launched detached with their pid recorded under the run
// directory. Every start and stop holds a cross-process lock, so two
// stackctl invocations never change the stack's running state at once.
//
// Force-ports mode is the only operation that touches processes stackctl
// did not start: it terminates whatever listens on a managed port.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/compose"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// StatusFunc receives progress messages, at least one per sub-step.
type StatusFunc func(message string)

// StartOptions configures StartServices.
type StartOptions struct {
	// Build rebuilds container images before starting.
	Build bool
}

// StopOptions configures StopServices.
type StopOptions struct {
	// ForcePorts terminates any process still listening on a managed port
	// after the regular stop, including processes stackctl does not manage.
	ForcePorts bool
}

// Controller starts and stops the managed service set.
type Controller interface {
	// StartServices starts every managed service.
	StartServices(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StartOptions) error

	// StopServices stops every managed service.
	StopServices(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StopOptions) error
}

// Config configures a DefaultController.
type Config struct {
	// RunDir holds the lock, pid files and host-process logs.
	RunDir string

	// ComposeFiles are compose file candidates relative to the repository.
	ComposeFiles []string

	// ComposeCommand is the compose invocation. Default: docker compose.
	ComposeCommand []string

	// ProjectName overrides the compose project name.
	ProjectName string

	// ComposeTimeout bounds each compose invocation.
	ComposeTimeout time.Duration

	// StopGrace is how long a process gets between SIGTERM and SIGKILL.
	// Default: 10s.
	StopGrace time.Duration
}

// ExecutorFactory builds a compose executor for a compose file.
type ExecutorFactory func(composeFile string) (compose.Executor, error)

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultController implements Controller.
//
// # Thread Safety
//
// Safe for concurrent use; operations serialize on the lifecycle lock,
// which also excludes other stackctl processes.
type DefaultController struct {
	services    []stack.Service
	config      Config
	proc        process.Manager
	newExecutor ExecutorFactory
	newLock     func() process.Locker
	logger      *logging.Logger
}

// Option customises a DefaultController.
type Option func(*DefaultController)

// WithExecutorFactory replaces how compose executors are built.
func WithExecutorFactory(f ExecutorFactory) Option {
	return func(c *DefaultController) { c.newExecutor = f }
}

// WithLocker replaces the lifecycle lock.
func WithLocker(f func() process.Locker) Option {
	return func(c *DefaultController) { c.newLock = f }
}

// NewController creates a DefaultController.
//
// # Inputs
//
//   - services: The managed service set
//   - cfg: Run directory and compose settings
//   - proc: Runs every external command
//   - logger: May be nil
func NewController(services []stack.Service, cfg Config, proc process.Manager, logger *logging.Logger, opts ...Option) *DefaultController {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.RunDir == "" {
		cfg.RunDir = filepath.Join(os.TempDir(), "stackctl")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := &DefaultController{
		services: append([]stack.Service(nil), services...),
		config:   cfg,
		proc:     proc,
		logger:   logger,
	}
	c.newExecutor = func(file string) (compose.Executor, error) {
		return compose.NewDefaultExecutor(compose.Config{
			File:        file,
			ProjectName: cfg.ProjectName,
			Command:     cfg.ComposeCommand,
			Timeout:     cfg.ComposeTimeout,
		}, proc, logger)
	}
	c.newLock = func() process.Locker {
		return process.NewLock(process.LockConfig{Dir: cfg.RunDir, Name: "stackctl"})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartServices starts containers, then host processes.
//
// # Description
//
//  1. Acquire the lifecycle lock.
//  2. `docker compose up -d [--build]` for the containerized services.
//  3. Launch each host-process service detached, output to
//     run_dir/logs/<name>.log, pid to run_dir/pids/<name>.pid. A service
//     whose recorded pid is still alive and still the same process is left
//     alone.
//
// # Outputs
//
//   - error: *OperationError naming the failed sub-step; nothing already
//     started is rolled back
func (c *DefaultController) StartServices(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StartOptions) (err error) {
	defer func() {
		recoverPanic(recover(), &err)
	}()
	report := reporter(onStatus)

	release, err := c.acquire(report)
	if err != nil {
		return err
	}
	defer release()

	if containers := c.containerNames(); len(containers) > 0 {
		executor, err := c.executorFor(repoPath, OpStart)
		if err != nil {
			return err
		}
		if opts.Build {
			report("Building and starting containers (docker compose up -d --build)...")
		} else {
			report("Starting containers (docker compose up -d)...")
		}
		if _, err := executor.Up(ctx, compose.UpOptions{Build: opts.Build, Services: containers}); err != nil {
			return &OperationError{Op: OpStart, Service: "containers", Err: err}
		}
		report(fmt.Sprintf("Containers started: %s", strings.Join(containers, ", ")))
	}

	for _, svc := range c.services {
		if !svc.IsHostProcess() {
			continue
		}
		if err := c.startHostProcess(ctx, repoPath, svc, overrides.PortFor(svc), report); err != nil {
			return err
		}
	}

	report("All services started")
	return nil
}

// StopServices stops host processes, then containers, then optionally
// frees the managed ports.
//
// # Description
//
//  1. Acquire the lifecycle lock.
//  2. Terminate host-process services recorded in pid files whose
//     identity still matches: SIGTERM to the process group, SIGKILL after
//     StopGrace. Stale pid files are removed without signalling.
//  3. `docker compose down --remove-orphans` in the compose file's
//     directory.
//  4. With ForcePorts, terminate every process listening on a managed
//     port (override or default), whoever owns it.
//
// # Outputs
//
//   - error: *OperationError naming the failed sub-step
func (c *DefaultController) StopServices(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StopOptions) (err error) {
	defer func() {
		recoverPanic(recover(), &err)
	}()
	report := reporter(onStatus)

	release, err := c.acquire(report)
	if err != nil {
		return err
	}
	defer release()

	for _, svc := range slices.Backward(c.services) {
		if !svc.IsHostProcess() {
			continue
		}
		if err := c.stopHostProcess(ctx, svc, report); err != nil {
			return err
		}
	}

	if len(c.containerNames()) > 0 {
		executor, err := c.executorFor(repoPath, OpStop)
		if err != nil {
			return err
		}
		report("Stopping containers (docker compose down)...")
		if _, err := executor.Down(ctx, compose.DownOptions{RemoveOrphans: true}); err != nil {
			return &OperationError{Op: OpStop, Service: "containers", Err: err}
		}
		report("Containers stopped")
	}

	if opts.ForcePorts {
		if err := c.releasePorts(ctx, overrides, report); err != nil {
			return err
		}
	}

	report("All services stopped")
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func reporter(onStatus StatusFunc) func(string) {
	if onStatus == nil {
		return func(string) {}
	}
	return func(msg string) { onStatus(msg) }
}

func (c *DefaultController) acquire(report func(string)) (func(), error) {
	report("Acquiring lifecycle lock...")
	lock := c.newLock()
	if err := lock.Acquire(); err != nil {
		return nil, &OperationError{Op: OpLock, Err: err}
	}
	return func() {
		if err := lock.Release(); err != nil {
			c.logger.Warn("failed to release lifecycle lock", "error", err)
		}
	}, nil
}

func (c *DefaultController) containerNames() []string {
	var names []string
	for _, svc := range c.services {
		if svc.IsContainer() {
			names = append(names, svc.ComposeService)
		}
	}
	return names
}

func (c *DefaultController) executorFor(repoPath string, op Op) (compose.Executor, error) {
	file, err := compose.FindComposeFile(repoPath, c.config.ComposeFiles)
	if err != nil {
		return nil, &OperationError{Op: op, Service: "containers", Err: err}
	}
	executor, err := c.newExecutor(file)
	if err != nil {
		return nil, &OperationError{Op: op, Service: "containers", Err: err}
	}
	return executor, nil
}

func (c *DefaultController) startHostProcess(ctx context.Context, repoPath string, svc stack.Service, port int, report func(string)) error {
	if pid, ok := c.readPID(svc.Name); ok && c.proc.Alive(pid) {
		report(fmt.Sprintf("%s already running (PID %d)", svc.Label(), pid))
		return nil
	}

	logPath := filepath.Join(c.config.RunDir, "logs", svc.Name+".log")
	report(fmt.Sprintf("Starting %s (%s)...", svc.Label(), strings.Join(svc.Command, " ")))

	pid, err := c.proc.Start(ctx, process.StartOptions{
		Name:    svc.Command[0],
		Args:    svc.Command[1:],
		Dir:     filepath.Join(repoPath, filepath.FromSlash(svc.WorkDir)),
		Env:     []string{"PORT=" + strconv.Itoa(port)},
		LogPath: logPath,
	})
	if err != nil {
		return &OperationError{Op: OpStart, Service: svc.Name, Err: err}
	}
	if err := c.writePID(svc.Name, pid); err != nil {
		return &OperationError{Op: OpStart, Service: svc.Name, Err: err}
	}

	c.logger.Info("host process started", "service", svc.Name, "pid", pid, "log", logPath)
	report(fmt.Sprintf("Started %s (PID %d, log %s)", svc.Label(), pid, logPath))
	return nil
}

func (c *DefaultController) stopHostProcess(ctx context.Context, svc stack.Service, report func(string)) error {
	pid, ok := c.readPID(svc.Name)
	if !ok {
		report(fmt.Sprintf("%s is not running", svc.Label()))
		return nil
	}

	report(fmt.Sprintf("Stopping %s (PID %d)...", svc.Label(), pid))
	if err := c.proc.Terminate(ctx, pid, c.config.StopGrace); err != nil {
		return &OperationError{Op: OpStop, Service: svc.Name, Err: err}
	}
	c.removePID(svc.Name)
	report(fmt.Sprintf("%s stopped", svc.Label()))
	return nil
}

// releasePorts terminates every listener on the managed ports.
func (c *DefaultController) releasePorts(ctx context.Context, overrides stack.PortOverrides, report func(string)) error {
	self := os.Getpid()
	seen := make(map[int]bool)

	for _, svc := range c.services {
		port := overrides.PortFor(svc)
		report(fmt.Sprintf("Releasing port %d (%s)...", port, svc.Label()))

		pids, err := c.listeners(ctx, port)
		if err != nil {
			return &OperationError{Op: OpReleasePorts, Service: svc.Name, Err: err}
		}

		freed := 0
		for _, pid := range pids {
			if pid == self || seen[pid] {
				continue
			}
			seen[pid] = true
			c.logger.Warn("terminating port holder", "port", port, "pid", pid, "service", svc.Name)
			if err := c.proc.Terminate(ctx, pid, c.config.StopGrace); err != nil {
				return &OperationError{Op: OpReleasePorts, Service: svc.Name, Err: err}
			}
			freed++
		}

		if freed == 0 {
			report(fmt.Sprintf("Port %d is free", port))
		} else {
			report(fmt.Sprintf("Port %d released (%d process(es) terminated)", port, freed))
		}
	}
	return nil
}

// listeners returns the pids listening on TCP port. lsof exits 1 when
// nothing matches, which is not an error here.
func (c *DefaultController) listeners(ctx context.Context, port int) ([]int, error) {
	out, err := c.proc.Run(ctx, "lsof", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
	if err != nil {
		var cmdErr *process.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list listeners on port %d: %w", port, err)
	}

	var pids []int
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// =============================================================================
// PID Files
// =============================================================================

func (c *DefaultController) pidPath(name string) string {
	return filepath.Join(c.config.RunDir, "pids", name+".pid")
}

// readPID returns the recorded pid when it still names the process
// stackctl started. A pid file whose identity no longer matches (pid reuse
// after a reboot or crash, or a file without an identity) is stale: it is
// removed and reported as not running.
func (c *DefaultController) readPID(name string) (int, bool) {
	path := c.pidPath(name)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pidField, identity, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidField))
	if err != nil || pid <= 0 {
		c.logger.Warn("ignoring malformed pid file", "service", name)
		c.removePID(name)
		return 0, false
	}

	current, err := c.proc.Identity(pid)
	if err != nil || identity == "" || strings.TrimSpace(identity) != current {
		c.logger.Warn("removing stale pid file", "service", name, "pid", pid, "error", err)
		c.removePID(name)
		return 0, false
	}
	return pid, true
}

// writePID records pid with its identity so a later reader can tell the
// process apart from an unrelated one reusing the pid.
func (c *DefaultController) writePID(name string, pid int) error {
	path := c.pidPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}
	identity, err := c.proc.Identity(pid)
	if err != nil {
		// Already exited; the file will read back as stale.
		c.logger.Warn("could not read process identity", "service", name, "pid", pid, "error", err)
	}
	if err := renameio.WriteFile(path, []byte(formatPIDFile(pid, identity)), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file %s: %w", path, err)
	}
	return nil
}

func (c *DefaultController) removePID(name string) {
	if err := os.Remove(c.pidPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("failed to remove pid file", "service", name, "error", err)
	}
}

// formatPIDFile renders a pid file: the pid on the first line, its
// identity on the second.
func formatPIDFile(pid int, identity string) string {
	return strconv.Itoa(pid) + "\n" + identity + "\n"
}

var _ Controller = (*DefaultController)(nil)
