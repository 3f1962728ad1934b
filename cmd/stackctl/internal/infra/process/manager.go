// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoProcess is returned by Identity when the pid is not running.
var ErrNoProcess = errors.New("no such process")

// =============================================================================
// Interface
// =============================================================================

// Manager abstracts external process execution.
//
// # Description
//
// Covers the three kinds of process interaction stackctl needs: short
// commands whose output is parsed (docker info, lsof), long-lived host
// services launched detached (the web dev server), and signalling processes
// by pid when stopping or force-releasing ports.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the prober runs docker
// commands while other goroutines probe ports.
type Manager interface {
	// Run executes a command and returns stdout. A non-zero exit yields a
	// *CommandError carrying stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInDir executes a command in dir with env appended to the current
	// environment. exitCode is -1 when the command could not be started.
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)

	// Start launches a detached process and returns its pid. The process
	// outlives ctx and the calling stackctl invocation.
	Start(ctx context.Context, opts StartOptions) (int, error)

	// Terminate sends SIGTERM to pid (its process group when it leads
	// one), waits up to grace, then sends SIGKILL.
	Terminate(ctx context.Context, pid int, grace time.Duration) error

	// Alive reports whether pid refers to a live process.
	Alive(pid int) bool

	// Identity returns a token that distinguishes this process from a
	// later one reusing the same pid (its start time). Returns
	// ErrNoProcess when pid is not running.
	Identity(pid int) (string, error)

	// LookPath resolves an executable on PATH.
	LookPath(name string) (string, error)
}

// StartOptions configures a detached launch.
type StartOptions struct {
	// Name and Args form the command line.
	Name string
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is appended to the current environment.
	Env []string

	// LogPath receives combined stdout and stderr. Empty discards output.
	LogPath string
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultManager implements Manager with os/exec and x/sys/unix signals.
type DefaultManager struct {
	pollInterval time.Duration
}

// NewDefaultManager creates a DefaultManager.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{pollInterval: 100 * time.Millisecond}
}

// Run executes name with args and returns stdout.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	stdout, _, _, err := pm.RunInDir(ctx, "", nil, name, args...)
	if err != nil {
		return nil, err
	}
	return []byte(stdout), nil
}

// RunInDir executes a command in dir.
//
// # Description
//
// Captures stdout and stderr separately. Any failure, including a non-zero
// exit, is returned as a *CommandError so callers can inspect the exit
// code; the captured streams are returned alongside it.
//
// # Outputs
//
//   - stdout, stderr: Captured output
//   - exitCode: Exit status, -1 if the process never ran
//   - err: *CommandError on failure
func (pm *DefaultManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), stderr.String(), 0, nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return stdout.String(), stderr.String(), exitCode,
		NewCommandError(commandLine(name, args), exitCode, stderr.String(), err)
}

// Start launches a detached process in its own process group.
//
// # Description
//
// The child gets a new process group so Terminate can signal the whole
// tree (package managers spawn the real server as a grandchild). The
// handle is released immediately; the caller tracks the pid.
//
// # Outputs
//
//   - int: Child pid
//   - error: Non-nil if the log file or the process could not be created
func (pm *DefaultManager) Start(_ context.Context, opts StartOptions) (int, error) {
	cmd := exec.Command(opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if opts.LogPath != "" {
		logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return 0, fmt.Errorf("failed to open log %s: %w", opts.LogPath, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, NewCommandError(commandLine(opts.Name, opts.Args), -1, "", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Terminate stops pid gracefully, escalating to SIGKILL after grace.
//
// # Description
//
// A pid that is already gone is not an error. When pid leads its own
// process group the whole group is signalled.
//
// # Outputs
//
//   - error: Non-nil if signalling failed or the process survived SIGKILL
func (pm *DefaultManager) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !pm.Alive(pid) {
		return nil
	}

	target := pid
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		target = -pid
	}

	if err := unix.Kill(target, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	if pm.waitExit(ctx, pid, grace) {
		return nil
	}

	if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill pid %d: %w", pid, err)
	}
	if pm.waitExit(ctx, pid, time.Second) {
		return nil
	}
	return fmt.Errorf("pid %d still running after SIGKILL", pid)
}

// Alive reports whether pid exists. EPERM means it exists but belongs to
// another user.
func (pm *DefaultManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Identity returns the process start time of pid.
//
// # Description
//
// On Linux this is field 22 of /proc/<pid>/stat (clock ticks since boot).
// Elsewhere it falls back to `ps -o lstart= -p <pid>`. Both values stay
// fixed for the life of the process and change when the pid is reused.
//
// # Outputs
//
//   - string: Opaque identity token
//   - error: ErrNoProcess if pid is not running
func (pm *DefaultManager) Identity(pid int) (string, error) {
	if pid <= 0 {
		return "", ErrNoProcess
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err == nil {
		return statStartTime(string(data))
	}
	if _, statErr := os.Stat("/proc/self/stat"); statErr == nil {
		// procfs is mounted, so a missing entry means the process is gone.
		return "", ErrNoProcess
	}

	out, err := pm.Run(context.Background(), "ps", "-o", "lstart=", "-p", strconv.Itoa(pid))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return "", ErrNoProcess
		}
		return "", fmt.Errorf("failed to read start time of pid %d: %w", pid, err)
	}
	lstart := strings.Join(strings.Fields(string(out)), " ")
	if lstart == "" {
		return "", ErrNoProcess
	}
	return lstart, nil
}

// statStartTime extracts starttime from a /proc/<pid>/stat line. The comm
// field may contain spaces and parentheses, so fields are counted from the
// last ')'.
func statStartTime(stat string) (string, error) {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return "", fmt.Errorf("malformed stat line")
	}
	// fields[0] is field 3 (state); starttime is field 22.
	fields := strings.Fields(stat[end+1:])
	if len(fields) < 20 {
		return "", fmt.Errorf("malformed stat line: %d fields", len(fields)+2)
	}
	return fields[19], nil
}

// LookPath resolves name on PATH.
func (pm *DefaultManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (pm *DefaultManager) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Reap our own children so they do not linger as zombies; for
		// foreign pids this fails with ECHILD and is ignored.
		var ws unix.WaitStatus
		_, _ = unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		if !pm.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pm.Alive(pid)
		case <-time.After(pm.pollInterval):
		}
	}
	return !pm.Alive(pid)
}

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// =============================================================================
// Mock Implementation
// =============================================================================

// MockManager records calls and delegates to function fields.
//
// An unset function field panics so tests fail loudly on unexpected
// process interaction.
type MockManager struct {
	RunFunc       func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunInDirFunc  func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)
	StartFunc     func(ctx context.Context, opts StartOptions) (int, error)
	TerminateFunc func(ctx context.Context, pid int, grace time.Duration) error
	AliveFunc     func(pid int) bool
	IdentityFunc  func(pid int) (string, error)
	LookPathFunc  func(name string) (string, error)

	Calls []Call
	mu    sync.Mutex
}

// Call records one MockManager invocation.
type Call struct {
	Method string
	Name   string
	Args   []string
	Dir    string
	PID    int
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Run records and delegates.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunInDir records and delegates.
func (m *MockManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record(Call{Method: "RunInDir", Name: name, Args: args, Dir: dir})
	if m.RunInDirFunc == nil {
		panic("MockManager.RunInDirFunc not set")
	}
	return m.RunInDirFunc(ctx, dir, env, name, args...)
}

// Start records and delegates.
func (m *MockManager) Start(ctx context.Context, opts StartOptions) (int, error) {
	m.record(Call{Method: "Start", Name: opts.Name, Args: opts.Args, Dir: opts.Dir})
	if m.StartFunc == nil {
		panic("MockManager.StartFunc not set")
	}
	return m.StartFunc(ctx, opts)
}

// Terminate records and delegates.
func (m *MockManager) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	m.record(Call{Method: "Terminate", PID: pid})
	if m.TerminateFunc == nil {
		panic("MockManager.TerminateFunc not set")
	}
	return m.TerminateFunc(ctx, pid, grace)
}

// Alive records and delegates.
func (m *MockManager) Alive(pid int) bool {
	m.record(Call{Method: "Alive", PID: pid})
	if m.AliveFunc == nil {
		panic("MockManager.AliveFunc not set")
	}
	return m.AliveFunc(pid)
}

// Identity records and delegates.
func (m *MockManager) Identity(pid int) (string, error) {
	m.record(Call{Method: "Identity", PID: pid})
	if m.IdentityFunc == nil {
		panic("MockManager.IdentityFunc not set")
	}
	return m.IdentityFunc(pid)
}

// LookPath records and delegates.
func (m *MockManager) LookPath(name string) (string, error) {
	m.record(Call{Method: "LookPath", Name: name})
	if m.LookPathFunc == nil {
		panic("MockManager.LookPathFunc not set")
	}
	return m.LookPathFunc(name)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Call, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// CallsTo returns the recorded calls for one method.
func (m *MockManager) CallsTo(method string) []Call {
	var out []Call
	for _, c := range m.GetCalls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)
