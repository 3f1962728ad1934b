// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/compose"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// =============================================================================
// Fixtures
// =============================================================================

type fakeLock struct {
	acquireErr error
	acquired   int
	released   int
}

func (l *fakeLock) Acquire() error {
	if l.acquireErr != nil {
		return l.acquireErr
	}
	l.acquired++
	return nil
}

func (l *fakeLock) Release() error { l.released++; return nil }
func (l *fakeLock) IsHeld() bool   { return l.acquired > l.released }

func testServices() []stack.Service {
	return []stack.Service{
		{Name: "api", ComposeService: "gaia-backend", DefaultPort: 8000, Check: stack.CheckHTTP},
		{Name: "postgres", ComposeService: "postgres", DefaultPort: 5432, Check: stack.CheckTCP},
		{Name: "web", DefaultPort: 3000, Check: stack.CheckHTTP, Command: []string{"pnpm", "dev"}, WorkDir: "apps/web"},
	}
}

type harness struct {
	repo     string
	runDir   string
	proc     *process.MockManager
	executor *compose.MockExecutor
	lock     *fakeLock
	ctrl     *DefaultController
	messages []string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     t.TempDir(),
		runDir:   t.TempDir(),
		proc:     &process.MockManager{},
		executor: &compose.MockExecutor{},
		lock:     &fakeLock{},
	}
	h.proc.IdentityFunc = testIdentity
	require.NoError(t, os.WriteFile(filepath.Join(h.repo, "docker-compose.yml"), []byte("services: {}\n"), 0o644))

	h.ctrl = NewController(testServices(), Config{RunDir: h.runDir, StopGrace: time.Second}, h.proc, nil,
		WithExecutorFactory(func(file string) (compose.Executor, error) {
			h.executor.FilePath = file
			return h.executor, nil
		}),
		WithLocker(func() process.Locker { return h.lock }),
	)
	return h
}

func (h *harness) onStatus(msg string) {
	h.messages = append(h.messages, msg)
}

// testIdentity stands in for a process start time.
func testIdentity(pid int) (string, error) {
	return "t" + strconv.Itoa(pid), nil
}

// writePID records pid as a process started by stackctl.
func (h *harness) writePID(t *testing.T, name string, pid int) {
	t.Helper()
	h.writePIDFile(t, name, formatPIDFile(pid, "t"+strconv.Itoa(pid)))
}

func (h *harness) writePIDFile(t *testing.T, name, content string) {
	t.Helper()
	dir := filepath.Join(h.runDir, "pids")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".pid"), []byte(content), 0o644))
}

// =============================================================================
// Stop
// =============================================================================

func TestStopServices_SafeMode(t *testing.T) {
	h := newHarness(t)
	h.writePID(t, "web", 4242)
	h.proc.TerminateFunc = func(ctx context.Context, pid int, grace time.Duration) error {
		assert.Equal(t, 4242, pid)
		assert.Equal(t, time.Second, grace)
		return nil
	}

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"Down"}, h.executor.GetCalls())
	assert.Equal(t, filepath.Join(h.repo, "docker-compose.yml"), h.executor.FilePath)
	assert.Len(t, h.proc.CallsTo("Terminate"), 1)
	assert.Empty(t, h.proc.CallsTo("Run"), "safe mode never looks for port holders")
	assert.NoFileExists(t, filepath.Join(h.runDir, "pids", "web.pid"))

	assert.Equal(t, 1, h.lock.acquired)
	assert.Equal(t, 1, h.lock.released)
	assert.GreaterOrEqual(t, len(h.messages), 4)
	assert.Equal(t, "All services stopped", h.messages[len(h.messages)-1])
}

func TestStopServices_HostProcessNotRunning(t *testing.T) {
	h := newHarness(t)

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.NoError(t, err)
	assert.Contains(t, h.messages, "web is not running")
	assert.Empty(t, h.proc.CallsTo("Terminate"))
}

func TestStopServices_ReusedPidLeftAlone(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		identity func(pid int) (string, error)
	}{
		{"identity differs", formatPIDFile(4242, "t4242"), func(int) (string, error) { return "t9999", nil }},
		{"process gone", formatPIDFile(4242, "t4242"), func(int) (string, error) { return "", process.ErrNoProcess }},
		{"no identity recorded", "4242\n", testIdentity},
		{"malformed", "web\n", testIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.proc.IdentityFunc = tt.identity
			h.writePIDFile(t, "web", tt.content)
			// TerminateFunc left nil: signalling would panic.

			err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
			require.NoError(t, err)
			assert.Empty(t, h.proc.CallsTo("Terminate"))
			assert.Contains(t, h.messages, "web is not running")
			assert.NoFileExists(t, filepath.Join(h.runDir, "pids", "web.pid"))
		})
	}
}

func TestStopServices_ForeignProcessSurvives(t *testing.T) {
	foreign := exec.Command("sleep", "60")
	require.NoError(t, foreign.Start())
	t.Cleanup(func() {
		_ = foreign.Process.Kill()
		_ = foreign.Wait()
	})

	h := newHarness(t)
	pm := process.NewDefaultManager()
	h.ctrl = NewController(testServices(), Config{RunDir: h.runDir, StopGrace: time.Second}, pm, nil,
		WithExecutorFactory(func(file string) (compose.Executor, error) { return h.executor, nil }),
		WithLocker(func() process.Locker { return h.lock }),
	)
	// A pid file left over from a process that has since been replaced.
	h.writePIDFile(t, "web", formatPIDFile(foreign.Process.Pid, "1"))

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.NoError(t, err)
	assert.True(t, pm.Alive(foreign.Process.Pid), "safe mode must not signal a process it did not start")
	assert.Contains(t, h.messages, "web is not running")
}

func TestStopServices_ForcePorts(t *testing.T) {
	h := newHarness(t)
	var lsofPorts []string
	h.proc.RunFunc = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "lsof", name)
		lsofPorts = append(lsofPorts, args[1])
		switch args[1] {
		case "-iTCP:18000":
			return []byte("111\n222\n"), nil
		case "-iTCP:3000":
			return []byte("222\n"), nil
		default:
			return nil, &process.CommandError{Command: "lsof", ExitCode: 1}
		}
	}
	var terminated []int
	h.proc.TerminateFunc = func(ctx context.Context, pid int, grace time.Duration) error {
		terminated = append(terminated, pid)
		return nil
	}

	overrides := stack.PortOverrides{"api": 18000}
	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, overrides, StopOptions{ForcePorts: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"-iTCP:18000", "-iTCP:5432", "-iTCP:3000"}, lsofPorts)
	assert.Equal(t, []int{111, 222}, terminated, "each holder terminated once")
	assert.Contains(t, h.messages, "Port 5432 is free")
	assert.Contains(t, h.messages, "Port 18000 released (2 process(es) terminated)")
}

func TestStopServices_ComposeFailure(t *testing.T) {
	h := newHarness(t)
	cmdErr := &process.CommandError{Command: "docker compose down", ExitCode: 1, Stderr: "Cannot connect to the Docker daemon"}
	h.executor.DownFunc = func(ctx context.Context, opts compose.DownOptions) (*compose.Result, error) {
		assert.True(t, opts.RemoveOrphans)
		return nil, cmdErr
	}

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.Error(t, err)

	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, OpStop, opErr.Op)
	assert.Equal(t, "containers", opErr.Service)

	var gotCmd *process.CommandError
	require.ErrorAs(t, err, &gotCmd)
	assert.Equal(t, "Cannot connect to the Docker daemon", gotCmd.Stderr)
	assert.Equal(t, 1, h.lock.released, "lock released on failure")
}

func TestStopServices_LockHeld(t *testing.T) {
	h := newHarness(t)
	h.lock.acquireErr = &process.ErrLockHeld{HolderPID: 99}

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PID 99")
	assert.Empty(t, h.executor.GetCalls())
}

func TestStopServices_MissingComposeFile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Remove(filepath.Join(h.repo, "docker-compose.yml")))

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.ErrorIs(t, err, compose.ErrComposeFileMissing)
}

func TestStopServices_PanicBecomesError(t *testing.T) {
	h := newHarness(t)
	h.writePID(t, "web", 7)
	// TerminateFunc left nil: the mock panics.

	err := h.ctrl.StopServices(context.Background(), h.repo, h.onStatus, nil, StopOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal error")
	assert.Equal(t, 1, h.lock.released)
}

// =============================================================================
// Start
// =============================================================================

func TestStartServices(t *testing.T) {
	h := newHarness(t)
	var upOpts compose.UpOptions
	h.executor.UpFunc = func(ctx context.Context, opts compose.UpOptions) (*compose.Result, error) {
		upOpts = opts
		return &compose.Result{}, nil
	}
	var started process.StartOptions
	h.proc.StartFunc = func(ctx context.Context, opts process.StartOptions) (int, error) {
		started = opts
		return 5150, nil
	}

	overrides := stack.PortOverrides{"web": 3100}
	err := h.ctrl.StartServices(context.Background(), h.repo, h.onStatus, overrides, StartOptions{Build: true})
	require.NoError(t, err)

	assert.True(t, upOpts.Build)
	assert.Equal(t, []string{"gaia-backend", "postgres"}, upOpts.Services)

	assert.Equal(t, "pnpm", started.Name)
	assert.Equal(t, []string{"dev"}, started.Args)
	assert.Equal(t, filepath.Join(h.repo, "apps", "web"), started.Dir)
	assert.Equal(t, []string{"PORT=3100"}, started.Env)
	assert.Equal(t, filepath.Join(h.runDir, "logs", "web.log"), started.LogPath)

	data, err := os.ReadFile(filepath.Join(h.runDir, "pids", "web.pid"))
	require.NoError(t, err)
	assert.Equal(t, "5150\nt5150\n", string(data))
	assert.Equal(t, "All services started", h.messages[len(h.messages)-1])
}

func TestStartServices_SkipsRunningHostProcess(t *testing.T) {
	h := newHarness(t)
	h.writePID(t, "web", 77)
	h.proc.AliveFunc = func(pid int) bool { return pid == 77 }

	err := h.ctrl.StartServices(context.Background(), h.repo, h.onStatus, nil, StartOptions{})
	require.NoError(t, err)
	assert.Empty(t, h.proc.CallsTo("Start"))
	assert.Contains(t, h.messages, "web already running (PID 77)")
}

func TestStartServices_StalePidDoesNotBlockLaunch(t *testing.T) {
	h := newHarness(t)
	h.writePIDFile(t, "web", formatPIDFile(77, "t-old"))
	h.proc.AliveFunc = func(pid int) bool { return true }
	h.proc.StartFunc = func(ctx context.Context, opts process.StartOptions) (int, error) { return 88, nil }

	err := h.ctrl.StartServices(context.Background(), h.repo, h.onStatus, nil, StartOptions{})
	require.NoError(t, err)
	assert.Len(t, h.proc.CallsTo("Start"), 1)
	assert.Empty(t, h.proc.CallsTo("Alive"), "a stale pid is not probed")

	data, err := os.ReadFile(filepath.Join(h.runDir, "pids", "web.pid"))
	require.NoError(t, err)
	assert.Equal(t, formatPIDFile(88, "t88"), string(data))
}

func TestStartServices_HostProcessFailure(t *testing.T) {
	h := newHarness(t)
	h.proc.StartFunc = func(ctx context.Context, opts process.StartOptions) (int, error) {
		return 0, errors.New("exec: \"pnpm\": executable file not found in $PATH")
	}

	err := h.ctrl.StartServices(context.Background(), h.repo, h.onStatus, nil, StartOptions{})
	var opErr *OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, OpStart, opErr.Op)
	assert.Equal(t, "web", opErr.Service)
	assert.Equal(t, []string{"Up"}, h.executor.GetCalls(), "containers are not rolled back")
}

func TestOperationError_Message(t *testing.T) {
	err := &OperationError{Op: OpStop, Service: "containers", Err: errors.New("exit status 1")}
	assert.Equal(t, "stop containers: exit status 1", err.Error())

	err = &OperationError{Op: OpLock, Err: errors.New("busy")}
	assert.Equal(t, "lock: busy", err.Error())
}
