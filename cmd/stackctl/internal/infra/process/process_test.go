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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DefaultManager Tests
// =============================================================================

func TestDefaultManager_Run(t *testing.T) {
	pm := NewDefaultManager()

	out, err := pm.Run(context.Background(), "sh", "-c", "printf hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestDefaultManager_RunInDir_FailureIsCommandError(t *testing.T) {
	pm := NewDefaultManager()
	dir := t.TempDir()

	stdout, stderr, code, err := pm.RunInDir(context.Background(), dir, []string{"STACKCTL_TEST=1"},
		"sh", "-c", "pwd; echo $STACKCTL_TEST; echo 'no such service' >&2; exit 3")
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, code)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "no such service", cmdErr.Stderr)
	assert.Contains(t, stderr, "no such service")

	resolved, _ := filepath.EvalSymlinks(dir)
	assert.Contains(t, stdout, resolved)
	assert.Contains(t, stdout, "1")
	assert.Equal(t, "no such service", ExtractStderr(fmt.Errorf("wrapped: %w", err)))
}

func TestDefaultManager_RunMissingBinary(t *testing.T) {
	pm := NewDefaultManager()

	_, _, code, err := pm.RunInDir(context.Background(), "", nil, "stackctl-definitely-not-installed")
	require.Error(t, err)
	assert.Equal(t, -1, code)
}

func TestDefaultManager_StartAndTerminate(t *testing.T) {
	pm := NewDefaultManager()
	logPath := filepath.Join(t.TempDir(), "sleep.log")

	pid, err := pm.Start(context.Background(), StartOptions{
		Name:    "sh",
		Args:    []string{"-c", "echo started; exec sleep 30"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	require.Greater(t, pid, 0)
	assert.True(t, pm.Alive(pid))

	require.NoError(t, pm.Terminate(context.Background(), pid, 2*time.Second))
	assert.False(t, pm.Alive(pid))

	// A second terminate on a dead pid is not an error.
	require.NoError(t, pm.Terminate(context.Background(), pid, time.Second))
}

func TestDefaultManager_AliveSelf(t *testing.T) {
	pm := NewDefaultManager()
	assert.True(t, pm.Alive(os.Getpid()))
	assert.False(t, pm.Alive(0))
	assert.False(t, pm.Alive(-5))
}

func TestDefaultManager_Identity(t *testing.T) {
	pm := NewDefaultManager()

	self, err := pm.Identity(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, self)
	again, err := pm.Identity(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, self, again, "stable for the life of the process")

	pid, err := pm.Start(context.Background(), StartOptions{
		Name:    "sleep",
		Args:    []string{"30"},
		LogPath: filepath.Join(t.TempDir(), "sleep.log"),
	})
	require.NoError(t, err)
	child, err := pm.Identity(pid)
	require.NoError(t, err)
	assert.NotEmpty(t, child)

	require.NoError(t, pm.Terminate(context.Background(), pid, 2*time.Second))
	_, err = pm.Identity(pid)
	assert.ErrorIs(t, err, ErrNoProcess)

	_, err = pm.Identity(0)
	assert.ErrorIs(t, err, ErrNoProcess)
}

func TestStatStartTime(t *testing.T) {
	// comm contains a space and a ')' to exercise the last-paren split.
	line := "4242 (web (dev) x) S 1 4242 4242 0 -1 4194560 500 0 0 0 3 1 0 0 20 0 1 0 987654 1000 100 18446744073709551615"
	got, err := statStartTime(line)
	require.NoError(t, err)
	assert.Equal(t, "987654", got)

	_, err = statStartTime("4242 (web) S 1 2")
	assert.Error(t, err)
	_, err = statStartTime("garbage")
	assert.Error(t, err)
}

// =============================================================================
// CommandError Tests
// =============================================================================

func TestCommandError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *CommandError
		want string
	}{
		{
			name: "stderr last line",
			err:  NewCommandError("docker compose down", 1, "pulling...\nError: no such project\n", nil),
			want: "docker compose down (exit 1): Error: no such project",
		},
		{
			name: "wrapped only",
			err:  NewCommandError("lsof", -1, "", errors.New("executable not found")),
			want: "lsof (exit -1): executable not found",
		},
		{
			name: "bare",
			err:  NewCommandError("true", 2, "", nil),
			want: "true (exit 2)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestLock_ExclusiveAcrossInstances(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	first := NewLock(LockConfig{Dir: dir, Name: "test"})
	second := NewLock(LockConfig{Dir: dir, Name: "test"})

	require.NoError(t, first.Acquire())
	assert.True(t, first.IsHeld())
	require.NoError(t, first.Acquire(), "re-acquire by holder is a no-op")

	err := second.Acquire()
	var held *ErrLockHeld
	require.True(t, errors.As(err, &held), "got %v", err)
	assert.Equal(t, os.Getpid(), held.HolderPID)
	assert.True(t, strings.Contains(err.Error(), "another stackctl instance"))
	assert.False(t, second.IsHeld())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "double release is safe")
	assert.Equal(t, 0, first.HolderPID())

	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestLock_Defaults(t *testing.T) {
	l := NewLock(LockConfig{})
	assert.Equal(t, filepath.Join(os.TempDir(), "stackctl.lock"), l.Path())
}

// =============================================================================
// MockManager Tests
// =============================================================================

func TestMockManager_RecordsCalls(t *testing.T) {
	mock := &MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("ok"), nil
		},
		TerminateFunc: func(ctx context.Context, pid int, grace time.Duration) error { return nil },
	}

	_, _ = mock.Run(context.Background(), "lsof", "-t")
	_ = mock.Terminate(context.Background(), 42, time.Second)

	calls := mock.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "lsof", calls[0].Name)
	assert.Equal(t, 42, mock.CallsTo("Terminate")[0].PID)
	assert.Panics(t, func() { _, _ = mock.LookPath("git") })
}
