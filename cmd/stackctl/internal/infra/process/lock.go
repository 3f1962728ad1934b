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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Locker is the interface the lifecycle controller depends on.
type Locker interface {
	// Acquire takes the lock without blocking. Returns *ErrLockHeld when
	// another process holds it.
	Acquire() error

	// Release drops the lock. Safe to call when not held.
	Release() error

	// IsHeld reports whether this instance holds the lock.
	IsHeld() bool
}

// LockConfig configures lock file placement.
type LockConfig struct {
	// Dir holds the lock and pid files. Created if missing.
	// Default: system temp directory
	Dir string

	// Name is the base name for both files.
	// Default: "stackctl"
	Name string
}

// Lock implements Locker with flock(2).
//
// # Description
//
// Serializes mutating lifecycle operations across stackctl invocations so
// that one terminal running `stackctl stop` cannot tear down containers a
// second terminal's `stackctl start` is still creating.
//
//  1. Opens {Dir}/{Name}.lock
//  2. Takes LOCK_EX|LOCK_NB
//  3. Writes the holder pid to {Dir}/{Name}.pid for the error message
//
// # Limitations
//
//   - Advisory only
//   - flock is unreliable on some network filesystems
//
// # Thread Safety
//
// Not safe for concurrent use from multiple goroutines.
type Lock struct {
	lockPath string
	pidPath  string
	dir      string
	file     *os.File
	held     bool
}

// NewLock creates a Lock. No file is touched until Acquire.
func NewLock(config LockConfig) *Lock {
	if config.Dir == "" {
		config.Dir = os.TempDir()
	}
	if config.Name == "" {
		config.Name = "stackctl"
	}
	return &Lock{
		dir:      config.Dir,
		lockPath: filepath.Join(config.Dir, config.Name+".lock"),
		pidPath:  filepath.Join(config.Dir, config.Name+".pid"),
	}
}

// Acquire takes the lock.
//
// # Outputs
//
//   - error: *ErrLockHeld if another process holds it, other errors for
//     filesystem failures
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}

	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("failed to create lock directory %s: %w", l.dir, err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: l.HolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.file = f
	l.held = true

	// Best effort; the pid only improves the error message.
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
	return nil
}

// Release drops the lock and removes the pid file.
func (l *Lock) Release() error {
	if !l.held || l.file == nil {
		return nil
	}

	_ = os.Remove(l.pidPath)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (l *Lock) IsHeld() bool {
	return l.held
}

// HolderPID returns the pid recorded by the current holder, or 0.
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}

// ErrLockHeld reports that another stackctl invocation holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another stackctl instance is starting or stopping services (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another stackctl instance is starting or stopping services (check: lsof %s)", e.LockPath)
}

var _ Locker = (*Lock)(nil)
