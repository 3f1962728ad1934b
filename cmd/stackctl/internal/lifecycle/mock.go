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
	"sync"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// MockController records calls and delegates to function fields. Nil
// fields succeed without reporting progress.
type MockController struct {
	StartFunc func(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StartOptions) error
	StopFunc  func(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StopOptions) error

	mu    sync.Mutex
	Calls []ControllerCall
}

// ControllerCall records one MockController invocation.
type ControllerCall struct {
	Method    string
	RepoPath  string
	Overrides stack.PortOverrides
	Start     StartOptions
	Stop      StopOptions
}

// StartServices records and delegates.
func (m *MockController) StartServices(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StartOptions) error {
	m.record(ControllerCall{Method: "StartServices", RepoPath: repoPath, Overrides: overrides, Start: opts})
	if m.StartFunc == nil {
		return nil
	}
	return m.StartFunc(ctx, repoPath, onStatus, overrides, opts)
}

// StopServices records and delegates.
func (m *MockController) StopServices(ctx context.Context, repoPath string, onStatus StatusFunc, overrides stack.PortOverrides, opts StopOptions) error {
	m.record(ControllerCall{Method: "StopServices", RepoPath: repoPath, Overrides: overrides, Stop: opts})
	if m.StopFunc == nil {
		return nil
	}
	return m.StopFunc(ctx, repoPath, onStatus, overrides, opts)
}

func (m *MockController) record(c ControllerCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockController) GetCalls() []ControllerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ControllerCall(nil), m.Calls...)
}

var _ Controller = (*MockController)(nil)
