// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"context"
	"sync"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// MockProber is a test double for Prober.
//
// Nil function fields return empty results: no services, docker
// unavailable, and an immediately ready wait.
type MockProber struct {
	CheckAllServicesFunc func(ctx context.Context, overrides stack.PortOverrides) []ServiceHealth
	CheckServiceFunc     func(ctx context.Context, svc stack.Service, port int) ServiceHealth
	DockerStatusFunc     func(ctx context.Context) DockerStatus
	WaitForServicesFunc  func(ctx context.Context, overrides stack.PortOverrides, opts WaitOptions) (*WaitResult, error)

	mu            sync.Mutex
	CheckAllCalls int
	DockerCalls   int
	WaitCalls     int
	LastOverrides stack.PortOverrides
}

// CheckAllServices records and delegates.
func (m *MockProber) CheckAllServices(ctx context.Context, overrides stack.PortOverrides) []ServiceHealth {
	m.mu.Lock()
	m.CheckAllCalls++
	m.LastOverrides = overrides
	m.mu.Unlock()
	if m.CheckAllServicesFunc == nil {
		return []ServiceHealth{}
	}
	return m.CheckAllServicesFunc(ctx, overrides)
}

// CheckService delegates.
func (m *MockProber) CheckService(ctx context.Context, svc stack.Service, port int) ServiceHealth {
	if m.CheckServiceFunc == nil {
		return ServiceHealth{Name: svc.Name, Status: StatusUnknown, Port: port}
	}
	return m.CheckServiceFunc(ctx, svc, port)
}

// DockerStatus records and delegates.
func (m *MockProber) DockerStatus(ctx context.Context) DockerStatus {
	m.mu.Lock()
	m.DockerCalls++
	m.mu.Unlock()
	if m.DockerStatusFunc == nil {
		return DockerStatus{}
	}
	return m.DockerStatusFunc(ctx)
}

// WaitForServices records and delegates.
func (m *MockProber) WaitForServices(ctx context.Context, overrides stack.PortOverrides, opts WaitOptions) (*WaitResult, error) {
	m.mu.Lock()
	m.WaitCalls++
	m.mu.Unlock()
	if m.WaitForServicesFunc == nil {
		return &WaitResult{Ready: true, Rounds: 1}, nil
	}
	return m.WaitForServicesFunc(ctx, overrides, opts)
}

// Counts returns the call counters under the lock.
func (m *MockProber) Counts() (checkAll, docker, wait int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CheckAllCalls, m.DockerCalls, m.WaitCalls
}

var _ Prober = (*MockProber)(nil)
