// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestration holds the observable state a flow drives and a
// presentation adapter renders.
//
// # Overview
//
// A Machine owns one invocation's state: the current step, a status line,
// an optional error, typed auxiliary data and at most one pending input
// request. Every mutation notifies the subscribed listeners synchronously,
// in registration order, with a full copy of the state.
//
//	m := orchestration.NewMachine()
//	unsubscribe := m.Subscribe(func(s orchestration.Snapshot) { render(s) })
//	defer unsubscribe()
//
//	m.Transition(orchestration.StepChecking, "Checking services...")
//	answer, err := m.WaitForInput(ctx, "status-action", orchestration.InputMeta{
//	    Choices: []string{"refresh", "exit"},
//	})
//
// A Machine is created per invocation, passed explicitly to the flow and to
// the adapter, and never persisted.
package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/stackctl/pkg/logging"
)

// Listener receives a snapshot after every mutation.
//
// Listeners run on the mutating goroutine while the machine's write lock is
// held. They may call Snapshot but must not call any mutator, including
// SubmitInput; adapters that answer prompts do so from their own goroutine.
type Listener func(Snapshot)

type subscription struct {
	id uint64
	fn Listener
}

// Machine is the orchestration state machine.
//
// # Thread Safety
//
// Mutators are serialized and their notifications are delivered in the
// order the mutations were applied. Snapshot may be called from any
// goroutine at any time.
type Machine struct {
	// writeMu serializes mutate-then-notify so notifications cannot be
	// reordered between two writers.
	writeMu sync.Mutex

	mu      sync.RWMutex
	step    Step
	status  string
	err     error
	data    Data
	pending *PendingInput
	waiter  chan string
	version uint64

	subsMu sync.Mutex
	subs   []subscription
	nextID uint64

	logger *logging.Logger
}

// MachineOption customises a Machine.
type MachineOption func(*Machine)

// WithLogger logs every transition at debug level.
func WithLogger(l *logging.Logger) MachineOption {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a Machine in StepIdle with empty data.
func NewMachine(opts ...MachineOption) *Machine {
	m := &Machine{
		step:   StepIdle,
		data:   Data{present: make(map[DataKey]struct{})},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// Mutators
// =============================================================================

// SetStep sets the step.
func (m *Machine) SetStep(step Step) {
	m.mutate(func() { m.step = step })
	m.logger.Debug("step", "step", step)
}

// SetStatus sets the status line.
func (m *Machine) SetStatus(status string) {
	m.mutate(func() { m.status = status })
}

// Transition sets step and status together with a single notification.
func (m *Machine) Transition(step Step, status string) {
	m.mutate(func() {
		m.step = step
		m.status = status
	})
	m.logger.Debug("transition", "step", step, "status", status)
}

// SetError records err, or clears the error when err is nil. Data is kept.
func (m *Machine) SetError(err error) {
	m.mutate(func() { m.err = err })
	if err != nil {
		m.logger.Debug("flow error recorded", "error", err)
	}
}

// UpdateData applies one typed update. The key is marked present.
func (m *Machine) UpdateData(u DataUpdate) {
	if u.apply == nil {
		return
	}
	m.mutate(func() {
		u.apply(&m.data)
		m.data.present[u.key] = struct{}{}
	})
}

func (m *Machine) mutate(apply func()) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	apply()
	snap := m.snapshotLocked(true)
	m.mu.Unlock()

	m.notify(snap)
}

// =============================================================================
// Input
// =============================================================================

// WaitForInput records a pending request, notifies, and blocks until
// SubmitInput answers it.
//
// # Description
//
// At most one request may be outstanding. A second call while one is
// pending is rejected with ErrInputPending and changes nothing.
//
// Without a SubmitInput the call blocks for as long as ctx allows. When ctx
// ends first the request is withdrawn (Pending cleared, one notification)
// and ctx.Err() is returned.
//
// # Inputs
//
//   - ctx: Bounds the wait
//   - requestID: Names the question, e.g. "status-action"
//   - meta: Prompt text, accepted choices and the default answer
//
// # Outputs
//
//   - string: The submitted value
//   - error: ErrInputPending or ctx.Err()
func (m *Machine) WaitForInput(ctx context.Context, requestID string, meta InputMeta) (string, error) {
	m.writeMu.Lock()
	m.mu.Lock()
	if m.pending != nil {
		outstanding := m.pending.RequestID
		m.mu.Unlock()
		m.writeMu.Unlock()
		return "", fmt.Errorf("%w: %q is still outstanding", ErrInputPending, outstanding)
	}
	ch := make(chan string, 1)
	m.pending = &PendingInput{RequestID: requestID, Token: uuid.NewString(), Meta: meta}
	m.pending.Meta.Choices = append([]string(nil), meta.Choices...)
	m.waiter = ch
	snap := m.snapshotLocked(true)
	m.mu.Unlock()
	m.notify(snap)
	m.writeMu.Unlock()

	m.logger.Debug("waiting for input", "request_id", requestID)

	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
	}

	m.writeMu.Lock()
	m.mu.Lock()
	if m.waiter == ch {
		m.pending = nil
		m.waiter = nil
		snap = m.snapshotLocked(true)
		m.mu.Unlock()
		m.notify(snap)
	} else {
		m.mu.Unlock()
	}
	m.writeMu.Unlock()

	// SubmitInput may have won the race after ctx ended.
	select {
	case v := <-ch:
		return v, nil
	default:
		return "", ctx.Err()
	}
}

// SubmitInput answers the pending request. It returns false and does
// nothing, not even notify, when no request is pending.
func (m *Machine) SubmitInput(value string) bool {
	return m.submit(func(*PendingInput) bool { return true }, value)
}

// SubmitFor answers the pending request only if its RequestID matches.
// Background submitters such as the refresh watcher use it so they cannot
// answer a prompt they did not expect.
func (m *Machine) SubmitFor(requestID, value string) bool {
	return m.submit(func(p *PendingInput) bool { return p.RequestID == requestID }, value)
}

func (m *Machine) submit(match func(*PendingInput) bool, value string) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	if m.pending == nil || !match(m.pending) {
		m.mu.Unlock()
		return false
	}
	ch := m.waiter
	requestID := m.pending.RequestID
	m.pending = nil
	m.waiter = nil
	snap := m.snapshotLocked(true)
	m.mu.Unlock()

	ch <- value
	m.notify(snap)
	m.logger.Debug("input submitted", "request_id", requestID)
	return true
}

// =============================================================================
// Observation
// =============================================================================

// Subscribe registers listener and returns a function that removes it.
// The returned function is idempotent.
func (m *Machine) Subscribe(listener Listener) (unsubscribe func()) {
	m.subsMu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, fn: listener})
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(false)
}

// snapshotLocked copies the state. bump advances the version and is set
// only by mutators, which hold the write lock.
func (m *Machine) snapshotLocked(bump bool) Snapshot {
	if bump {
		m.version++
	}
	return Snapshot{
		Step:    m.step,
		Status:  m.status,
		Err:     m.err,
		Data:    m.data.clone(),
		Pending: m.pending.clone(),
		Version: m.version,
	}
}

func (m *Machine) notify(snap Snapshot) {
	m.subsMu.Lock()
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.subsMu.Unlock()

	for _, s := range subs {
		own := snap
		own.Data = snap.Data.clone()
		own.Pending = snap.Pending.clone()
		s.fn(own)
	}
}
