// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// recorder collects every snapshot a listener sees.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) listen(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

// waitPending blocks until m has a pending request.
func waitPending(t *testing.T, m *Machine) *PendingInput {
	t.Helper()
	var p *PendingInput
	require.Eventually(t, func() bool {
		p = m.Snapshot().Pending
		return p != nil
	}, time.Second, time.Millisecond)
	return p
}

func TestNewMachine_Initial(t *testing.T) {
	m := NewMachine()
	s := m.Snapshot()

	assert.Equal(t, StepIdle, s.Step)
	assert.Empty(t, s.Status)
	assert.NoError(t, s.Err)
	assert.Nil(t, s.Pending)
	assert.Empty(t, s.Data.Keys())
	assert.Zero(t, s.Version)
}

func TestMachine_ListenersSeeMutationsInOrder(t *testing.T) {
	m := NewMachine()
	var first, second recorder
	m.Subscribe(first.listen)
	m.Subscribe(second.listen)

	m.SetStep(StepChecking)
	m.SetStatus("probing")
	m.UpdateData(SummaryField.Set("1/2 services running"))
	m.Transition(StepResults, "done")
	m.SetStatus("again")

	for _, r := range []*recorder{&first, &second} {
		snaps := r.all()
		require.Len(t, snaps, 5)

		assert.Equal(t, StepChecking, snaps[0].Step)
		assert.Equal(t, "probing", snaps[1].Status)
		assert.Equal(t, "1/2 services running", snaps[2].Data.Summary)
		assert.Equal(t, StepResults, snaps[3].Step)
		assert.Equal(t, "done", snaps[3].Status)
		assert.Equal(t, "again", snaps[4].Status)

		for i, s := range snaps {
			assert.Equal(t, uint64(i+1), s.Version, "no dropped or duplicated notifications")
		}
	}
}

func TestMachine_ListenersRunInRegistrationOrder(t *testing.T) {
	m := NewMachine()
	var order []string
	m.Subscribe(func(Snapshot) { order = append(order, "a") })
	m.Subscribe(func(Snapshot) { order = append(order, "b") })
	m.Subscribe(func(Snapshot) { order = append(order, "c") })

	m.SetStatus("x")
	m.SetStatus("y")

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestMachine_ListenerMayReadSnapshot(t *testing.T) {
	m := NewMachine()
	var seen []string
	m.Subscribe(func(s Snapshot) {
		// Reentrant read during notification.
		seen = append(seen, m.Snapshot().Status+"/"+s.Status)
	})

	m.SetStatus("one")
	assert.Equal(t, []string{"one/one"}, seen)
}

func TestMachine_Unsubscribe(t *testing.T) {
	m := NewMachine()
	var kept, removed recorder
	m.Subscribe(kept.listen)
	unsubscribe := m.Subscribe(removed.listen)

	m.SetStatus("before")
	unsubscribe()
	unsubscribe()
	m.SetStatus("after")

	assert.Len(t, kept.all(), 2)
	assert.Len(t, removed.all(), 1)
}

func TestMachine_SetErrorKeepsData(t *testing.T) {
	m := NewMachine()
	services := []health.ServiceHealth{{Name: "api", Status: health.StatusUp}}
	m.UpdateData(ServicesField.Set(services))
	m.UpdateData(RepoPathField.Set("/src/app"))

	m.SetError(errors.New("failed to stop services: boom"))

	s := m.Snapshot()
	require.Error(t, s.Err)
	assert.Equal(t, "/src/app", s.Data.RepoPath)
	assert.Equal(t, services, s.Data.Services)
	assert.True(t, s.Data.Has(KeyServices))

	m.SetError(nil)
	assert.NoError(t, m.Snapshot().Err)
}

func TestMachine_UpdateDataOverwritesOneKey(t *testing.T) {
	m := NewMachine()
	m.UpdateData(StopModeField.Set(StopModeSafe))
	m.UpdateData(ReadyField.Set(false))
	m.UpdateData(StopModeField.Set(StopModeForcePorts))

	s := m.Snapshot()
	mode, ok := StopModeField.Get(s.Data)
	assert.True(t, ok)
	assert.Equal(t, StopModeForcePorts, mode)

	ready, ok := ReadyField.Get(s.Data)
	assert.True(t, ok, "zero value that was set is present")
	assert.False(t, ready)

	_, ok = SummaryField.Get(s.Data)
	assert.False(t, ok)
	assert.Equal(t, []DataKey{KeyReady, KeyStopMode}, s.Data.Keys())
}

func TestMachine_SnapshotsAreCopies(t *testing.T) {
	m := NewMachine()
	overrides := stack.PortOverrides{"api": 18000}
	m.UpdateData(PortOverridesField.Set(overrides))
	m.UpdateData(ServicesField.Set([]health.ServiceHealth{{Name: "api", Status: health.StatusDown}}))

	var fromListener Snapshot
	m.Subscribe(func(s Snapshot) {
		s.Data.Services[0].Status = health.StatusUp
		fromListener = s
	})
	m.SetStatus("x")

	overrides["api"] = 1
	s := m.Snapshot()
	s.Data.PortOverrides["web"] = 2

	fresh := m.Snapshot()
	assert.Equal(t, stack.PortOverrides{"api": 18000}, fresh.Data.PortOverrides)
	assert.Equal(t, health.StatusDown, fresh.Data.Services[0].Status)
	assert.Equal(t, health.StatusUp, fromListener.Data.Services[0].Status)
}

func TestMachine_WaitForInputAndSubmit(t *testing.T) {
	m := NewMachine()
	var rec recorder
	m.Subscribe(rec.listen)

	result := make(chan string, 1)
	go func() {
		v, err := m.WaitForInput(context.Background(), "status-action", InputMeta{
			Message: "What next?",
			Choices: []string{"refresh", "exit"},
			Default: "exit",
		})
		assert.NoError(t, err)
		result <- v
	}()

	pending := waitPending(t, m)
	assert.Equal(t, "status-action", pending.RequestID)
	assert.NotEmpty(t, pending.Token)
	assert.Equal(t, []string{"refresh", "exit"}, pending.Meta.Choices)

	require.True(t, m.SubmitInput("refresh"))
	assert.Equal(t, "refresh", <-result)
	assert.Nil(t, m.Snapshot().Pending)

	snaps := rec.all()
	require.Len(t, snaps, 2)
	assert.True(t, snaps[0].Waiting("status-action"))
	assert.Nil(t, snaps[1].Pending)
}

func TestMachine_SubmitWithoutPendingIsNoop(t *testing.T) {
	m := NewMachine()
	m.SetStatus("idle")
	var rec recorder
	m.Subscribe(rec.listen)
	before := m.Snapshot()

	assert.False(t, m.SubmitInput("exit"))

	assert.Empty(t, rec.all(), "no notification")
	assert.Equal(t, before, m.Snapshot())
}

func TestMachine_SecondWaitIsRejected(t *testing.T) {
	m := NewMachine()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.WaitForInput(context.Background(), "first", InputMeta{})
	}()
	waitPending(t, m)

	var rec recorder
	m.Subscribe(rec.listen)
	before := m.Snapshot()

	_, err := m.WaitForInput(context.Background(), "second", InputMeta{})
	require.ErrorIs(t, err, ErrInputPending)
	assert.Contains(t, err.Error(), "first")
	assert.Empty(t, rec.all())
	assert.Equal(t, before, m.Snapshot())

	m.SubmitInput("ok")
	<-done
}

func TestMachine_AtMostOnePendingUnderConcurrency(t *testing.T) {
	m := NewMachine()

	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.WaitForInput(context.Background(), fmt.Sprintf("req-%d", i), InputMeta{})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrInputPending) {
				rejected++
			} else {
				accepted++
			}
		}(i)
	}

	// Answer until every caller has returned.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				m.SubmitInput("v")
				time.Sleep(time.Millisecond)
			}
		}
	}()
	wg.Wait()
	close(stop)

	assert.Equal(t, callers, accepted+rejected)
	assert.GreaterOrEqual(t, accepted, 1)
}

func TestMachine_WaitForInputContextCancelled(t *testing.T) {
	m := NewMachine()
	var rec recorder
	m.Subscribe(rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitForInput(ctx, "exit", InputMeta{})
		errCh <- err
	}()
	waitPending(t, m)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.Nil(t, m.Snapshot().Pending)
	assert.False(t, m.SubmitInput("late"))

	snaps := rec.all()
	require.Len(t, snaps, 2)
	assert.Nil(t, snaps[1].Pending)
}

func TestMachine_SubmitFor(t *testing.T) {
	m := NewMachine()
	result := make(chan string, 1)
	go func() {
		v, _ := m.WaitForInput(context.Background(), "exit", InputMeta{})
		result <- v
	}()
	waitPending(t, m)

	assert.False(t, m.SubmitFor("status-action", "refresh"))
	assert.NotNil(t, m.Snapshot().Pending)

	assert.True(t, m.SubmitFor("exit", "exit"))
	assert.Equal(t, "exit", <-result)
}

func TestMachine_ConcurrentReaders(t *testing.T) {
	m := NewMachine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				s := m.Snapshot()
				_ = s.Data.Keys()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		m.Transition(StepChecking, fmt.Sprintf("round %d", i))
		m.UpdateData(RoundField.Set(Round{Number: i}))
	}
	cancel()
	wg.Wait()

	assert.Equal(t, 199, m.Snapshot().Data.Round.Number)
	assert.Equal(t, uint64(400), m.Snapshot().Version)
}
