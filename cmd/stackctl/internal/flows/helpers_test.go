// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flows

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// answer is a scripted reply to one input request.
type answer struct {
	request string
	value   string
}

// recorder keeps every snapshot the machine emits.
type recorder struct {
	mu    sync.Mutex
	snaps []orchestration.Snapshot
}

func (r *recorder) listen(s orchestration.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// steps returns the step of every snapshot, collapsing repeats.
func (r *recorder) steps() []orchestration.Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []orchestration.Step
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Step {
			out = append(out, s.Step)
		}
	}
	return out
}

// statuses returns every distinct consecutive status line.
func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.snaps {
		if len(out) == 0 || out[len(out)-1] != s.Status {
			out = append(out, s.Status)
		}
	}
	return out
}

// requests returns the RequestID of every input request issued.
func (r *recorder) requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	var lastToken string
	for _, s := range r.snaps {
		if s.Pending != nil && s.Pending.Token != lastToken {
			out = append(out, s.Pending.RequestID)
			lastToken = s.Pending.Token
		}
	}
	return out
}

// runFlow runs flow on its own goroutine, answers its input requests in
// order, and waits for it to return.
func runFlow(t *testing.T, m *orchestration.Machine, flow func(), answers ...answer) *recorder {
	t.Helper()

	rec := &recorder{}
	m.Subscribe(rec.listen)

	pending := make(chan orchestration.PendingInput, 32)
	m.Subscribe(func(s orchestration.Snapshot) {
		if s.Pending != nil {
			pending <- *s.Pending
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		flow()
	}()

	for _, a := range answers {
		select {
		case p := <-pending:
			require.Equal(t, a.request, p.RequestID, "unexpected input request")
			require.True(t, m.SubmitInput(a.value))
		case <-done:
			t.Fatalf("flow returned while %q was still expected; last state: %+v", a.request, m.Snapshot())
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", a.request)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("flow did not return; state: %+v", m.Snapshot())
	}
	return rec
}

// fakePorts is a PortResolver returning fixed overrides.
type fakePorts struct {
	overrides stack.PortOverrides
	calls     []string
}

func (f *fakePorts) ReadPortOverrides(repoPath string) stack.PortOverrides {
	f.calls = append(f.calls, repoPath)
	return f.overrides.Clone()
}
