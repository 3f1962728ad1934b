// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ui presents an orchestration.Machine to the user.
//
// # Overview
//
// An adapter subscribes to the machine, renders every snapshot and answers
// input requests. Two adapters exist:
//
//   - TUI: a bubbletea program for interactive terminals
//   - Plain: styled lines through ux.Printer, prompts through huh
//
// Listeners run while the machine holds its write lock, so adapters never
// submit answers from inside a listener. Each adapter hands pending
// requests to its own goroutine, which calls SubmitFor.
//
// The optional Watcher submits "refresh" to a waiting status flow when the
// compose file or an env file changes.
package ui

import (
	"context"
	"errors"
	"sync"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
)

// ErrAborted is returned by an adapter when the user cancels (ctrl+c).
var ErrAborted = errors.New("aborted by user")

// Adapter renders a machine until its flow finishes.
type Adapter interface {
	// Run subscribes to m, then calls start to launch the flow. It blocks
	// until the returned channel is closed, ctx ends, or the user aborts.
	// It must be called on the main goroutine.
	Run(ctx context.Context, m *orchestration.Machine, start func() <-chan struct{}) error
}

// Prompter answers one input request.
type Prompter interface {
	Ask(ctx context.Context, p orchestration.PendingInput) (string, error)
}

// DefaultPrompter answers every request with its default.
type DefaultPrompter struct{}

// Ask implements Prompter.
func (DefaultPrompter) Ask(_ context.Context, p orchestration.PendingInput) (string, error) {
	return p.Meta.Default, nil
}

// =============================================================================
// Prompt Queue
// =============================================================================

// promptQueue moves new input requests out of a listener.
//
// # Thread Safety
//
// offer is called from listeners; the channel is read by the adapter.
type promptQueue struct {
	mu        sync.Mutex
	lastToken string
	ch        chan orchestration.PendingInput
}

func newPromptQueue() *promptQueue {
	return &promptQueue{ch: make(chan orchestration.PendingInput, 4)}
}

// offer enqueues snap's request the first time its token is seen. It never
// blocks; a request dropped because the queue is full has been superseded
// by newer ones.
func (q *promptQueue) offer(snap orchestration.Snapshot) {
	if snap.Pending == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if snap.Pending.Token == q.lastToken {
		return
	}
	q.lastToken = snap.Pending.Token
	select {
	case q.ch <- *snap.Pending:
	default:
	}
}

// current reports whether p is still the machine's outstanding request.
func current(m *orchestration.Machine, p orchestration.PendingInput) bool {
	snap := m.Snapshot()
	return snap.Pending != nil && snap.Pending.Token == p.Token
}
