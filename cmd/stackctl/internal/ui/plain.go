// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ui

import (
	"context"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/flows"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/pkg/logging"
	"github.com/AleutianAI/stackctl/pkg/ux"
)

// PlainOptions configure the plain adapter.
type PlainOptions struct {
	// Printer receives every line. Required.
	Printer *ux.Printer

	// Prompter answers input requests. Default: DefaultPrompter.
	Prompter Prompter

	// Watch leaves the status-action request to a Watcher; the flow then
	// ends only when ctx is cancelled.
	Watch bool

	Logger *logging.Logger
}

// Plain prints each step and status change as a line.
//
// # Description
//
// Tables are printed when a flow reaches a result step: services after a
// status round or a successful start, prerequisites after init's check,
// env files as setup writes them. Errors are printed once, when first
// recorded.
type Plain struct {
	opts PlainOptions
}

// NewPlain creates a Plain adapter.
func NewPlain(opts PlainOptions) *Plain {
	if opts.Prompter == nil {
		opts.Prompter = DefaultPrompter{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Plain{opts: opts}
}

// Run implements Adapter.
func (a *Plain) Run(ctx context.Context, m *orchestration.Machine, start func() <-chan struct{}) error {
	r := &plainRenderer{p: a.opts.Printer, styled: a.opts.Printer.Level() == ux.PersonalityFull}
	q := newPromptQueue()
	unsubscribe := m.Subscribe(func(s orchestration.Snapshot) {
		r.render(s)
		q.offer(s)
	})
	defer unsubscribe()

	done := start()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case p := <-q.ch:
			if !current(m, p) {
				continue
			}
			if a.opts.Watch && p.RequestID == flows.RequestStatusAction {
				a.opts.Logger.Debug("status action left to watcher")
				continue
			}
			answer, err := a.opts.Prompter.Ask(ctx, p)
			if err != nil {
				return err
			}
			if !m.SubmitFor(p.RequestID, answer) {
				a.opts.Logger.Debug("answer not accepted", "request", p.RequestID)
			}
		}
	}
}

// =============================================================================
// Renderer
// =============================================================================

// plainRenderer turns consecutive snapshots into lines. It is only called
// from the machine's listener, which is serialized.
type plainRenderer struct {
	p      *ux.Printer
	styled bool

	prev       orchestration.Snapshot
	envPrinted int
}

func (r *plainRenderer) render(s orchestration.Snapshot) {
	prev := r.prev
	r.prev = s
	stepChanged := s.Step != prev.Step

	if stepChanged && title(s.Step) != title(prev.Step) {
		r.p.Title(title(s.Step))
	}

	if !prev.Data.Has(orchestration.KeyPrerequisites) && s.Data.Has(orchestration.KeyPrerequisites) {
		r.p.Table(prerequisiteRows(s.Data.Prerequisites, r.styled))
	}
	if n := len(s.Data.EnvFiles); n > r.envPrinted {
		r.p.Table(envFileRows(s.Data.EnvFiles[r.envPrinted:], r.styled))
		r.envPrinted = n
	}

	if s.Err != nil {
		if prev.Err == nil {
			if s.Step == orchestration.StepWaiting && len(s.Data.Services) > 0 {
				r.p.Table(serviceRows(s.Data.Services, r.styled))
			}
			r.p.Error(s.Err.Error())
		}
		return
	}

	if stepChanged {
		switch s.Step {
		case orchestration.StepResults, orchestration.StepRunning:
			r.p.Table(serviceRows(s.Data.Services, r.styled))
			if s.Data.Has(orchestration.KeyDocker) {
				r.p.Muted(dockerLine(s.Data.Docker))
			}
			r.p.Success(s.Status)
			return
		case orchestration.StepStopped, orchestration.StepComplete:
			r.p.Success(s.Status)
			return
		}
	}
	if s.Status != prev.Status && s.Status != "" {
		r.p.Info(s.Status)
	}
}
