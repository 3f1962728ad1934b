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
	"errors"
	"io"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/flows"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
)

// HuhPrompter asks with huh forms on a terminal.
//
// Requests with choices become a select; free-text requests become an
// input prefilled with the default. The exit acknowledgement is answered
// without asking, since plain output stays on screen anyway.
type HuhPrompter struct {
	// Input and Output default to the terminal.
	Input  io.Reader
	Output io.Writer
}

// Ask implements Prompter.
func (h HuhPrompter) Ask(ctx context.Context, p orchestration.PendingInput) (string, error) {
	if p.RequestID == flows.RequestExit {
		return p.Meta.Default, nil
	}

	value := p.Meta.Default
	var field huh.Field
	if len(p.Meta.Choices) > 0 {
		field = huh.NewSelect[string]().
			Title(p.Meta.Message).
			Options(huh.NewOptions(p.Meta.Choices...)...).
			Value(&value)
	} else {
		field = huh.NewInput().
			Title(p.Meta.Message).
			Placeholder(p.Meta.Default).
			Value(&value)
	}

	if err := h.run(ctx, huh.NewForm(huh.NewGroup(field))); err != nil {
		return "", err
	}
	if value == "" {
		value = p.Meta.Default
	}
	return value, nil
}

func (h HuhPrompter) run(ctx context.Context, form *huh.Form) error {
	form = form.WithShowHelp(false)
	if h.Input != nil {
		form = form.WithInput(h.Input)
	}
	if h.Output != nil {
		form = form.WithOutput(h.Output)
	}
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return ErrAborted
		}
		return err
	}
	return nil
}

// Confirm asks a yes/no question, defaulting to no.
//
// # Outputs
//
//   - bool: True when the user chose yes
//   - error: ErrAborted on ctrl+c, or a terminal error
func (h HuhPrompter) Confirm(ctx context.Context, title, description string) (bool, error) {
	var ok bool
	confirm := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok)
	if err := h.run(ctx, huh.NewForm(huh.NewGroup(confirm))); err != nil {
		return false, err
	}
	return ok, nil
}
