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
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/flows"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/pkg/ux"
)

// =============================================================================
// Adapter
// =============================================================================

// TUI renders the machine as a bubbletea program.
//
// # Description
//
// The machine listener only records the latest snapshot and signals a
// forwarder goroutine, which hands it to the program with Send. Answers are
// submitted from tea.Cmd goroutines, never from the listener.
//
// The program does not use the alternate screen, so the final view stays
// in the scrollback after exit.
type TUI struct {
	in  io.Reader
	out io.Writer
}

// NewTUI creates a TUI adapter. Nil in and out use the terminal.
func NewTUI(in io.Reader, out io.Writer) *TUI {
	return &TUI{in: in, out: out}
}

// Run implements Adapter.
func (t *TUI) Run(ctx context.Context, m *orchestration.Machine, start func() <-chan struct{}) error {
	var (
		mu     sync.Mutex
		latest orchestration.Snapshot
		signal = make(chan struct{}, 1)
	)
	unsubscribe := m.Subscribe(func(s orchestration.Snapshot) {
		mu.Lock()
		latest = s
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if t.in != nil {
		opts = append(opts, tea.WithInput(t.in))
	}
	if t.out != nil {
		opts = append(opts, tea.WithOutput(t.out))
	}
	prog := tea.NewProgram(newModel(m.Snapshot(), m.SubmitFor), opts...)

	done := start()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-signal:
				mu.Lock()
				s := latest
				mu.Unlock()
				prog.Send(snapshotMsg(s))
			case <-done:
				prog.Send(snapshotMsg(m.Snapshot()))
				prog.Send(flowDoneMsg{})
				return
			case <-stop:
				return
			}
		}
	}()

	final, err := prog.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("terminal UI: %w", err)
	}
	if fm, ok := final.(model); ok && fm.aborted {
		return ErrAborted
	}
	return nil
}

// =============================================================================
// Model
// =============================================================================

type (
	snapshotMsg orchestration.Snapshot
	flowDoneMsg struct{}
	answeredMsg struct{ accepted bool }
)

// model is the bubbletea model for every flow.
type model struct {
	snap   orchestration.Snapshot
	submit func(requestID, value string) bool

	spinner spinner.Model
	input   textinput.Model

	// token is the request the widgets were prepared for; answered is the
	// last token an answer was sent for.
	token    string
	answered string
	choice   int

	done    bool
	aborted bool
}

func newModel(initial orchestration.Snapshot, submit func(requestID, value string) bool) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ux.ColorTealBright)

	ti := textinput.New()
	ti.CharLimit = 4096
	ti.Width = 60

	m := model{snap: initial, submit: submit, spinner: sp, input: ti}
	m.prepare()
	return m
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = orchestration.Snapshot(msg)
		m.prepare()
		return m, nil

	case flowDoneMsg:
		m.done = true
		return m, tea.Quit

	case answeredMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.aborted = true
			return m, tea.Quit
		}
		return m.handleKey(msg)
	}
	return m, nil
}

// prepare resets the prompt widgets when a new request appears.
func (m *model) prepare() {
	p := m.snap.Pending
	if p == nil || p.Token == m.token {
		return
	}
	m.token = p.Token
	m.choice = max(slices.Index(p.Meta.Choices, p.Meta.Default), 0)
	if len(p.Meta.Choices) == 0 && p.RequestID != flows.RequestExit {
		m.input.SetValue(p.Meta.Default)
		m.input.CursorEnd()
		m.input.Focus()
	} else {
		m.input.Blur()
	}
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := m.snap.Pending
	if p == nil || m.answered == p.Token {
		return m, nil
	}

	switch {
	case p.RequestID == flows.RequestExit:
		switch msg.String() {
		case "enter", "q", "esc":
			return m.answer(p.RequestID, p.Meta.Default)
		}
		return m, nil

	case len(p.Meta.Choices) > 0:
		n := len(p.Meta.Choices)
		switch msg.String() {
		case "left", "h", "shift+tab", "up", "k":
			m.choice = (m.choice + n - 1) % n
		case "right", "l", "tab", "down", "j":
			m.choice = (m.choice + 1) % n
		case "enter":
			return m.answer(p.RequestID, p.Meta.Choices[m.choice])
		case "r":
			if slices.Contains(p.Meta.Choices, flows.ActionRefresh) {
				return m.answer(p.RequestID, flows.ActionRefresh)
			}
		case "q", "esc":
			if slices.Contains(p.Meta.Choices, flows.ActionExit) {
				return m.answer(p.RequestID, flows.ActionExit)
			}
		}
		return m, nil

	default:
		if msg.Type == tea.KeyEnter {
			value := strings.TrimSpace(m.input.Value())
			if value == "" {
				value = p.Meta.Default
			}
			return m.answer(p.RequestID, value)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
}

func (m model) answer(requestID, value string) (tea.Model, tea.Cmd) {
	m.answered = m.token
	submit := m.submit
	return m, func() tea.Msg {
		return answeredMsg{accepted: submit(requestID, value)}
	}
}

// =============================================================================
// View
// =============================================================================

// View implements tea.Model.
func (m model) View() string {
	var b strings.Builder
	s := m.snap

	b.WriteString(ux.Styles.Title.Render("stackctl · "+title(s.Step)) + "\n\n")

	switch {
	case s.Err != nil:
		b.WriteString(ux.IconError.Render() + " " + s.Status + "\n")
	case m.done || s.Pending != nil:
		b.WriteString(ux.IconSuccess.Render() + " " + s.Status + "\n")
	default:
		b.WriteString(m.spinner.View() + " " + s.Status + "\n")
	}

	if s.Data.Has(orchestration.KeyPrerequisites) {
		b.WriteString("\n" + ux.FormatTable(prerequisiteRows(s.Data.Prerequisites, true)))
	}
	if len(s.Data.Services) > 0 {
		b.WriteString("\n" + ux.FormatTable(serviceRows(s.Data.Services, true)))
	}
	if s.Data.Has(orchestration.KeyDocker) {
		b.WriteString(ux.Styles.Muted.Render("  "+dockerLine(s.Data.Docker)) + "\n")
	}
	if len(s.Data.EnvFiles) > 0 {
		b.WriteString("\n" + ux.FormatTable(envFileRows(s.Data.EnvFiles, true)))
	}
	if s.Err != nil {
		b.WriteString("\n" + ux.Styles.ErrorBox.Render(s.Err.Error()) + "\n")
	}

	if p := s.Pending; p != nil && !m.done && m.answered != p.Token {
		b.WriteString("\n" + m.promptView(*p) + "\n")
	}
	return b.String()
}

func (m model) promptView(p orchestration.PendingInput) string {
	help := ux.Styles.Muted.Render
	switch {
	case p.RequestID == flows.RequestExit:
		return help("enter/q to exit")

	case len(p.Meta.Choices) > 0:
		parts := make([]string, len(p.Meta.Choices))
		for i, c := range p.Meta.Choices {
			if i == m.choice {
				parts[i] = ux.Styles.Selected.Render(c)
			} else {
				parts[i] = " " + c + " "
			}
		}
		return ux.Styles.Bold.Render(p.Meta.Message) + "\n" +
			strings.Join(parts, " ") + "\n" +
			help("←/→ select · enter confirm · ctrl+c abort")

	default:
		return ux.Styles.Bold.Render(p.Meta.Message) + "\n" +
			m.input.View() + "\n" +
			help("enter confirm · ctrl+c abort")
	}
}
