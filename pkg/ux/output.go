// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal styling shared by the stackctl renderers.
//
// The palette and icons are used by both the full-screen terminal UI and the
// plain line renderer. Printer writes styled lines honoring a
// PersonalityLevel so the same call sites work for humans and scripts.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// =============================================================================
// Palette
// =============================================================================

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6C8A94")
)

// Styles holds the lipgloss styles used across renderers.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Selected  lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorMuted),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Selected: lipgloss.NewStyle().
		Foreground(lipgloss.Color("#0F1923")).
		Background(ColorTealPrimary).
		Padding(0, 1),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a single-glyph status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconUnknown Icon = "?"
	IconArrow   Icon = "→"
)

// Render returns the icon colored for its meaning.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending, IconUnknown:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes personality-aware lines.
//
// # Description
//
// Machine personality drops styling and prefixes lines with OK/WARN/ERROR
// so output stays grep-able. Warnings and errors go to the error writer in
// machine mode only, matching what scripts expect.
//
// # Thread Safety
//
// Printer is not safe for concurrent use; the plain renderer calls it from
// a single listener goroutine.
type Printer struct {
	out   io.Writer
	err   io.Writer
	level PersonalityLevel
}

// NewPrinter creates a Printer.
func NewPrinter(out, errOut io.Writer, level PersonalityLevel) *Printer {
	if errOut == nil {
		errOut = out
	}
	return &Printer{out: out, err: errOut, level: level}
}

// Level returns the printer's personality.
func (p *Printer) Level() PersonalityLevel {
	return p.level
}

// Title prints a heading. Suppressed in machine mode.
func (p *Printer) Title(text string) {
	if p.level == PersonalityMachine {
		return
	}
	fmt.Fprintln(p.out, p.style(Styles.Title, text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.line(p.out, "OK", IconSuccess, Styles.Success, text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	w := p.out
	if p.level == PersonalityMachine {
		w = p.err
	}
	p.line(w, "WARN", IconWarning, Styles.Warning, text)
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	w := p.out
	if p.level == PersonalityMachine {
		w = p.err
	}
	p.line(w, "ERROR", IconError, Styles.Error, text)
}

// Info prints a neutral progress line.
func (p *Printer) Info(text string) {
	if p.level == PersonalityMachine {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", p.style(Styles.Muted, "│"), text)
}

// Muted prints de-emphasised text. Suppressed in machine mode.
func (p *Printer) Muted(text string) {
	if p.level == PersonalityMachine {
		return
	}
	fmt.Fprintln(p.out, p.style(Styles.Muted, text))
}

// Table prints rows as left-aligned columns.
//
// # Description
//
// Column widths are measured in terminal cells with go-runewidth so icons
// and wide characters do not skew alignment. The first cell of each row is
// printed as-is; callers pass pre-rendered icons there.
//
// # Inputs
//
//   - rows: Cells per row; rows may have different lengths
func (p *Printer) Table(rows [][]string) {
	fmt.Fprint(p.out, FormatTable(rows))
}

func (p *Printer) line(w io.Writer, prefix string, icon Icon, style lipgloss.Style, text string) {
	switch p.level {
	case PersonalityMachine:
		fmt.Fprintf(w, "%s: %s\n", prefix, text)
	case PersonalityMinimal:
		fmt.Fprintf(w, "%s %s\n", icon, text)
	default:
		fmt.Fprintf(w, "%s %s\n", icon.Render(), style.Render(text))
	}
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.level != PersonalityFull {
		return text
	}
	return s.Render(text)
}

// =============================================================================
// Width Helpers
// =============================================================================

// ColumnWidths returns the widest cell per column, in terminal cells.
// Styled cells are measured without their escape sequences.
func ColumnWidths(rows [][]string) []int {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

// FormatTable renders rows as aligned columns, two spaces apart and
// indented by two. The last cell of each row is not padded.
func FormatTable(rows [][]string) string {
	widths := ColumnWidths(rows)
	var b strings.Builder
	for _, row := range rows {
		var line strings.Builder
		line.WriteString("  ")
		for i, cell := range row {
			if i > 0 {
				line.WriteString("  ")
			}
			if i == len(row)-1 {
				line.WriteString(cell)
				continue
			}
			line.WriteString(PadRight(cell, widths[i]))
		}
		b.WriteString(strings.TrimRight(line.String(), " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// PadRight pads s with spaces to width terminal cells.
func PadRight(s string, width int) string {
	w := lipgloss.Width(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}

// Truncate shortens s to at most width cells, adding an ellipsis.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}
