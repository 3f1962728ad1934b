// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"
)

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_MachineMode(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, PersonalityMachine)

	p.Title("Status")
	p.Success("3/7 services running")
	p.Warning("docker slow")
	p.Error("repository not found")
	p.Muted("hint")
	p.Info("Checking services...")

	if got := out.String(); got != "OK: 3/7 services running\nChecking services...\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := errOut.String(); got != "WARN: docker slow\nERROR: repository not found\n" {
		t.Errorf("stderr = %q", got)
	}
}

func TestPrinter_MinimalModeUsesIcons(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, PersonalityMinimal)

	p.Success("done")
	p.Error("failed")

	want := "✓ done\n✗ failed\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestPrinter_TableAlignsColumns(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, PersonalityMachine)

	p.Table([][]string{
		{"up", "api", "8000", "12ms"},
		{"down", "postgres", "5432", "connection refused"},
	})

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), out.String())
	}
	if strings.Index(lines[0], "8000") != strings.Index(lines[1], "5432") {
		t.Errorf("port column misaligned:\n%s\n%s", lines[0], lines[1])
	}
}

// =============================================================================
// Width Helper Tests
// =============================================================================

func TestColumnWidths_WideRunes(t *testing.T) {
	widths := ColumnWidths([][]string{{"日本", "a"}, {"abc", "bcd"}})
	if widths[0] != 4 || widths[1] != 3 {
		t.Errorf("ColumnWidths() = %v, want [4 3]", widths)
	}
}

func TestPadRight(t *testing.T) {
	if got := PadRight("ab", 4); got != "ab  " {
		t.Errorf("PadRight() = %q", got)
	}
	if got := PadRight("abcdef", 4); got != "abcdef" {
		t.Errorf("PadRight() should not cut, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("connection refused", 10); got != "connectio…" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("x", 0); got != "" {
		t.Errorf("Truncate() = %q", got)
	}
}

// =============================================================================
// Personality Tests
// =============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	tests := map[string]PersonalityLevel{
		"full":    PersonalityFull,
		"MINIMAL": PersonalityMinimal,
		"q":       PersonalityMachine,
		"plain":   PersonalityMachine,
		"bogus":   PersonalityFull,
	}
	for in, want := range tests {
		if got := ParsePersonalityLevel(in); got != want {
			t.Errorf("ParsePersonalityLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDetectPersonality_EnvOverride(t *testing.T) {
	t.Setenv(PersonalityEnvVar, "minimal")
	if got := DetectPersonality(nil); got != PersonalityMinimal {
		t.Errorf("DetectPersonality() = %v", got)
	}
}

func TestDetectPersonality_NonTerminal(t *testing.T) {
	t.Setenv(PersonalityEnvVar, "")
	if got := DetectPersonality(nil); got != PersonalityMachine {
		t.Errorf("DetectPersonality(nil) = %v, want machine", got)
	}
}
