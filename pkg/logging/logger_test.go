// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_toSlogLevel(t *testing.T) {
	if got := Level(42).toSlogLevel(); got != slog.LevelInfo {
		t.Errorf("unknown level should map to Info, got %v", got)
	}
	if got := LevelWarn.toSlogLevel(); got != slog.LevelWarn {
		t.Errorf("LevelWarn.toSlogLevel() = %v", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_StderrText(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "stackctl", Stderr: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("flow transition", "step", "Checking")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered at info level: %q", out)
	}
	if !strings.Contains(out, "flow transition") || !strings.Contains(out, "step=Checking") {
		t.Errorf("missing record in output: %q", out)
	}
	if !strings.Contains(out, "service=stackctl") {
		t.Errorf("missing service attribute: %q", out)
	}
}

func TestNew_QuietWritesNothingToStderr(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Stderr: &buf})
	defer logger.Close()

	logger.Error("boom")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote to stderr: %q", buf.String())
	}
}

func TestNew_FileSinkIsJSON(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelDebug, LogDir: dir, Service: "probe", Quiet: true})

	logger.Info("round complete", "up", 3, "total", 7)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "probe_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &record); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, data)
	}
	if record["msg"] != "round complete" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["service"] != "probe" {
		t.Errorf("service = %v", record["service"])
	}
}

func TestNew_UnwritableLogDirFallsBack(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Stderr: &buf})
	defer logger.Close()

	logger.Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Errorf("stderr sink should remain active, got %q", buf.String())
	}
}

func TestLogger_WithAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Stderr: &buf})
	child := logger.With("flow", "stop")

	child.Warn("port busy", "port", 8000)

	out := buf.String()
	if !strings.Contains(out, "flow=stop") || !strings.Contains(out, "port=8000") {
		t.Errorf("child attributes missing: %q", out)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestBufferedExporter_ReceivesEntriesAtLevel(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Service: "stackctl", Exporter: exporter})

	logger.Debug("dropped")
	logger.Info("services stopped", "mode", "safe")
	logger.Error("compose failed")

	entries := exporter.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(entries), exporter.Messages())
	}
	if entries[0].Attrs["mode"] != "safe" {
		t.Errorf("attrs = %v", entries[0].Attrs)
	}
	if entries[1].Level != LevelError {
		t.Errorf("level = %v", entries[1].Level)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/.stackctl/logs"); got != filepath.Join(home, ".stackctl/logs") {
		t.Errorf("ExpandPath() = %q", got)
	}
	if got := ExpandPath("/var/log"); got != "/var/log" {
		t.Errorf("ExpandPath() = %q", got)
	}
	if got := ExpandPath("~user/x"); got != "~user/x" {
		t.Errorf("ExpandPath() should leave ~user alone, got %q", got)
	}
}
