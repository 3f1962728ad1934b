// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"strings"
)

// CommandError describes an external command that failed.
//
// # Description
//
// Carries the command line, exit code and trimmed stderr so the message
// shown to the user explains what docker or lsof actually complained about.
// Use errors.As to recover it from a wrapped chain.
//
// # Example
//
//	var cmdErr *process.CommandError
//	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
//	    // lsof found no listeners
//	}
type CommandError struct {
	// Command is the command line as run, e.g. "docker compose down".
	Command string

	// ExitCode is the process exit status, or -1 if it never ran.
	ExitCode int

	// Stderr is the trimmed standard error output.
	Stderr string

	// Wrapped is the underlying exec error.
	Wrapped error
}

// Error formats the command, exit code and the most useful detail.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, lastLine(e.Stderr))
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError builds a CommandError from its parts.
func NewCommandError(command string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  command,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr returns the stderr of the first CommandError in err's chain.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}

// lastLine keeps multi-line compose output readable in a single status
// line; docker prints the actual failure last.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
