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
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityEnvVar overrides the detected output personality.
const PersonalityEnvVar = "STACKCTL_PERSONALITY"

// PersonalityLevel controls how much styling output carries.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, boxes and the spinner.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal keeps icons but drops colors and boxes.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine prints plain prefixed lines for scripts and CI logs.
	PersonalityMachine PersonalityLevel = "machine"
)

// ParsePersonalityLevel maps a user string to a level, defaulting to full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q", "plain":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// DetectPersonality picks a level for the given output file.
//
// # Description
//
// The environment variable wins. Otherwise a terminal gets the full
// personality and anything else (pipes, files, CI) gets machine output.
//
// # Inputs
//
//   - out: The file output will be written to (usually os.Stdout)
//
// # Outputs
//
//   - PersonalityLevel: Selected level
func DetectPersonality(out *os.File) PersonalityLevel {
	if env := os.Getenv(PersonalityEnvVar); env != "" {
		return ParsePersonalityLevel(env)
	}
	if IsTerminal(out) {
		return PersonalityFull
	}
	return PersonalityMachine
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
