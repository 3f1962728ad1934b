// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestration

import "errors"

// ErrInputPending is returned by WaitForInput when a previous request has
// not been answered yet.
var ErrInputPending = errors.New("an input request is already pending")

// =============================================================================
// Steps
// =============================================================================

// Step names the current phase of a flow.
type Step string

const (
	StepIdle          Step = "Idle"
	StepChecking      Step = "Checking"
	StepResults       Step = "Results"
	StepStopping      Step = "Stopping"
	StepStopped       Step = "Stopped"
	StepStarting      Step = "Starting"
	StepWaiting       Step = "Waiting"
	StepRunning       Step = "Running"
	StepPrerequisites Step = "Prerequisites"
	StepRepository    Step = "Repository"
	StepSetupMode     Step = "SetupMode"
	StepEnvironment   Step = "Environment"
	StepComplete      Step = "Complete"
)

// StopMode records how services were stopped.
type StopMode string

const (
	// StopModeSafe stops only what stackctl manages.
	StopModeSafe StopMode = "safe"

	// StopModeForcePorts additionally terminates any process listening on
	// a managed port.
	StopModeForcePorts StopMode = "force-ports"
)

// =============================================================================
// Input Requests
// =============================================================================

// InputMeta describes a question put to the user.
type InputMeta struct {
	// Message is the prompt text.
	Message string

	// Choices lists the accepted answers. Empty means free text.
	Choices []string

	// Default is submitted by non-interactive adapters.
	Default string
}

// PendingInput is the request the machine is suspended on.
type PendingInput struct {
	// RequestID names the question ("status-action", "exit"). Flows only
	// look at the answer; adapters may use the ID to pick a widget.
	RequestID string

	// Token is unique per request so adapters can tell two consecutive
	// requests with the same RequestID apart.
	Token string

	Meta InputMeta
}

func (p *PendingInput) clone() *PendingInput {
	if p == nil {
		return nil
	}
	c := *p
	c.Meta.Choices = append([]string(nil), p.Meta.Choices...)
	return &c
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a consistent copy of the machine's state. Listeners and
// Snapshot callers own their copy; mutating it does not affect the machine.
type Snapshot struct {
	Step    Step
	Status  string
	Err     error
	Data    Data
	Pending *PendingInput

	// Version increases by one with every notification.
	Version uint64
}

// Waiting reports whether the machine is suspended on requestID.
func (s Snapshot) Waiting(requestID string) bool {
	return s.Pending != nil && s.Pending.RequestID == requestID
}
