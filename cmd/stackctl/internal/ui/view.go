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
	"fmt"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/pkg/ux"
)

// detailWidth caps the detail column so long errors do not wrap.
const detailWidth = 48

// =============================================================================
// Row Builders
// =============================================================================

// serviceRows returns one table row per service: icon, label, port,
// latency, detail. styled selects rendered icons.
func serviceRows(services []health.ServiceHealth, styled bool) [][]string {
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		rows = append(rows, []string{
			icon(statusIcon(s.Status), styled),
			s.Label,
			fmt.Sprintf(":%d", s.Port),
			formatLatency(s),
			runewidth.Truncate(s.Detail, detailWidth, "…"),
		})
	}
	return rows
}

func prerequisiteRows(prereqs []orchestration.Prerequisite, styled bool) [][]string {
	rows := make([][]string, 0, len(prereqs))
	for _, p := range prereqs {
		i := ux.IconSuccess
		switch {
		case !p.Found && p.Required:
			i = ux.IconError
		case !p.Found || p.Detail != "":
			i = ux.IconWarning
		}
		rows = append(rows, []string{icon(i, styled), p.Name, p.Version, runewidth.Truncate(p.Detail, detailWidth, "…")})
	}
	return rows
}

func envFileRows(results []envfile.Result, styled bool) [][]string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		if r.Written {
			rows = append(rows, []string{icon(ux.IconSuccess, styled), r.Target, fmt.Sprintf("%d keys, %d set by mode", r.Keys, len(r.Applied))})
			continue
		}
		rows = append(rows, []string{icon(ux.IconPending, styled), r.Target, "kept existing file"})
	}
	return rows
}

// dockerLine summarises the container runtime.
func dockerLine(d health.DockerStatus) string {
	if !d.Available {
		if d.Detail == "" {
			return "Docker: unavailable"
		}
		return "Docker: unavailable (" + d.Detail + ")"
	}
	return fmt.Sprintf("Docker %s: %d container(s) running", d.Version, d.Running)
}

// =============================================================================
// Helpers
// =============================================================================

func statusIcon(s health.Status) ux.Icon {
	switch s {
	case health.StatusUp:
		return ux.IconSuccess
	case health.StatusDown:
		return ux.IconError
	default:
		return ux.IconUnknown
	}
}

func icon(i ux.Icon, styled bool) string {
	if styled {
		return i.Render()
	}
	return string(i)
}

func formatLatency(s health.ServiceHealth) string {
	if s.Latency <= 0 {
		return ""
	}
	if s.Latency < time.Millisecond {
		return "<1ms"
	}
	return s.Latency.Round(time.Millisecond).String()
}

// title names the flow a step belongs to.
func title(step orchestration.Step) string {
	switch step {
	case orchestration.StepChecking, orchestration.StepResults:
		return "Service status"
	case orchestration.StepStopping, orchestration.StepStopped:
		return "Stopping services"
	case orchestration.StepStarting, orchestration.StepWaiting, orchestration.StepRunning:
		return "Starting services"
	case orchestration.StepPrerequisites:
		return "Checking prerequisites"
	case orchestration.StepRepository:
		return "Locating repository"
	case orchestration.StepSetupMode, orchestration.StepEnvironment:
		return "Configuring environment"
	case orchestration.StepComplete:
		return "Setup"
	default:
		return string(step)
	}
}
