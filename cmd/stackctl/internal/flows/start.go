// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flows

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/lifecycle"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
)

// Start runs the start flow.
//
// # Description
//
// Starting -> Waiting -> Running, then waits on "exit".
//
//  1. Resolve the repository (required) and port overrides.
//  2. Check the container runtime; unavailable is an environment error.
//  3. Start the service set through the lifecycle controller.
//  4. Probe with backoff until every service is up. Each round updates
//     "services" and the status line, so a timeout still leaves the last
//     round visible next to the error.
func (r *Runner) Start(ctx context.Context, m *orchestration.Machine, params StartParams) {
	ctx, span := r.tracer.Start(ctx, "flow.start")
	span.SetAttributes(attribute.Bool("build", params.Build))
	defer span.End()

	m.Transition(orchestration.StepStarting, "Locating repository...")
	root, overrides, err := r.requireRepo(m)
	if err != nil {
		r.fail(ctx, m, span, err)
		return
	}

	m.SetStatus("Checking container runtime...")
	docker := r.deps.Prober.DockerStatus(ctx)
	m.UpdateData(orchestration.DockerField.Set(docker))
	if !docker.Available {
		r.fail(ctx, m, span, fmt.Errorf("%w: %s", ErrRuntimeUnavailable, docker.Detail))
		return
	}

	err = r.deps.Lifecycle.StartServices(ctx, root, m.SetStatus, overrides, lifecycle.StartOptions{
		Build: params.Build,
	})
	if err != nil {
		r.fail(ctx, m, span, fmt.Errorf("failed to start services: %w", err))
		return
	}

	m.Transition(orchestration.StepWaiting, "Waiting for services to become ready...")
	wait := r.opts.Wait
	wait.OnRound = func(round []health.ServiceHealth) {
		m.UpdateData(orchestration.ServicesField.Set(round))
		m.SetStatus("Waiting: " + health.Summary(round))
	}

	result, err := r.deps.Prober.WaitForServices(ctx, overrides, wait)
	if result != nil {
		summary := health.Summary(result.Services)
		m.UpdateData(orchestration.ServicesField.Set(result.Services))
		m.UpdateData(orchestration.ReadyField.Set(result.Ready))
		m.UpdateData(orchestration.SummaryField.Set(summary))
		span.SetAttributes(attribute.Int("wait.rounds", result.Rounds))
	}
	if err != nil {
		r.fail(ctx, m, span, fmt.Errorf("services did not become ready: %w", err))
		return
	}

	snap := m.Snapshot()
	m.Transition(orchestration.StepRunning, snap.Data.Summary)
	r.logger.Info("services running", "repo", root, "summary", snap.Data.Summary)

	r.awaitExit(ctx, m, span)
}
