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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// Status runs the status flow.
//
// # Description
//
// Checking -> Results, then waits on "status-action". "refresh" runs
// another round; any other answer ends the flow without probing again.
//
// The repository is optional: when found, its port overrides target the
// probes, otherwise defaults are used. An unavailable docker daemon is
// shown in data and is not an error here.
//
// The summary "K/N services running" is computed once per round, when
// both the service probes and the docker query have returned.
func (r *Runner) Status(ctx context.Context, m *orchestration.Machine) {
	ctx, span := r.tracer.Start(ctx, "flow.status")
	defer span.End()

	overrides := stack.PortOverrides{}
	if root, ok := r.deps.Locator.FindRepoRoot(); ok {
		m.UpdateData(orchestration.RepoPathField.Set(root))
		overrides = r.resolvePorts(m, root)
	}

	for number := 1; ; number++ {
		if err := r.statusRound(ctx, m, overrides, number); err != nil {
			r.fail(ctx, m, span, err)
			return
		}

		answer, err := m.WaitForInput(ctx, RequestStatusAction, orchestration.InputMeta{
			Message: "Refresh or exit?",
			Choices: []string{ActionRefresh, ActionExit},
			Default: ActionExit,
		})
		if err != nil {
			r.fail(ctx, m, span, err)
			return
		}
		if answer != ActionRefresh {
			return
		}
	}
}

func (r *Runner) statusRound(ctx context.Context, m *orchestration.Machine, overrides stack.PortOverrides, number int) error {
	round := orchestration.Round{Number: number, ID: uuid.NewString()}
	ctx, span := r.tracer.Start(ctx, "status.round")
	span.SetAttributes(attribute.Int("round.number", number), attribute.String("round.id", round.ID))
	defer span.End()

	m.Transition(orchestration.StepChecking, "Checking services...")

	var services []health.ServiceHealth
	var docker health.DockerStatus
	g, gctx := errgroup.WithContext(ctx)
	// Probes report failures in their results; only cancellation fails
	// the join, and a cancelled round publishes nothing.
	g.Go(func() error {
		services = r.deps.Prober.CheckAllServices(gctx, overrides)
		return gctx.Err()
	})
	g.Go(func() error {
		docker = r.deps.Prober.DockerStatus(gctx)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("status round %d: %w", number, err)
	}

	round.CheckedAt = time.Now()
	summary := health.Summary(services)
	span.SetAttributes(attribute.Int("services.up", health.CountUp(services)), attribute.Int("services.total", len(services)))
	r.logger.Debug("status round", "round", number, "summary", summary, "docker", docker.Available)

	m.UpdateData(orchestration.ServicesField.Set(services))
	m.UpdateData(orchestration.DockerField.Set(docker))
	m.UpdateData(orchestration.RoundField.Set(round))
	m.UpdateData(orchestration.SummaryField.Set(summary))
	m.Transition(orchestration.StepResults, summary)
	return nil
}
