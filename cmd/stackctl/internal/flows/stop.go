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

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/lifecycle"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
)

// Stop runs the stop flow.
//
// # Description
//
// Stopping -> Stopped, then waits on "exit". The repository must be found
// first; without it the flow fails and the lifecycle controller is never
// called. Controller progress messages become the machine's status.
func (r *Runner) Stop(ctx context.Context, m *orchestration.Machine, params StopParams) {
	ctx, span := r.tracer.Start(ctx, "flow.stop")
	span.SetAttributes(attribute.Bool("force_ports", params.ForcePorts))
	defer span.End()

	m.Transition(orchestration.StepStopping, "Locating repository...")
	root, overrides, err := r.requireRepo(m)
	if err != nil {
		r.fail(ctx, m, span, err)
		return
	}

	mode := orchestration.StopModeSafe
	if params.ForcePorts {
		mode = orchestration.StopModeForcePorts
	}

	m.SetStatus("Stopping services...")
	err = r.deps.Lifecycle.StopServices(ctx, root, m.SetStatus, overrides, lifecycle.StopOptions{
		ForcePorts: params.ForcePorts,
	})
	if err != nil {
		r.fail(ctx, m, span, fmt.Errorf("failed to stop services: %w", err))
		return
	}

	m.UpdateData(orchestration.StopModeField.Set(mode))
	m.Transition(orchestration.StepStopped, fmt.Sprintf("All services stopped (%s mode)", mode))
	r.logger.Info("services stopped", "repo", root, "mode", mode)

	r.awaitExit(ctx, m, span)
}
