// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/flows"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/compose"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// errForcePortsConsent is returned when --force-ports needs confirmation
// but there is no terminal to ask on.
var errForcePortsConsent = errors.New("--force-ports terminates processes stackctl did not start; pass --yes to confirm")

func (a *app) status(ctx context.Context, opts statusOptions) error {
	err := a.run(ctx, "status", runOptions{watch: opts.watch}, a.runner.Status)
	if opts.metricsFile != "" {
		if werr := a.metrics.WriteTextfile(opts.metricsFile); werr != nil {
			a.printer.Warning(fmt.Sprintf("Could not write metrics: %v", werr))
		}
	}
	return err
}

func (a *app) start(ctx context.Context, opts startOptions) error {
	return a.run(ctx, "start", runOptions{}, func(ctx context.Context, m *orchestration.Machine) {
		a.runner.Start(ctx, m, flows.StartParams{Build: opts.build})
	})
}

func (a *app) stop(ctx context.Context, opts stopOptions) error {
	if opts.forcePorts && !opts.yes {
		ok, err := a.confirmForcePorts(ctx)
		if err != nil {
			if interrupted(err) {
				return &exitError{code: exitInterrupted, err: err}
			}
			return err
		}
		if !ok {
			a.printer.Warning("Stop cancelled, nothing was changed")
			return nil
		}
	}
	return a.run(ctx, "stop", runOptions{}, func(ctx context.Context, m *orchestration.Machine) {
		a.runner.Stop(ctx, m, flows.StopParams{ForcePorts: opts.forcePorts})
	})
}

// confirmForcePorts asks before terminating foreign listeners.
func (a *app) confirmForcePorts(ctx context.Context) (bool, error) {
	if !a.interactive || a.confirm == nil {
		return false, errForcePortsConsent
	}
	return a.confirm(ctx, "Terminate every process on the managed ports?", a.forcePortsDescription())
}

func (a *app) forcePortsDescription() string {
	var overrides stack.PortOverrides
	if root, ok := a.locator.FindRepoRoot(); ok {
		overrides = compose.NewPortResolver(a.cfg.Services, a.cfg.Compose.Files, a.logger).ReadPortOverrides(root)
	}
	return fmt.Sprintf("Listeners on ports %v will be killed, including ones stackctl did not start.",
		stack.Ports(a.cfg.Services, overrides))
}
