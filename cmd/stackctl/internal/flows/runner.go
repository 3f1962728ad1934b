// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flows drives an orchestration.Machine through each command's
// steps.
//
// # Overview
//
// A flow is a short-lived function run on its own goroutine:
//
//	runner := flows.NewRunner(deps, opts)
//	go runner.Stop(ctx, m, flows.StopParams{ForcePorts: false})
//
// Flows never return errors and never exit the process. Every failure is
// recorded with Machine.SetError, wrapped with what the flow was doing, and
// the flow returns. Data gathered before the failure stays in the machine.
// A cancelled context ends a flow without recording an error.
//
// Flows suspend on Machine.WaitForInput when they need the user. The
// presentation adapter answers through SubmitInput.
package flows

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/lifecycle"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/repo"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// Input request IDs and the answers flows recognise.
const (
	RequestStatusAction   = "status-action"
	RequestExit           = "exit"
	RequestSetupMode      = "setup-mode"
	RequestOverwriteEnv   = "overwrite-env"
	RequestCloneDirectory = "clone-directory"

	ActionRefresh = "refresh"
	ActionExit    = "exit"
	AnswerYes     = "yes"
	AnswerNo      = "no"
)

// =============================================================================
// Collaborators
// =============================================================================

// PortResolver reads port overrides for a repository.
type PortResolver interface {
	ReadPortOverrides(repoPath string) stack.PortOverrides
}

// EnvGenerator writes env files from templates.
type EnvGenerator interface {
	Exists(repoPath string, t envfile.Template) bool
	Generate(repoPath string, t envfile.Template, values map[string]string) (envfile.Result, error)
}

// Deps are the collaborators flows call.
type Deps struct {
	Prober    health.Prober
	Lifecycle lifecycle.Controller
	Locator   repo.Locator
	Ports     PortResolver

	// Env and Proc are used by setup and init only.
	Env  EnvGenerator
	Proc process.Manager

	// Tracer records one span per flow and per status round. Default: noop.
	Tracer trace.Tracer
	Logger *logging.Logger
}

// SetupMode is one answer to the setup-mode prompt.
type SetupMode struct {
	Name        string
	Description string

	// Values are written into every generated env file.
	Values map[string]string
}

// Options configure flow behaviour.
type Options struct {
	// Wait bounds the start flow's readiness wait.
	Wait health.WaitOptions

	// SetupModes are offered in order; the first is the default.
	SetupModes []SetupMode

	// EnvTemplates are generated by setup and init.
	EnvTemplates []envfile.Template

	// CloneURL and CloneDir are used by init when no repository is found.
	CloneURL string
	CloneDir string

	// MinComposeVersion is the oldest accepted docker compose, as a
	// semver string with a leading "v". Default: v2.0.0.
	MinComposeVersion string
}

// StopParams are the per-invocation stop options.
type StopParams struct {
	ForcePorts bool
}

// StartParams are the per-invocation start options.
type StartParams struct {
	Build bool
}

// Runner runs flows against its collaborators.
//
// # Thread Safety
//
// A Runner holds no per-run state; each flow keeps its state in the Machine
// it is given.
type Runner struct {
	deps   Deps
	opts   Options
	tracer trace.Tracer
	logger *logging.Logger
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, opts Options) *Runner {
	if opts.MinComposeVersion == "" {
		opts.MinComposeVersion = "v2.0.0"
	}
	r := &Runner{deps: deps, opts: opts, tracer: deps.Tracer, logger: deps.Logger}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("stackctl/flows")
	}
	if r.logger == nil {
		r.logger = logging.Discard()
	}
	return r
}

// =============================================================================
// Shared Steps
// =============================================================================

// fail records err on the machine and the span. A cancelled context is not
// a failure and is dropped.
func (r *Runner) fail(ctx context.Context, m *orchestration.Machine, span trace.Span, err error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		r.logger.Debug("flow cancelled", "error", err)
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("flow failed", "step", m.Snapshot().Step, "error", err)
	m.SetError(err)
}

// requireRepo resolves the repository and its port overrides into data.
func (r *Runner) requireRepo(m *orchestration.Machine) (string, stack.PortOverrides, error) {
	root, ok := r.deps.Locator.FindRepoRoot()
	if !ok {
		return "", nil, repoNotFound()
	}
	m.UpdateData(orchestration.RepoPathField.Set(root))
	overrides := r.resolvePorts(m, root)
	return root, overrides, nil
}

func (r *Runner) resolvePorts(m *orchestration.Machine, root string) stack.PortOverrides {
	overrides := stack.PortOverrides{}
	if r.deps.Ports != nil {
		overrides = r.deps.Ports.ReadPortOverrides(root)
	}
	m.UpdateData(orchestration.PortOverridesField.Set(overrides))
	if len(overrides) > 0 {
		r.logger.Info("using port overrides", "services", overrides.Names())
	}
	return overrides
}

// awaitExit keeps the final state visible until the adapter acknowledges.
func (r *Runner) awaitExit(ctx context.Context, m *orchestration.Machine, span trace.Span) {
	_, err := m.WaitForInput(ctx, RequestExit, orchestration.InputMeta{
		Message: "Press enter to exit",
		Default: ActionExit,
	})
	if err != nil {
		r.fail(ctx, m, span, err)
	}
}
