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
	"path/filepath"
	"strings"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// Setup runs the setup flow.
//
// # Description
//
// SetupMode -> Environment -> Complete, then waits on "exit". Requires the
// repository. The chosen mode's values are written into every configured
// env file; an existing file is only replaced after "overwrite-env" is
// answered "yes".
func (r *Runner) Setup(ctx context.Context, m *orchestration.Machine) {
	ctx, span := r.tracer.Start(ctx, "flow.setup")
	defer span.End()

	m.Transition(orchestration.StepRepository, "Locating repository...")
	root, _, err := r.requireRepo(m)
	if err != nil {
		r.fail(ctx, m, span, err)
		return
	}

	if err := r.configureEnvironment(ctx, m, root); err != nil {
		r.fail(ctx, m, span, err)
		return
	}

	m.Transition(orchestration.StepComplete, "Setup complete")
	r.awaitExit(ctx, m, span)
}

// Init runs the init flow.
//
// # Description
//
// Prerequisites -> Repository -> SetupMode -> Environment -> Complete, then
// waits on "exit". When no repository is found the user is asked where to
// clone it ("clone-directory") and it is cloned from Options.CloneURL.
func (r *Runner) Init(ctx context.Context, m *orchestration.Machine) {
	ctx, span := r.tracer.Start(ctx, "flow.init")
	defer span.End()

	m.Transition(orchestration.StepPrerequisites, "Checking required tools...")
	prereqs := r.checkPrerequisites(ctx)
	m.UpdateData(orchestration.PrerequisitesField.Set(prereqs))
	if missing := missingRequired(prereqs); len(missing) > 0 {
		r.fail(ctx, m, span, fmt.Errorf("%w: %s", ErrMissingPrerequisites, strings.Join(missing, ", ")))
		return
	}

	m.Transition(orchestration.StepRepository, "Locating repository...")
	root, ok := r.deps.Locator.FindRepoRoot()
	if !ok {
		cloned, err := r.cloneRepository(ctx, m)
		if err != nil {
			r.fail(ctx, m, span, err)
			return
		}
		root = cloned
	}
	m.UpdateData(orchestration.RepoPathField.Set(root))
	m.SetStatus("Repository: " + root)

	if err := r.configureEnvironment(ctx, m, root); err != nil {
		r.fail(ctx, m, span, err)
		return
	}

	m.Transition(orchestration.StepComplete, "Initialization complete. Run `stackctl start` next.")
	r.awaitExit(ctx, m, span)
}

func (r *Runner) cloneRepository(ctx context.Context, m *orchestration.Machine) (string, error) {
	if r.opts.CloneURL == "" {
		return "", repoNotFound()
	}

	answer, err := m.WaitForInput(ctx, RequestCloneDirectory, orchestration.InputMeta{
		Message: "Repository not found. Clone it into which directory?",
		Default: r.opts.CloneDir,
	})
	if err != nil {
		return "", err
	}
	dir := strings.TrimSpace(answer)
	if dir == "" {
		dir = r.opts.CloneDir
	}
	dir, err = filepath.Abs(logging.ExpandPath(dir))
	if err != nil {
		return "", fmt.Errorf("invalid clone directory: %w", err)
	}

	m.SetStatus(fmt.Sprintf("Cloning %s into %s...", r.opts.CloneURL, dir))
	if _, _, _, err := r.deps.Proc.RunInDir(ctx, "", nil, "git", "clone", r.opts.CloneURL, dir); err != nil {
		return "", fmt.Errorf("failed to clone repository: %w", err)
	}
	r.logger.Info("repository cloned", "url", r.opts.CloneURL, "dir", dir)
	return dir, nil
}

// configureEnvironment asks for the setup mode and writes the env files.
func (r *Runner) configureEnvironment(ctx context.Context, m *orchestration.Machine, root string) error {
	mode, err := r.chooseSetupMode(ctx, m)
	if err != nil {
		return err
	}

	m.Transition(orchestration.StepEnvironment, "Writing environment files...")
	results := make([]envfile.Result, 0, len(r.opts.EnvTemplates))

	for _, tmpl := range r.opts.EnvTemplates {
		if r.deps.Env.Exists(root, tmpl) {
			answer, err := m.WaitForInput(ctx, RequestOverwriteEnv, orchestration.InputMeta{
				Message: fmt.Sprintf("%s already exists. Overwrite it?", tmpl.Target),
				Choices: []string{AnswerYes, AnswerNo},
				Default: AnswerNo,
			})
			if err != nil {
				return err
			}
			if answer != AnswerYes {
				results = append(results, envfile.Result{Target: tmpl.Target})
				m.UpdateData(orchestration.EnvFilesField.Set(results))
				m.SetStatus("Kept existing " + tmpl.Target)
				continue
			}
		}

		m.SetStatus("Writing " + tmpl.Target + "...")
		res, err := r.deps.Env.Generate(root, tmpl, mode.Values)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", tmpl.Target, err)
		}
		results = append(results, res)
		m.UpdateData(orchestration.EnvFilesField.Set(results))
		m.SetStatus(fmt.Sprintf("Wrote %s (%d settings)", res.Target, res.Keys))
	}
	return nil
}

func (r *Runner) chooseSetupMode(ctx context.Context, m *orchestration.Machine) (SetupMode, error) {
	if len(r.opts.SetupModes) == 0 {
		return SetupMode{}, fmt.Errorf("no setup modes configured")
	}

	names := make([]string, len(r.opts.SetupModes))
	descriptions := make([]string, len(r.opts.SetupModes))
	for i, mode := range r.opts.SetupModes {
		names[i] = mode.Name
		descriptions[i] = fmt.Sprintf("%s: %s", mode.Name, mode.Description)
	}

	m.Transition(orchestration.StepSetupMode, "Choose how this machine runs the stack")
	answer, err := m.WaitForInput(ctx, RequestSetupMode, orchestration.InputMeta{
		Message: "Setup mode (" + strings.Join(descriptions, "; ") + ")",
		Choices: names,
		Default: names[0],
	})
	if err != nil {
		return SetupMode{}, err
	}

	for _, mode := range r.opts.SetupModes {
		if mode.Name == answer {
			m.UpdateData(orchestration.SetupModeField.Set(mode.Name))
			return mode, nil
		}
	}
	return SetupMode{}, fmt.Errorf("unknown setup mode %q (expected one of %s)", answer, strings.Join(names, ", "))
}
