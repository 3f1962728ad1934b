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
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/AleutianAI/stackctl/cmd/stackctl/config"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/flows"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/health"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/compose"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/lifecycle"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/orchestration"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/repo"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/telemetry"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/ui"
	"github.com/AleutianAI/stackctl/pkg/logging"
	"github.com/AleutianAI/stackctl/pkg/ux"
)

// exitInterrupted is the conventional status for a run ended by SIGINT.
const exitInterrupted = 130

// =============================================================================
// Options
// =============================================================================

type appOptions struct {
	configPath string
	plain      bool
	logLevel   string
	stdin      *os.File
	stdout     *os.File
	stderr     io.Writer
}

type statusOptions struct {
	watch       bool
	metricsFile string
}

type startOptions struct {
	build bool
}

type stopOptions struct {
	forcePorts bool
	yes        bool
}

type runOptions struct {
	watch bool
}

// =============================================================================
// App
// =============================================================================

// app holds everything one stackctl invocation needs.
type app struct {
	cfg     config.StackConfig
	logger  *logging.Logger
	printer *ux.Printer

	in          io.Reader
	out         io.Writer
	useTUI      bool
	interactive bool

	metrics *health.Metrics
	locator repo.Locator
	runner  *flows.Runner

	// prompter answers requests in plain mode.
	prompter ui.Prompter

	// confirm asks a yes/no question on the terminal.
	confirm func(ctx context.Context, title, description string) (bool, error)

	shutdown telemetry.ShutdownFunc
}

// newApp loads configuration and wires the stack.
//
// # Description
//
// The config file is created with defaults on first run. The interactive
// UI is used when stdout is a terminal and --plain is not set; in that
// case the stderr log sink is silenced so it cannot tear the screen.
//
// # Outputs
//
//   - *app: Ready to run flows. Call close when done.
//   - error: Invalid configuration, bad --log-level, or telemetry setup.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	loaded, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg := loaded.Config

	levelName := cfg.Logging.Level
	if opts.logLevel != "" {
		levelName = opts.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}

	useTUI := !opts.plain && ux.IsTerminal(opts.stdout)
	interactive := ux.IsTerminal(opts.stdin)

	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "stackctl",
		JSON:    cfg.Logging.JSON,
		Quiet:   useTUI,
		Stderr:  opts.stderr,
	})

	tp, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:       cfg.Telemetry.Exporter,
		ServiceVersion: version,
		TraceFile:      filepath.Join(cfg.Logging.Dir, "traces.json"),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	personality := ux.DetectPersonality(opts.stdout)
	if opts.plain && personality == ux.PersonalityFull {
		personality = ux.PersonalityMinimal
	}
	printer := ux.NewPrinter(opts.stdout, opts.stderr, personality)

	proc := process.NewDefaultManager()
	metrics := health.NewMetrics()
	prober := health.NewDefaultProber(cfg.Services, health.Config{
		CheckTimeout:  cfg.Probe.Timeout.D(),
		DockerTimeout: cfg.Probe.DockerTimeout.D(),
		Host:          cfg.Probe.Host,
	}, proc, health.WithMetrics(metrics), health.WithLogger(logger))

	locator := repo.NewLocator(repo.Config{Markers: cfg.Repo.Markers}, logger)
	controller := lifecycle.NewController(cfg.Services, lifecycle.Config{
		RunDir:         cfg.RunDir,
		ComposeFiles:   cfg.Compose.Files,
		ComposeCommand: cfg.Compose.Command,
		ProjectName:    cfg.Compose.Project,
		ComposeTimeout: cfg.Compose.Timeout.D(),
		StopGrace:      cfg.StopGrace.D(),
	}, proc, logger)

	runner := flows.NewRunner(flows.Deps{
		Prober:    prober,
		Lifecycle: controller,
		Locator:   locator,
		Ports:     compose.NewPortResolver(cfg.Services, cfg.Compose.Files, logger),
		Env:       envfile.NewGenerator(),
		Proc:      proc,
		Tracer:    tp.Tracer("stackctl/flows"),
		Logger:    logger,
	}, flows.Options{
		Wait:         waitOptions(cfg.Probe.Wait),
		SetupModes:   setupModes(cfg.Setup.Modes),
		EnvTemplates: cfg.Setup.EnvFiles,
		CloneURL:     cfg.Repo.CloneURL,
		CloneDir:     cfg.Repo.CloneDir,
	})

	a := &app{
		cfg:         cfg,
		logger:      logger,
		printer:     printer,
		in:          opts.stdin,
		out:         opts.stdout,
		useTUI:      useTUI,
		interactive: interactive,
		metrics:     metrics,
		locator:     locator,
		runner:      runner,
		prompter:    ui.DefaultPrompter{},
		shutdown:    shutdown,
	}
	if interactive {
		huhPrompter := ui.HuhPrompter{Input: opts.stdin, Output: opts.stdout}
		a.prompter = huhPrompter
		a.confirm = huhPrompter.Confirm
	}

	logger.Debug("configuration loaded", "path", loaded.Path, "tui", useTUI, "interactive", interactive)
	if loaded.Created {
		printer.Info(fmt.Sprintf("Wrote default configuration to %s", loaded.Path))
	}
	return a, nil
}

func waitOptions(w config.WaitConfig) health.WaitOptions {
	return health.WaitOptions{
		Timeout:         w.Timeout.D(),
		InitialInterval: w.InitialInterval.D(),
		MaxInterval:     w.MaxInterval.D(),
		Multiplier:      w.Multiplier,
		Jitter:          w.Jitter,
	}
}

func setupModes(modes []config.ModeConfig) []flows.SetupMode {
	out := make([]flows.SetupMode, 0, len(modes))
	for _, m := range modes {
		out = append(out, flows.SetupMode{Name: m.Name, Description: m.Description, Values: m.Values})
	}
	return out
}

// close flushes traces and log files.
func (a *app) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
	}
	_ = a.logger.Close()
}

// =============================================================================
// Harness
// =============================================================================

// run drives one flow on its own goroutine under the selected adapter.
//
// # Description
//
// The adapter subscribes before the flow starts, so no transition is
// missed. A panicking flow is recovered and reported as an error state.
// When the adapter returns, the flow's context is cancelled and run waits
// for the flow goroutine to finish.
//
// # Outputs
//
//   - error: nil on success; *exitError with code 1 when the flow ended
//     in an error state (already shown), or 130 when interrupted.
//     Interrupting a watch is a normal exit.
func (a *app) run(ctx context.Context, name string, opts runOptions, flow func(context.Context, *orchestration.Machine)) error {
	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	m := orchestration.NewMachine(orchestration.WithLogger(a.logger))
	a.logger.Debug("flow starting", "flow", name)

	if opts.watch {
		stopWatch := a.startWatcher(ctx, m)
		defer func() {
			if err := stopWatch(); err != nil {
				a.logger.Warn("watcher stopped with error", "error", err)
			}
		}()
	}

	var done <-chan struct{}
	start := func() <-chan struct{} {
		ch := make(chan struct{})
		done = ch
		go func() {
			defer close(ch)
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("flow panicked", "flow", name, "panic", r, "stack", string(debug.Stack()))
					m.SetError(fmt.Errorf("internal error: %v", r))
				}
			}()
			flow(ctx, m)
		}()
		return ch
	}

	adapterErr := a.adapter(opts.watch).Run(ctx, m, start)
	cancel()
	if done != nil {
		<-done
	}

	snap := m.Snapshot()
	a.logger.Debug("flow finished", "flow", name, "step", snap.Step, "adapter_error", adapterErr)

	if interrupted(adapterErr) || parent.Err() != nil {
		if adapterErr == nil {
			adapterErr = parent.Err()
		}
		if opts.watch {
			return nil
		}
		return &exitError{code: exitInterrupted, err: adapterErr}
	}
	if adapterErr != nil {
		return adapterErr
	}
	if snap.Err != nil {
		return &exitError{code: 1, err: snap.Err}
	}
	return nil
}

func interrupted(err error) bool {
	return errors.Is(err, ui.ErrAborted) || errors.Is(err, context.Canceled)
}

func (a *app) adapter(watch bool) ui.Adapter {
	if a.useTUI {
		return ui.NewTUI(a.in, a.out)
	}
	return ui.NewPlain(ui.PlainOptions{
		Printer:  a.printer,
		Prompter: a.prompter,
		Watch:    watch,
		Logger:   a.logger,
	})
}

// startWatcher watches the compose file and the env files next to it.
// Failing to watch degrades to a plain status loop.
func (a *app) startWatcher(ctx context.Context, m *orchestration.Machine) func() error {
	noop := func() error { return nil }
	root, ok := a.locator.FindRepoRoot()
	if !ok {
		return noop
	}
	paths := []string{filepath.Join(root, ".env")}
	if file, err := compose.FindComposeFile(root, a.cfg.Compose.Files); err == nil {
		paths = append(paths, file)
		if dirEnv := filepath.Join(filepath.Dir(file), ".env"); dirEnv != paths[0] {
			paths = append(paths, dirEnv)
		}
	}

	w := ui.NewWatcher(ui.WatchConfig{Paths: paths, Logger: a.logger})
	stop, err := w.Start(ctx, m)
	if err != nil {
		a.logger.Warn("file watch unavailable", "error", err)
		return noop
	}
	return stop
}
