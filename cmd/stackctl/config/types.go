// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/envfile"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// StackConfig is the on-disk configuration at ~/.stackctl/stackctl.yaml.
type StackConfig struct {
	// RunDir holds the lifecycle lock, pid files and host-process logs.
	RunDir string `yaml:"run_dir" validate:"required"`

	// StopGrace is how long a host process gets between SIGTERM and SIGKILL.
	StopGrace Duration `yaml:"stop_grace" validate:"gt=0"`

	Repo      RepoConfig      `yaml:"repo"`
	Compose   ComposeConfig   `yaml:"compose"`
	Services  []stack.Service `yaml:"services" validate:"required,min=1,dive"`
	Probe     ProbeConfig     `yaml:"probe"`
	Setup     SetupConfig     `yaml:"setup"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RepoConfig controls how the repository is found and cloned.
type RepoConfig struct {
	// Markers identify the repository root, e.g. .stackctl.yaml.
	Markers []string `yaml:"markers" validate:"required,min=1,dive,required"`

	// CloneURL is used by init when no repository is found.
	CloneURL string `yaml:"clone_url,omitempty" validate:"omitempty,url"`

	// CloneDir is the suggested clone destination.
	CloneDir string `yaml:"clone_dir,omitempty"`
}

type ComposeConfig struct {
	Files   []string `yaml:"files" validate:"required,min=1,dive,required"`
	Command []string `yaml:"command" validate:"required,min=1,dive,required"`
	Project string   `yaml:"project,omitempty"`
	Timeout Duration `yaml:"timeout" validate:"gte=0"`
}

// ProbeConfig configures the health prober and the start flow's wait.
type ProbeConfig struct {
	Timeout       Duration   `yaml:"timeout" validate:"gt=0"`
	DockerTimeout Duration   `yaml:"docker_timeout" validate:"gt=0"`
	Host          string     `yaml:"host" validate:"required"`
	Wait          WaitConfig `yaml:"wait"`
}

// WaitConfig is the readiness backoff used by start.
type WaitConfig struct {
	Timeout         Duration `yaml:"timeout" validate:"gt=0"`
	InitialInterval Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     Duration `yaml:"max_interval" validate:"gtefield=InitialInterval"`
	Multiplier      float64  `yaml:"multiplier" validate:"gte=1"`
	Jitter          float64  `yaml:"jitter" validate:"gte=0,lte=1"`
}

// SetupConfig drives the setup and init flows.
type SetupConfig struct {
	Modes    []ModeConfig       `yaml:"modes" validate:"required,min=1,unique=Name,dive"`
	EnvFiles []envfile.Template `yaml:"env_files" validate:"dive"`
}

// ModeConfig is one choice offered at the setup-mode prompt.
type ModeConfig struct {
	Name        string            `yaml:"name" validate:"required,alphanum"`
	Description string            `yaml:"description,omitempty"`
	Values      map[string]string `yaml:"values,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint string `yaml:"endpoint,omitempty" validate:"omitempty,hostname_port"`
	Insecure bool   `yaml:"insecure"`
}

// =============================================================================
// Duration
// =============================================================================

// Duration is a time.Duration written as a Go duration string ("2s").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string such as \"2s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() StackConfig {
	return StackConfig{
		RunDir:    "~/.stackctl/run",
		StopGrace: Duration(10 * time.Second),
		Repo: RepoConfig{
			Markers:  []string{".stackctl.yaml", "infra/docker/docker-compose.yml"},
			CloneURL: "https://github.com/heygaia/gaia.git",
			CloneDir: "~/src/gaia",
		},
		Compose: ComposeConfig{
			Files: []string{
				"infra/docker/docker-compose.yml",
				"docker-compose.yml",
				"docker-compose.yaml",
				"compose.yml",
				"compose.yaml",
			},
			Command: []string{"docker", "compose"},
			Timeout: Duration(10 * time.Minute),
		},
		Services: stack.DefaultServices(),
		Probe: ProbeConfig{
			Timeout:       Duration(2 * time.Second),
			DockerTimeout: Duration(5 * time.Second),
			Host:          "127.0.0.1",
			Wait: WaitConfig{
				Timeout:         Duration(2 * time.Minute),
				InitialInterval: Duration(500 * time.Millisecond),
				MaxInterval:     Duration(5 * time.Second),
				Multiplier:      1.5,
				Jitter:          0.1,
			},
		},
		Setup: SetupConfig{
			Modes: []ModeConfig{
				{
					Name:        "developer",
					Description: "Local development with hot reload",
					Values: map[string]string{
						"ENV":          "development",
						"HOST":         "http://localhost:8000",
						"FRONTEND_URL": "http://localhost:3000",
					},
				},
				{
					Name:        "selfhost",
					Description: "Production build on your own machine",
					Values: map[string]string{
						"ENV": "production",
					},
				},
			},
			EnvFiles: []envfile.Template{
				{Template: "apps/api/.env.example", Target: "apps/api/.env"},
				{Template: "apps/web/.env.example", Target: "apps/web/.env"},
			},
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.stackctl/logs",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
			Endpoint: "localhost:4317",
			Insecure: true,
		},
	}
}
