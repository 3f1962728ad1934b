// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stack describes the managed service set: the fixed list of
// services stackctl probes, starts and stops, and the host ports they are
// reachable on.
package stack

import (
	"fmt"
	"maps"
	"slices"
)

// =============================================================================
// Check Types
// =============================================================================

// CheckType specifies how a service's liveness is probed.
type CheckType string

const (
	// CheckHTTP issues a GET against HealthPath; any 2xx response is up.
	CheckHTTP CheckType = "http"

	// CheckTCP opens a TCP connection; a successful dial is up.
	CheckTCP CheckType = "tcp"
)

// =============================================================================
// Service
// =============================================================================

// Service is one member of the managed service set.
//
// # Description
//
// A service is either containerized (ComposeService set, started and
// stopped with docker compose) or a host process (Command set, launched
// detached and tracked by pid file). A service with neither is probed but
// never started or stopped by stackctl.
type Service struct {
	// Name is the stable identifier used in PortOverrides and output.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// DisplayName is shown in the UI. Defaults to Name.
	DisplayName string `yaml:"display_name,omitempty"`

	// ComposeService is the service key in the compose file.
	ComposeService string `yaml:"compose_service,omitempty"`

	// DefaultPort is the host port used when no override is configured.
	DefaultPort int `yaml:"port" validate:"required,min=1,max=65535"`

	// Check selects the probe kind.
	Check CheckType `yaml:"check" validate:"required,oneof=http tcp"`

	// HealthPath is the HTTP path probed for CheckHTTP. Default "/".
	HealthPath string `yaml:"health_path,omitempty"`

	// Command launches a host-process service, relative to WorkDir.
	Command []string `yaml:"command,omitempty"`

	// WorkDir is the repository-relative directory Command runs in.
	WorkDir string `yaml:"work_dir,omitempty"`
}

// Label returns DisplayName, falling back to Name.
func (s Service) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// IsContainer reports whether the service is managed through compose.
func (s Service) IsContainer() bool {
	return s.ComposeService != ""
}

// IsHostProcess reports whether the service is a detached host process.
func (s Service) IsHostProcess() bool {
	return s.ComposeService == "" && len(s.Command) > 0
}

// DefaultServices returns the product's managed service set.
//
// # Outputs
//
//   - []Service: api, web, postgres, redis, mongodb, chromadb, rabbitmq
//     in display order
func DefaultServices() []Service {
	return []Service{
		{Name: "api", DisplayName: "API", ComposeService: "gaia-backend", DefaultPort: 8000, Check: CheckHTTP, HealthPath: "/health"},
		{Name: "web", DisplayName: "Web", DefaultPort: 3000, Check: CheckHTTP, HealthPath: "/", Command: []string{"pnpm", "dev"}, WorkDir: "apps/web"},
		{Name: "postgres", DisplayName: "PostgreSQL", ComposeService: "postgres", DefaultPort: 5432, Check: CheckTCP},
		{Name: "redis", DisplayName: "Redis", ComposeService: "redis", DefaultPort: 6379, Check: CheckTCP},
		{Name: "mongodb", DisplayName: "MongoDB", ComposeService: "mongo", DefaultPort: 27017, Check: CheckTCP},
		{Name: "chromadb", DisplayName: "ChromaDB", ComposeService: "chromadb", DefaultPort: 8080, Check: CheckHTTP, HealthPath: "/api/v1/heartbeat"},
		{Name: "rabbitmq", DisplayName: "RabbitMQ", ComposeService: "rabbitmq", DefaultPort: 5672, Check: CheckTCP},
	}
}

// Validate checks that service names are unique.
func Validate(services []Service) error {
	seen := make(map[string]bool, len(services))
	for _, s := range services {
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// =============================================================================
// Port Overrides
// =============================================================================

// PortOverrides maps service name to a non-default host port. A missing
// entry means the service's DefaultPort. Values are never mutated after
// resolution; use Clone before modifying.
type PortOverrides map[string]int

// PortFor returns the effective host port for s.
func (o PortOverrides) PortFor(s Service) int {
	if p, ok := o[s.Name]; ok && p > 0 {
		return p
	}
	return s.DefaultPort
}

// Clone returns an independent copy. Cloning nil yields an empty map.
func (o PortOverrides) Clone() PortOverrides {
	out := make(PortOverrides, len(o))
	maps.Copy(out, o)
	return out
}

// Names returns the overridden service names, sorted.
func (o PortOverrides) Names() []string {
	return slices.Sorted(maps.Keys(o))
}

// Ports returns the effective port for each service in order.
func Ports(services []Service, overrides PortOverrides) []int {
	ports := make([]int, len(services))
	for i, s := range services {
		ports[i] = overrides.PortFor(s)
	}
	return ports
}
