// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package health

import (
	"fmt"
	"time"
)

// =============================================================================
// Status
// =============================================================================

// Status is the reachability of one service.
type Status string

const (
	// StatusUp means the probe succeeded.
	StatusUp Status = "up"

	// StatusDown means the probe failed or did not complete in time.
	StatusDown Status = "down"

	// StatusUnknown means the service could not be probed at all, for
	// example because its check type is not supported.
	StatusUnknown Status = "unknown"
)

// =============================================================================
// Results
// =============================================================================

// ServiceHealth is the outcome of probing one service.
//
// # Description
//
// A fresh value is produced on every probe round and never mutated
// afterwards; rounds are compared by replacing the whole slice.
type ServiceHealth struct {
	// Name is the managed service name.
	Name string `json:"name"`

	// Label is the human-readable name.
	Label string `json:"label"`

	// Status is up, down or unknown.
	Status Status `json:"status"`

	// Port is the host port probed.
	Port int `json:"port"`

	// Latency is how long the probe took.
	Latency time.Duration `json:"latency"`

	// Detail explains the status: "HTTP 200", "connection refused",
	// "timed out after 2s".
	Detail string `json:"detail,omitempty"`

	// CheckedAt is when the probe finished.
	CheckedAt time.Time `json:"checked_at"`
}

// IsUp reports whether the service is up.
func (s ServiceHealth) IsUp() bool {
	return s.Status == StatusUp
}

// DockerStatus describes the local container runtime.
type DockerStatus struct {
	// Available is true when the docker daemon answered.
	Available bool `json:"available"`

	// Running is the number of running containers on the host, not only
	// the managed ones.
	Running int `json:"running"`

	// Version is the daemon's server version.
	Version string `json:"version,omitempty"`

	// Detail explains why the runtime is unavailable.
	Detail string `json:"detail,omitempty"`

	// Latency is how long the query took.
	Latency time.Duration `json:"latency"`
}

// CountUp returns the number of services that are up.
func CountUp(services []ServiceHealth) int {
	n := 0
	for _, s := range services {
		if s.IsUp() {
			n++
		}
	}
	return n
}

// Summary formats the "K/N services running" line shown after every round.
//
// Examples:
//
//	Summary(nil)          // "0/0 services running"
//	Summary(sevenWithTwoUp) // "2/7 services running"
func Summary(services []ServiceHealth) string {
	return fmt.Sprintf("%d/%d services running", CountUp(services), len(services))
}

// NotUp returns the names of services that are not up, in order.
func NotUp(services []ServiceHealth) []string {
	var names []string
	for _, s := range services {
		if !s.IsUp() {
			names = append(names, s.Name)
		}
	}
	return names
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a DefaultProber.
type Config struct {
	// CheckTimeout bounds each individual service probe. Default: 2s.
	CheckTimeout time.Duration

	// DockerTimeout bounds the docker query. Default: 5s.
	DockerTimeout time.Duration

	// Host is the address services are probed on. Default: "127.0.0.1".
	Host string
}

// DefaultConfig returns the default probe configuration.
func DefaultConfig() Config {
	return Config{
		CheckTimeout:  2 * time.Second,
		DockerTimeout: 5 * time.Second,
		Host:          "127.0.0.1",
	}
}

// WaitOptions configures WaitForServices.
//
// # Example
//
//	opts := health.DefaultWaitOptions()
//	opts.Timeout = 3 * time.Minute
//	opts.OnRound = func(round []health.ServiceHealth) { ... }
type WaitOptions struct {
	// Timeout is the overall deadline.
	Timeout time.Duration

	// InitialInterval is the delay after the first failed round.
	InitialInterval time.Duration

	// MaxInterval caps the backoff.
	MaxInterval time.Duration

	// Multiplier grows the interval after each round.
	Multiplier float64

	// Jitter randomises each interval by ±Jitter (0.1 = ±10%).
	Jitter float64

	// OnRound is called with every round's results.
	OnRound func(round []ServiceHealth)
}

// DefaultWaitOptions returns two minutes of exponential backoff from
// 500ms to 5s with ±10% jitter.
func DefaultWaitOptions() WaitOptions {
	return WaitOptions{
		Timeout:         2 * time.Minute,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      1.5,
		Jitter:          0.1,
	}
}

// WaitResult is the outcome of WaitForServices.
type WaitResult struct {
	// Ready is true when every service was up in the final round.
	Ready bool

	// Services is the final round.
	Services []ServiceHealth

	// Rounds is the number of probe rounds run.
	Rounds int

	// Duration is the total wait.
	Duration time.Duration
}
