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

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records probe results in a Prometheus registry.
//
// # Description
//
// stackctl is a short-lived CLI, so nothing scrapes it. The registry is
// written out in node_exporter textfile format when `status --metrics-file`
// is given, which lets a host's node_exporter publish local stack health.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	checks        *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	up            *prometheus.GaugeVec
	dockerUp      prometheus.Gauge
	dockerRunning prometheus.Gauge
	rounds        prometheus.Counter
}

// NewMetrics creates Metrics backed by a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackctl",
			Subsystem: "probe",
			Name:      "checks_total",
			Help:      "Service probes by outcome.",
		}, []string{"service", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stackctl",
			Subsystem: "probe",
			Name:      "latency_seconds",
			Help:      "Service probe latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"service"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stackctl",
			Subsystem: "service",
			Name:      "up",
			Help:      "1 if the service was up in the latest round.",
		}, []string{"service"}),
		dockerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stackctl",
			Subsystem: "docker",
			Name:      "available",
			Help:      "1 if the docker daemon answered.",
		}),
		dockerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stackctl",
			Subsystem: "docker",
			Name:      "running_containers",
			Help:      "Running containers reported by the docker daemon.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stackctl",
			Subsystem: "probe",
			Name:      "rounds_total",
			Help:      "Completed probe rounds.",
		}),
	}
	m.registry.MustRegister(m.checks, m.latency, m.up, m.dockerUp, m.dockerRunning, m.rounds)
	return m
}

// ObserveRound records one CheckAllServices result.
func (m *Metrics) ObserveRound(round []ServiceHealth) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	for _, s := range round {
		m.checks.WithLabelValues(s.Name, string(s.Status)).Inc()
		m.latency.WithLabelValues(s.Name).Observe(s.Latency.Seconds())
		if s.IsUp() {
			m.up.WithLabelValues(s.Name).Set(1)
		} else {
			m.up.WithLabelValues(s.Name).Set(0)
		}
	}
}

// ObserveDocker records a DockerStatus result.
func (m *Metrics) ObserveDocker(s DockerStatus) {
	if m == nil {
		return
	}
	if s.Available {
		m.dockerUp.Set(1)
	} else {
		m.dockerUp.Set(0)
	}
	m.dockerRunning.Set(float64(s.Running))
}

// Gatherer exposes the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the registry to path in text exposition format.
// The write is atomic.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
