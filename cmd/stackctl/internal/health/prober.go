// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health probes the managed services and the local container
// runtime.
//
// # Overview
//
// Every probe round checks all managed services concurrently, each under its
// own timeout, and always returns one result per service in managed-set
// order. A slow or hung service costs at most one timeout and never delays
// the others. Failures are data (StatusDown with a Detail), never errors.
//
//	prober := health.NewDefaultProber(stack.DefaultServices(), health.DefaultConfig(), proc)
//	round := prober.CheckAllServices(ctx, overrides)
//	fmt.Println(health.Summary(round)) // "5/7 services running"
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
	"github.com/AleutianAI/stackctl/pkg/logging"
)

// ErrWaitTimeout is returned by WaitForServices when the deadline passes
// before every service is up.
var ErrWaitTimeout = errors.New("timed out waiting for services")

// =============================================================================
// Interface
// =============================================================================

// Prober checks service reachability and container runtime state.
type Prober interface {
	// CheckAllServices probes every managed service concurrently. The
	// result has exactly one entry per service, in managed-set order.
	CheckAllServices(ctx context.Context, overrides stack.PortOverrides) []ServiceHealth

	// CheckService probes one service on port.
	CheckService(ctx context.Context, svc stack.Service, port int) ServiceHealth

	// DockerStatus queries the container runtime. Never fails; an
	// unreachable daemon is reported as Available=false.
	DockerStatus(ctx context.Context) DockerStatus

	// WaitForServices probes repeatedly until every service is up or
	// opts.Timeout passes.
	WaitForServices(ctx context.Context, overrides stack.PortOverrides, opts WaitOptions) (*WaitResult, error)
}

// HTTPClient is the subset of *http.Client the prober uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultProber implements Prober over HTTP, TCP and the docker CLI.
//
// # Thread Safety
//
// Safe for concurrent use. The prober holds no mutable state beyond its
// metrics, which are themselves concurrency-safe.
type DefaultProber struct {
	services   []stack.Service
	config     Config
	proc       process.Manager
	httpClient HTTPClient
	dial       DialFunc
	metrics    *Metrics
	logger     *logging.Logger
}

// Option customises a DefaultProber.
type Option func(*DefaultProber)

// WithHTTPClient replaces the HTTP client used for http checks.
func WithHTTPClient(c HTTPClient) Option {
	return func(p *DefaultProber) { p.httpClient = c }
}

// WithDialer replaces the dialer used for tcp checks.
func WithDialer(d DialFunc) Option {
	return func(p *DefaultProber) { p.dial = d }
}

// WithMetrics records every round into m.
func WithMetrics(m *Metrics) Option {
	return func(p *DefaultProber) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *DefaultProber) { p.logger = l }
}

// NewDefaultProber creates a prober for services.
//
// # Inputs
//
//   - services: The managed service set, in display order
//   - config: Timeouts and probe host; zero fields take defaults
//   - proc: Used for the docker query
//   - opts: Optional overrides
//
// # Outputs
//
//   - *DefaultProber: Ready to probe
func NewDefaultProber(services []stack.Service, config Config, proc process.Manager, opts ...Option) *DefaultProber {
	defaults := DefaultConfig()
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = defaults.CheckTimeout
	}
	if config.DockerTimeout <= 0 {
		config.DockerTimeout = defaults.DockerTimeout
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}

	var dialer net.Dialer
	p := &DefaultProber{
		services: append([]stack.Service(nil), services...),
		config:   config,
		proc:     proc,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
			},
		},
		dial:   dialer.DialContext,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Services returns the managed service set.
func (p *DefaultProber) Services() []stack.Service {
	return append([]stack.Service(nil), p.services...)
}

// CheckAllServices probes every service concurrently.
//
// # Description
//
// One goroutine per service, each writing only its own slot of the result
// slice, joined with a WaitGroup. Each probe runs under CheckTimeout, so the
// round finishes in roughly the slowest successful probe or CheckTimeout,
// whichever is smaller.
//
// # Outputs
//
//   - []ServiceHealth: len(services) entries, managed-set order. An empty
//     managed set yields an empty, non-nil slice.
func (p *DefaultProber) CheckAllServices(ctx context.Context, overrides stack.PortOverrides) []ServiceHealth {
	results := make([]ServiceHealth, len(p.services))
	var wg sync.WaitGroup

	for i, svc := range p.services {
		wg.Add(1)
		go func(idx int, service stack.Service) {
			defer wg.Done()
			results[idx] = p.CheckService(ctx, service, overrides.PortFor(service))
		}(i, svc)
	}
	wg.Wait()

	p.metrics.ObserveRound(results)
	p.logger.Debug("probe round complete", "summary", Summary(results))
	return results
}

// CheckService probes one service under CheckTimeout.
//
// # Description
//
// The probe runs in its own goroutine and the result is taken from
// whichever finishes first: the probe or the timeout. A probe that ignores
// its context therefore still cannot stall the round.
func (p *DefaultProber) CheckService(ctx context.Context, svc stack.Service, port int) ServiceHealth {
	checkCtx, cancel := context.WithTimeout(ctx, p.config.CheckTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan ServiceHealth, 1)
	go func() {
		done <- p.probe(checkCtx, svc, port)
	}()

	var result ServiceHealth
	select {
	case result = <-done:
	case <-checkCtx.Done():
		result = ServiceHealth{Status: StatusDown}
	}
	if result.Status == StatusDown && checkCtx.Err() != nil {
		result.Detail = p.timeoutDetail(ctx)
	}

	result.Name = svc.Name
	result.Label = svc.Label()
	result.Port = port
	result.Latency = time.Since(start)
	result.CheckedAt = time.Now()
	return result
}

func (p *DefaultProber) probe(ctx context.Context, svc stack.Service, port int) ServiceHealth {
	address := net.JoinHostPort(p.config.Host, strconv.Itoa(port))

	switch svc.Check {
	case stack.CheckHTTP:
		return p.probeHTTP(ctx, address, svc.HealthPath)
	case stack.CheckTCP:
		return p.probeTCP(ctx, address)
	default:
		return ServiceHealth{Status: StatusUnknown, Detail: fmt.Sprintf("unsupported check type %q", svc.Check)}
	}
}

func (p *DefaultProber) probeHTTP(ctx context.Context, address, path string) ServiceHealth {
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+address+path, nil)
	if err != nil {
		return ServiceHealth{Status: StatusUnknown, Detail: fmt.Sprintf("invalid health URL: %v", err)}
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ServiceHealth{Status: StatusDown, Detail: errorDetail(err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ServiceHealth{Status: StatusUp, Detail: detail}
	}
	return ServiceHealth{Status: StatusDown, Detail: detail}
}

func (p *DefaultProber) probeTCP(ctx context.Context, address string) ServiceHealth {
	conn, err := p.dial(ctx, "tcp", address)
	if err != nil {
		return ServiceHealth{Status: StatusDown, Detail: errorDetail(err)}
	}
	_ = conn.Close()
	return ServiceHealth{Status: StatusUp, Detail: "port open"}
}

func (p *DefaultProber) timeoutDetail(parent context.Context) string {
	if parent.Err() != nil {
		return "probe cancelled"
	}
	return fmt.Sprintf("timed out after %s", p.config.CheckTimeout)
}

// errorDetail shortens net errors to their cause ("connection refused")
// rather than the full "dial tcp 127.0.0.1:5432: connect: ..." chain.
func errorDetail(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		msg = msg[i+2:]
	}
	return msg
}

// DockerStatus queries `docker info`.
//
// # Outputs
//
//   - DockerStatus: Available with version and running count, or
//     unavailable with the daemon's complaint as Detail
func (p *DefaultProber) DockerStatus(ctx context.Context) DockerStatus {
	dockerCtx, cancel := context.WithTimeout(ctx, p.config.DockerTimeout)
	defer cancel()

	start := time.Now()
	out, err := p.proc.Run(dockerCtx, "docker", "info", "--format", "{{.ServerVersion}}|{{.ContainersRunning}}")
	status := DockerStatus{Latency: time.Since(start)}

	if err != nil {
		status.Detail = dockerErrorDetail(dockerCtx, err)
		p.logger.Debug("docker unavailable", "error", err)
		p.metrics.ObserveDocker(status)
		return status
	}

	version, running, _ := strings.Cut(strings.TrimSpace(string(out)), "|")
	if version == "" {
		status.Detail = "docker daemon not reachable"
		p.metrics.ObserveDocker(status)
		return status
	}

	status.Available = true
	status.Version = version
	if n, err := strconv.Atoi(strings.TrimSpace(running)); err == nil {
		status.Running = n
	}
	p.metrics.ObserveDocker(status)
	return status
}

func dockerErrorDetail(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "docker did not respond in time"
	}
	var cmdErr *process.CommandError
	if errors.As(err, &cmdErr) {
		if cmdErr.ExitCode == -1 && cmdErr.Stderr == "" {
			return "docker CLI not found"
		}
		if cmdErr.Stderr != "" {
			return lastLine(cmdErr.Stderr)
		}
	}
	return err.Error()
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// WaitForServices polls until every service is up.
//
// # Description
//
// Runs probe rounds with exponential backoff and jitter. OnRound sees every
// round, so callers can render progress while waiting.
//
// # Outputs
//
//   - *WaitResult: Always non-nil; Services holds the last round
//   - error: ErrWaitTimeout when the deadline passed, ctx.Err() when the
//     caller cancelled
func (p *DefaultProber) WaitForServices(ctx context.Context, overrides stack.PortOverrides, opts WaitOptions) (*WaitResult, error) {
	defaults := DefaultWaitOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaults.InitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = defaults.MaxInterval
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = defaults.Multiplier
	}

	start := time.Now()
	result := &WaitResult{}
	deadline, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	interval := opts.InitialInterval
	for {
		round := p.CheckAllServices(deadline, overrides)
		result.Rounds++
		result.Services = round
		result.Duration = time.Since(start)
		if opts.OnRound != nil {
			opts.OnRound(round)
		}

		if CountUp(round) == len(round) {
			result.Ready = true
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-deadline.Done():
			return result, fmt.Errorf("%w after %s: %s not ready",
				ErrWaitTimeout, opts.Timeout, strings.Join(NotUp(round), ", "))
		case <-time.After(applyJitter(interval, opts.Jitter)):
		}
		interval = nextInterval(interval, opts.MaxInterval, opts.Multiplier)
	}
}

func applyJitter(interval time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return interval
	}
	factor := 1.0 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(interval) * factor)
}

func nextInterval(current, max time.Duration, multiplier float64) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

var _ Prober = (*DefaultProber)(nil)
