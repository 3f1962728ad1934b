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
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/infra/process"
	"github.com/AleutianAI/stackctl/cmd/stackctl/internal/stack"
)

// =============================================================================
// Test Helpers
// =============================================================================

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func listenTCP(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port that nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func noDocker() *process.MockManager {
	return &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("unused")
		},
	}
}

// =============================================================================
// CheckAllServices Tests
// =============================================================================

func TestCheckAllServices_MixedResults(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	services := []stack.Service{
		{Name: "api", DefaultPort: 1, Check: stack.CheckHTTP, HealthPath: "/health"},
		{Name: "web", DefaultPort: 2, Check: stack.CheckHTTP},
		{Name: "redis", DefaultPort: 3, Check: stack.CheckTCP},
		{Name: "postgres", DefaultPort: closedPort(t), Check: stack.CheckTCP},
		{Name: "grpc", DefaultPort: 4, Check: "grpc"},
	}
	overrides := stack.PortOverrides{
		"api":   serverPort(t, healthy),
		"web":   serverPort(t, failing),
		"redis": listenTCP(t),
	}

	prober := NewDefaultProber(services, Config{CheckTimeout: time.Second}, noDocker())
	results := prober.CheckAllServices(context.Background(), overrides)

	require.Len(t, results, 5)
	for i, svc := range services {
		assert.Equal(t, svc.Name, results[i].Name, "results keep managed-set order")
	}
	assert.Equal(t, StatusUp, results[0].Status)
	assert.Equal(t, "HTTP 200", results[0].Detail)
	assert.Equal(t, overrides["api"], results[0].Port)
	assert.Equal(t, StatusDown, results[1].Status)
	assert.Equal(t, "HTTP 503", results[1].Detail)
	assert.Equal(t, StatusUp, results[2].Status)
	assert.Equal(t, StatusDown, results[3].Status)
	assert.Contains(t, results[3].Detail, "refused")
	assert.Equal(t, StatusUnknown, results[4].Status)

	assert.Equal(t, "2/5 services running", Summary(results))
}

func TestCheckAllServices_OneUnreachableAmongThree(t *testing.T) {
	var dials atomic.Int32
	dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
		dials.Add(1)
		if strings.HasSuffix(address, ":3") {
			// Ignore ctx entirely, like a wedged driver.
			time.Sleep(5 * time.Second)
			return nil, errors.New("too late")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	services := []stack.Service{
		{Name: "a", DefaultPort: 1, Check: stack.CheckTCP},
		{Name: "b", DefaultPort: 2, Check: stack.CheckTCP},
		{Name: "c", DefaultPort: 3, Check: stack.CheckTCP},
	}
	prober := NewDefaultProber(services, Config{CheckTimeout: 200 * time.Millisecond}, noDocker(), WithDialer(dialer))

	start := time.Now()
	results := prober.CheckAllServices(context.Background(), nil)
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.Equal(t, StatusUp, results[0].Status)
	assert.Equal(t, StatusUp, results[1].Status)
	assert.Equal(t, StatusDown, results[2].Status)
	assert.Equal(t, "timed out after 200ms", results[2].Detail)
	assert.Less(t, elapsed, 2*time.Second, "a hung probe must not hold the round past its timeout")
	assert.Equal(t, int32(3), dials.Load())
}

func TestCheckAllServices_EmptySet(t *testing.T) {
	prober := NewDefaultProber(nil, Config{}, noDocker())
	results := prober.CheckAllServices(context.Background(), nil)
	assert.NotNil(t, results)
	assert.Empty(t, results)
	assert.Equal(t, "0/0 services running", Summary(results))
}

func TestCheckAllServices_Idempotent(t *testing.T) {
	port := listenTCP(t)
	services := []stack.Service{
		{Name: "redis", DefaultPort: port, Check: stack.CheckTCP},
		{Name: "mongo", DefaultPort: closedPort(t), Check: stack.CheckTCP},
	}
	prober := NewDefaultProber(services, Config{CheckTimeout: time.Second}, noDocker())

	first := prober.CheckAllServices(context.Background(), nil)
	second := prober.CheckAllServices(context.Background(), nil)

	for i := range first {
		assert.Equal(t, first[i].Name, second[i].Name)
		assert.Equal(t, first[i].Status, second[i].Status)
	}
}

func TestCheckService_CancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	prober := NewDefaultProber(nil, Config{CheckTimeout: time.Second}, noDocker(),
		WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	got := prober.CheckService(ctx, stack.Service{Name: "x", Check: stack.CheckTCP}, 1)
	assert.Equal(t, StatusDown, got.Status)
	assert.Equal(t, "probe cancelled", got.Detail)
}

// =============================================================================
// DockerStatus Tests
// =============================================================================

func TestDockerStatus(t *testing.T) {
	tests := []struct {
		name      string
		run       func(ctx context.Context, name string, args ...string) ([]byte, error)
		available bool
		running   int
		version   string
		detail    string
	}{
		{
			name: "running",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return []byte("27.3.1|4\n"), nil
			},
			available: true,
			running:   4,
			version:   "27.3.1",
		},
		{
			name: "daemon down",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return nil, process.NewCommandError("docker info", 1,
					"Client: Docker Engine\nCannot connect to the Docker daemon at unix:///var/run/docker.sock", nil)
			},
			detail: "Cannot connect to the Docker daemon at unix:///var/run/docker.sock",
		},
		{
			name: "cli missing",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return nil, process.NewCommandError("docker info", -1, "", errors.New("executable file not found"))
			},
			detail: "docker CLI not found",
		},
		{
			name: "empty version",
			run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
				return []byte("|0"), nil
			},
			detail: "docker daemon not reachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &process.MockManager{RunFunc: tt.run}
			prober := NewDefaultProber(nil, Config{}, mock)

			got := prober.DockerStatus(context.Background())
			assert.Equal(t, tt.available, got.Available)
			assert.Equal(t, tt.running, got.Running)
			assert.Equal(t, tt.version, got.Version)
			assert.Equal(t, tt.detail, got.Detail)

			calls := mock.CallsTo("Run")
			require.Len(t, calls, 1)
			assert.Equal(t, "docker", calls[0].Name)
			assert.Equal(t, "info", calls[0].Args[0])
		})
	}
}

func TestDockerStatus_Timeout(t *testing.T) {
	mock := &process.MockManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	prober := NewDefaultProber(nil, Config{DockerTimeout: 50 * time.Millisecond}, mock)

	got := prober.DockerStatus(context.Background())
	assert.False(t, got.Available)
	assert.Equal(t, "docker did not respond in time", got.Detail)
}

// =============================================================================
// WaitForServices Tests
// =============================================================================

func TestWaitForServices_BecomesReady(t *testing.T) {
	var calls atomic.Int32
	dialer := func(ctx context.Context, network, address string) (net.Conn, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connect: connection refused")
		}
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	services := []stack.Service{{Name: "postgres", DefaultPort: 5432, Check: stack.CheckTCP}}
	prober := NewDefaultProber(services, Config{CheckTimeout: time.Second}, noDocker(), WithDialer(dialer))

	var rounds int
	res, err := prober.WaitForServices(context.Background(), nil, WaitOptions{
		Timeout:         5 * time.Second,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		OnRound:         func([]ServiceHealth) { rounds++ },
	})
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 3, rounds)
}

func TestWaitForServices_Timeout(t *testing.T) {
	services := []stack.Service{
		{Name: "redis", DefaultPort: closedPort(t), Check: stack.CheckTCP},
	}
	prober := NewDefaultProber(services, Config{CheckTimeout: 100 * time.Millisecond}, noDocker())

	res, err := prober.WaitForServices(context.Background(), nil, WaitOptions{
		Timeout:         150 * time.Millisecond,
		InitialInterval: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWaitTimeout))
	assert.Contains(t, err.Error(), "redis")
	assert.False(t, res.Ready)
	assert.GreaterOrEqual(t, res.Rounds, 1)
}

func TestNextInterval(t *testing.T) {
	assert.Equal(t, 150*time.Millisecond, nextInterval(100*time.Millisecond, time.Second, 1.5))
	assert.Equal(t, time.Second, nextInterval(900*time.Millisecond, time.Second, 2))
	assert.Equal(t, 100*time.Millisecond, applyJitter(100*time.Millisecond, 0))

	j := applyJitter(100*time.Millisecond, 0.1)
	assert.GreaterOrEqual(t, j, 90*time.Millisecond)
	assert.LessOrEqual(t, j, 110*time.Millisecond)
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.ObserveRound([]ServiceHealth{
		{Name: "api", Status: StatusUp, Latency: 5 * time.Millisecond},
		{Name: "redis", Status: StatusDown, Latency: time.Second},
	})
	m.ObserveDocker(DockerStatus{Available: true, Running: 6})

	path := filepath.Join(t.TempDir(), "stackctl.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `stackctl_probe_checks_total{service="api",status="up"} 1`)
	assert.Contains(t, text, `stackctl_service_up{service="redis"} 0`)
	assert.Contains(t, text, "stackctl_docker_running_containers 6")
	assert.Contains(t, text, "stackctl_probe_rounds_total 1")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRound([]ServiceHealth{{Name: "api"}})
	m.ObserveDocker(DockerStatus{})
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x")))
}
