// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up OpenTelemetry tracing for one stackctl run.
//
// # Exporters
//
//   - none: a no-op provider; spans cost nothing (default)
//   - stdout: spans written as JSON to a file, never to the terminal,
//     since stdout belongs to the presentation adapter
//   - otlp: spans sent over gRPC to an OTLP collector such as Jaeger
//
// # Usage
//
//	provider, shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//	tracer := provider.Tracer("stackctl/flows")
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Exporter names.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ErrUnknownExporter is returned for an unrecognised exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Config selects and configures the trace exporter.
type Config struct {
	// Exporter is none, stdout or otlp.
	Exporter string

	// ServiceVersion is recorded on every span's resource.
	ServiceVersion string

	// TraceFile receives stdout-exporter output.
	TraceFile string

	// Endpoint is the OTLP gRPC endpoint. Default: localhost:4317.
	Endpoint string

	// Insecure disables TLS for OTLP.
	Insecure bool
}

// ShutdownFunc flushes and closes the exporter.
type ShutdownFunc func(ctx context.Context) error

// Init builds a tracer provider for cfg.
//
// # Outputs
//
//   - trace.TracerProvider: Never nil
//   - ShutdownFunc: Always safe to call, also for the no-op provider
//   - error: ErrUnknownExporter or exporter construction failure
func Init(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	noopShutdown := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		closers  []func() error
		err      error
	)

	switch cfg.Exporter {
	case "", ExporterNone:
		return noop.NewTracerProvider(), noopShutdown, nil

	case ExporterStdout:
		if cfg.TraceFile == "" {
			return nil, nil, fmt.Errorf("stdout exporter requires a trace file")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.TraceFile), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create trace directory: %w", err)
		}
		f, ferr := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if ferr != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", ferr)
		}
		closers = append(closers, f.Close)
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(f))

	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)

	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.Exporter)
	}
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "stackctl"),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		for _, c := range closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return tp, shutdown, nil
}
