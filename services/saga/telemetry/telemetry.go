// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package telemetry wires OpenTelemetry tracing and metrics for SAGA services.
//
// The dag engine records spans and instruments through the global otel
// providers. Init installs those providers; without it the engine uses the
// otel no-op implementations.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// ErrNilContext is returned when Init is given a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// Exporter names accepted by Config.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"
)

// Config controls which exporters are installed.
type Config struct {
	ServiceName    string `yaml:"service_name" json:"service_name"`
	ServiceVersion string `yaml:"service_version" json:"service_version"`
	Environment    string `yaml:"environment" json:"environment"`

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" json:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`

	// MetricExporter is "prometheus", "stdout" or "none".
	MetricExporter string `yaml:"metric_exporter" json:"metric_exporter" validate:"omitempty,oneof=prometheus stdout none"`

	// OTLPEndpoint is the collector's gRPC address.
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// DefaultConfig returns a configuration that exports nothing.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "saga",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterNone,
		OTLPEndpoint:   "localhost:4317",
	}
}

// Providers holds what Init installed.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider

	// Registry is the Prometheus registry the otel exporter writes to. Nil
	// unless the prometheus metric exporter is selected.
	Registry *prometheus.Registry

	conn     *grpc.ClientConn
	shutdown []func(context.Context) error
	once     sync.Once
}

// Init installs the global tracer and meter providers.
//
// Inputs:
//
//	ctx - Context for exporter setup. Must not be nil.
//	cfg - Exporter selection. Empty exporter names mean "none".
//
// Outputs:
//
//	*Providers - Installed providers. Call Shutdown on exit.
//	error - Non-nil if an exporter cannot be created.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	p := &Providers{}
	if err := p.initTracer(ctx, cfg, res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	if err := p.initMeter(cfg, res); err != nil {
		_ = p.Shutdown(ctx)
		return nil, fmt.Errorf("init meter: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return p, nil
}

func (p *Providers) initTracer(ctx context.Context, cfg Config, res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	switch cfg.TraceExporter {
	case "", ExporterNone:
		return nil
	case ExporterOTLP:
		conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dial collector %s: %w", cfg.OTLPEndpoint, err)
		}
		p.conn = conn
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return fmt.Errorf("create otlp exporter: %w", err)
		}
	case ExporterStdout:
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout exporter: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	p.Tracer = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(p.Tracer)
	p.shutdown = append(p.shutdown, p.Tracer.Shutdown)
	return nil
}

func (p *Providers) initMeter(cfg Config, res *resource.Resource) error {
	var reader sdkmetric.Reader
	switch cfg.MetricExporter {
	case "", ExporterNone:
		return nil
	case ExporterPrometheus:
		p.Registry = prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(p.Registry))
		if err != nil {
			return fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exporter
	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}

	p.Meter = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(p.Meter)
	p.shutdown = append(p.shutdown, p.Meter.Shutdown)
	return nil
}

// MetricsHandler serves the otel metrics registry, or nil when the
// prometheus exporter is not in use.
func (p *Providers) MetricsHandler() http.Handler {
	if p == nil || p.Registry == nil {
		return nil
	}
	return promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops every installed provider. Safe to call more than once.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	p.once.Do(func() {
		for _, fn := range p.shutdown {
			if err := fn(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if p.conn != nil {
			if err := p.conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close collector connection: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}
