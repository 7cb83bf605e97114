// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracing installs the OTLP trace pipeline used for the collection
// cycle spans.
package tracing

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/config"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/version"
)

const serviceName = "nutanix-prometheus-exporter"

// ShutdownFunc flushes and stops the trace pipeline.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Setup builds the exporter described by c and installs it as the global
// tracer provider. An empty endpoint leaves the no-op provider in place.
func Setup(ctx context.Context, c config.Tracing, mode string) (ShutdownFunc, error) {
	if c.Endpoint == "" {
		return noop, nil
	}
	exp, err := newExporter(ctx, c)
	if err != nil {
		return noop, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(Resource(mode)),
		sdktrace.WithSampler(Sampler(c.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// Resource describes this process.
func Resource(mode string) *resource.Resource {
	return resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version.Version()),
		semconv.DeploymentEnvironment(mode),
	)
}

// Sampler samples a ratio of new traces and honors the parent decision.
// Ratios outside (0, 1) sample everything.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func newExporter(ctx context.Context, c config.Tracing) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(c.Protocol) {
	case "", "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(c.Endpoint),
			otlptracegrpc.WithHeaders(c.Headers),
		}
		if c.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			cfg, err := tlsConfig(c.CAFile)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(cfg)))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http", "http/protobuf":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(c.Endpoint),
			otlptracehttp.WithHeaders(c.Headers),
		}
		if c.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		} else {
			cfg, err := tlsConfig(c.CAFile)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracehttp.WithTLSClientConfig(cfg))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported tracing protocol %q", c.Protocol)
}

func tlsConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.New("no certificates found in " + caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
