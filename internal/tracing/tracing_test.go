// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.Tracing{}, "v4")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), config.Tracing{Endpoint: "collector:4317", Protocol: "thrift"}, "v4")
	assert.ErrorContains(t, err, "thrift")
}

func TestSetupRejectsUnreadableCA(t *testing.T) {
	_, err := Setup(context.Background(), config.Tracing{
		Endpoint: "collector:4317",
		CAFile:   filepath.Join(t.TempDir(), "missing.pem"),
	}, "v4")
	assert.Error(t, err)

	bogus := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o600))
	_, err = Setup(context.Background(), config.Tracing{Endpoint: "collector:4318", Protocol: "http", CAFile: bogus}, "v4")
	assert.ErrorContains(t, err, "no certificates")
}

func TestSetupInsecureExporters(t *testing.T) {
	for _, protocol := range []string{"grpc", "http"} {
		t.Run(protocol, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), config.Tracing{
				Endpoint:    "127.0.0.1:1",
				Protocol:    protocol,
				Insecure:    true,
				SampleRatio: 1,
			}, "redfish")
			require.NoError(t, err)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_ = shutdown(ctx)
		})
	}
}

func TestResource(t *testing.T) {
	attrs := map[attribute.Key]string{}
	for _, kv := range Resource("legacy").Attributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "nutanix-prometheus-exporter", attrs["service.name"])
	assert.Equal(t, "legacy", attrs["deployment.environment"])
	assert.NotEmpty(t, attrs["service.version"])
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2} {
		rec := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec), sdktrace.WithSampler(Sampler(ratio)))
		_, span := tp.Tracer("test").Start(context.Background(), "cycle")
		span.End()
		assert.Len(t, rec.Ended(), 1, "ratio %v", ratio)
	}

	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
