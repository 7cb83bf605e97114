// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package selftelemetry provides self-monitoring metrics for the exporter
// and its health endpoints.
package selftelemetry

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/scheduler"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/version"
)

const namespace = "nutanix_exporter"

// Metrics holds all self-telemetry metrics. It implements scheduler.Sink
// and httpapi.Observer.
type Metrics struct {
	ready atomic.Bool

	// Cycle metrics
	Cycles         *prometheus.CounterVec
	TicksSkipped   prometheus.Counter
	CycleDuration  prometheus.Histogram
	EntityFailures *prometheus.CounterVec
	LastCommit     prometheus.Gauge

	// Snapshot metrics
	SnapshotSamples prometheus.Gauge
	StaleSamples    prometheus.Gauge

	// API metrics
	APIRequests        *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	Reauth             *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.Cycles = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Collection cycles by outcome.",
	}, []string{"outcome"})

	m.TicksSkipped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because the previous cycle was still running.",
	})

	m.CycleDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a collection cycle.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
	})

	m.EntityFailures = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "entity_failures_total",
		Help:      "Entities not collected in a cycle, by kind and failure class.",
	}, []string{"kind", "class"})

	m.LastCommit = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_commit_timestamp_seconds",
		Help:      "Unix time of the last committed snapshot.",
	})

	m.SnapshotSamples = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_samples",
		Help:      "Samples in the committed snapshot.",
	})

	m.StaleSamples = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "stale_samples",
		Help:      "Samples in the committed snapshot carried over from earlier cycles.",
	})

	m.APIRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Upstream API requests by dialect and status code (0 when no response).",
	}, []string{"dialect", "code"})

	m.APIRequestDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "Upstream API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"dialect"})

	m.Reauth = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reauth_total",
		Help:      "Forced credential refreshes after an authentication failure.",
	}, []string{"dialect"})

	f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the running exporter.",
	}, []string{"version", "commit", "build_date"}).
		WithLabelValues(version.Version(), version.Commit(), version.BuildDate()).Set(1)

	return m
}

// Observe implements scheduler.Sink.
func (m *Metrics) Observe(r scheduler.Report) {
	m.CycleDuration.Observe(r.Duration().Seconds())
	for _, rec := range r.Failed() {
		m.EntityFailures.WithLabelValues(string(rec.Kind), rec.Class.String()).Inc()
	}
	if r.Err != nil || r.Snapshot == nil {
		m.Cycles.WithLabelValues("aborted").Inc()
		return
	}
	outcome := "success"
	if len(r.Failed()) > 0 {
		outcome = "partial"
	}
	m.Cycles.WithLabelValues(outcome).Inc()
	m.SnapshotSamples.Set(float64(len(r.Snapshot.Samples)))
	m.StaleSamples.Set(float64(r.Snapshot.Stale))
	m.LastCommit.Set(float64(r.End.Unix()))
	m.SetReady(true)
}

// TickSkipped implements scheduler.Sink.
func (m *Metrics) TickSkipped() {
	m.TicksSkipped.Inc()
}

// ObserveRequest implements httpapi.Observer.
func (m *Metrics) ObserveRequest(dialect string, code int, d time.Duration) {
	m.APIRequests.WithLabelValues(dialect, strconv.Itoa(code)).Inc()
	m.APIRequestDuration.WithLabelValues(dialect).Observe(d.Seconds())
}

// ObserveReauth implements httpapi.Observer.
func (m *Metrics) ObserveReauth(dialect string) {
	m.Reauth.WithLabelValues(dialect).Inc()
}

// SetReady sets the readiness state
func (m *Metrics) SetReady(ready bool) {
	m.ready.Store(ready)
}

// IsReady returns the current readiness state
func (m *Metrics) IsReady() bool {
	return m.ready.Load()
}
