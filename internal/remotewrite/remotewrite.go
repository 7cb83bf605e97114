// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotewrite pushes committed snapshots to Prometheus remote write
// receivers.
package remotewrite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/prompb"
	"golang.org/x/sync/errgroup"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/config"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/registry"
)

const (
	defaultTimeout = 30 * time.Second
	maxBatch       = 5000
	maxAttempts    = 3
)

// Publisher sends every committed snapshot to all configured endpoints.
type Publisher struct {
	endpoints []*endpoint
	log       *slog.Logger
	backoff   func() backoff.BackOff
}

type endpoint struct {
	cfg    config.RWEndpoint
	client *http.Client
	log    *slog.Logger
}

// StatusError is returned when a receiver answers with a non-2xx status.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote write to %s failed with status %d: %s", e.URL, e.Status, e.Body)
}

// New creates a publisher for cfg. It returns nil when no endpoint is set.
func New(cfg config.RemoteWrite, log *slog.Logger) (*Publisher, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "remote-write")

	p := &Publisher{
		log: log,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			return backoff.WithMaxRetries(b, maxAttempts-1)
		},
	}
	for i, epCfg := range cfg.Endpoints {
		if epCfg.URL == "" {
			return nil, &engine.ConfigError{Field: fmt.Sprintf("remote_write.endpoints[%d].url", i), Reason: "required"}
		}
		timeout := epCfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		p.endpoints = append(p.endpoints, &endpoint{
			cfg:    epCfg,
			client: &http.Client{Timeout: timeout},
			log:    log.With("endpoint", epCfg.URL),
		})
	}
	log.Info("remote write enabled", "endpoints", len(p.endpoints))
	return p, nil
}

// Publish implements scheduler.Publisher. Endpoints are written
// concurrently; the errors of all failing endpoints are joined.
func (p *Publisher) Publish(ctx context.Context, snap *registry.Snapshot) error {
	if snap == nil || len(snap.Samples) == 0 {
		return nil
	}
	reqs := BuildRequests(snap)

	errs := make([]error, len(p.endpoints))
	var g errgroup.Group
	for i, ep := range p.endpoints {
		g.Go(func() error {
			for _, req := range reqs {
				if err := p.sendWithRetry(ctx, ep, req); err != nil {
					ep.log.Error("failed to send snapshot", "cycle", snap.CycleID, "error", err)
					errs[i] = err
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// BuildRequests converts a snapshot into write requests of at most maxBatch
// series each, all stamped with the commit time.
func BuildRequests(snap *registry.Snapshot) []*prompb.WriteRequest {
	ts := snap.Committed.UnixMilli()
	var out []*prompb.WriteRequest
	for start := 0; start < len(snap.Samples); start += maxBatch {
		end := min(start+maxBatch, len(snap.Samples))
		series := make([]prompb.TimeSeries, 0, end-start)
		for _, s := range snap.Samples[start:end] {
			series = append(series, prompb.TimeSeries{
				Labels:  toLabels(s),
				Samples: []prompb.Sample{{Value: s.Value, Timestamp: ts}},
			})
		}
		out = append(out, &prompb.WriteRequest{Timeseries: series})
	}
	return out
}

func toLabels(s engine.Sample) []prompb.Label {
	out := make([]prompb.Label, 0, s.Labels.Len()+1)
	out = append(out, prompb.Label{Name: labels.MetricName, Value: s.Name})
	s.Labels.Range(func(l labels.Label) {
		out = append(out, prompb.Label{Name: l.Name, Value: l.Value})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Publisher) sendWithRetry(ctx context.Context, ep *endpoint, req *prompb.WriteRequest) error {
	data, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	return backoff.Retry(func() error {
		err := ep.send(ctx, compressed)
		var se *StatusError
		// Client errors other than throttling are not retried.
		if errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.backoff(), ctx))
}

func (ep *endpoint) send(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	for k, v := range ep.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if ep.cfg.Tenant != "" {
		httpReq.Header.Set("X-Scope-OrgID", ep.cfg.Tenant)
	}

	resp, err := ep.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{URL: ep.cfg.URL, Status: resp.StatusCode, Body: string(b)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
