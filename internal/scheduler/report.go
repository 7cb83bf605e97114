// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/registry"
)

// Outcome is the result of collecting one entity.
type Outcome string

const (
	OutcomeOK Outcome = "ok"
	// OutcomeStale means the fetch failed and the previous samples may be
	// carried forward.
	OutcomeStale Outcome = "stale"
	// OutcomeFailed means the entity contributes nothing to the snapshot.
	OutcomeFailed Outcome = "failed"
	// OutcomeUnmapped means the payload could not be turned into samples.
	// The previous samples may be carried forward.
	OutcomeUnmapped Outcome = "unmapped"
)

// Record describes one entity (or one list call, when Entity is empty) in a
// cycle.
type Record struct {
	Target   string
	Kind     engine.EntityKind
	Entity   string
	Outcome  Outcome
	Class    engine.FailureClass
	Attempts int
	Samples  int
	Err      error
}

// Report summarizes a finished cycle.
type Report struct {
	CycleID string
	Start   time.Time
	End     time.Time
	Records []Record
	// Snapshot is nil when the cycle was canceled before commit.
	Snapshot *registry.Snapshot
	Err      error
}

// Duration is the wall time of the cycle.
func (r Report) Duration() time.Duration { return r.End.Sub(r.Start) }

// Failed returns the records whose outcome is not OK.
func (r Report) Failed() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Outcome != OutcomeOK {
			out = append(out, rec)
		}
	}
	return out
}

// Sink receives per-cycle outcome records.
type Sink interface {
	Observe(Report)
	TickSkipped()
}

// Publisher pushes a committed snapshot to an external system.
type Publisher interface {
	Publish(ctx context.Context, snap *registry.Snapshot) error
}

// LogSink writes cycle outcomes to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

// Observe implements Sink.
func (s LogSink) Observe(r Report) {
	log := s.Log.With("cycle", r.CycleID)
	if r.Err != nil {
		log.Warn("cycle aborted", "error", r.Err, "duration", r.Duration())
		return
	}
	failed := r.Failed()
	for _, rec := range failed {
		log.Warn("entity not collected",
			"target", rec.Target,
			"kind", rec.Kind,
			"entity", rec.Entity,
			"outcome", rec.Outcome,
			"class", rec.Class.String(),
			"attempts", rec.Attempts,
			"error", rec.Err)
	}
	attrs := []any{
		"duration", r.Duration(),
		"entities", len(r.Records),
		"failed", len(failed),
	}
	if r.Snapshot != nil {
		attrs = append(attrs, "samples", len(r.Snapshot.Samples), "stale", r.Snapshot.Stale)
	}
	log.Info("cycle committed", attrs...)
}

// TickSkipped implements Sink.
func (s LogSink) TickSkipped() {
	s.Log.Warn("previous cycle still running, tick skipped")
}
