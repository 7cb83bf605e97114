// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives collection cycles: it lists every enabled entity
// kind, fetches entity details on a bounded worker pool, maps payloads into
// samples and commits the result to the registry in one step.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/registry"
)

// State is the phase of the scheduler.
type State int32

const (
	StateIdle State = iota
	StateCollecting
	StateCommitting
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateCommitting:
		return "committing"
	default:
		return "idle"
	}
}

// Config holds the scheduler settings.
type Config struct {
	Interval time.Duration
	// Workers bounds the detail fetches in flight across all kinds.
	Workers    int
	Sinks      []Sink
	Publishers []Publisher
	Logger     *slog.Logger
	Now        func() time.Time
}

// Scheduler runs collection cycles for one client/mapper pair.
type Scheduler struct {
	pair    engine.Pair
	toggles engine.Toggles
	reg     *registry.Registry
	cfg     Config
	state   atomic.Int32
	sem     *semaphore.Weighted
	tracer  trace.Tracer
	log     *slog.Logger
	// pending holds the latest committed snapshot not yet published.
	pending chan *registry.Snapshot
}

// New creates a Scheduler. The toggle set is fixed for its lifetime.
func New(pair engine.Pair, toggles engine.Toggles, reg *registry.Registry, cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		pair:    pair,
		toggles: toggles,
		reg:     reg,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		tracer:  otel.Tracer("github.com/nx-dz/nutanix-prometheus-exporter/internal/scheduler"),
		log:     cfg.Logger.With("component", "scheduler", "mode", pair.Mode.String()),
		pending: make(chan *registry.Snapshot, 1),
	}
}

// State returns the current phase.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run ticks immediately and then every Interval until ctx is done. A tick
// that fires while a cycle is still running is skipped. Committed snapshots
// are published in the background so a slow publisher never holds up a
// cycle; when publishing falls behind only the latest snapshot is sent.
// Run waits for the running cycle before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		"interval", s.cfg.Interval,
		"workers", s.cfg.Workers,
		"categories", s.toggles.EnabledCategories())

	var wg sync.WaitGroup
	defer wg.Wait()
	if len(s.cfg.Publishers) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.publishLoop(ctx)
		}()
	}
	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}

	tick()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

// RunOnce runs a single cycle, publishes its snapshot and returns its
// report.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	rep, ok := s.Tick(ctx)
	if !ok {
		return rep, errors.New("a cycle is already running")
	}
	select {
	case snap := <-s.pending:
		s.publish(ctx, snap)
	default:
	}
	return rep, rep.Err
}

// Tick runs one cycle. It reports false without doing anything when a
// cycle is already in progress. The committed snapshot is queued for the
// publishers started by Run.
func (s *Scheduler) Tick(ctx context.Context) (Report, bool) {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateCollecting)) {
		for _, sink := range s.cfg.Sinks {
			sink.TickSkipped()
		}
		return Report{}, false
	}

	rep := Report{CycleID: uuid.NewString(), Start: s.cfg.Now()}
	ctx = engine.WithCycle(ctx, rep.CycleID)
	ctx, span := s.tracer.Start(ctx, "collect.cycle", trace.WithAttributes(
		attribute.String("cycle.id", rep.CycleID),
		attribute.String("mode", s.pair.Mode.String()),
	))
	defer span.End()

	c := s.collect(ctx)
	rep.Records = c.records
	if err := ctx.Err(); err != nil {
		rep.End = s.cfg.Now()
		rep.Err = err
		span.SetStatus(codes.Error, "canceled")
		s.state.Store(int32(StateIdle))
		s.observe(rep)
		return rep, true
	}

	s.state.Store(int32(StateCommitting))
	rep.End = s.cfg.Now()
	rep.Snapshot = s.reg.Commit(registry.Cycle{
		ID:     rep.CycleID,
		Start:  rep.Start,
		End:    rep.End,
		Groups: c.groups,
		Carry:  c.carry,
	})
	s.state.Store(int32(StateIdle))
	span.SetAttributes(
		attribute.Int("samples", len(rep.Snapshot.Samples)),
		attribute.Int("failed", len(rep.Failed())),
	)
	s.enqueue(rep.Snapshot)
	s.observe(rep)
	return rep, true
}

// enqueue replaces any unpublished snapshot with snap.
func (s *Scheduler) enqueue(snap *registry.Snapshot) {
	if len(s.cfg.Publishers) == 0 {
		return
	}
	for {
		select {
		case s.pending <- snap:
			return
		default:
		}
		select {
		case old := <-s.pending:
			s.log.Debug("unpublished snapshot superseded", "cycle", old.CycleID)
		default:
		}
	}
}

func (s *Scheduler) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-s.pending:
			s.publish(ctx, snap)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, snap *registry.Snapshot) {
	for _, p := range s.cfg.Publishers {
		if err := p.Publish(ctx, snap); err != nil {
			s.log.Warn("publish snapshot", "cycle", snap.CycleID, "error", err)
		}
	}
}

func (s *Scheduler) observe(rep Report) {
	for _, sink := range s.cfg.Sinks {
		sink.Observe(rep)
	}
}

// cycle accumulates the results of the entity goroutines.
type cycle struct {
	mu      sync.Mutex
	groups  []registry.Group
	carry   []string
	records []Record
}

func (c *cycle) record(r Record) {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
}

// keep marks ref's previous samples for carry forward.
func (c *cycle) keep(ref engine.EntityRef) {
	c.mu.Lock()
	c.carry = append(c.carry, ref.Key())
	c.mu.Unlock()
}

func (c *cycle) success(ref engine.EntityRef, samples []engine.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, registry.Group{Ref: ref, Samples: samples})
	c.records = append(c.records, Record{
		Target:  ref.Target,
		Kind:    ref.Kind,
		Entity:  ref.Name,
		Outcome: OutcomeOK,
		Samples: len(samples),
	})
}

func (s *Scheduler) collect(ctx context.Context) *cycle {
	c := &cycle{}
	var g errgroup.Group
	for _, spec := range s.pair.Plan(s.toggles) {
		g.Go(func() error {
			s.collectKind(ctx, c, spec)
			return nil
		})
	}
	_ = g.Wait()
	return c
}

func (s *Scheduler) collectKind(ctx context.Context, c *cycle, spec engine.KindSpec) {
	ctx, span := s.tracer.Start(ctx, "collect.kind", trace.WithAttributes(
		attribute.String("kind", string(spec.Kind)),
		attribute.String("category", string(spec.Category)),
	))
	defer span.End()

	refs, err := s.pair.Client.FetchEntityList(ctx, spec.Kind)
	if err != nil {
		// Without a list nothing of this kind can be published.
		span.SetStatus(codes.Error, err.Error())
		c.record(failure(engine.EntityRef{Kind: spec.Kind}, OutcomeFailed, err))
		return
	}
	span.SetAttributes(attribute.Int("entities", len(refs)))

	if spec.Sequential {
		for _, ref := range refs {
			if !s.acquire(ctx, c, ref) {
				return
			}
			s.collectEntity(ctx, c, ref)
			s.sem.Release(1)
		}
		return
	}

	var g errgroup.Group
	for _, ref := range refs {
		if !s.acquire(ctx, c, ref) {
			break
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			s.collectEntity(ctx, c, ref)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) acquire(ctx context.Context, c *cycle, ref engine.EntityRef) bool {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		c.record(failure(ref, OutcomeFailed, err))
		return false
	}
	return true
}

func (s *Scheduler) collectEntity(ctx context.Context, c *cycle, ref engine.EntityRef) {
	payload, err := s.pair.Client.FetchEntityDetail(ctx, ref)
	if err != nil {
		outcome := OutcomeStale
		if engine.IsUnreachable(err) || ctx.Err() != nil {
			outcome = OutcomeFailed
		}
		c.record(failure(ref, outcome, err))
		if outcome == OutcomeStale {
			c.keep(ref)
		}
		return
	}
	samples, err := s.pair.Mapper.Map(payload, s.toggles)
	if err != nil {
		c.record(failure(ref, OutcomeUnmapped, err))
		c.keep(ref)
		return
	}
	c.success(ref, samples)
}

func failure(ref engine.EntityRef, outcome Outcome, err error) Record {
	r := Record{
		Target:  ref.Target,
		Kind:    ref.Kind,
		Entity:  ref.Name,
		Outcome: outcome,
		Class:   engine.ClassOf(err),
		Err:     err,
	}
	var efe *engine.EntityFetchError
	if errors.As(err, &efe) {
		r.Attempts = efe.Attempts
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.Class = engine.ClassCanceled
	}
	return r
}
