// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/registry"
)

const (
	kindHost engine.EntityKind = "host"
	kindVM   engine.EntityKind = "vm"
	kindPC   engine.EntityKind = "prism_central"
)

type fakeClient struct {
	mu          sync.Mutex
	lists       map[engine.EntityKind][]engine.EntityRef
	listErr     map[engine.EntityKind]error
	detailErr   map[string]error
	garbled     map[string]bool
	listCalls   map[engine.EntityKind]int
	cycleIDs    map[string]struct{}
	value       float64
	release     chan struct{}
	inFlight    atomic.Int32
	maxInFlight map[engine.EntityKind]int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		lists:       make(map[engine.EntityKind][]engine.EntityRef),
		listErr:     make(map[engine.EntityKind]error),
		detailErr:   make(map[string]error),
		garbled:     make(map[string]bool),
		listCalls:   make(map[engine.EntityKind]int),
		cycleIDs:    make(map[string]struct{}),
		maxInFlight: make(map[engine.EntityKind]int32),
		value:       1,
	}
}

func (f *fakeClient) add(kind engine.EntityKind, names ...string) {
	for _, n := range names {
		f.lists[kind] = append(f.lists[kind], engine.EntityRef{Kind: kind, ID: n, Name: n, Target: "prism"})
	}
}

func (f *fakeClient) Authenticate(context.Context, string) (engine.Token, error) {
	return engine.Token{}, nil
}

func (f *fakeClient) FetchEntityList(ctx context.Context, kind engine.EntityKind) ([]engine.EntityRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls[kind]++
	f.cycleIDs[engine.CycleID(ctx)] = struct{}{}
	if err := f.listErr[kind]; err != nil {
		return nil, err
	}
	return f.lists[kind], nil
}

func (f *fakeClient) FetchEntityDetail(ctx context.Context, ref engine.EntityRef) (engine.Payload, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	if n > f.maxInFlight[ref.Kind] {
		f.maxInFlight[ref.Kind] = n
	}
	f.cycleIDs[engine.CycleID(ctx)] = struct{}{}
	err := f.detailErr[ref.ID]
	garbled := f.garbled[ref.ID] || ref.ID == "garbled"
	v := f.value
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return engine.Payload{}, ctx.Err()
		}
	} else {
		time.Sleep(time.Millisecond)
	}
	if err != nil {
		return engine.Payload{}, err
	}
	if garbled {
		return engine.Payload{Ref: ref, Body: "garbled"}, nil
	}
	return engine.Payload{Ref: ref, Body: v}, nil
}

func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fakeMapper struct{}

func (fakeMapper) Map(p engine.Payload, _ engine.Toggles) ([]engine.Sample, error) {
	v, ok := p.Body.(float64)
	if !ok {
		return nil, &engine.MappingError{Kind: p.Ref.Kind, Entity: p.Ref.Name, Err: errors.New("not a number")}
	}
	var set engine.SampleSet
	set.Add("nutanix_test_"+string(p.Ref.Kind), v, labels.FromStrings(string(p.Ref.Kind), p.Ref.Name))
	return set.Samples(), nil
}

type recordingSink struct {
	mu      sync.Mutex
	reports []Report
	skipped atomic.Int32
}

func (s *recordingSink) Observe(r Report) {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
}

func (s *recordingSink) TickSkipped() { s.skipped.Add(1) }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type publisherFunc func(ctx context.Context, snap *registry.Snapshot) error

func (f publisherFunc) Publish(ctx context.Context, snap *registry.Snapshot) error { return f(ctx, snap) }

var testKinds = []engine.KindSpec{
	{Kind: kindHost, Category: engine.CategoryCluster},
	{Kind: kindVM, Category: engine.CategoryVMs},
	{Kind: kindPC, Category: engine.CategoryPrismCentral, Sequential: true},
}

func newScheduler(t *testing.T, fc *fakeClient, toggles engine.Toggles, cfg Config) (*Scheduler, *registry.Registry, *recordingSink) {
	t.Helper()
	reg := registry.New(registry.Config{MaxCycles: 2}, nil)
	sink := &recordingSink{}
	cfg.Sinks = append(cfg.Sinks, sink)
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	pair := engine.Pair{Mode: engine.ModeLegacy, Kinds: testKinds, Client: fc, Mapper: fakeMapper{}}
	return New(pair, toggles, reg, cfg), reg, sink
}

func allOn() engine.Toggles {
	return engine.NewToggles(map[engine.Category]bool{
		engine.CategoryCluster:      true,
		engine.CategoryVMs:          true,
		engine.CategoryPrismCentral: true,
	})
}

func keys(ss []engine.Sample) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Key())
	}
	return out
}

func TestTickCommitsEveryEntity(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1", "h2")
	fc.add(kindVM, "web-1")
	fc.add(kindPC, "pc01")
	s, reg, sink := newScheduler(t, fc, allOn(), Config{})

	rep, ok := s.Tick(context.Background())
	require.True(t, ok)
	require.NoError(t, rep.Err)
	assert.Empty(t, rep.Failed())
	assert.Len(t, rep.Records, 4)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 1, sink.count())

	assert.ElementsMatch(t, []string{
		`nutanix_test_host{host="h1"}`,
		`nutanix_test_host{host="h2"}`,
		`nutanix_test_vm{vm="web-1"}`,
		`nutanix_test_prism_central{prism_central="pc01"}`,
	}, keys(reg.ReadSnapshot()))
	assert.Equal(t, rep.CycleID, reg.Current().CycleID)
}

func TestDisabledCategoryNeverFetched(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")
	fc.add(kindVM, "web-1")
	fc.add(kindPC, "pc01")
	toggles := engine.NewToggles(map[engine.Category]bool{engine.CategoryCluster: true})
	s, reg, _ := newScheduler(t, fc, toggles, Config{})

	_, ok := s.Tick(context.Background())
	require.True(t, ok)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, map[engine.EntityKind]int{kindHost: 1}, fc.listCalls)
	assert.Equal(t, []string{`nutanix_test_host{host="h1"}`}, keys(reg.ReadSnapshot()))
}

func TestPartialFailureIsolation(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1", "h2", "h3", "garbled")
	s, reg, _ := newScheduler(t, fc, allOn(), Config{})

	_, ok := s.Tick(context.Background())
	require.True(t, ok)

	fc.set(func(f *fakeClient) {
		f.value = 2
		f.detailErr["h2"] = &engine.EntityFetchError{Target: "prism", Kind: kindHost, Entity: "h2", Attempts: 5, Class: engine.ClassTransient, Err: errors.New("status 503")}
		f.detailErr["h3"] = &engine.EntityFetchError{Target: "prism", Kind: kindHost, Entity: "h3", Attempts: 5, Class: engine.ClassTransient, Unreachable: true, Err: errors.New("connection refused")}
	})
	rep, ok := s.Tick(context.Background())
	require.True(t, ok)

	byEntity := make(map[string]Record)
	for _, r := range rep.Failed() {
		byEntity[r.Entity] = r
	}
	require.Len(t, byEntity, 3)
	assert.Equal(t, OutcomeStale, byEntity["h2"].Outcome)
	assert.Equal(t, engine.ClassTransient, byEntity["h2"].Class)
	assert.Equal(t, 5, byEntity["h2"].Attempts)
	assert.Equal(t, OutcomeFailed, byEntity["h3"].Outcome)
	assert.Equal(t, OutcomeUnmapped, byEntity["garbled"].Outcome)

	// garbled never mapped, so it has nothing to carry.
	got := make(map[string]float64)
	for _, smp := range reg.ReadSnapshot() {
		got[smp.Key()] = smp.Value
	}
	assert.Equal(t, map[string]float64{
		`nutanix_test_host{host="h1"}`: 2,
		`nutanix_test_host{host="h2"}`: 1,
	}, got)
	assert.Equal(t, 1, rep.Snapshot.Stale)
}

func TestMappingFailureKeepsPreviousSamples(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "a", "b", "c")
	s, reg, _ := newScheduler(t, fc, allOn(), Config{})

	_, ok := s.Tick(context.Background())
	require.True(t, ok)

	fc.set(func(f *fakeClient) {
		f.value = 2
		f.garbled["b"] = true
	})
	rep, ok := s.Tick(context.Background())
	require.True(t, ok)

	failed := rep.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, OutcomeUnmapped, failed[0].Outcome)

	got := make(map[string]float64)
	for _, smp := range reg.ReadSnapshot() {
		got[smp.Key()] = smp.Value
	}
	assert.Equal(t, map[string]float64{
		`nutanix_test_host{host="a"}`: 2,
		`nutanix_test_host{host="b"}`: 1,
		`nutanix_test_host{host="c"}`: 2,
	}, got)
	assert.Equal(t, 1, rep.Snapshot.Stale)

	// The carry is bounded like any other failure.
	for i := 0; i < 2; i++ {
		_, _ = s.Tick(context.Background())
	}
	assert.NotContains(t, keys(reg.ReadSnapshot()), `nutanix_test_host{host="b"}`)
}

func TestListFailureDropsKind(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")
	fc.add(kindVM, "web-1")
	s, reg, _ := newScheduler(t, fc, allOn(), Config{})
	_, _ = s.Tick(context.Background())

	fc.set(func(f *fakeClient) {
		f.listErr[kindVM] = &engine.EntityFetchError{Target: "prism", Kind: kindVM, Attempts: 1, Class: engine.ClassPermanent, Err: errors.New("status 404")}
	})
	rep, ok := s.Tick(context.Background())
	require.True(t, ok)

	failed := rep.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, kindVM, failed[0].Kind)
	assert.Empty(t, failed[0].Entity)
	assert.Equal(t, engine.ClassPermanent, failed[0].Class)
	assert.Equal(t, []string{`nutanix_test_host{host="h1"}`}, keys(reg.ReadSnapshot()))
}

func TestOverlappingTickSkipped(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")
	fc.release = make(chan struct{})
	s, reg, sink := newScheduler(t, fc, allOn(), Config{})

	done := make(chan Report)
	go func() {
		rep, _ := s.Tick(context.Background())
		done <- rep
	}()
	require.Eventually(t, func() bool { return fc.inFlight.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateCollecting, s.State())

	_, ok := s.Tick(context.Background())
	assert.False(t, ok)
	assert.EqualValues(t, 1, sink.skipped.Load())
	assert.False(t, reg.Ready())

	close(fc.release)
	rep := <-done
	assert.NoError(t, rep.Err)
	assert.True(t, reg.Ready())
	assert.Equal(t, StateIdle, s.State())
}

func TestWorkersBoundConcurrency(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8")
	fc.add(kindPC, "pc01", "pc02", "pc03")
	s, _, _ := newScheduler(t, fc, allOn(), Config{Workers: 2})

	_, ok := s.Tick(context.Background())
	require.True(t, ok)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.LessOrEqual(t, fc.maxInFlight[kindHost], int32(2))
	assert.LessOrEqual(t, fc.maxInFlight[kindPC], int32(2))
}

func TestCycleIDPropagated(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1", "h2")
	s, _, _ := newScheduler(t, fc, allOn(), Config{})

	rep, ok := s.Tick(context.Background())
	require.True(t, ok)
	require.NotEmpty(t, rep.CycleID)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Equal(t, map[string]struct{}{rep.CycleID: {}}, fc.cycleIDs)
}

func TestCanceledCycleNotCommitted(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")
	s, reg, sink := newScheduler(t, fc, allOn(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, ok := s.Tick(ctx)
	require.True(t, ok)
	assert.ErrorIs(t, rep.Err, context.Canceled)
	assert.Nil(t, rep.Snapshot)
	assert.False(t, reg.Ready())
	assert.Equal(t, 1, sink.count())
}

func TestPublishersReceiveSnapshot(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")
	var got *registry.Snapshot
	pub := publisherFunc(func(_ context.Context, snap *registry.Snapshot) error {
		got = snap
		return errors.New("remote down")
	})
	s, reg, _ := newScheduler(t, fc, allOn(), Config{Publishers: []Publisher{pub}})

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Same(t, reg.Current(), got)
	assert.Same(t, rep.Snapshot, got)
}

func TestSlowPublisherDoesNotHoldCycles(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")

	release := make(chan struct{})
	var mu sync.Mutex
	var published []string
	pub := publisherFunc(func(ctx context.Context, snap *registry.Snapshot) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		mu.Lock()
		published = append(published, snap.CycleID)
		mu.Unlock()
		return nil
	})
	s, reg, sink := newScheduler(t, fc, allOn(), Config{
		Interval:   20 * time.Millisecond,
		Publishers: []Publisher{pub},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	// Cycles keep committing while the publisher is blocked.
	require.Eventually(t, func() bool { return sink.count() >= 5 }, 2*time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	// The publisher skipped the snapshots committed while it was blocked.
	assert.Less(t, len(published), sink.count())
	assert.NotEqual(t, published[0], published[1])
	assert.NotEmpty(t, reg.Current().CycleID)
}

func TestRunTicksUntilCanceled(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindHost, "h1")
	s, reg, sink := newScheduler(t, fc, allOn(), Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, reg.Ready())
}

func TestRunOnce(t *testing.T) {
	fc := newFakeClient()
	fc.add(kindPC, "pc01")
	s, reg, _ := newScheduler(t, fc, allOn(), Config{})

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Snapshot.Samples, 1)
	assert.Equal(t, rep.Snapshot.Samples, reg.ReadSnapshot())
}
