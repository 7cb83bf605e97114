// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the committed metric snapshot. A snapshot is
// replaced wholesale by Commit and is read without locking.
package registry

import (
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Group is the sample set one entity produced during a cycle.
type Group struct {
	Ref     engine.EntityRef
	Samples []engine.Sample
}

// Cycle is a finished collection cycle.
type Cycle struct {
	ID    string
	Start time.Time
	End   time.Time
	// Groups holds the entities collected successfully.
	Groups []Group
	// Carry lists the keys of entities that failed this cycle but whose last
	// good group may still be published.
	Carry []string
}

// Snapshot is one committed sample set.
type Snapshot struct {
	CycleID   string
	Committed time.Time
	Samples   []engine.Sample
	// Stale counts the samples carried forward from earlier cycles.
	Stale int
	// Duplicates counts samples dropped because another entity already
	// produced the same series.
	Duplicates int
}

// Config bounds how long the last good group of a failing entity is kept.
type Config struct {
	// MaxCycles is the number of consecutive failed cycles an entity's
	// previous samples survive. Zero disables carry forward.
	MaxCycles int
	// TTL drops carried samples older than this regardless of MaxCycles.
	// Zero disables the limit.
	TTL time.Duration
	// MaxEntities bounds the tracker. Zero means unbounded.
	MaxEntities int
}

type lastGood struct {
	samples []engine.Sample
	misses  int
}

// Registry is safe for concurrent use. Commit calls are serialized.
type Registry struct {
	cfg     Config
	current atomic.Pointer[Snapshot]
	log     *slog.Logger

	mu      sync.Mutex
	tracker *expirable.LRU[string, *lastGood]
}

// New creates an empty Registry.
func New(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxCycles < 0 {
		cfg.MaxCycles = 0
	}
	return &Registry{
		cfg:     cfg,
		log:     log.With("component", "registry"),
		tracker: expirable.NewLRU[string, *lastGood](cfg.MaxEntities, nil, cfg.TTL),
	}
}

// Commit builds a snapshot from c and publishes it in one pointer swap.
func (r *Registry) Commit(c Cycle) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{CycleID: c.ID, Committed: c.End}
	seen := make(map[string]struct{})
	add := func(ss []engine.Sample) int {
		n := 0
		for _, s := range ss {
			k := s.Key()
			if _, dup := seen[k]; dup {
				snap.Duplicates++
				continue
			}
			seen[k] = struct{}{}
			snap.Samples = append(snap.Samples, s)
			n++
		}
		return n
	}

	groups := slices.Clone(c.Groups)
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Ref.Key() < groups[j].Ref.Key() })
	live := make(map[string]struct{}, len(groups)+len(c.Carry))
	for _, g := range groups {
		key := g.Ref.Key()
		live[key] = struct{}{}
		add(g.Samples)
		r.tracker.Add(key, &lastGood{samples: g.Samples})
	}
	for _, key := range c.Carry {
		if _, ok := live[key]; ok {
			continue
		}
		prev, ok := r.tracker.Peek(key)
		if !ok {
			continue
		}
		prev.misses++
		if prev.misses > r.cfg.MaxCycles {
			r.tracker.Remove(key)
			r.log.Debug("stale group expired", "entity", key, "misses", prev.misses)
			continue
		}
		live[key] = struct{}{}
		snap.Stale += add(prev.samples)
	}
	// Entities that vanished or are in an outage are forgotten.
	for _, key := range r.tracker.Keys() {
		if _, ok := live[key]; !ok {
			r.tracker.Remove(key)
		}
	}

	engine.SortSamples(snap.Samples)
	r.current.Store(snap)
	return snap
}

// Current returns the latest snapshot, or nil before the first commit.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// ReadSnapshot returns the committed samples. It never blocks and returns
// an empty slice before the first commit. Callers must not modify the
// result.
func (r *Registry) ReadSnapshot() []engine.Sample {
	snap := r.current.Load()
	if snap == nil {
		return []engine.Sample{}
	}
	return snap.Samples
}

// Ready reports whether a snapshot has been committed.
func (r *Registry) Ready() bool {
	return r.current.Load() != nil
}
