// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"time"
)

// EntityKind names a class of upstream object, e.g. "vm" or "storage_container".
type EntityKind string

// KindSpec describes how the scheduler collects one entity kind.
type KindSpec struct {
	Kind     EntityKind
	Category Category
	// Sequential kinds have their details fetched one at a time because the
	// upstream cannot serve concurrent cursors for them.
	Sequential bool
}

// EntityRef identifies one entity returned by a list call.
type EntityRef struct {
	Kind   EntityKind
	ID     string
	Name   string
	Target string
	// Parent is the owning entity, e.g. the cluster of a host.
	Parent string
	Attrs  map[string]string
}

// Key is the identity under which the entity's samples are tracked across
// cycles.
func (r EntityRef) Key() string {
	return string(r.Kind) + "/" + r.Target + "/" + r.ID
}

// Payload is a decoded detail response.
type Payload struct {
	Ref  EntityRef
	Body any
}

// Token is an opaque credential for one target.
type Token struct {
	Target   string
	Scheme   string
	Value    string
	IssuedAt time.Time
}

// Client is the per-dialect API surface used by the scheduler.
type Client interface {
	Authenticate(ctx context.Context, target string) (Token, error)
	FetchEntityList(ctx context.Context, kind EntityKind) ([]EntityRef, error)
	FetchEntityDetail(ctx context.Context, ref EntityRef) (Payload, error)
}

// Mapper turns a payload into samples. It must not perform I/O.
type Mapper interface {
	Map(p Payload, t Toggles) ([]Sample, error)
}

// Pair is the client and mapper selected at bootstrap together with the
// kinds the dialect knows how to collect.
type Pair struct {
	Mode   Mode
	Kinds  []KindSpec
	Client Client
	Mapper Mapper
}

// Plan returns the kinds whose category is enabled, in declaration order.
func (p Pair) Plan(t Toggles) []KindSpec {
	var out []KindSpec
	for _, k := range p.Kinds {
		if t.Enabled(k.Category) {
			out = append(out, k)
		}
	}
	return out
}

type cycleKey struct{}

// WithCycle tags ctx with the id of the collection cycle it belongs to.
func WithCycle(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

// CycleID returns the cycle id stored in ctx, or "".
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}
