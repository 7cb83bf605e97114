// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package retry wraps single remote calls in a bounded attempt state machine
// with a fixed delay between attempts and a timeout on each attempt.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Config holds the executor limits.
type Config struct {
	// MaxAttempts is the total number of attempts for transient failures.
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// AttemptTimeout bounds each attempt separately. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultConfig mirrors the exporter defaults.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Delay: 15 * time.Second, AttemptTimeout: 30 * time.Second}
}

// Executor runs operations under a Config. It is safe for concurrent use.
type Executor struct {
	cfg      Config
	classify func(error) engine.FailureClass
	log      *slog.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithClassifier replaces Classify.
func WithClassifier(fn func(error) engine.FailureClass) Option {
	return func(e *Executor) { e.classify = fn }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an Executor.
func New(cfg Config, opts ...Option) *Executor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	e := &Executor{cfg: cfg, classify: Classify, log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.With("component", "retry")
	return e
}

// Config returns the executor limits.
func (e *Executor) Config() Config { return e.cfg }

// Op describes the call being retried.
type Op struct {
	Target   string
	Endpoint string
	Kind     engine.EntityKind
	Entity   string
	// Reauth forces a credential refresh after an auth failure. When nil an
	// auth failure is terminal.
	Reauth func(ctx context.Context) error
}

// Result is the outcome of Do. Err is nil on success.
type Result[T any] struct {
	Value    T
	Attempts int
	Reauthed bool
	Err      *engine.EntityFetchError
}

// AsError returns Err as an error, or nil on success.
func (r Result[T]) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

type state int

const (
	stateAttempt state = iota
	stateWait
	stateReauth
	stateFail
)

// Do runs call until it succeeds or a terminal state is reached:
//   - transient failures are retried after Delay until MaxAttempts,
//   - an auth failure triggers one Reauth and one extra attempt,
//   - permanent failures stop immediately,
//   - cancellation of ctx stops immediately.
func Do[T any](ctx context.Context, e *Executor, op Op, call func(ctx context.Context) (T, error)) Result[T] {
	var (
		res     Result[T]
		lastErr error
		class   engine.FailureClass
	)
	sched := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.Delay), uint64(e.cfg.MaxAttempts-1))
	st := stateAttempt

	for {
		switch st {
		case stateAttempt:
			res.Attempts++
			v, err := attempt(ctx, e.cfg.AttemptTimeout, call)
			if err == nil {
				res.Value = v
				return res
			}
			lastErr = err
			if ctx.Err() != nil {
				class = engine.ClassCanceled
				st = stateFail
				continue
			}
			class = e.classify(err)
			switch class {
			case engine.ClassTransient:
				st = stateWait
			case engine.ClassAuth:
				st = stateReauth
			default:
				st = stateFail
			}

		case stateWait:
			d := sched.NextBackOff()
			if d == backoff.Stop {
				st = stateFail
				continue
			}
			e.log.Debug("retrying after transient failure",
				"target", op.Target, "endpoint", op.Endpoint, "attempt", res.Attempts, "delay", d, "error", lastErr)
			if err := sleep(ctx, d); err != nil {
				class = engine.ClassCanceled
				st = stateFail
				continue
			}
			st = stateAttempt

		case stateReauth:
			if res.Reauthed || op.Reauth == nil {
				st = stateFail
				continue
			}
			res.Reauthed = true
			if err := op.Reauth(ctx); err != nil {
				var ae *engine.AuthError
				if !errors.As(err, &ae) {
					err = &engine.AuthError{Target: op.Target, Err: err}
				}
				lastErr = err
				st = stateFail
				continue
			}
			st = stateAttempt

		case stateFail:
			res.Err = &engine.EntityFetchError{
				Target:      op.Target,
				Endpoint:    op.Endpoint,
				Kind:        op.Kind,
				Entity:      op.Entity,
				Attempts:    res.Attempts,
				Class:       class,
				Unreachable: class == engine.ClassTransient && unreachable(lastErr),
				Err:         lastErr,
			}
			return res
		}
	}
}

func attempt[T any](ctx context.Context, timeout time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return call(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(actx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
