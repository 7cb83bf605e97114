// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Authenticator issues a token for a target.
type Authenticator func(ctx context.Context, target string) (engine.Token, error)

// Credentials is a username/password pair.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource resolves the credentials of a target.
type CredentialSource func(target string) (Credentials, bool)

// StaticCredentials returns the same credentials for every target.
func StaticCredentials(c Credentials) CredentialSource {
	return func(string) (Credentials, bool) { return c, true }
}

// BasicAuth issues basic-auth tokens from src.
func BasicAuth(src CredentialSource) Authenticator {
	return func(_ context.Context, target string) (engine.Token, error) {
		c, ok := src(target)
		if !ok || c.Username == "" {
			return engine.Token{}, &engine.AuthError{Target: target, Err: fmt.Errorf("no credentials configured")}
		}
		v := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
		return engine.Token{Target: target, Scheme: SchemeBasic, Value: v, IssuedAt: time.Now()}, nil
	}
}

// Sessions caches one token per target. Concurrent refreshes of the same
// target collapse into one call, and a target is refreshed at most once per
// collection cycle.
type Sessions struct {
	auth     Authenticator
	observer Observer
	dialect  string

	mu        sync.Mutex
	tokens    map[string]engine.Token
	refreshed map[string]refreshMark
	group     singleflight.Group
}

// refreshMark is the last refresh of a target and whether it succeeded.
type refreshMark struct {
	cycle string
	ok    bool
}

// NewSessions creates an empty token cache.
func NewSessions(auth Authenticator, dialect string, obs Observer) *Sessions {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Sessions{
		auth:      auth,
		observer:  obs,
		dialect:   dialect,
		tokens:    make(map[string]engine.Token),
		refreshed: make(map[string]refreshMark),
	}
}

// Get returns the cached token for target, authenticating on first use.
func (s *Sessions) Get(ctx context.Context, target string) (engine.Token, error) {
	s.mu.Lock()
	tok, ok := s.tokens[target]
	s.mu.Unlock()
	if ok {
		return tok, nil
	}
	v, err, _ := s.group.Do("login/"+target, func() (any, error) {
		s.mu.Lock()
		if tok, ok := s.tokens[target]; ok {
			s.mu.Unlock()
			return tok, nil
		}
		s.mu.Unlock()
		return s.login(ctx, target)
	})
	if err != nil {
		return engine.Token{}, err
	}
	return v.(engine.Token), nil
}

// Refresh replaces stale with a new token. When another caller has already
// replaced stale, or the target was refreshed successfully earlier in the
// same cycle, the current token is returned without contacting the target.
// A refresh that failed is not repeated within the cycle.
func (s *Sessions) Refresh(ctx context.Context, target string, stale engine.Token) (engine.Token, error) {
	cycle := engine.CycleID(ctx)
	v, err, _ := s.group.Do("refresh/"+target, func() (any, error) {
		s.mu.Lock()
		cur, ok := s.tokens[target]
		if ok && cur.Value != stale.Value {
			s.mu.Unlock()
			return cur, nil
		}
		if mark := s.refreshed[target]; cycle != "" && mark.cycle == cycle {
			s.mu.Unlock()
			if mark.ok && ok {
				return cur, nil
			}
			return nil, &engine.AuthError{Target: target, Err: engine.ErrRefreshBudget}
		}
		s.mu.Unlock()

		s.observer.ObserveReauth(s.dialect)
		tok, err := s.login(ctx, target)
		if cycle != "" {
			s.mu.Lock()
			s.refreshed[target] = refreshMark{cycle: cycle, ok: err == nil}
			s.mu.Unlock()
		}
		if err != nil {
			return nil, err
		}
		return tok, nil
	})
	if err != nil {
		return engine.Token{}, err
	}
	return v.(engine.Token), nil
}

// Invalidate drops the cached token for target.
func (s *Sessions) Invalidate(target string) {
	s.mu.Lock()
	delete(s.tokens, target)
	s.mu.Unlock()
}

func (s *Sessions) login(ctx context.Context, target string) (engine.Token, error) {
	tok, err := s.auth(ctx, target)
	if err != nil {
		var ae *engine.AuthError
		var fe *engine.FetchError
		if !errors.As(err, &ae) && !errors.As(err, &fe) {
			err = &engine.AuthError{Target: target, Err: err}
		}
		return engine.Token{}, err
	}
	if tok.Target == "" {
		tok.Target = target
	}
	s.mu.Lock()
	s.tokens[target] = tok
	s.mu.Unlock()
	return tok, nil
}
