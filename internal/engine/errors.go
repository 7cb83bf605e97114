// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"errors"
	"fmt"
)

// ErrRefreshBudget is returned when a target's token was already refreshed
// during the current cycle.
var ErrRefreshBudget = errors.New("token already refreshed this cycle")

// FailureClass tells the retry executor how to treat an error.
type FailureClass int

const (
	ClassPermanent FailureClass = iota
	ClassTransient
	ClassAuth
	ClassCanceled
)

func (c FailureClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassCanceled:
		return "canceled"
	default:
		return "permanent"
	}
}

// ConfigError reports a missing or contradictory startup parameter. It is
// the only error that stops the process.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// AuthError reports that a target rejected or could not issue credentials.
type AuthError struct {
	Target string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Target, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError is a single failed remote call.
type FetchError struct {
	Target     string
	Endpoint   string
	StatusCode int // 0 when no response was received
	Class      FailureClass
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// EntityFetchError is the terminal failure the retry executor returns once
// an operation will not be attempted again.
type EntityFetchError struct {
	Target   string
	Endpoint string
	Kind     EntityKind
	Entity   string
	Attempts int
	Class    FailureClass
	// Unreachable is set when the last attempt never got a response.
	Unreachable bool
	Err         error
}

func (e *EntityFetchError) Error() string {
	ent := string(e.Kind)
	if e.Entity != "" {
		ent += "/" + e.Entity
	}
	return fmt.Sprintf("%s on %s failed after %d attempt(s) (%s): %v", ent, e.Target, e.Attempts, e.Class, e.Err)
}

func (e *EntityFetchError) Unwrap() error { return e.Err }

// MappingError reports a payload the mapper could not interpret.
type MappingError struct {
	Kind   EntityKind
	Entity string
	Err    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("map %s %q: %v", e.Kind, e.Entity, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }

// StatusClass classifies an HTTP status code.
func StatusClass(code int) FailureClass {
	switch {
	case code == 401:
		return ClassAuth
	case code == 408 || code == 429 || code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsUnreachable reports whether err means the target did not answer at all.
func IsUnreachable(err error) bool {
	var efe *EntityFetchError
	return errors.As(err, &efe) && efe.Unreachable
}

// ClassOf extracts the failure class recorded in err, defaulting to
// permanent.
func ClassOf(err error) FailureClass {
	var efe *EntityFetchError
	if errors.As(err, &efe) {
		return efe.Class
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ClassAuth
	}
	return ClassPermanent
}
