// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

// Classify decides the failure class of err. Errors that already carry a
// class keep it; connection level failures are transient; everything else
// is permanent.
func Classify(err error) engine.FailureClass {
	if err == nil {
		return engine.ClassPermanent
	}
	var fe *engine.FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	var ae *engine.AuthError
	if errors.As(err, &ae) {
		return engine.ClassAuth
	}
	var me *engine.MappingError
	if errors.As(err, &me) {
		return engine.ClassPermanent
	}
	if isTransport(err) {
		return engine.ClassTransient
	}
	return engine.ClassPermanent
}

// isTransport reports whether err is a network failure where no response
// was received.
func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// unreachable reports whether err means no response came back.
func unreachable(err error) bool {
	var fe *engine.FetchError
	if errors.As(err, &fe) {
		return fe.StatusCode == 0 && fe.Class == engine.ClassTransient
	}
	return isTransport(err)
}
