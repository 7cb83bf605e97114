// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"strings"
)

// TLSConfig builds the client TLS settings. Server certificates are only
// verified when verify is set.
func TLSConfig(verify bool, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: !verify} //nolint:gosec
	if caFile != "" {
		b, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(b) {
			return nil, errors.New("bad ca")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// LookupAddr is the reverse resolver signature used by DisplayName.
type LookupAddr func(ctx context.Context, addr string) ([]string, error)

// DisplayName returns the host name to publish for a management address.
// IP addresses are reverse resolved; the address itself is used when the
// lookup fails.
func DisplayName(ctx context.Context, addr string, lookup LookupAddr) string {
	if net.ParseIP(addr) == nil {
		return addr
	}
	if lookup == nil {
		lookup = net.DefaultResolver.LookupAddr
	}
	names, err := lookup(ctx, addr)
	if err != nil || len(names) == 0 {
		return addr
	}
	return strings.TrimSuffix(names[0], ".")
}
