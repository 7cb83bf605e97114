// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package redfish collects power and thermal readings from the hardware
// management interfaces of cluster nodes.
package redfish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/httpapi"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/retry"
)

// KindIPMI is the only entity kind: one management interface.
const KindIPMI engine.EntityKind = "ipmi"

const (
	powerPath    = "/redfish/v1/Chassis/1/Power"
	thermalPath  = "/redfish/v1/Chassis/1/Thermal"
	sessionsPath = "/redfish/v1/SessionService/Sessions"
)

// Kinds lists the entity kinds collected in redfish mode.
func Kinds() []engine.KindSpec {
	return []engine.KindSpec{{Kind: KindIPMI, Category: engine.CategoryIPMI}}
}

// Options configures a Client.
type Options struct {
	Targets           []Target
	VerifyTLS         bool
	CAFile            string
	SessionAuth       bool
	RequestsPerSecond float64
	Executor          *retry.Executor
	Observer          httpapi.Observer
	Logger            *slog.Logger
	Transport         http.RoundTripper
}

// Client polls every configured target independently.
type Client struct {
	caller  *httpapi.Caller
	targets []Target
	byAddr  map[string]Target
	log     *slog.Logger
}

// NewClient builds a Client for opts.Targets.
func NewClient(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{
		targets: append([]Target(nil), opts.Targets...),
		byAddr:  make(map[string]Target, len(opts.Targets)),
		log:     opts.Logger.With("component", "redfish"),
	}
	for _, t := range opts.Targets {
		c.byAddr[t.Address] = t
	}

	auth := httpapi.BasicAuth(c.credentials)
	if opts.SessionAuth {
		auth = c.createSession
	}
	caller, err := httpapi.New(httpapi.Options{
		Dialect:           "redfish",
		VerifyTLS:         opts.VerifyTLS,
		CAFile:            opts.CAFile,
		RequestsPerSecond: opts.RequestsPerSecond,
		Executor:          opts.Executor,
		Observer:          opts.Observer,
		Logger:            opts.Logger,
		Transport:         opts.Transport,
	}, auth)
	if err != nil {
		return nil, fmt.Errorf("redfish client: %w", err)
	}
	c.caller = caller
	return c, nil
}

func (c *Client) credentials(target string) (httpapi.Credentials, bool) {
	t, ok := c.byAddr[target]
	if !ok {
		return httpapi.Credentials{}, false
	}
	return httpapi.Credentials{Username: t.Username, Password: t.Password}, true
}

// Authenticate returns the cached credential of target, logging in when
// none is cached.
func (c *Client) Authenticate(ctx context.Context, target string) (engine.Token, error) {
	return c.caller.Sessions().Get(ctx, target)
}

// FetchEntityList returns one reference per configured target.
func (c *Client) FetchEntityList(_ context.Context, kind engine.EntityKind) ([]engine.EntityRef, error) {
	if kind != KindIPMI {
		return nil, fmt.Errorf("redfish: unsupported entity kind %q", kind)
	}
	refs := make([]engine.EntityRef, 0, len(c.targets))
	for _, t := range c.targets {
		refs = append(refs, engine.EntityRef{Kind: KindIPMI, ID: t.Address, Name: t.Name, Target: t.Address})
	}
	return refs, nil
}

// FetchEntityDetail reads the power and thermal resources of ref.
func (c *Client) FetchEntityDetail(ctx context.Context, ref engine.EntityRef) (engine.Payload, error) {
	r, err := FetchReading(ctx, c.caller, ref.Target, retry.Op{Kind: ref.Kind, Entity: ref.Name})
	if err != nil {
		return engine.Payload{}, err
	}
	return engine.Payload{Ref: ref, Body: r}, nil
}

// FetchReading reads Chassis/1 Power and Thermal from address through
// caller, which must hold the credentials of address.
func FetchReading(ctx context.Context, caller *httpapi.Caller, address string, op retry.Op) (Reading, error) {
	var r Reading
	base := "https://" + address

	op.Endpoint = powerPath
	if err := caller.GetJSON(ctx, address, base+powerPath, op, &r.Power); err != nil {
		return Reading{}, err
	}
	op.Endpoint = thermalPath
	if err := caller.GetJSON(ctx, address, base+thermalPath, op, &r.Thermal); err != nil {
		return Reading{}, err
	}
	return r, nil
}

func (c *Client) createSession(ctx context.Context, target string) (engine.Token, error) {
	creds, ok := c.credentials(target)
	if !ok {
		return engine.Token{}, &engine.AuthError{Target: target, Err: fmt.Errorf("unknown target")}
	}
	body, err := json.Marshal(sessionRequest{UserName: creds.Username, Password: creds.Password})
	if err != nil {
		return engine.Token{}, err
	}
	url := "https://" + target + sessionsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return engine.Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.caller.HTTPClient().Do(req)
	if err != nil {
		return engine.Token{}, &engine.FetchError{Target: target, Endpoint: sessionsPath, Class: retry.Classify(err), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		if engine.StatusClass(resp.StatusCode) == engine.ClassTransient {
			return engine.Token{}, &engine.FetchError{
				Target: target, Endpoint: sessionsPath, StatusCode: resp.StatusCode,
				Class: engine.ClassTransient, Err: fmt.Errorf("create session: %s", resp.Status),
			}
		}
		return engine.Token{}, &engine.AuthError{Target: target, Err: fmt.Errorf("create session: %s", resp.Status)}
	}
	tok := resp.Header.Get("X-Auth-Token")
	if tok == "" {
		return engine.Token{}, &engine.AuthError{Target: target, Err: fmt.Errorf("create session: no X-Auth-Token in response")}
	}
	c.log.Debug("redfish session created", "target", target)
	return engine.Token{Target: target, Scheme: httpapi.SchemeSession, Value: tok, IssuedAt: time.Now()}, nil
}
