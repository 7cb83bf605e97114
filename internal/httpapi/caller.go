// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is the HTTP layer shared by the dialect clients: TLS
// setup, per-target credentials and rate limits, tracing, JSON decoding and
// status classification. Every call goes through the retry executor.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/retry"
)

// Token schemes understood by applyToken.
const (
	SchemeBasic   = "Basic"
	SchemeSession = "X-Auth-Token"
	SchemeBearer  = "Bearer"
)

const defaultMaxBody = 64 << 20

// Observer receives per-request telemetry.
type Observer interface {
	ObserveRequest(dialect string, code int, d time.Duration)
	ObserveReauth(dialect string)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int, time.Duration) {}
func (nopObserver) ObserveReauth(string)                      {}

// Options configures a Caller.
type Options struct {
	Dialect           string
	VerifyTLS         bool
	CAFile            string
	RequestsPerSecond float64
	MaxBodyBytes      int64
	Executor          *retry.Executor
	Observer          Observer
	Logger            *slog.Logger
	// Transport overrides the TLS transport built from VerifyTLS/CAFile.
	Transport http.RoundTripper
}

// Caller issues JSON requests against one or more targets of a dialect.
type Caller struct {
	opts       Options
	client     *http.Client
	sessions   *Sessions
	exec       *retry.Executor
	observer   Observer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	log        *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Caller. auth may be nil for unauthenticated endpoints.
func New(opts Options, auth Authenticator) (*Caller, error) {
	transport := opts.Transport
	if transport == nil {
		tlsCfg, err := TLSConfig(opts.VerifyTLS, opts.CAFile)
		if err != nil {
			return nil, err
		}
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsCfg,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Executor == nil {
		opts.Executor = retry.New(retry.DefaultConfig())
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	c := &Caller{
		opts:       opts,
		client:     &http.Client{Transport: transport},
		exec:       opts.Executor,
		observer:   opts.Observer,
		tracer:     otel.Tracer("github.com/nx-dz/nutanix-prometheus-exporter/internal/httpapi"),
		propagator: propagation.TraceContext{},
		log:        opts.Logger.With("component", "httpapi", "dialect", opts.Dialect),
		limiters:   make(map[string]*rate.Limiter),
	}
	if auth != nil {
		c.sessions = NewSessions(auth, opts.Dialect, opts.Observer)
	}
	return c, nil
}

// HTTPClient exposes the underlying client for calls that must bypass the
// session cache, such as session creation itself.
func (c *Caller) HTTPClient() *http.Client { return c.client }

// Sessions returns the token cache, or nil when the caller is
// unauthenticated.
func (c *Caller) Sessions() *Sessions { return c.sessions }

// Executor returns the retry executor used for every call.
func (c *Caller) Executor() *retry.Executor { return c.exec }

// Request is one logical API call.
type Request struct {
	Method string
	Target string
	URL    string
	Body   any
	Op     retry.Op
}

// GetJSON fetches url from target and decodes the response into out.
func (c *Caller) GetJSON(ctx context.Context, target, url string, op retry.Op, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Target: target, URL: url, Op: op}, out)
}

// PostJSON posts body to url and decodes the response into out.
func (c *Caller) PostJSON(ctx context.Context, target, url string, body any, op retry.Op, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Target: target, URL: url, Body: body, Op: op}, out)
}

// Do runs req under the retry executor. The returned error is an
// *engine.EntityFetchError.
func (c *Caller) Do(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = b
	}

	op := req.Op
	op.Target = req.Target
	if op.Endpoint == "" {
		op.Endpoint = req.URL
	}
	var used engine.Token
	if c.sessions != nil {
		op.Reauth = func(ctx context.Context) error {
			_, err := c.sessions.Refresh(ctx, req.Target, used)
			return err
		}
	}

	res := retry.Do(ctx, c.exec, op, func(ctx context.Context) (struct{}, error) {
		if c.sessions != nil {
			tok, err := c.sessions.Get(ctx, req.Target)
			if err != nil {
				return struct{}{}, err
			}
			used = tok
		}
		return struct{}{}, c.roundTrip(ctx, req, payload, used, out)
	})
	return res.AsError()
}

func (c *Caller) roundTrip(ctx context.Context, req Request, payload []byte, tok engine.Token, out any) error {
	if err := c.wait(ctx, req.Target); err != nil {
		return fmt.Errorf("rate limit %s: %w", req.Target, err)
	}

	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(req.Method),
			semconv.URLFull(req.URL),
			attribute.String("nutanix.dialect", c.opts.Dialect),
			attribute.String("nutanix.entity_kind", string(req.Op.Kind)),
		))
	defer span.End()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return &engine.FetchError{Target: req.Target, Endpoint: req.URL, Class: engine.ClassPermanent, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	applyToken(httpReq, tok)
	c.propagator.Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.observer.ObserveRequest(c.opts.Dialect, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		return &engine.FetchError{Target: req.Target, Endpoint: req.URL, Class: retry.Classify(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
	c.observer.ObserveRequest(c.opts.Dialect, resp.StatusCode, time.Since(start))
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	if err != nil {
		span.RecordError(err)
		return &engine.FetchError{Target: req.Target, Endpoint: req.URL, StatusCode: resp.StatusCode, Class: engine.ClassTransient, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		span.SetStatus(codes.Error, resp.Status)
		return &engine.FetchError{
			Target:     req.Target,
			Endpoint:   req.URL,
			StatusCode: resp.StatusCode,
			Class:      engine.StatusClass(resp.StatusCode),
			Err:        fmt.Errorf("%s %s: %s", req.Method, req.URL, resp.Status),
		}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		span.RecordError(err)
		return &engine.MappingError{Kind: req.Op.Kind, Entity: req.Op.Entity, Err: fmt.Errorf("decode %s: %w", req.URL, err)}
	}
	return nil
}

func (c *Caller) wait(ctx context.Context, target string) error {
	if c.opts.RequestsPerSecond <= 0 {
		return nil
	}
	c.mu.Lock()
	l, ok := c.limiters[target]
	if !ok {
		burst := int(c.opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(c.opts.RequestsPerSecond), burst)
		c.limiters[target] = l
	}
	c.mu.Unlock()
	return l.Wait(ctx)
}

func applyToken(req *http.Request, tok engine.Token) {
	switch tok.Scheme {
	case SchemeBasic:
		req.Header.Set("Authorization", "Basic "+tok.Value)
	case SchemeBearer:
		req.Header.Set("Authorization", "Bearer "+tok.Value)
	case SchemeSession:
		req.Header.Set("X-Auth-Token", tok.Value)
	}
}
