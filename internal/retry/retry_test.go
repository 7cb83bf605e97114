// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
)

func fastExecutor(attempts int) *Executor {
	return New(Config{MaxAttempts: attempts, Delay: time.Millisecond, AttemptTimeout: time.Second})
}

func statusErr(code int) error {
	return &engine.FetchError{Target: "t", Endpoint: "/x", StatusCode: code, Class: engine.StatusClass(code), Err: fmt.Errorf("status %d", code)}
}

func TestTransientThenSuccess(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastExecutor(3), Op{Target: "t"}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", statusErr(503)
		}
		return "ok", nil
	})

	require.NoError(t, res.AsError())
	assert.Nil(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
}

func TestPermanentFailureNeverRetries(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastExecutor(5), Op{Target: "t", Kind: "vm", Entity: "a"}, func(context.Context) (int, error) {
		calls++
		return 0, statusErr(404)
	})

	require.Error(t, res.AsError())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, engine.ClassPermanent, res.Err.Class)
	assert.False(t, res.Err.Unreachable)
	assert.Equal(t, engine.EntityKind("vm"), res.Err.Kind)
	assert.Equal(t, "a", res.Err.Entity)

	var fe *engine.FetchError
	require.ErrorAs(t, res.AsError(), &fe)
	assert.Equal(t, 404, fe.StatusCode)
}

func TestTransientExhausted(t *testing.T) {
	calls := 0
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	res := Do(context.Background(), fastExecutor(4), Op{Target: "t"}, func(context.Context) (int, error) {
		calls++
		return 0, refused
	})

	require.Error(t, res.AsError())
	assert.Equal(t, 4, calls)
	assert.Equal(t, engine.ClassTransient, res.Err.Class)
	assert.True(t, res.Err.Unreachable)
	assert.True(t, engine.IsUnreachable(res.AsError()))
	assert.ErrorIs(t, res.AsError(), syscall.ECONNREFUSED)
}

func TestServerErrorsExhaustedAreNotUnreachable(t *testing.T) {
	res := Do(context.Background(), fastExecutor(2), Op{Target: "t"}, func(context.Context) (int, error) {
		return 0, statusErr(500)
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.False(t, res.Err.Unreachable)
}

func TestAuthFailureReauthenticatesOnce(t *testing.T) {
	calls, reauths := 0, 0
	op := Op{Target: "t", Reauth: func(context.Context) error { reauths++; return nil }}
	res := Do(context.Background(), fastExecutor(5), op, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", statusErr(401)
		}
		return "fresh", nil
	})

	require.NoError(t, res.AsError())
	assert.Equal(t, "fresh", res.Value)
	assert.Equal(t, 1, reauths)
	assert.True(t, res.Reauthed)
	assert.Equal(t, 2, calls)
}

func TestAuthFailureEscalatesAfterOneRetry(t *testing.T) {
	calls, reauths := 0, 0
	op := Op{Target: "t", Reauth: func(context.Context) error { reauths++; return nil }}
	res := Do(context.Background(), fastExecutor(5), op, func(context.Context) (string, error) {
		calls++
		return "", statusErr(401)
	})

	require.Error(t, res.AsError())
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, reauths)
	assert.Equal(t, engine.ClassAuth, res.Err.Class)
}

func TestReauthFailureIsTerminal(t *testing.T) {
	calls := 0
	op := Op{Target: "t", Reauth: func(context.Context) error { return errors.New("bad password") }}
	res := Do(context.Background(), fastExecutor(5), op, func(context.Context) (string, error) {
		calls++
		return "", statusErr(401)
	})

	require.Error(t, res.AsError())
	assert.Equal(t, 1, calls)
	var ae *engine.AuthError
	require.ErrorAs(t, res.AsError(), &ae)
	assert.Equal(t, "t", ae.Target)
}

func TestReauthAuthErrorNotWrappedTwice(t *testing.T) {
	op := Op{Target: "prism", Reauth: func(context.Context) error {
		return &engine.AuthError{Target: "prism", Err: errors.New("bad password")}
	}}
	res := Do(context.Background(), fastExecutor(5), op, func(context.Context) (string, error) {
		return "", statusErr(401)
	})

	require.Error(t, res.AsError())
	assert.Equal(t, 1, strings.Count(res.AsError().Error(), "authenticate prism"))
}

func TestAttemptTimeoutIsPerAttempt(t *testing.T) {
	calls := 0
	e := New(Config{MaxAttempts: 3, Delay: 0, AttemptTimeout: 20 * time.Millisecond})
	res := Do(context.Background(), e, Op{Target: "t"}, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		return 7, nil
	})

	require.NoError(t, res.AsError())
	assert.Equal(t, 7, res.Value)
	assert.Equal(t, 2, calls)
}

func TestCanceledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	e := New(Config{MaxAttempts: 5, Delay: time.Hour})
	res := Do(ctx, e, Op{Target: "t"}, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, statusErr(503)
	})

	require.Error(t, res.AsError())
	assert.Equal(t, 1, calls)
	assert.Equal(t, engine.ClassCanceled, res.Err.Class)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, engine.ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, engine.ClassTransient, Classify(fmt.Errorf("read: %w", syscall.ECONNRESET)))
	assert.Equal(t, engine.ClassAuth, Classify(statusErr(401)))
	assert.Equal(t, engine.ClassPermanent, Classify(&engine.MappingError{Kind: "vm", Err: errors.New("bad")}))
	assert.Equal(t, engine.ClassPermanent, Classify(errors.New("boom")))
}
