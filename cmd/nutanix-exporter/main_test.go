// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redfishServer(t *testing.T) *httptest.Server {
	t.Helper()
	power, err := os.ReadFile("../../internal/dialect/redfish/testdata/power.json")
	require.NoError(t, err)
	thermal, err := os.ReadFile("../../internal/dialect/redfish/testdata/thermal.json")
	require.NoError(t, err)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "ADMIN" || p != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/Power"):
			_, _ = w.Write(power)
		case strings.HasSuffix(r.URL.Path, "/Thermal"):
			_, _ = w.Write(thermal)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setRedfishEnv(t *testing.T, srv *httptest.Server) {
	t.Helper()
	t.Setenv("OPERATIONS_MODE", "redfish")
	t.Setenv("API_REQUESTS_RETRIES", "1")
	t.Setenv("IPMI_CONFIG", fmt.Sprintf(`[{"ip":%q,"name":"node-a","username":"ADMIN","password":"pw"}]`,
		strings.TrimPrefix(srv.URL, "https://")))
}

func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-version"}, &stdout, &stderr)
	assert.Equal(t, exitOK, code)
	assert.True(t, strings.HasPrefix(stdout.String(), "nutanix-prometheus-exporter "))
}

func TestBadFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitConfigError, run(context.Background(), []string{"-bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "bogus")
}

func TestListCategories(t *testing.T) {
	t.Setenv("OPERATIONS_MODE", "redfish")
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"-list-categories"}, &stdout, &stderr))

	var got categoryReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, "redfish", got.Mode)
	assert.True(t, got.Categories["ipmi"])
	assert.False(t, got.Categories["vms"])
	assert.Equal(t, map[string][]string{"ipmi": {"ipmi"}}, got.Kinds)
}

func TestShowStatsOnlyFromEnvironment(t *testing.T) {
	t.Setenv("OPERATIONS_MODE", "v4")
	t.Setenv("SHOW_STATS_ONLY", "yes")
	t.Setenv("VM_LIST", "all")
	t.Setenv("CLUSTER_METRICS", "false")
	t.Setenv("STORAGE_CONTAINERS_METRICS", "false")
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), nil, &stdout, &stderr))

	var got categoryReport
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &got))
	assert.Equal(t, "v4", got.Mode)
	assert.Equal(t, map[string][]string{"vms": {"vm"}}, got.Kinds)
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("OPERATIONS_MODE", "soap")
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitConfigError, run(context.Background(), []string{"-dump"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "soap")

	missing := filepath.Join(t.TempDir(), "missing.yaml")
	assert.Equal(t, exitConfigError, run(context.Background(), []string{"-config", missing}, &stdout, &stderr))
}

func TestDump(t *testing.T) {
	setRedfishEnv(t, redfishServer(t))
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"-dump"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "# TYPE nutanix_power_consumption_power_consumed_watts gauge")
	assert.Contains(t, stdout.String(), `nutanix_power_consumption_power_consumed_watts{ipmi="node-a"} 412`)
	assert.Contains(t, stderr.String(), "cycle committed")
}

func TestServeUntilCanceled(t *testing.T) {
	setRedfishEnv(t, redfishServer(t))
	t.Setenv("EXPORTER_PORT", "0")
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("log:\n  format: text\n"), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitOK, run(ctx, []string{"-config", cfg}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "msg=\"HTTP server listening\"")
	assert.Contains(t, stderr.String(), "msg=\"shutting down\"")
	assert.Empty(t, stdout.String())
}
