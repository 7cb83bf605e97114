// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the exporter configuration from a YAML file and
// overlays the environment variables the exporter has always honored.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Mode is one of legacy, redfish or v4.
	Mode            string        `yaml:"mode"`
	Listen          string        `yaml:"listen"`
	PollingInterval time.Duration `yaml:"polling_interval"`

	Prism Prism `yaml:"prism"`
	IPMI  IPMI  `yaml:"ipmi"`
	API   API   `yaml:"api"`

	// VMList names the VMs whose stats are collected. "all" is accepted in
	// v4 mode.
	VMList  []string        `yaml:"vm_list"`
	Metrics map[string]bool `yaml:"metrics"`

	ShowStatsOnly bool `yaml:"show_stats_only"`

	Stale       Stale       `yaml:"stale"`
	Log         Log         `yaml:"log"`
	RemoteWrite RemoteWrite `yaml:"remote_write"`
	Tracing     Tracing     `yaml:"tracing"`
	Watch       Watch       `yaml:"watch"`
}

// Prism is the Prism Element or Prism Central endpoint.
type Prism struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	VerifyTLS bool   `yaml:"verify_tls"`
	CAFile    string `yaml:"ca_file"`
}

// IPMI holds the management interface settings. Targets are used in
// redfish mode; Username and Password by the legacy ipmi kind.
type IPMI struct {
	Username    string       `yaml:"username"`
	Password    string       `yaml:"password"`
	VerifyTLS   bool         `yaml:"verify_tls"`
	CAFile      string       `yaml:"ca_file"`
	SessionAuth bool         `yaml:"session_auth"`
	Targets     []IPMITarget `yaml:"targets"`
}

// IPMITarget is one management interface.
type IPMITarget struct {
	Address  string `yaml:"ip" json:"ip"`
	Name     string `yaml:"name" json:"name"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// API bounds the calls made to upstream APIs.
type API struct {
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Workers           int           `yaml:"workers"`
	PageLimit         int           `yaml:"page_limit"`
}

// Stale controls how long the samples of a failing entity are republished.
type Stale struct {
	MaxCycles int           `yaml:"max_cycles"`
	TTL       time.Duration `yaml:"ttl"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RemoteWrite lists the endpoints committed snapshots are pushed to.
type RemoteWrite struct {
	Endpoints []RWEndpoint `yaml:"endpoints"`
}

// RWEndpoint is one Prometheus remote write receiver.
type RWEndpoint struct {
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	Tenant  string            `yaml:"tenant"`
}

// Tracing configures the OTLP trace exporter. An empty Endpoint disables
// tracing.
type Tracing struct {
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"`
	Insecure    bool              `yaml:"insecure"`
	CAFile      string            `yaml:"ca_file"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio float64           `yaml:"sample_ratio"`
}

// Watch configures the config file watcher.
type Watch struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the configuration used when neither a file nor the
// environment sets a value.
func Default() *Config {
	return &Config{
		Mode:            "v4",
		Listen:          ":8000",
		PollingInterval: 30 * time.Second,
		Prism:           Prism{Port: 9440},
		IPMI:            IPMI{Username: "ADMIN"},
		API: API{
			Timeout:    30 * time.Second,
			Retries:    5,
			RetryDelay: 15 * time.Second,
			Workers:    10,
			PageLimit:  100,
		},
		Metrics: map[string]bool{
			"cluster":            true,
			"storage_containers": true,
			"ipmi":               true,
		},
		Stale: Stale{MaxCycles: 3},
		Log:   Log{Level: "info", Format: "json"},
		Tracing: Tracing{
			Protocol:    "grpc",
			SampleRatio: 1,
		},
		Watch: Watch{Enabled: true, PollInterval: 30 * time.Second},
	}
}

// Load reads path on top of Default. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := Parse(b, c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML into c, keeping the values the document omits.
func Parse(b []byte, c *Config) error {
	defaults := c.Metrics
	c.Metrics = nil
	if err := yaml.Unmarshal(b, c); err != nil {
		return err
	}
	// Toggles not named in the file keep their default.
	for k, v := range defaults {
		if _, ok := c.Metrics[k]; !ok {
			if c.Metrics == nil {
				c.Metrics = make(map[string]bool)
			}
			c.Metrics[k] = v
		}
	}
	return nil
}

// toggleEnv maps the environment variables onto metric categories.
var toggleEnv = map[string]string{
	"CLUSTER_METRICS":            "cluster",
	"HOSTS_METRICS":              "hosts",
	"STORAGE_CONTAINERS_METRICS": "storage_containers",
	"DISKS_METRICS":              "disks",
	"IPMI_METRICS":               "ipmi",
	"PRISM_CENTRAL_METRICS":      "prism_central",
	"NETWORKING_METRICS":         "networking",
	"FILES_METRICS":              "files",
	"OBJECT_METRICS":             "objects",
	"VOLUMES_METRICS":            "volumes",
	"NCM_SSP_METRICS":            "ncm_ssp",
}

// ParseBool accepts true, 1, t, y and yes in any case. Anything else is
// false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t", "y", "yes":
		return true
	}
	return false
}

// ApplyEnv overlays the variables found by lookup onto c.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			*dst = ParseBool(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}
	seconds := func(name string, dst *time.Duration) error {
		n := int(*dst / time.Second)
		if err := integer(name, &n); err != nil {
			return err
		}
		*dst = time.Duration(n) * time.Second
		return nil
	}

	str("OPERATIONS_MODE", &c.Mode)
	str("PRISM", &c.Prism.Address)
	str("PRISM_USERNAME", &c.Prism.Username)
	str("PRISM_SECRET", &c.Prism.Password)
	flag("PRISM_SECURE", &c.Prism.VerifyTLS)
	str("IPMI_USERNAME", &c.IPMI.Username)
	str("IPMI_SECRET", &c.IPMI.Password)
	flag("IPMI_SECURE", &c.IPMI.VerifyTLS)
	flag("SHOW_STATS_ONLY", &c.ShowStatsOnly)
	str("LOG_LEVEL", &c.Log.Level)

	if err := integer("APP_PORT", &c.Prism.Port); err != nil {
		return err
	}
	if v, ok := lookup("EXPORTER_PORT"); ok {
		if _, err := strconv.Atoi(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("EXPORTER_PORT: %w", err)
		}
		c.Listen = ":" + strings.TrimSpace(v)
	}
	if err := seconds("POLLING_INTERVAL_SECONDS", &c.PollingInterval); err != nil {
		return err
	}
	if err := seconds("API_REQUESTS_TIMEOUT_SECONDS", &c.API.Timeout); err != nil {
		return err
	}
	if err := integer("API_REQUESTS_RETRIES", &c.API.Retries); err != nil {
		return err
	}
	if err := seconds("API_SLEEP_SECONDS_BETWEEN_RETRIES", &c.API.RetryDelay); err != nil {
		return err
	}

	if v, ok := lookup("VM_LIST"); ok {
		c.VMList = SplitList(v)
	}
	if v, ok := lookup("IPMI_CONFIG"); ok && strings.TrimSpace(v) != "" {
		var targets []IPMITarget
		if err := json.Unmarshal([]byte(v), &targets); err != nil {
			return fmt.Errorf("IPMI_CONFIG: %w", err)
		}
		c.IPMI.Targets = targets
	}
	for name, category := range toggleEnv {
		if v, ok := lookup(name); ok {
			if c.Metrics == nil {
				c.Metrics = make(map[string]bool)
			}
			c.Metrics[category] = ParseBool(v)
		}
	}
	return nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromEnvironment loads path and overlays the process environment.
func FromEnvironment(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(c, os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// NewLogger builds the process logger described by l.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
