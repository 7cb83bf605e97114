// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap validates the configuration and assembles the engine
// for the selected operation mode.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/config"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/dialect/legacy"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/dialect/nextgen"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/dialect/redfish"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/httpapi"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/registry"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/retry"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/scheduler"
)

// Deps are the collaborators supplied by the caller.
type Deps struct {
	Logger     *slog.Logger
	Observer   httpapi.Observer
	Sinks      []scheduler.Sink
	Publishers []scheduler.Publisher
	// Transport and Lookup replace the network in tests.
	Transport http.RoundTripper
	Lookup    httpapi.LookupAddr
	Now       func() time.Time
}

// Engine is the assembled exporter for one mode.
type Engine struct {
	Mode      engine.Mode
	Toggles   engine.Toggles
	Pair      engine.Pair
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
}

// factory builds the client/mapper pair of one mode.
type factory func(c *config.Config, t engine.Toggles, exec *retry.Executor, d Deps) (engine.Pair, error)

var factories = map[engine.Mode]factory{
	engine.ModeLegacy:  newLegacy,
	engine.ModeRedfish: newRedfish,
	engine.ModeNextGen: newNextGen,
}

// Bootstrap validates c and builds the engine. Every validation failure is
// an *engine.ConfigError.
func Bootstrap(c *config.Config, d Deps) (*Engine, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mode, err := Validate(c)
	if err != nil {
		return nil, err
	}
	toggles, err := Toggles(c, mode)
	if err != nil {
		return nil, err
	}
	pair, err := NewPair(c, mode, toggles, d)
	if err != nil {
		return nil, err
	}

	reg := registry.New(registry.Config{MaxCycles: c.Stale.MaxCycles, TTL: c.Stale.TTL}, d.Logger)
	sched := scheduler.New(pair, toggles, reg, scheduler.Config{
		Interval:   c.PollingInterval,
		Workers:    c.API.Workers,
		Sinks:      d.Sinks,
		Publishers: d.Publishers,
		Logger:     d.Logger,
		Now:        d.Now,
	})
	return &Engine{Mode: mode, Toggles: toggles, Pair: pair, Registry: reg, Scheduler: sched}, nil
}

// NewPair builds the client/mapper pair for mode.
func NewPair(c *config.Config, mode engine.Mode, t engine.Toggles, d Deps) (engine.Pair, error) {
	build, ok := factories[mode]
	if !ok {
		return engine.Pair{}, &engine.ConfigError{Field: "mode", Reason: fmt.Sprintf("no dialect for mode %s", mode)}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	exec := retry.New(retry.Config{
		MaxAttempts:    c.API.Retries,
		Delay:          c.API.RetryDelay,
		AttemptTimeout: c.API.Timeout,
	}, retry.WithLogger(d.Logger))
	pair, err := build(c, t, exec, d)
	if err != nil {
		var ce *engine.ConfigError
		if errors.As(err, &ce) {
			return engine.Pair{}, ce
		}
		return engine.Pair{}, &engine.ConfigError{Field: "mode", Reason: err.Error()}
	}
	pair.Mode = mode
	return pair, nil
}

// Validate checks the parameters required by the selected mode.
func Validate(c *config.Config) (engine.Mode, error) {
	mode, err := engine.ParseMode(c.Mode)
	if err != nil {
		return engine.ModeUnknown, err
	}
	switch {
	case c.PollingInterval <= 0:
		return mode, cfgErr("polling_interval", "must be positive")
	case c.API.Timeout <= 0:
		return mode, cfgErr("api.timeout", "must be positive")
	case c.API.Retries < 1:
		return mode, cfgErr("api.retries", "at least one attempt is required")
	case c.API.RetryDelay < 0:
		return mode, cfgErr("api.retry_delay", "must not be negative")
	case c.API.Workers < 1:
		return mode, cfgErr("api.workers", "at least one worker is required")
	case c.API.RequestsPerSecond < 0:
		return mode, cfgErr("api.requests_per_second", "must not be negative")
	case c.Stale.MaxCycles < 0:
		return mode, cfgErr("stale.max_cycles", "must not be negative")
	case c.Listen == "":
		return mode, cfgErr("listen", "address is required")
	}

	switch mode {
	case engine.ModeLegacy, engine.ModeNextGen:
		if err := validatePrism(c.Prism); err != nil {
			return mode, err
		}
		if mode == engine.ModeLegacy {
			for _, vm := range c.VMList {
				if strings.EqualFold(vm, nextgen.VMListAll) {
					return mode, cfgErr("vm_list", `"all" is only supported in v4 mode`)
				}
			}
		}
	case engine.ModeRedfish:
		if len(c.IPMI.Targets) == 0 {
			return mode, cfgErr("ipmi.targets", "at least one management interface is required in redfish mode")
		}
		seen := make(map[string]struct{}, len(c.IPMI.Targets))
		for i, t := range c.IPMI.Targets {
			field := fmt.Sprintf("ipmi.targets[%d]", i)
			if t.Address == "" {
				return mode, cfgErr(field, "ip is required")
			}
			if t.Username == "" || t.Password == "" {
				return mode, cfgErr(field, "username and password are required")
			}
			if _, dup := seen[t.Address]; dup {
				return mode, cfgErr(field, "duplicate ip "+t.Address)
			}
			seen[t.Address] = struct{}{}
		}
	}
	return mode, nil
}

func validatePrism(p config.Prism) error {
	switch {
	case p.Address == "":
		return cfgErr("prism.address", "required")
	case p.Username == "" || p.Password == "":
		return cfgErr("prism.username", "username and password are required")
	case p.Port < 1 || p.Port > 65535:
		return cfgErr("prism.port", fmt.Sprintf("%d is not a valid port", p.Port))
	}
	return nil
}

// Toggles builds the feature toggle set. The vms category follows the VM
// list, and redfish mode always collects its only category.
func Toggles(c *config.Config, mode engine.Mode) (engine.Toggles, error) {
	known := make(map[engine.Category]bool)
	for _, cat := range engine.AllCategories() {
		known[cat] = true
	}
	m := make(map[engine.Category]bool, len(c.Metrics))
	for _, name := range sortedNames(c.Metrics) {
		cat := engine.Category(name)
		if !known[cat] || cat == engine.CategoryVMs {
			return engine.Toggles{}, cfgErr("metrics."+name, "unknown metric category")
		}
		m[cat] = c.Metrics[name]
	}
	m[engine.CategoryVMs] = len(c.VMList) > 0
	if mode == engine.ModeRedfish {
		m[engine.CategoryIPMI] = true
	}
	return engine.NewToggles(m), nil
}

// KindsByCategory lists, for each enabled category, the entity kinds the
// mode collects for it.
func KindsByCategory(mode engine.Mode, t engine.Toggles) map[string][]string {
	var kinds []engine.KindSpec
	switch mode {
	case engine.ModeLegacy:
		kinds = legacy.Kinds()
	case engine.ModeRedfish:
		kinds = redfish.Kinds()
	case engine.ModeNextGen:
		kinds = nextgen.Kinds()
	}
	out := make(map[string][]string)
	for _, k := range (engine.Pair{Kinds: kinds}).Plan(t) {
		out[string(k.Category)] = append(out[string(k.Category)], string(k.Kind))
	}
	return out
}

func newLegacy(c *config.Config, t engine.Toggles, exec *retry.Executor, d Deps) (engine.Pair, error) {
	client, err := legacy.NewClient(legacy.Options{
		Prism:             c.Prism.Address,
		Port:              c.Prism.Port,
		Username:          c.Prism.Username,
		Password:          c.Prism.Password,
		VerifyTLS:         c.Prism.VerifyTLS,
		CAFile:            c.Prism.CAFile,
		VMList:            c.VMList,
		IPMIUsername:      c.IPMI.Username,
		IPMISecret:        c.IPMI.Password,
		RequestsPerSecond: c.API.RequestsPerSecond,
		Executor:          exec,
		Observer:          d.Observer,
		Logger:            d.Logger,
		Transport:         d.Transport,
		Lookup:            d.Lookup,
	})
	if err != nil {
		return engine.Pair{}, err
	}
	return engine.Pair{Kinds: legacy.Kinds(), Client: client, Mapper: legacy.Mapper{}}, nil
}

func newRedfish(c *config.Config, _ engine.Toggles, exec *retry.Executor, d Deps) (engine.Pair, error) {
	targets := make([]redfish.Target, 0, len(c.IPMI.Targets))
	for _, t := range c.IPMI.Targets {
		name := t.Name
		if name == "" {
			name = t.Address
		}
		targets = append(targets, redfish.Target{Address: t.Address, Name: name, Username: t.Username, Password: t.Password})
	}
	client, err := redfish.NewClient(redfish.Options{
		Targets:           targets,
		VerifyTLS:         c.IPMI.VerifyTLS,
		CAFile:            c.IPMI.CAFile,
		SessionAuth:       c.IPMI.SessionAuth,
		RequestsPerSecond: c.API.RequestsPerSecond,
		Executor:          exec,
		Observer:          d.Observer,
		Logger:            d.Logger,
		Transport:         d.Transport,
	})
	if err != nil {
		return engine.Pair{}, err
	}
	return engine.Pair{Kinds: redfish.Kinds(), Client: client, Mapper: redfish.Mapper{}}, nil
}

func newNextGen(c *config.Config, t engine.Toggles, exec *retry.Executor, d Deps) (engine.Pair, error) {
	client, err := nextgen.NewClient(nextgen.Options{
		Prism:             c.Prism.Address,
		Port:              c.Prism.Port,
		Username:          c.Prism.Username,
		Password:          c.Prism.Password,
		VerifyTLS:         c.Prism.VerifyTLS,
		CAFile:            c.Prism.CAFile,
		VMList:            c.VMList,
		Toggles:           t,
		PageLimit:         c.API.PageLimit,
		Workers:           c.API.Workers,
		RequestsPerSecond: c.API.RequestsPerSecond,
		Executor:          exec,
		Observer:          d.Observer,
		Logger:            d.Logger,
		Transport:         d.Transport,
		Lookup:            d.Lookup,
		Now:               d.Now,
	})
	if err != nil {
		return engine.Pair{}, err
	}
	return engine.Pair{Kinds: nextgen.Kinds(), Client: client, Mapper: nextgen.Mapper{}}, nil
}

func cfgErr(field, reason string) *engine.ConfigError {
	return &engine.ConfigError{Field: field, Reason: reason}
}

func sortedNames(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
