// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nx-dz/nutanix-prometheus-exporter/internal/bootstrap"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/config"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/engine"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/registry"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/remotewrite"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/scheduler"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/selftelemetry"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/tracing"
	"github.com/nx-dz/nutanix-prometheus-exporter/internal/version"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitConfigError = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// categoryReport is what -list-categories prints.
type categoryReport struct {
	Mode       string              `json:"mode"`
	Categories map[string]bool     `json:"categories"`
	Kinds      map[string][]string `json:"kinds"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("nutanix-exporter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "path to config yaml; the environment overrides it")
	listCategories := fs.Bool("list-categories", false, "print the enabled metric categories and exit")
	dump := fs.Bool("dump", false, "run one collection cycle, print it in text format and exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	if *showVersion {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}

	cfg, err := config.FromEnvironment(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitConfigError
	}
	// stdout carries -dump and -list-categories output.
	logger := cfg.Log.NewLogger(stderr)

	if *listCategories || cfg.ShowStatsOnly {
		return printCategories(cfg, stdout, logger)
	}

	logger.Info("nutanix exporter starting", "version", version.Version(), "mode", cfg.Mode)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, cfg.Mode)
	if err != nil {
		logger.Error("tracing setup failed", "error", err)
		return exitConfigError
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := selftelemetry.NewMetrics(promReg)

	var publishers []scheduler.Publisher
	rw, err := remotewrite.New(cfg.RemoteWrite, logger)
	if err != nil {
		logger.Error("remote write setup failed", "error", err)
		return exitConfigError
	}
	if rw != nil {
		publishers = append(publishers, rw)
	}

	eng, err := bootstrap.Bootstrap(cfg, bootstrap.Deps{
		Logger:     logger,
		Observer:   metrics,
		Sinks:      []scheduler.Sink{scheduler.LogSink{Log: logger}, metrics},
		Publishers: publishers,
	})
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitConfigError
	}

	if *dump {
		return dumpOnce(ctx, eng, stdout, logger)
	}

	promReg.MustRegister(registry.NewCollector(eng.Registry))
	mux := http.NewServeMux()
	selftelemetry.InstallHandlers(mux, promReg, metrics)
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.Listen, "error", err)
		return exitFailure
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("HTTP server listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
		}
	}()

	if *cfgPath != "" && cfg.Watch.Enabled {
		w, err := config.NewWatcher(*cfgPath, cfg.Watch.PollInterval, logger)
		if err != nil {
			logger.Warn("config watcher disabled", "error", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	logger.Info("collection started",
		"mode", eng.Mode.String(),
		"interval", cfg.PollingInterval,
		"categories", eng.Toggles.EnabledCategories())
	runErr := eng.Scheduler.Run(ctx)

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	if runErr != nil && ctx.Err() == nil {
		logger.Error("scheduler stopped", "error", runErr)
		return exitFailure
	}
	return exitOK
}

func printCategories(cfg *config.Config, stdout io.Writer, logger *slog.Logger) int {
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitConfigError
	}
	toggles, err := bootstrap.Toggles(cfg, mode)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return exitConfigError
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(categoryReport{
		Mode:       mode.String(),
		Categories: toggles.ListEnabledMetricCategories(),
		Kinds:      bootstrap.KindsByCategory(mode, toggles),
	}); err != nil {
		logger.Error("write categories", "error", err)
		return exitFailure
	}
	return exitOK
}

func dumpOnce(ctx context.Context, eng *bootstrap.Engine, stdout io.Writer, logger *slog.Logger) int {
	rep, err := eng.Scheduler.RunOnce(ctx)
	if err != nil {
		logger.Error("collection cycle failed", "error", err)
		return exitFailure
	}
	if err := registry.WriteText(stdout, eng.Registry.ReadSnapshot()); err != nil {
		logger.Error("write snapshot", "error", err)
		return exitFailure
	}
	if len(rep.Failed()) > 0 {
		return exitFailure
	}
	return exitOK
}
