// Command simcached runs the simulation cache as a long-lived daemon: it
// owns a cache root, runs the periodic cleanup scheduler, and exposes
// stats and Prometheus metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/simcache/config"
	"github.com/wolfeidau/simcache/manager"
	"github.com/wolfeidau/simcache/telemetry"
)

var version = "dev"

type cli struct {
	Config         string           `help:"Path to the cache configuration file." default:"cache.yaml"`
	BasePath       string           `help:"Override the cache base path."`
	MaxDiskUsageMB int64            `help:"Override the disk budget in MB."`
	ListenAddr     string           `help:"Address for the stats and metrics endpoint." default:":9090"`
	OTLPEndpoint   string           `help:"OTLP gRPC endpoint for metric export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string           `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat      string           `help:"Log format (text, json)." default:"text" enum:"text,json"`
	Version        kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("simcached"),
		kong.Description("Disk-backed cache daemon for remote objects and simulation results."),
		kong.Vars{"version": version},
	)

	if err := run(&flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags *cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(flags.Config)
	if err != nil {
		return err
	}
	if flags.BasePath != "" {
		cfg.BasePath = flags.BasePath
	}
	if flags.MaxDiskUsageMB > 0 {
		cfg.MaxDiskUsageMB = flags.MaxDiskUsageMB
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "simcached",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	m, err := manager.New(cfg,
		manager.WithLogger(logger),
		manager.WithMetrics(telemetry.Global()),
	)
	if err != nil {
		return err
	}

	m.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Stats(r.Context()))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              flags.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("simcached started",
		"version", version,
		"base_path", cfg.BasePath,
		"listen_addr", flags.ListenAddr,
	)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		logger.Error("stats server failed", "error", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stats server shutdown failed", "error", err)
	}
	if err := m.Close(shutdownCtx); err != nil {
		logger.Warn("cache shutdown failed", "error", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", "error", err)
	}

	logger.Info("simcached stopped")
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	}
	return nil, fmt.Errorf("invalid log format: %s", format)
}
