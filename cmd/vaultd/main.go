package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"multivault/cmd/internal/vaultapp"
	"multivault/config"
	"multivault/observability/logging"
	telemetry "multivault/observability/otel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vaultd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "./vaultd.toml", "path to vaultd configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if env := strings.TrimSpace(os.Getenv("VAULTD_ENV")); env != "" {
		cfg.Environment = env
		cfg.Telemetry.Environment = env
	}
	if secret := strings.TrimSpace(os.Getenv("VAULTD_JWT_SECRET")); secret != "" {
		cfg.API.Auth.HMACSecret = secret
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	if headers := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); headers != "" {
		cfg.Telemetry.Headers = telemetry.ParseHeaders(headers)
	}

	logger, logCloser, err := logging.SetupWithOptions(cfg.Service, cfg.Environment, cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	app, err := vaultapp.Open(cfg, logger, vaultapp.Options{})
	if err != nil {
		return fmt.Errorf("open vault state: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := app.Close(ctx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	api, err := app.Handler()
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}
	handler := api
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(api, cfg.Service)
	}

	readHeader := time.Duration(cfg.API.ReadHeaderSeconds) * time.Second
	servers := []*http.Server{{
		Addr:              cfg.API.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeader,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
	if cfg.API.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.API.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: readHeader,
		})
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go app.RunMaintenance(stopCtx, time.Duration(cfg.Ledger.RetryIntervalSeconds)*time.Second)
	if err := app.WatchFees(stopCtx, *configPath); err != nil {
		logger.Warn("fee hot reload disabled", "error", err)
	}

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("vaultd listening", slog.String("addr", srv.Addr))
			errs <- srv.ListenAndServe()
		}()
	}

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdown(servers)
			return err
		}
	}
	return shutdown(servers)
}

func shutdown(servers []*http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
