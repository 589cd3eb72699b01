// Package vaultapp assembles the ledger and its collaborators from a vaultd
// configuration.
package vaultapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"multivault/config"
	"multivault/core/events"
	"multivault/gateway/middleware"
	"multivault/gateway/vaultapi"
	"multivault/native/fees"
	"multivault/native/feesink"
	"multivault/native/utilization"
	"multivault/native/vault"
	"multivault/native/vault/curve"
	"multivault/observability"
	"multivault/observability/logging"
	"multivault/observability/metrics"
	"multivault/storage"
)

// Options select how the app opens its state.
type Options struct {
	// ReadOnly opens the ledger database without write access and skips the
	// fee sink and utilization database.
	ReadOnly bool
}

// App owns every long-lived component of a vault node.
type App struct {
	// Config is the configuration the app was opened with. Reloaded fees
	// live only in Fees.
	Config  *config.Config
	Logger  *slog.Logger
	Curves  *curve.Registry
	Fees    *fees.Governed
	Ledger  *vault.Ledger
	Wallet  *feesink.WalletLedger
	Sink    *feesink.Async
	Tracker *utilization.Tracker

	db        *storage.LevelDB
	walletDB  *storage.LevelDB
	utilStore *utilization.GormStore
	readOnly  bool
}

// Open builds the app described by cfg.
func Open(cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	registry, err := cfg.CurveRegistry()
	if err != nil {
		return nil, err
	}
	feeSource, err := fees.NewGoverned(cfg.Fees)
	if err != nil {
		return nil, err
	}
	minShare, err := cfg.MinShare()
	if err != nil {
		return nil, err
	}
	minSeed, err := cfg.MinInitialDeposit()
	if err != nil {
		return nil, err
	}
	basis, err := vault.ParseUtilizationBasis(cfg.Ledger.UtilizationBasis)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, Curves: registry, Fees: feeSource, readOnly: opts.ReadOnly}
	if opts.ReadOnly {
		app.db, err = storage.NewReadOnlyLevelDB(cfg.LedgerDir())
	} else {
		if err = os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		app.db, err = storage.NewLevelDB(cfg.LedgerDir())
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	ledger := vault.NewLedger(registry, feeSource)
	ledger.SetStore(storage.NewKVStore(app.db))
	ledger.SetLogger(logger)
	ledger.SetMetrics(metrics.Vault())
	ledger.SetUtilizationBasis(basis)
	ledger.SetFeeEpochLength(int64(cfg.Ledger.FeeEpochSeconds))
	if err := ledger.SetMinShare(minShare); err != nil {
		app.Close(context.Background())
		return nil, err
	}
	ledger.SetMinInitialDeposit(minSeed)
	ledger.SetEmitter(events.Fanout{observability.Events(), logEmitter{logger: logger}})
	app.Ledger = ledger
	if opts.ReadOnly {
		return app, nil
	}

	app.walletDB, err = storage.NewLevelDB(filepath.Join(cfg.DataDir, "feesink"))
	if err != nil {
		app.Close(context.Background())
		return nil, fmt.Errorf("open fee sink database: %w", err)
	}
	app.Wallet, err = feesink.NewWalletLedger(storage.NewKVStore(app.walletDB))
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}
	app.Sink, err = feesink.NewAsync(app.Wallet, cfg.FeeSink)
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}
	app.Sink.SetLogger(logger)
	app.Sink.SetFailureHandler(func(termID common.Hash, amount *uint256.Int, cause error) {
		if err := ledger.RecordFeeCredit(termID, amount); err != nil {
			logger.Error("fee credit lost", "termId", termID.Hex(), "amount", amount.Dec(), "cause", cause, "error", err)
		}
	})
	ledger.SetFeeSink(app.Sink)

	dsn := cfg.UtilizationDSN()
	app.utilStore, err = utilization.OpenGormStore(dsn)
	if err != nil {
		logger.Error("utilization store unavailable", "dsn", logging.MaskDSN(dsn), "error", err)
		app.Close(context.Background())
		return nil, err
	}
	app.Tracker, err = utilization.NewTracker(app.utilStore, utilization.Config{
		Genesis:     cfg.Utilization.Genesis,
		EpochLength: time.Duration(cfg.Utilization.EpochSeconds) * time.Second,
	})
	if err != nil {
		app.Close(context.Background())
		return nil, err
	}
	app.Tracker.SetLogger(logger)
	ledger.SetUtilizationReporter(app.Tracker)
	return app, nil
}

// Handler returns the API with /metrics mounted alongside it when no
// separate metrics listener is configured. Write routes are served only by a
// writable app with an auth secret.
func (a *App) Handler() (http.Handler, error) {
	cfg := vaultapi.Config{
		Ledger: a.Ledger,
		Curves: a.Curves,
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(a.Config.API.RequestsPerMinute),
			Burst:             a.Config.API.Burst,
		},
		LogRequests: strings.EqualFold(a.Config.Logging.Level, "debug"),
		Logger:      a.Logger,
	}
	if a.Tracker != nil {
		cfg.Utilization = a.Tracker
	}
	if a.Wallet != nil {
		cfg.Wallet = a.Wallet
	}
	auth := a.Config.API.Auth
	switch {
	case a.readOnly:
	case !auth.Enabled():
		a.Logger.Warn("write api disabled: api.auth.HMACSecret not set")
	default:
		authenticator, err := middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: auth.HMACSecret,
			Issuer:     auth.Issuer,
			Audience:   auth.Audience,
			ClockSkew:  time.Duration(auth.ClockSkewSeconds) * time.Second,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		cfg.Auth = authenticator
		cfg.Writer = a.Ledger
		a.Logger.Info("write api enabled", "issuer", auth.Issuer, "audience", auth.Audience)
	}
	api, err := vaultapi.New(cfg)
	if err != nil {
		return nil, err
	}
	if a.Config.API.MetricsAddress != "" {
		return api, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)
	return mux, nil
}

// RunMaintenance redelivers pending credits every interval until ctx ends.
func (a *App) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Ledger.RetryPendingCredits(); err != nil {
				a.Logger.Warn("credit retry failed", "error", err)
			}
		}
	}
}

// Close drains the fee sink and releases every database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Sink != nil {
		if err := a.Sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain fee sink: %w", err))
		}
	}
	if a.utilStore != nil {
		if err := a.utilStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close utilization store: %w", err))
		}
	}
	if a.walletDB != nil {
		a.walletDB.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
	return errors.Join(errs...)
}

// logEmitter writes ledger events to the structured log at debug level.
type logEmitter struct {
	logger *slog.Logger
}

func (e logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	args := []any{"type", evt.EventType()}
	if wrapped, ok := vault.Unwrap(evt); ok {
		for _, key := range wrapped.Keys() {
			args = append(args, key, wrapped.Attribute(key))
		}
	}
	e.logger.Debug("ledger event", args...)
}
