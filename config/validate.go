package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/holiman/uint256"

	"multivault/native/vault"
	"multivault/native/vault/curve"
	"multivault/observability/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Validate checks the configuration after defaults have been applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("%w: DataDir required", ErrInvalid)
	}
	if err := cfg.Fees.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := cfg.CurveRegistry(); err != nil {
		return err
	}
	if _, err := cfg.MinShare(); err != nil {
		return err
	}
	if _, err := cfg.MinInitialDeposit(); err != nil {
		return err
	}
	if _, err := vault.ParseUtilizationBasis(cfg.Ledger.UtilizationBasis); err != nil {
		return fmt.Errorf("%w: ledger: %v", ErrInvalid, err)
	}
	if cfg.Ledger.FeeEpochSeconds == 0 {
		return fmt.Errorf("%w: ledger: FeeEpochSeconds must be positive", ErrInvalid)
	}
	if cfg.Utilization.EpochSeconds == 0 {
		return fmt.Errorf("%w: utilization: EpochSeconds must be positive", ErrInvalid)
	}
	if cfg.Utilization.Genesis < 0 {
		return fmt.Errorf("%w: utilization: Genesis must not be negative", ErrInvalid)
	}
	if cfg.FeeSink.QueueSize < 0 || cfg.FeeSink.Workers < 0 || cfg.FeeSink.MaxAttempts < 0 {
		return fmt.Errorf("%w: feesink: sizes must not be negative", ErrInvalid)
	}
	if cfg.FeeSink.RetryRate < 0 {
		return fmt.Errorf("%w: feesink: RetryRate must not be negative", ErrInvalid)
	}
	if err := validateAddress("api.ListenAddress", cfg.API.ListenAddress, true); err != nil {
		return err
	}
	if err := validateAddress("api.MetricsAddress", cfg.API.MetricsAddress, false); err != nil {
		return err
	}
	if cfg.API.RequestsPerMinute < 0 || cfg.API.Burst < 0 {
		return fmt.Errorf("%w: api: rate limits must not be negative", ErrInvalid)
	}
	if cfg.API.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("%w: api.auth: ClockSkewSeconds must not be negative", ErrInvalid)
	}
	if cfg.API.Auth.Enabled() && len(strings.TrimSpace(cfg.API.Auth.HMACSecret)) < 32 {
		return fmt.Errorf("%w: api.auth: HMACSecret must be at least 32 bytes", ErrInvalid)
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrInvalid, err)
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: telemetry: %v", ErrInvalid, err)
	}
	return nil
}

func validateAddress(field, addr string, required bool) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		if required {
			return fmt.Errorf("%w: %s required", ErrInvalid, field)
		}
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
	}
	return nil
}

// CurveRegistry builds the registry described by Curves, in file order, so
// the first entry receives the default curve id.
func (c *Config) CurveRegistry() (*curve.Registry, error) {
	if len(c.Curves) == 0 {
		return nil, fmt.Errorf("%w: at least one curve required", ErrInvalid)
	}
	registry := curve.NewRegistry()
	for i, spec := range c.Curves {
		built, err := curve.FromSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("%w: curves[%d]: %v", ErrInvalid, i, err)
		}
		if _, err := registry.Register(built); err != nil {
			return nil, fmt.Errorf("%w: curves[%d]: %v", ErrInvalid, i, err)
		}
	}
	return registry, nil
}

// MinShare parses the configured floor; empty selects the ledger default.
func (c *Config) MinShare() (*uint256.Int, error) {
	raw := strings.TrimSpace(c.Ledger.MinShare)
	if raw == "" {
		return uint256.NewInt(vault.DefaultMinShare), nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: ledger.MinShare: %v", ErrInvalid, err)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%w: ledger.MinShare must be positive", ErrInvalid)
	}
	return value, nil
}

// MinInitialDeposit parses the configured seed minimum. Nil means the ledger
// derives it from the floor.
func (c *Config) MinInitialDeposit() (*uint256.Int, error) {
	raw := strings.TrimSpace(c.Ledger.MinInitialDeposit)
	if raw == "" {
		return nil, nil
	}
	value, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: ledger.MinInitialDeposit: %v", ErrInvalid, err)
	}
	if value.IsZero() {
		return nil, fmt.Errorf("%w: ledger.MinInitialDeposit must be positive", ErrInvalid)
	}
	return value, nil
}
