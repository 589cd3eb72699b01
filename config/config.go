package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"multivault/native/vault"
	"multivault/native/vault/curve"
)

// DefaultProgressiveSlope is the slope of the progressive curve in a fresh
// config, WAD scaled.
const DefaultProgressiveSlope = "1000000000000000"

// Default returns a configuration with every optional field populated.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration at path, writing a default TOML file first if
// nothing exists there. Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(raw, isYAML(path))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw, applies defaults and validates the result.
func Parse(raw []byte, asYAML bool) (*Config, error) {
	cfg := &Config{}
	if asYAML {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	} else {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0].String())
		}
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service) == "" {
		cfg.Service = "vaultd"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./vault-data"
	}
	if strings.TrimSpace(cfg.Ledger.UtilizationBasis) == "" {
		cfg.Ledger.UtilizationBasis = string(vault.BasisGross)
	}
	if cfg.Ledger.FeeEpochSeconds == 0 {
		cfg.Ledger.FeeEpochSeconds = uint64(vault.DefaultFeeEpochLength)
	}
	if cfg.Ledger.RetryIntervalSeconds == 0 {
		cfg.Ledger.RetryIntervalSeconds = 60
	}
	if len(cfg.Curves) == 0 {
		cfg.Curves = []curve.Spec{
			{Name: curve.LinearName, Kind: curve.KindLinear},
			{Name: "progressive", Kind: curve.KindProgressive, Slope: DefaultProgressiveSlope},
		}
	}
	if cfg.Utilization.EpochSeconds == 0 {
		cfg.Utilization.EpochSeconds = uint64(24 * time.Hour / time.Second)
	}
	if strings.TrimSpace(cfg.API.ListenAddress) == "" {
		cfg.API.ListenAddress = ":8645"
	}
	if cfg.API.RequestsPerMinute == 0 {
		cfg.API.RequestsPerMinute = 600
	}
	if cfg.API.Burst == 0 {
		cfg.API.Burst = 60
	}
	if cfg.API.ReadHeaderSeconds == 0 {
		cfg.API.ReadHeaderSeconds = 5
	}
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = cfg.Service
	}
	if strings.TrimSpace(cfg.Telemetry.Environment) == "" {
		cfg.Telemetry.Environment = cfg.Environment
	}
}

// UtilizationDSN returns the tracker database, defaulting to a sqlite file in
// the data directory.
func (c *Config) UtilizationDSN() string {
	if dsn := strings.TrimSpace(c.Utilization.DSN); dsn != "" {
		return dsn
	}
	return filepath.Join(c.DataDir, "utilization.db")
}

// LedgerDir is the LevelDB directory holding vault state.
func (c *Config) LedgerDir() string { return filepath.Join(c.DataDir, "ledger") }

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
