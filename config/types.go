package config

import (
	"strings"

	"multivault/native/fees"
	"multivault/native/feesink"
	"multivault/native/vault/curve"
	"multivault/observability/logging"
	telemetry "multivault/observability/otel"
)

// Config is the vaultd configuration file.
type Config struct {
	Service     string `toml:"Service" yaml:"service"`
	Environment string `toml:"Environment" yaml:"environment"`
	DataDir     string `toml:"DataDir" yaml:"dataDir"`

	Ledger      Ledger              `toml:"ledger" yaml:"ledger"`
	Fees        fees.Config         `toml:"fees" yaml:"fees"`
	Curves      []curve.Spec        `toml:"curves" yaml:"curves"`
	Utilization Utilization         `toml:"utilization" yaml:"utilization"`
	FeeSink     feesink.AsyncConfig `toml:"feesink" yaml:"feesink"`
	API         API                 `toml:"api" yaml:"api"`
	Logging     logging.Options     `toml:"logging" yaml:"logging"`
	Telemetry   telemetry.Config    `toml:"telemetry" yaml:"telemetry"`
}

// Ledger holds the vault ledger knobs. MinShare and MinInitialDeposit are
// base-10 integers.
type Ledger struct {
	MinShare string `toml:"MinShare" yaml:"minShare"`
	// MinInitialDeposit is the smallest net seed accepted by a new vault.
	// Empty derives it from MinShare.
	MinInitialDeposit string `toml:"MinInitialDeposit" yaml:"minInitialDeposit"`
	UtilizationBasis  string `toml:"UtilizationBasis" yaml:"utilizationBasis"`
	FeeEpochSeconds   uint64 `toml:"FeeEpochSeconds" yaml:"feeEpochSeconds"`
	// RetryIntervalSeconds paces redelivery of pending credits.
	RetryIntervalSeconds uint64 `toml:"RetryIntervalSeconds" yaml:"retryIntervalSeconds"`
}

// Utilization configures the utilization tracker and its database.
type Utilization struct {
	DSN          string `toml:"DSN" yaml:"dsn"`
	Genesis      int64  `toml:"Genesis" yaml:"genesis"`
	EpochSeconds uint64 `toml:"EpochSeconds" yaml:"epochSeconds"`
}

// API configures the HTTP server.
type API struct {
	ListenAddress     string `toml:"ListenAddress" yaml:"listenAddress"`
	MetricsAddress    string `toml:"MetricsAddress" yaml:"metricsAddress"`
	RequestsPerMinute int    `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int    `toml:"Burst" yaml:"burst"`
	ReadHeaderSeconds int    `toml:"ReadHeaderSeconds" yaml:"readHeaderSeconds"`
	Auth              Auth   `toml:"auth" yaml:"auth"`
}

// Auth configures bearer tokens for the write routes, which stay unmounted
// while HMACSecret is empty.
type Auth struct {
	HMACSecret       string `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

// Enabled reports whether a signing secret is configured.
func (a Auth) Enabled() bool { return strings.TrimSpace(a.HMACSecret) != "" }
