package utilization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"multivault/native/vault"
)

var (
	ErrInvalidConfig = errors.New("utilization: invalid configuration")
	ErrBeforeGenesis = errors.New("utilization: timestamp precedes genesis")
)

// DefaultEpochLength buckets utilization by day.
const DefaultEpochLength = 24 * time.Hour

// Config fixes the epoch schedule.
type Config struct {
	Genesis     int64         `toml:"Genesis" yaml:"genesis"`
	EpochLength time.Duration `toml:"EpochLength" yaml:"epochLength"`
}

func (c Config) normalize() (Config, error) {
	if c.EpochLength == 0 {
		c.EpochLength = DefaultEpochLength
	}
	if c.EpochLength < time.Second {
		return c, fmt.Errorf("%w: epoch length %s below one second", ErrInvalidConfig, c.EpochLength)
	}
	if c.Genesis < 0 {
		return c, fmt.Errorf("%w: negative genesis", ErrInvalidConfig)
	}
	return c, nil
}

// Entry is one utilization delta assigned to an epoch.
type Entry struct {
	Epoch       uint64
	Actor       common.Address
	TermID      common.Hash
	CurveID     uint64
	Delta       *big.Int
	Timestamp   int64
	OperationID string
}

// ActorTotal is one actor's net utilization within an epoch.
type ActorTotal struct {
	Actor common.Address `json:"actor"`
	Total *big.Int       `json:"total"`
}

// EpochSummary aggregates an epoch.
type EpochSummary struct {
	Epoch  uint64       `json:"epoch"`
	System *big.Int     `json:"system"`
	Actors []ActorTotal `json:"actors"`
}

// Store persists entries and their running totals.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ActorTotal(ctx context.Context, epoch uint64, actor common.Address) (*big.Int, error)
	SystemTotal(ctx context.Context, epoch uint64) (*big.Int, error)
	ActorTotals(ctx context.Context, epoch uint64) ([]ActorTotal, error)
	Epochs(ctx context.Context) ([]uint64, error)
}

// Tracker consumes ledger utilization records and aggregates them per epoch,
// per actor and system-wide.
type Tracker struct {
	store   Store
	cfg     Config
	logger  *slog.Logger
	timeout time.Duration
}

// NewTracker builds a tracker over store.
func NewTracker(store Store, cfg Config) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidConfig)
	}
	normalized, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		store:   store,
		cfg:     normalized,
		logger:  slog.Default().With("component", "utilization"),
		timeout: 5 * time.Second,
	}, nil
}

// SetLogger configures the structured logger.
func (t *Tracker) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	t.logger = logger.With("component", "utilization")
}

// EpochOf returns the epoch containing ts.
func (t *Tracker) EpochOf(ts int64) (uint64, error) {
	if ts < t.cfg.Genesis {
		return 0, ErrBeforeGenesis
	}
	length := int64(t.cfg.EpochLength / time.Second)
	return uint64((ts - t.cfg.Genesis) / length), nil
}

// Record stores a ledger record.
func (t *Tracker) Record(ctx context.Context, rec vault.UtilizationRecord) error {
	if rec.Delta == nil || rec.Delta.Sign() == 0 {
		return nil
	}
	epoch, err := t.EpochOf(rec.Timestamp)
	if err != nil {
		return err
	}
	return t.store.Append(ctx, Entry{
		Epoch:       epoch,
		Actor:       rec.Actor,
		TermID:      rec.TermID,
		CurveID:     rec.CurveID,
		Delta:       new(big.Int).Set(rec.Delta),
		Timestamp:   rec.Timestamp,
		OperationID: rec.OperationID,
	})
}

// ReportUtilization implements vault.UtilizationReporter. Storage failures
// are logged; the ledger operation has already committed.
func (t *Tracker) ReportUtilization(rec vault.UtilizationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.Record(ctx, rec); err != nil {
		t.logger.Warn("utilization record dropped",
			"actor", rec.Actor.Hex(),
			"termId", rec.TermID.Hex(),
			"operationId", rec.OperationID,
			"error", err)
	}
}

// ActorUtilization returns actor's net utilization in epoch.
func (t *Tracker) ActorUtilization(ctx context.Context, epoch uint64, actor common.Address) (*big.Int, error) {
	return t.store.ActorTotal(ctx, epoch, actor)
}

// SystemUtilization returns the aggregate net utilization in epoch.
func (t *Tracker) SystemUtilization(ctx context.Context, epoch uint64) (*big.Int, error) {
	return t.store.SystemTotal(ctx, epoch)
}

// Summary aggregates epoch.
func (t *Tracker) Summary(ctx context.Context, epoch uint64) (*EpochSummary, error) {
	system, err := t.store.SystemTotal(ctx, epoch)
	if err != nil {
		return nil, err
	}
	actors, err := t.store.ActorTotals(ctx, epoch)
	if err != nil {
		return nil, err
	}
	return &EpochSummary{Epoch: epoch, System: system, Actors: actors}, nil
}

// Epochs lists the epochs that received entries.
func (t *Tracker) Epochs(ctx context.Context) ([]uint64, error) {
	return t.store.Epochs(ctx)
}
