package utilization

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// systemActor keys the aggregate total row.
const systemActor = "*"

type entryRow struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	Epoch       uint64 `gorm:"index"`
	Actor       string `gorm:"size:42;index"`
	TermID      string `gorm:"size:66"`
	CurveID     uint64
	Delta       string `gorm:"size:96;not null"`
	Timestamp   int64
	OperationID string `gorm:"size:64;index"`
	CreatedAt   time.Time
}

func (entryRow) TableName() string { return "utilization_entries" }

type totalRow struct {
	Epoch     uint64 `gorm:"primaryKey;autoIncrement:false"`
	Actor     string `gorm:"primaryKey;size:42"`
	Total     string `gorm:"size:96;not null"`
	UpdatedAt time.Time
}

func (totalRow) TableName() string { return "utilization_totals" }

// GormStore persists utilization in a SQL database.
type GormStore struct {
	db *gorm.DB
	mu sync.Mutex
}

// OpenGormStore connects to dsn. Postgres URLs and key/value DSNs use the
// postgres driver; anything else is treated as a sqlite path.
func OpenGormStore(dsn string) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: database dsn required", ErrInvalidConfig)
	}
	var dialector gorm.Dialector
	if isPostgresDSN(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("utilization: open database: %w", err)
	}
	return NewGormStore(db)
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=")
}

// NewGormStore migrates the schema on db.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database required", ErrInvalidConfig)
	}
	if err := db.AutoMigrate(&entryRow{}, &totalRow{}); err != nil {
		return nil, fmt.Errorf("utilization: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := entryRow{
			Epoch:       entry.Epoch,
			Actor:       entry.Actor.Hex(),
			TermID:      entry.TermID.Hex(),
			CurveID:     entry.CurveID,
			Delta:       entry.Delta.String(),
			Timestamp:   entry.Timestamp,
			OperationID: entry.OperationID,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := addTotal(tx, entry.Epoch, entry.Actor.Hex(), entry.Delta); err != nil {
			return err
		}
		return addTotal(tx, entry.Epoch, systemActor, entry.Delta)
	})
}

func addTotal(tx *gorm.DB, epoch uint64, actor string, delta *big.Int) error {
	var row totalRow
	err := tx.Where("epoch = ? AND actor = ?", epoch, actor).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&totalRow{Epoch: epoch, Actor: actor, Total: delta.String()}).Error
	}
	if err != nil {
		return err
	}
	current, err := parseTotal(row.Total)
	if err != nil {
		return err
	}
	current.Add(current, delta)
	return tx.Model(&totalRow{}).
		Where("epoch = ? AND actor = ?", epoch, actor).
		Updates(map[string]interface{}{"total": current.String(), "updated_at": time.Now().UTC()}).Error
}

func parseTotal(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("utilization: corrupt total %q", raw)
	}
	return value, nil
}

func (s *GormStore) total(ctx context.Context, epoch uint64, actor string) (*big.Int, error) {
	var row totalRow
	err := s.db.WithContext(ctx).Where("epoch = ? AND actor = ?", epoch, actor).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseTotal(row.Total)
}

func (s *GormStore) ActorTotal(ctx context.Context, epoch uint64, actor common.Address) (*big.Int, error) {
	return s.total(ctx, epoch, actor.Hex())
}

func (s *GormStore) SystemTotal(ctx context.Context, epoch uint64) (*big.Int, error) {
	return s.total(ctx, epoch, systemActor)
}

func (s *GormStore) ActorTotals(ctx context.Context, epoch uint64) ([]ActorTotal, error) {
	var rows []totalRow
	if err := s.db.WithContext(ctx).
		Where("epoch = ? AND actor <> ?", epoch, systemActor).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ActorTotal, 0, len(rows))
	for _, row := range rows {
		total, err := parseTotal(row.Total)
		if err != nil {
			return nil, err
		}
		out = append(out, ActorTotal{Actor: common.HexToAddress(row.Actor), Total: total})
	}
	sortActors(out)
	return out, nil
}

func (s *GormStore) Epochs(ctx context.Context) ([]uint64, error) {
	var epochs []uint64
	if err := s.db.WithContext(ctx).
		Model(&totalRow{}).
		Where("actor = ?", systemActor).
		Order("epoch").
		Pluck("epoch", &epochs).Error; err != nil {
		return nil, err
	}
	return epochs, nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
