// Package gormstore persists positions to SQLite through Gorm. The store is
// the crash-recovery source of truth: the coordinator checkpoints every
// position before and after each broker interaction, and recovery replays
// the surviving rows back into the book.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"talon/internal/types"

	"github.com/tidwall/gjson"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a position id has no row.
var ErrNotFound = errors.New("gormstore: position not found")

// PositionModel maps to the 'positions' table. Legs and greeks are stored
// as JSON blobs; everything the recovery path filters or joins on gets its
// own column.
type PositionModel struct {
	ID               string         `gorm:"column:id;primaryKey"`
	Strategy         string         `gorm:"column:strategy;index"`
	CorrelationGroup string         `gorm:"column:correlation_group"`
	Phase            int            `gorm:"column:phase"`
	Status           string         `gorm:"column:status;index"`
	Components       datatypes.JSON `gorm:"column:components"`
	Greeks           datatypes.JSON `gorm:"column:greeks"`
	OpeningCredit    float64        `gorm:"column:opening_credit"`
	CapitalReserved  float64        `gorm:"column:capital_reserved"`
	ReservationToken string         `gorm:"column:reservation_token"`
	HaltReason       string         `gorm:"column:halt_reason"`
	OpenedAt         int64          `gorm:"column:opened_at"`
	ClosedAt         int64          `gorm:"column:closed_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

// Store implements durable position storage on Gorm + SQLite.
type Store struct {
	db *gorm.DB
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: database path required")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&PositionModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for HTTP reads, low lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts the position row.
func (s *Store) Save(ctx context.Context, p *types.Position) error {
	model, err := toModel(p)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(model).Error
}

// Load fetches a single position by id.
func (s *Store) Load(ctx context.Context, id string) (*types.Position, error) {
	var model PositionModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&model)
}

// ListActive returns every position that may still hold exposure or a
// reservation: everything except closed, rejected and rolled-back rows.
// Halted positions are included so recovery surfaces them to the operator.
func (s *Store) ListActive(ctx context.Context) ([]*types.Position, error) {
	var models []PositionModel
	err := s.db.WithContext(ctx).
		Where("status NOT IN ?", []string{
			string(types.StatusClosed),
			string(types.StatusRejected),
			string(types.StatusRolledBack),
		}).
		Order("opened_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.Position, 0, len(models))
	for i := range models {
		pos, err := fromModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", models[i].ID, err)
		}
		out = append(out, pos)
	}
	return out, nil
}

func toModel(p *types.Position) (*PositionModel, error) {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return nil, err
	}
	greeks, err := json.Marshal(p.Greeks)
	if err != nil {
		return nil, err
	}
	var openedAt, closedAt int64
	if !p.OpenedAt.IsZero() {
		openedAt = p.OpenedAt.UnixMilli()
	}
	if !p.ClosedAt.IsZero() {
		closedAt = p.ClosedAt.UnixMilli()
	}
	return &PositionModel{
		ID:               p.ID,
		Strategy:         p.Strategy,
		CorrelationGroup: p.Group,
		Phase:            int(p.Phase),
		Status:           string(p.Status),
		Components:       components,
		Greeks:           greeks,
		OpeningCredit:    p.OpeningCredit,
		CapitalReserved:  p.CapitalReserved,
		ReservationToken: p.ReservationToken,
		HaltReason:       p.HaltReason,
		OpenedAt:         openedAt,
		ClosedAt:         closedAt,
	}, nil
}

func fromModel(m *PositionModel) (*types.Position, error) {
	// A torn write would leave a truncated blob; catch it before unmarshal
	// so the error names the row instead of a JSON offset.
	if len(m.Components) > 0 && !gjson.ValidBytes(m.Components) {
		return nil, fmt.Errorf("corrupt components blob")
	}
	if len(m.Greeks) > 0 && !gjson.ValidBytes(m.Greeks) {
		return nil, fmt.Errorf("corrupt greeks blob")
	}
	pos := &types.Position{
		ID:               m.ID,
		Strategy:         m.Strategy,
		Group:            m.CorrelationGroup,
		Phase:            types.Phase(m.Phase),
		Status:           types.PositionStatus(m.Status),
		OpeningCredit:    m.OpeningCredit,
		CapitalReserved:  m.CapitalReserved,
		ReservationToken: m.ReservationToken,
		HaltReason:       m.HaltReason,
	}
	if len(m.Components) > 0 {
		if err := json.Unmarshal(m.Components, &pos.Components); err != nil {
			return nil, err
		}
	}
	if len(m.Greeks) > 0 {
		if err := json.Unmarshal(m.Greeks, &pos.Greeks); err != nil {
			return nil, err
		}
	}
	if m.OpenedAt > 0 {
		pos.OpenedAt = time.UnixMilli(m.OpenedAt).UTC()
	}
	if m.ClosedAt > 0 {
		pos.ClosedAt = time.UnixMilli(m.ClosedAt).UTC()
	}
	return pos, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
