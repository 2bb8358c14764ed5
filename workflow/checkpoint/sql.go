package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TableName is the table that holds checkpoints in SQL databases. The
// migrations under internal/migration create it.
const TableName = "workflow_checkpoints"

// checkpointRecord is the gorm model for one thread row.
type checkpointRecord struct {
	ThreadID  string    `gorm:"column:thread_id;primaryKey;size:255"`
	Graph     string    `gorm:"column:graph_name;size:255"`
	Status    string    `gorm:"column:status;size:32;index"`
	Version   int64     `gorm:"column:version"`
	Data      []byte    `gorm:"column:data"`
	CreatedAt time.Time `gorm:"column:created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (checkpointRecord) TableName() string { return TableName }

// SQLStore keeps one row per thread. Put is a single upsert statement, so a
// row is always either the previous or the new checkpoint.
type SQLStore struct {
	db     *gorm.DB
	closer func() error
}

// NewSQLStore wraps an open gorm connection. With autoMigrate the table is
// created through gorm instead of the embedded migrations.
func NewSQLStore(db *gorm.DB, autoMigrate bool) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db cannot be nil", ErrInvalidInput)
	}
	if autoMigrate {
		if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
			return nil, fmt.Errorf("auto-migrate %s: %w", TableName, err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sql get checkpoint %q: %w", threadID, err)
	}
	return Unmarshal(rec.Data)
}

func (s *SQLStore) Put(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	data, err := Marshal(cp)
	if err != nil {
		return err
	}
	rec := checkpointRecord{
		ThreadID:  cp.ThreadID,
		Graph:     cp.Graph,
		Status:    string(cp.Status),
		Version:   cp.Version,
		Data:      data,
		CreatedAt: cp.CreatedAt,
		UpdatedAt: cp.UpdatedAt,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"graph_name", "status", "version", "data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("sql put checkpoint %q: %w", cp.ThreadID, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, threadID string) error {
	err := s.db.WithContext(ctx).Where("thread_id = ?", threadID).Delete(&checkpointRecord{}).Error
	if err != nil {
		return fmt.Errorf("sql delete checkpoint %q: %w", threadID, err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	var all []string
	err := s.db.WithContext(ctx).Model(&checkpointRecord{}).
		Order("thread_id").
		Pluck("thread_id", &all).Error
	if err != nil {
		return nil, fmt.Errorf("sql list checkpoints: %w", err)
	}
	// LIKE escaping differs between dialects; filter the prefix here.
	ids := make([]string, 0, len(all))
	for _, id := range all {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
