package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type conversationRow struct {
	ID        string `gorm:"primaryKey;size:128"`
	Archived  bool   `gorm:"index"`
	Data      string `gorm:"type:text"`
	UpdatedAt time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type processedEventRow struct {
	Seq     int64  `gorm:"primaryKey;autoIncrement:false"`
	EventID string `gorm:"size:128;not null"`
}

func (processedEventRow) TableName() string { return "processed_events" }

// SQLConversationStore stores records in a gorm-managed table.
type SQLConversationStore struct {
	db *gorm.DB
}

// NewSQLConversationStore migrates the conversations table.
func NewSQLConversationStore(db *gorm.DB) (*SQLConversationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&conversationRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate conversations table: %w", err)
	}
	return &SQLConversationStore{db: db}, nil
}

func (s *SQLConversationStore) Save(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	row := conversationRow{ID: rec.ID, Archived: rec.Archived, Data: string(rec.Data), UpdatedAt: rec.UpdatedAt}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"archived", "data", "updated_at"}),
		}).
		Create(&row).Error
}

func (s *SQLConversationStore) Load(ctx context.Context, id string) (Record, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return row.record(), nil
}

func (s *SQLConversationStore) List(ctx context.Context) ([]Record, error) {
	var rows []conversationRow
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (r conversationRow) record() Record {
	return Record{ID: r.ID, Archived: r.Archived, Data: []byte(r.Data), UpdatedAt: r.UpdatedAt}
}

// Close leaves the connection pool open; internal/database owns it.
func (s *SQLConversationStore) Close() error { return nil }

func (s *SQLConversationStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SQLDedupStore keeps the snapshot in processed_events ordered by seq.
type SQLDedupStore struct {
	db *gorm.DB
}

// NewSQLDedupStore migrates the processed_events table.
func NewSQLDedupStore(db *gorm.DB) (*SQLDedupStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&processedEventRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate processed_events table: %w", err)
	}
	return &SQLDedupStore{db: db}, nil
}

func (s *SQLDedupStore) LoadIDs(ctx context.Context) ([]string, error) {
	var rows []processedEventRow
	if err := s.db.WithContext(ctx).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.EventID
	}
	return ids, nil
}

func (s *SQLDedupStore) SaveIDs(ctx context.Context, ids []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("seq > ?", 0).Delete(&processedEventRow{}).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		rows := make([]processedEventRow, len(ids))
		for i, id := range ids {
			rows[i] = processedEventRow{Seq: int64(i + 1), EventID: id}
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}

func (s *SQLDedupStore) Close() error { return nil }

func (s *SQLDedupStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
