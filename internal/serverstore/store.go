// Package serverstore is the server-of-record storage layer. Each record
// carries a monotonically increasing version; status updates whose base
// version trails the stored one are reported as conflicts instead of applied.
package serverstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

// Record is the authoritative copy of a notification. ClientID is the
// device-generated id; its uniqueness makes create retries idempotent.
type Record struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	ClientID  string    `gorm:"type:uuid;uniqueIndex;not null" json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AppIdentity string          `gorm:"type:varchar(255);not null" json:"app_identity"`
	SourceID    string          `gorm:"type:varchar(255)" json:"source_id,omitempty"`
	Title       string          `gorm:"type:varchar(500)" json:"title"`
	Body        string          `gorm:"type:text" json:"body"`
	Category    models.Category `gorm:"type:varchar(16);index" json:"category"`
	Priority    int             `json:"priority"`
	Timestamp   time.Time       `json:"timestamp"`

	IsRead      bool `gorm:"default:false" json:"is_read"`
	IsDismissed bool `gorm:"default:false" json:"is_dismissed"`

	Version int `gorm:"default:1" json:"version"`
}

// AsNotification converts the authoritative record into the shared wire
// shape, with ServerID populated.
func (r *Record) AsNotification() *models.Notification {
	serverID := r.ID
	return &models.Notification{
		BaseModel: models.BaseModel{
			ID:        r.ClientID,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		},
		ServerID:    &serverID,
		AppIdentity: r.AppIdentity,
		SourceID:    r.SourceID,
		Title:       r.Title,
		Body:        r.Body,
		Category:    r.Category,
		Priority:    r.Priority,
		Timestamp:   r.Timestamp,
		IsRead:      r.IsRead,
		IsDismissed: r.IsDismissed,
		Synced:      true,
		Version:     r.Version,
	}
}

// CreateOutcome reports one accepted create.
type CreateOutcome struct {
	ServerID string
	Version  int
	Existing bool
}

// Store wraps the server database.
type Store struct {
	db *gorm.DB
}

// New constructs a server store.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("serverstore: db is required")
	}
	return &Store{db: db}, nil
}

// Migrate creates the server-side schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}

// Create accepts a client record. A second create with the same client id
// returns the already-assigned server id instead of a duplicate, so retried
// creates after a lost response stay idempotent.
func (s *Store) Create(ctx context.Context, record *models.Notification) (CreateOutcome, error) {
	if record == nil || record.ID == "" {
		return CreateOutcome{}, apperrors.Validation("record with client id is required")
	}
	if record.AppIdentity == "" {
		return CreateOutcome{}, apperrors.Validation("app identity is required")
	}

	row := &Record{
		ID:          uuid.NewString(),
		ClientID:    record.ID,
		AppIdentity: record.AppIdentity,
		SourceID:    record.SourceID,
		Title:       record.Title,
		Body:        record.Body,
		Category:    record.Category,
		Priority:    models.ClampPriority(record.Priority),
		Timestamp:   record.Timestamp,
		IsRead:      record.IsRead,
		IsDismissed: record.IsDismissed,
		Version:     1,
	}
	if !row.Category.IsValid() || row.Category == "" {
		row.Category = models.CategoryPersonal
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	var outcome CreateOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_id"}},
			DoNothing: true,
		}).Create(row)
		if result.Error != nil {
			return fmt.Errorf("serverstore: create: %w", result.Error)
		}

		if result.RowsAffected == 0 {
			var existing Record
			if err := tx.First(&existing, "client_id = ?", record.ID).Error; err != nil {
				return fmt.Errorf("serverstore: load existing: %w", err)
			}
			outcome = CreateOutcome{ServerID: existing.ID, Version: existing.Version, Existing: true}
			return nil
		}

		outcome = CreateOutcome{ServerID: row.ID, Version: row.Version}
		return nil
	})
	return outcome, err
}

// Get fetches a record by server id.
func (s *Store) Get(ctx context.Context, serverID string) (*Record, error) {
	var record Record
	err := s.db.WithContext(ctx).First(&record, "id = ?", serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.WithInternal(err)
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: get: %w", err)
	}
	return &record, nil
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []Record
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("serverstore: list: %w", err)
	}
	return records, nil
}

// UpdateStatus applies a user action when the client's base version matches.
// A trailing base version returns ErrVersionConflict along with the current
// server copy so the client can resolve locally.
func (s *Store) UpdateStatus(ctx context.Context, serverID string, action models.StatusAction, baseVersion int) (*Record, error) {
	if !action.IsValid() {
		return nil, apperrors.Validation(fmt.Sprintf("invalid action %q", action))
	}

	var updated *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.First(&record, "id = ?", serverID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrNotFound.WithInternal(err)
			}
			return fmt.Errorf("serverstore: load for update: %w", err)
		}

		if baseVersion < record.Version {
			updated = &record
			return apperrors.ErrVersionConflict
		}

		applyAction(&record, action)
		record.Version++
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("serverstore: update status: %w", err)
		}
		updated = &record
		return nil
	})
	return updated, err
}

// Delete removes a record by server id. Deleting an unknown id is a no-op,
// which keeps retried deletes idempotent.
func (s *Store) Delete(ctx context.Context, serverID string) error {
	result := s.db.WithContext(ctx).Delete(&Record{}, "id = ?", serverID)
	if result.Error != nil {
		return fmt.Errorf("serverstore: delete: %w", result.Error)
	}
	return nil
}

// PurgeOlderThan removes records whose source timestamp predates the cutoff
// and returns the number deleted.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&Record{})
	if result.Error != nil {
		return 0, fmt.Errorf("serverstore: purge: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func applyAction(record *Record, action models.StatusAction) {
	switch action {
	case models.ActionRead, models.ActionClicked:
		record.IsRead = true
	case models.ActionDismissed:
		record.IsRead = true
		record.IsDismissed = true
	}
}
