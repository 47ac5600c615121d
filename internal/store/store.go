package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

// maxSyncErrors bounds the diagnostic error log; the oldest entries are
// evicted once the cap is reached.
const maxSyncErrors = 200

// Store is the device-local record store. It exclusively owns persisted
// notification and sync-operation state; every method is transactional, and
// concurrent writes to the same record id serialize at the storage layer.
type Store struct {
	db *gorm.DB
}

// New constructs a Store over the provided database handle.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: db is required")
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for components that share the store's
// database, such as the rules service.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// SaveRecord inserts or fully updates a notification record.
func (s *Store) SaveRecord(ctx context.Context, record *models.Notification) error {
	if record == nil {
		return errors.New("store: record is required")
	}
	record.Priority = models.ClampPriority(record.Priority)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Save(record).Error
	})
}

// GetRecord fetches a record by its client-generated id.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.Notification, error) {
	var record models.Notification
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.WithInternal(err)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get record: %w", err)
	}
	return &record, nil
}

// ListRecords returns records ordered by capture time, newest first.
func (s *Store) ListRecords(ctx context.Context, limit, offset int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var records []models.Notification
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("store: list records: %w", err)
	}
	return records, nil
}

// ListUnsynced returns records not yet accepted by the server, oldest first so
// the earliest captures sync before later ones.
func (s *Store) ListUnsynced(ctx context.Context) ([]models.Notification, error) {
	var records []models.Notification
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("store: list unsynced: %w", err)
	}
	return records, nil
}

// MarkSynced records server acceptance of a create. Setting synced without a
// server id would break the synced => serverId invariant, so both are written
// in one transaction.
func (s *Store) MarkSynced(ctx context.Context, id, serverID string) error {
	if serverID == "" {
		return apperrors.Validation("server id is required to mark a record synced")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Notification{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"server_id": serverID,
				"synced":    true,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

// IncrementSyncAttempts bumps the attempt counter and stamps the attempt time.
func (s *Store) IncrementSyncAttempts(ctx context.Context, id string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Notification{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"sync_attempts":     gorm.Expr("sync_attempts + 1"),
				"last_sync_attempt": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

// DeleteRecord removes a record from local storage.
func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.Notification{}, "id = ?", id).Error
}

// EnqueueOperation appends a pending mutation to the durable sync queue.
func (s *Store) EnqueueOperation(ctx context.Context, op *models.SyncOperation) error {
	if op == nil {
		return errors.New("store: operation is required")
	}
	if !op.Type.IsValid() {
		return apperrors.Validation(fmt.Sprintf("invalid operation type %q", op.Type))
	}
	if op.NotificationID == "" {
		return apperrors.Validation("operation requires a notification id")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(op).Error
	})
}

// ListOperations returns queued operations, oldest first.
func (s *Store) ListOperations(ctx context.Context, limit int) ([]models.SyncOperation, error) {
	if limit <= 0 {
		limit = 500
	}

	var ops []models.SyncOperation
	err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, fmt.Errorf("store: list operations: %w", err)
	}
	return ops, nil
}

// CountOperations reports the queue depth.
func (s *Store) CountOperations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SyncOperation{}).Count(&count).Error
	return count, err
}

// UpdateOperation persists a failed attempt: the new attempt count, the
// failure reason and the attempt time.
func (s *Store) UpdateOperation(ctx context.Context, id string, attempts int, lastError string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.SyncOperation{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"attempts":     attempts,
				"last_error":   lastError,
				"last_attempt": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

// RemoveOperation drops an operation after confirmed server acceptance.
func (s *Store) RemoveOperation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.SyncOperation{}, "id = ?", id).Error
}

// GetSetting reads a key from the settings store; missing keys return "".
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).First(&setting, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get setting: %w", err)
	}
	return setting.Value, nil
}

// SetSetting writes a key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return apperrors.Validation("setting key is required")
	}
	return s.db.WithContext(ctx).Save(&models.Setting{Key: key, Value: value, UpdatedAt: time.Now()}).Error
}

// ApplyRemote reconciles a server-originated version of a record into local
// storage. Push-channel events and sync responses both land here so the two
// paths cannot diverge. Local user-action flags survive unless the server
// version is strictly newer.
func (s *Store) ApplyRemote(ctx context.Context, remote *models.Notification) error {
	if remote == nil {
		return errors.New("store: remote record is required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var local models.Notification
		err := tx.First(&local, "id = ?", remote.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			incoming := *remote
			incoming.SetDefaults()
			incoming.Synced = incoming.ServerID != nil
			return tx.Create(&incoming).Error
		case err != nil:
			return err
		}

		// Out-of-order or replayed events arrive with a stale version;
		// content and flags both stay as they are.
		if remote.Version > local.Version {
			local.Title = remote.Title
			local.Body = remote.Body
			local.Category = remote.Category
			local.Priority = models.ClampPriority(remote.Priority)
			local.IsRead = remote.IsRead
			local.IsDismissed = remote.IsDismissed
			local.Version = remote.Version
		}
		if remote.ServerID != nil {
			local.ServerID = remote.ServerID
			local.Synced = true
		}
		return tx.Save(&local).Error
	})
}

// RecordSyncError appends an abandoned-operation entry to the bounded error
// log, evicting the oldest entries past the cap.
func (s *Store) RecordSyncError(ctx context.Context, op models.SyncOperation, message string) error {
	entry := models.SyncError{
		OperationID:    op.ID,
		NotificationID: op.NotificationID,
		OperationType:  op.Type,
		Attempts:       op.Attempts,
		Message:        message,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&models.SyncError{}).Count(&count).Error; err != nil {
			return err
		}
		if count <= maxSyncErrors {
			return nil
		}

		overflow := count - maxSyncErrors
		var stale []models.SyncError
		if err := tx.Order("created_at ASC").Limit(int(overflow)).Find(&stale).Error; err != nil {
			return err
		}
		ids := make([]string, 0, len(stale))
		for _, e := range stale {
			ids = append(ids, e.ID)
		}
		return tx.Delete(&models.SyncError{}, "id IN ?", ids).Error
	})
}

// ListSyncErrors returns recent abandoned-operation entries for diagnostics.
func (s *Store) ListSyncErrors(ctx context.Context, limit int) ([]models.SyncError, error) {
	if limit <= 0 || limit > maxSyncErrors {
		limit = 50
	}

	var entries []models.SyncError
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("store: list sync errors: %w", err)
	}
	return entries, nil
}

// PurgeExpired deletes records past their retention deadline and returns the
// number removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.Notification{})
	return result.RowsAffected, result.Error
}
