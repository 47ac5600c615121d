package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorrow/notiq/internal/database/testutil"
	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithMigrations())
	s, err := New(db)
	require.NoError(t, err)
	return s
}

func sampleRecord() *models.Notification {
	n := &models.Notification{
		AppIdentity: "Bank",
		Title:       "OTP",
		Body:        "Your code is 123456",
	}
	n.SetDefaults()
	return n
}

func TestSaveAndGetRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := sampleRecord()
	record.Priority = 9 // clamped on save
	require.NoError(t, s.SaveRecord(ctx, record))
	require.NotEmpty(t, record.ID)

	got, err := s.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bank", got.AppIdentity)
	assert.Equal(t, models.PriorityUrgent, got.Priority)
	assert.False(t, got.Synced)

	_, err = s.GetRecord(ctx, "missing")
	assert.True(t, apperrors.FromError(err).Code == apperrors.ErrNotFound.Code)
}

func TestListUnsyncedAndMarkSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleRecord()
	first.Timestamp = time.Now().Add(-time.Minute)
	second := sampleRecord()
	require.NoError(t, s.SaveRecord(ctx, first))
	require.NoError(t, s.SaveRecord(ctx, second))

	unsynced, err := s.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, first.ID, unsynced[0].ID, "oldest capture syncs first")

	require.NoError(t, s.MarkSynced(ctx, first.ID, "srv-1"))

	got, err := s.GetRecord(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, "srv-1", *got.ServerID)

	unsynced, err = s.ListUnsynced(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	// synced == true requires a server id
	err = s.MarkSynced(ctx, second.ID, "")
	assert.True(t, apperrors.IsValidation(err))

	err = s.MarkSynced(ctx, "missing", "srv-2")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestIncrementSyncAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := sampleRecord()
	require.NoError(t, s.SaveRecord(ctx, record))

	require.NoError(t, s.IncrementSyncAttempts(ctx, record.ID))
	require.NoError(t, s.IncrementSyncAttempts(ctx, record.ID))

	got, err := s.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SyncAttempts)
	require.NotNil(t, got.LastSyncAttempt)
}

func TestOperationQueueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := sampleRecord()
	require.NoError(t, s.SaveRecord(ctx, record))

	op := &models.SyncOperation{Type: models.OpCreate, NotificationID: record.ID}
	require.NoError(t, s.EnqueueOperation(ctx, op))

	ops, err := s.ListOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpCreate, ops[0].Type)

	count, err := s.CountOperations(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	require.NoError(t, s.UpdateOperation(ctx, op.ID, 3, "server unreachable"))
	ops, err = s.ListOperations(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, ops[0].Attempts)
	assert.Equal(t, "server unreachable", ops[0].LastError)
	require.NotNil(t, ops[0].LastAttempt)

	require.NoError(t, s.RemoveOperation(ctx, op.ID))
	count, err = s.CountOperations(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestEnqueueOperationValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.EnqueueOperation(ctx, &models.SyncOperation{Type: "upsert", NotificationID: "x"})
	assert.True(t, apperrors.IsValidation(err))

	err = s.EnqueueOperation(ctx, &models.SyncOperation{Type: models.OpCreate})
	assert.True(t, apperrors.IsValidation(err))
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value, err := s.GetSetting(ctx, "sync.enabled")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, s.SetSetting(ctx, "sync.enabled", "true"))
	require.NoError(t, s.SetSetting(ctx, "sync.enabled", "false"))

	value, err = s.GetSetting(ctx, "sync.enabled")
	require.NoError(t, err)
	assert.Equal(t, "false", value)

	assert.True(t, apperrors.IsValidation(s.SetSetting(ctx, "", "x")))
}

func TestApplyRemoteCreatesAndUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	serverID := "srv-9"
	remote := sampleRecord()
	remote.ID = "rec-1"
	remote.ServerID = &serverID
	remote.Version = 2

	require.NoError(t, s.ApplyRemote(ctx, remote))

	got, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, got.Synced)

	// A newer server version carries both content and status.
	newer := *got
	newer.Title = "OTP (updated)"
	newer.IsRead = true
	newer.Version = 3
	require.NoError(t, s.ApplyRemote(ctx, &newer))

	got, err = s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "OTP (updated)", got.Title)
	assert.True(t, got.IsRead)
	assert.Equal(t, 3, got.Version)

	// A stale or replayed event regresses nothing: content and user intent
	// both stay put.
	got.IsDismissed = true
	require.NoError(t, s.SaveRecord(ctx, got))
	stale := *got
	stale.Title = "stale title"
	stale.Body = "stale body"
	stale.IsDismissed = false
	stale.Version = 2
	require.NoError(t, s.ApplyRemote(ctx, &stale))

	got, err = s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "OTP (updated)", got.Title)
	assert.Equal(t, "Your code is 123456", got.Body)
	assert.True(t, got.IsDismissed, "stale server version must not clobber user intent")
	assert.Equal(t, 3, got.Version)
}

func TestSyncErrorLogIsBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < maxSyncErrors+25; i++ {
		op := models.SyncOperation{
			BaseModel:      models.BaseModel{ID: fmt.Sprintf("op-%04d", i)},
			Type:           models.OpCreate,
			NotificationID: "n-1",
			Attempts:       5,
		}
		require.NoError(t, s.RecordSyncError(ctx, op, "abandoned"))
	}

	var total int64
	require.NoError(t, s.DB().Model(&models.SyncError{}).Count(&total).Error)
	assert.EqualValues(t, maxSyncErrors, total)

	entries, err := s.ListSyncErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 10)
}

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := sampleRecord()
	stale.ExpiresAt = time.Now().Add(-time.Hour)
	fresh := sampleRecord()
	require.NoError(t, s.SaveRecord(ctx, stale))
	require.NoError(t, s.SaveRecord(ctx, fresh))

	purged, err := s.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = s.GetRecord(ctx, fresh.ID)
	require.NoError(t, err)
}
