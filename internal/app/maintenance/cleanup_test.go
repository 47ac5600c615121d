package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorrow/notiq/internal/database/testutil"
	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/store"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

func seedRecord(t *testing.T, st *store.Store, id string, expires time.Time) {
	t.Helper()
	record := &models.Notification{
		BaseModel:   models.BaseModel{ID: id},
		AppIdentity: "com.example.chat",
		Timestamp:   time.Now().Add(-time.Hour),
		ExpiresAt:   expires,
	}
	require.NoError(t, st.SaveRecord(context.Background(), record))
}

func TestRunOncePurgesExpiredRecords(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithMigrations())
	st, err := store.New(db)
	require.NoError(t, err)

	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	seedRecord(t, st, "stale", now.Add(-time.Minute))
	seedRecord(t, st, "fresh", now.Add(24*time.Hour))

	cleaner := NewCleaner(db, st, WithNow(func() time.Time { return now }))
	require.NoError(t, cleaner.RunOnce(context.Background()))

	_, err = st.GetRecord(context.Background(), "stale")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = st.GetRecord(context.Background(), "fresh")
	assert.NoError(t, err)
}

func TestRunOncePrunesOldSyncErrors(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithMigrations())
	st, err := store.New(db)
	require.NoError(t, err)

	old := models.SyncError{
		BaseModel:      models.BaseModel{ID: "err-old", CreatedAt: time.Now().AddDate(0, 0, -45)},
		NotificationID: "n-1",
		OperationType:  models.OpCreate,
		Message:        "gone stale",
	}
	recent := models.SyncError{
		BaseModel:      models.BaseModel{ID: "err-new", CreatedAt: time.Now().Add(-time.Hour)},
		NotificationID: "n-2",
		OperationType:  models.OpUpdate,
		Message:        "still relevant",
	}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Create(&recent).Error)

	cleaner := NewCleaner(db, st)
	require.NoError(t, cleaner.RunOnce(context.Background()))

	entries, err := st.ListSyncErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "err-new", entries[0].ID)
}

func TestCleanupSyncErrorsRequiresDB(t *testing.T) {
	_, err := CleanupSyncErrors(context.Background(), nil, time.Now())
	assert.Error(t, err)
}

func TestCleanerSkipsWhenNothingConfigured(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	require.NoError(t, cleaner.Start())
	require.NoError(t, cleaner.RunOnce(context.Background()))
	cleaner.Stop()
}
