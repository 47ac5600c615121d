package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorrow/notiq/internal/database/testutil"
	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/store"
)

func newApplierFixture(t *testing.T) (*Applier, *store.Store) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithMigrations())
	st, err := store.New(db)
	require.NoError(t, err)
	applier, err := NewApplier(st)
	require.NoError(t, err)
	return applier, st
}

func pushedRecord(id string) *models.Notification {
	serverID := "srv-" + id
	return &models.Notification{
		BaseModel:   models.BaseModel{ID: id},
		ServerID:    &serverID,
		AppIdentity: "com.example.chat",
		Title:       "New message",
		Body:        "hello",
		Category:    models.CategoryPersonal,
		Priority:    models.PriorityNormal,
		Timestamp:   time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		Version:     1,
	}
}

func TestApplierCreatesUnknownRecord(t *testing.T) {
	applier, st := newApplierFixture(t)
	ctx := context.Background()

	event, err := NewNotificationEvent(EventNotificationNew, pushedRecord("n-1"))
	require.NoError(t, err)
	require.NoError(t, applier.Apply(ctx, event))

	got, err := st.GetRecord(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "New message", got.Title)
	assert.True(t, got.Synced)
	require.NotNil(t, got.ServerID)
	assert.Equal(t, "srv-n-1", *got.ServerID)
}

func TestApplierUpdateMatchesSyncReconciliation(t *testing.T) {
	applier, st := newApplierFixture(t)
	ctx := context.Background()

	local := pushedRecord("n-2")
	local.ServerID = nil
	require.NoError(t, st.SaveRecord(ctx, local))

	remote := pushedRecord("n-2")
	remote.IsRead = true
	remote.Version = 2
	event, err := NewNotificationEvent(EventNotificationUpdate, remote)
	require.NoError(t, err)
	require.NoError(t, applier.Apply(ctx, event))

	// The push path and the sync-response path must converge identically.
	want := pushedRecord("n-2")
	want.IsRead = true
	want.Version = 2
	require.NoError(t, st.ApplyRemote(ctx, want))

	got, err := st.GetRecord(ctx, "n-2")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.Synced)
}

func TestApplierStaleVersionKeepsLocalFlags(t *testing.T) {
	applier, st := newApplierFixture(t)
	ctx := context.Background()

	local := pushedRecord("n-3")
	local.IsRead = true
	local.Version = 3
	require.NoError(t, st.SaveRecord(ctx, local))

	remote := pushedRecord("n-3")
	remote.Title = "older copy"
	remote.IsRead = false
	remote.Version = 2
	event, err := NewNotificationEvent(EventNotificationUpdate, remote)
	require.NoError(t, err)
	require.NoError(t, applier.Apply(ctx, event))

	got, err := st.GetRecord(ctx, "n-3")
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.Equal(t, local.Title, got.Title, "replayed event must not regress content")
	assert.Equal(t, 3, got.Version)
}

func TestApplierIgnoresUnknownEventType(t *testing.T) {
	applier, st := newApplierFixture(t)
	ctx := context.Background()

	require.NoError(t, applier.Apply(ctx, Event{Type: "device_registered"}))

	records, err := st.ListRecords(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplierRejectsMalformedPayload(t *testing.T) {
	applier, _ := newApplierFixture(t)

	err := applier.Apply(context.Background(), Event{
		Type: EventNotificationNew,
		Data: []byte(`{"priority": "not-a-number"`),
	})
	assert.Error(t, err)
}
