package sync

import (
	"context"
	"encoding/json"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/calebmorrow/notiq/internal/database/testutil"
	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/store"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

// fakeClient records calls and returns scripted results.
type fakeClient struct {
	mu stdsync.Mutex

	createErr    error
	updateErr    error
	conflict     *models.Notification
	updateRecord *models.Notification
	failBatch    bool
	rejectIDs    map[string]string
	nextServer   int
	createCalls  int
	batchCalls   int
	updateCalls  int
	deleteCalls  int
	updated      []string
	deleted      []string
}

func (f *fakeClient) CreateNotification(ctx context.Context, record *models.Notification) (CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return CreateResult{}, f.createErr
	}
	f.nextServer++
	return CreateResult{ServerID: fmt.Sprintf("srv-%d", f.nextServer), Version: 1}, nil
}

func (f *fakeClient) BatchCreate(ctx context.Context, records []*models.Notification) ([]BatchItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.failBatch {
		return nil, apperrors.ErrNetworkUnavailable
	}
	results := make([]BatchItemResult, 0, len(records))
	for _, record := range records {
		if reason, rejected := f.rejectIDs[record.ID]; rejected {
			results = append(results, BatchItemResult{ClientID: record.ID, Error: reason})
			continue
		}
		f.nextServer++
		results = append(results, BatchItemResult{
			ClientID: record.ID,
			ServerID: fmt.Sprintf("srv-%d", f.nextServer),
			Version:  1,
		})
	}
	return results, nil
}

func (f *fakeClient) UpdateStatus(ctx context.Context, serverID string, action models.StatusAction, baseVersion int) (UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return UpdateResult{}, f.updateErr
	}
	if f.conflict != nil {
		return UpdateResult{Conflict: f.conflict}, nil
	}
	f.updated = append(f.updated, serverID)
	return UpdateResult{OK: true, Record: f.updateRecord}, nil
}

func (f *fakeClient) DeleteNotification(ctx context.Context, serverID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	f.deleted = append(f.deleted, serverID)
	return nil
}

type engineFixture struct {
	engine *Engine
	store  *store.Store
	client *fakeClient
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithMigrations())
	st, err := store.New(db)
	require.NoError(t, err)

	client := &fakeClient{}
	engine, err := NewEngine(st, client, cfg)
	require.NoError(t, err)
	return &engineFixture{engine: engine, store: st, client: client}
}

func (f *engineFixture) seedRecord(t *testing.T, id string) *models.Notification {
	t.Helper()
	record := &models.Notification{
		BaseModel:   models.BaseModel{ID: id},
		AppIdentity: "Chat",
		Title:       "hello " + id,
		Category:    models.CategoryPersonal,
		Timestamp:   time.Now().UTC(),
	}
	record.SetDefaults()
	require.NoError(t, f.store.SaveRecord(context.Background(), record))
	return record
}

func (f *engineFixture) enqueueCreate(t *testing.T, record *models.Notification) models.SyncOperation {
	t.Helper()
	payload, err := json.Marshal(record)
	require.NoError(t, err)
	op := models.SyncOperation{
		Type:           models.OpCreate,
		NotificationID: record.ID,
		Payload:        datatypes.JSON(payload),
	}
	require.NoError(t, f.store.EnqueueOperation(context.Background(), &op))
	return op
}

func (f *engineFixture) enqueueUpdate(t *testing.T, recordID string, action models.StatusAction) models.SyncOperation {
	t.Helper()
	payload, err := json.Marshal(models.StatusPayload{Action: action})
	require.NoError(t, err)
	op := models.SyncOperation{
		Type:           models.OpUpdate,
		NotificationID: recordID,
		Payload:        datatypes.JSON(payload),
	}
	require.NoError(t, f.store.EnqueueOperation(context.Background(), &op))
	return op
}

func TestSyncConfirmsCreates(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	f.enqueueCreate(t, record)

	require.NoError(t, f.engine.Sync(ctx))

	synced, err := f.store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, synced.Synced)
	require.NotNil(t, synced.ServerID)
	assert.Equal(t, "srv-1", *synced.ServerID)

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ops, "confirmed operations leave the queue")
}

func TestSyncBatchesCreates(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		record := f.seedRecord(t, fmt.Sprintf("n%d", i))
		f.enqueueCreate(t, record)
	}

	require.NoError(t, f.engine.Sync(ctx))

	assert.Equal(t, 1, f.client.batchCalls, "creates go through one multi-item call")
	assert.Equal(t, 0, f.client.createCalls)

	unsynced, err := f.store.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestSyncOfflineGate(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	f.enqueueCreate(t, record)

	f.engine.SetOnline(ctx, false)
	err := f.engine.Sync(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNetworkUnavailable)
	assert.Equal(t, 0, f.client.createCalls+f.client.batchCalls)

	cfg := DefaultConfig()
	cfg.AllowOffline = true
	allowed := newEngineFixture(t, cfg)
	allowed.enqueueCreate(t, allowed.seedRecord(t, "n2"))
	allowed.engine.SetOnline(ctx, false)
	assert.NoError(t, allowed.engine.Sync(ctx))
}

func TestSyncFailureSchedulesRetry(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	op := f.enqueueCreate(t, record)
	f.client.createErr = apperrors.ErrNetworkUnavailable
	f.client.failBatch = true

	require.NoError(t, f.engine.Sync(ctx))

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1, "failed operations stay queued")
	assert.Equal(t, op.ID, ops[0].ID)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.NotEmpty(t, ops[0].LastError)
	require.NotNil(t, ops[0].LastAttempt)

	stored, err := f.store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.SyncAttempts)
	assert.False(t, stored.Synced)
}

func TestSyncRespectsBackoff(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	f.enqueueCreate(t, record)
	f.client.createErr = apperrors.ErrNetworkUnavailable
	f.client.failBatch = true

	require.NoError(t, f.engine.Sync(ctx))
	firstCalls := f.client.createCalls + f.client.batchCalls
	require.Positive(t, firstCalls)

	// Immediately after a failure the backoff has not elapsed.
	require.NoError(t, f.engine.Sync(ctx))
	assert.Equal(t, firstCalls, f.client.createCalls+f.client.batchCalls)

	// Advance past the backoff and the operation becomes due again.
	f.engine.WithNow(func() time.Time { return time.Now().Add(time.Minute) })
	require.NoError(t, f.engine.Sync(ctx))
	assert.Greater(t, f.client.createCalls+f.client.batchCalls, firstCalls)
}

func TestSyncAbandonsAfterRetryBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetryAttempts = 2
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	op := f.enqueueCreate(t, record)
	f.client.createErr = apperrors.ErrNetworkUnavailable
	f.client.failBatch = true

	offset := time.Duration(0)
	for i := 0; i < 4; i++ {
		require.NoError(t, f.engine.Sync(ctx))
		offset += 10 * time.Minute
		shift := offset
		f.engine.WithNow(func() time.Time { return time.Now().Add(shift) })
	}

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1, "abandoned operations are never silently deleted")
	assert.Equal(t, cfg.MaxRetryAttempts, ops[0].Attempts, "no attempts past the budget")

	errorLog, err := f.store.ListSyncErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errorLog, 1)
	assert.Equal(t, op.ID, errorLog[0].OperationID)
	assert.Equal(t, record.ID, errorLog[0].NotificationID)

	stored, err := f.store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello n1", stored.Title, "the record itself is never corrupted")
}

func TestSyncSecondPassIsNoop(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	f.engine.isSyncing.Store(true)

	err := f.engine.Sync(context.Background())
	assert.NoError(t, err, "a sync request while syncing is a no-op, not an error")
	assert.Equal(t, 0, f.client.createCalls+f.client.batchCalls)
}

func TestSyncUpdateWaitsForServerID(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	f.enqueueUpdate(t, record.ID, models.ActionRead)

	require.NoError(t, f.engine.Sync(ctx))
	assert.Equal(t, 0, f.client.updateCalls, "updates wait for the create to confirm")

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 0, ops[0].Attempts, "waiting does not burn an attempt")

	require.NoError(t, f.store.MarkSynced(ctx, record.ID, "srv-9"))
	require.NoError(t, f.engine.Sync(ctx))
	assert.Equal(t, []string{"srv-9"}, f.client.updated)
}

func TestSyncResolvesConflictWithMerge(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	require.NoError(t, f.store.MarkSynced(ctx, record.ID, "srv-1"))
	local, err := f.store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	local.IsRead = true
	require.NoError(t, f.store.SaveRecord(ctx, local))

	f.enqueueUpdate(t, record.ID, models.ActionRead)
	f.client.conflict = &models.Notification{
		BaseModel: models.BaseModel{ID: record.ID},
		ServerID:  strPtr("srv-1"),
		Title:     "server edit",
		Category:  models.CategoryWork,
		Priority:  2,
		Version:   7,
	}

	require.NoError(t, f.engine.Sync(ctx))

	resolved, err := f.store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "server edit", resolved.Title)
	assert.Equal(t, models.CategoryWork, resolved.Category)
	assert.True(t, resolved.IsRead, "merge keeps client user intent")
	assert.Equal(t, 7, resolved.Version)

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ops, "a resolved conflict consumes the operation")
}

func TestSyncDeleteOperations(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	payload, err := json.Marshal(models.DeletePayload{ServerID: "srv-4"})
	require.NoError(t, err)
	require.NoError(t, f.store.EnqueueOperation(ctx, &models.SyncOperation{
		Type:           models.OpDelete,
		NotificationID: "gone-1",
		Payload:        datatypes.JSON(payload),
	}))
	// A delete for a record the server never saw needs no call at all.
	require.NoError(t, f.store.EnqueueOperation(ctx, &models.SyncOperation{
		Type:           models.OpDelete,
		NotificationID: "gone-2",
	}))

	require.NoError(t, f.engine.Sync(ctx))

	assert.Equal(t, []string{"srv-4"}, f.client.deleted)
	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestSyncDropsOperationsForDeletedRecords(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	f.enqueueCreate(t, record)
	require.NoError(t, f.store.DeleteRecord(ctx, record.ID))

	require.NoError(t, f.engine.Sync(ctx))

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, 0, f.client.createCalls+f.client.batchCalls)
}

func TestSyncPartialBatchFailure(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	good := f.seedRecord(t, "good")
	bad := f.seedRecord(t, "bad")
	f.enqueueCreate(t, good)
	f.enqueueCreate(t, bad)
	f.client.rejectIDs = map[string]string{"bad": "record rejected"}

	require.NoError(t, f.engine.Sync(ctx))

	goodRecord, err := f.store.GetRecord(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, goodRecord.Synced)

	ops, err := f.store.ListOperations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, bad.ID, ops[0].NotificationID)
	assert.Equal(t, 1, ops[0].Attempts)
}

func TestRetryPassSkipsUnattempted(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	f.enqueueCreate(t, record)

	require.NoError(t, f.engine.RetryPass(ctx))
	assert.Equal(t, 0, f.client.createCalls+f.client.batchCalls, "the main pass owns fresh operations")
}

func TestRetryPassRetriesIndividually(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record := f.seedRecord(t, fmt.Sprintf("n%d", i))
		f.enqueueCreate(t, record)
	}
	f.client.failBatch = true
	f.client.createErr = apperrors.ErrNetworkUnavailable
	require.NoError(t, f.engine.Sync(ctx))

	f.client.failBatch = false
	f.client.createErr = nil
	f.engine.WithNow(func() time.Time { return time.Now().Add(time.Minute) })

	require.NoError(t, f.engine.RetryPass(ctx))

	assert.Equal(t, 3, f.client.createCalls, "retry pass sends operations one at a time")
	unsynced, err := f.store.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestSyncAcceptedUpdateRefreshesLocalVersion(t *testing.T) {
	f := newEngineFixture(t, DefaultConfig())
	ctx := context.Background()

	record := f.seedRecord(t, "n1")
	serverID := "srv-1"
	record.ServerID = &serverID
	record.Synced = true
	record.IsRead = true
	require.NoError(t, f.store.SaveRecord(ctx, record))

	accepted := *record
	accepted.Version = 2
	f.client.updateRecord = &accepted

	f.enqueueUpdate(t, record.ID, models.ActionRead)
	require.NoError(t, f.engine.Sync(ctx))

	got, err := f.store.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version, "accepted update must carry the server version home")

	pending, err := f.store.CountOperations(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
