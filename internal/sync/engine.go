package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/store"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
	"github.com/calebmorrow/notiq/pkg/logger"
	"github.com/calebmorrow/notiq/pkg/metrics"
)

// Trigger registers periodic jobs; the schedule package implements it.
type Trigger interface {
	Every(name string, interval time.Duration, job func(context.Context)) (int, error)
	Remove(id int)
}

// Engine drains the durable operation queue against the server of record.
// One pass runs at a time; a second request while syncing is a no-op. The
// in-memory queue is a working copy, always reconcilable from the store.
type Engine struct {
	store  *store.Store
	client Client
	cfg    Config
	log    *zap.Logger

	isSyncing atomic.Bool
	online    atomic.Bool

	mu    stdsync.Mutex
	queue map[string]*queueItem

	trigger  Trigger
	triggers []int

	// SyncInterval/RetryInterval control the scheduled cadence.
	SyncInterval  time.Duration
	RetryInterval time.Duration

	now func() time.Time
}

// NewEngine constructs a sync engine. The network is assumed available until
// SetOnline reports otherwise.
func NewEngine(st *store.Store, client Client, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, apperrors.Validation("sync engine: store is required")
	}
	if client == nil {
		return nil, apperrors.Validation("sync engine: client is required")
	}

	e := &Engine{
		store:         st,
		client:        client,
		cfg:           cfg.withDefaults(),
		log:           logger.WithComponent("sync"),
		queue:         make(map[string]*queueItem),
		SyncInterval:  time.Minute,
		RetryInterval: 5 * time.Minute,
		now:           time.Now,
	}
	e.online.Store(true)
	return e, nil
}

// WithNow overrides the engine clock for tests.
func (e *Engine) WithNow(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start registers the periodic sync and retry triggers.
func (e *Engine) Start(trigger Trigger) error {
	syncID, err := trigger.Every("sync", e.SyncInterval, func(ctx context.Context) {
		if err := e.Sync(ctx); err != nil {
			e.log.Warn("scheduled sync failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	retryID, err := trigger.Every("sync-retry", e.RetryInterval, func(ctx context.Context) {
		if err := e.RetryPass(ctx); err != nil {
			e.log.Warn("scheduled retry pass failed", zap.Error(err))
		}
	})
	if err != nil {
		trigger.Remove(syncID)
		return err
	}

	e.trigger = trigger
	e.triggers = []int{syncID, retryID}
	return nil
}

// Stop unregisters the scheduled triggers. Queued, unsent operations remain
// durable in the store and are picked up by the next Start.
func (e *Engine) Stop() {
	if e.trigger == nil {
		return
	}
	for _, id := range e.triggers {
		e.trigger.Remove(id)
	}
	e.trigger = nil
	e.triggers = nil
}

// SetOnline records network availability. A transition back online triggers
// an immediate sync attempt.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	was := e.online.Swap(online)
	if online && !was {
		e.log.Info("network restored, triggering sync")
		// Callers report transitions from short-lived contexts (an HTTP
		// request on the control surface); the reconnect pass gets its own
		// lifetime.
		syncCtx := context.WithoutCancel(ctx)
		go func() {
			if err := e.Sync(syncCtx); err != nil {
				e.log.Warn("reconnect sync failed", zap.Error(err))
			}
		}()
	}
}

// Online reports the last known network state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Sync runs one full pass: load pending operations, batch, dispatch in
// descending priority, resolve conflicts, persist failures for retry.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.isSyncing.CompareAndSwap(false, true) {
		e.log.Debug("sync already in progress, skipping")
		return nil
	}
	defer e.isSyncing.Store(false)

	if !e.online.Load() && !e.cfg.AllowOffline {
		metrics.SyncAttempts.WithLabelValues("offline").Inc()
		return apperrors.ErrNetworkUnavailable
	}

	due, err := e.refreshQueue(ctx)
	if err != nil {
		metrics.SyncAttempts.WithLabelValues("error").Inc()
		return err
	}
	if len(due) == 0 {
		metrics.SyncAttempts.WithLabelValues("noop").Inc()
		return nil
	}

	batches := e.buildBatches(due)
	var failed bool
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !e.processBatch(ctx, batch) {
			failed = true
		}
	}

	if failed {
		metrics.SyncAttempts.WithLabelValues("partial").Inc()
	} else {
		metrics.SyncAttempts.WithLabelValues("success").Inc()
	}
	return nil
}

// RetryPass retries, individually, operations whose backoff has elapsed. It
// shares the isSyncing guard with Sync since both drive the transport.
func (e *Engine) RetryPass(ctx context.Context) error {
	if !e.isSyncing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.isSyncing.Store(false)

	if !e.online.Load() && !e.cfg.AllowOffline {
		return apperrors.ErrNetworkUnavailable
	}

	due, err := e.refreshQueue(ctx)
	if err != nil {
		return err
	}

	for _, item := range due {
		if item.op.Attempts == 0 {
			continue // never attempted, the main pass owns it
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		e.processBatch(ctx, []*queueItem{item})
	}
	return nil
}

// refreshQueue merges the store's pending operations into the in-memory
// queue, deduplicated by id, recomputes the derived fields and returns the
// items due now in descending priority order.
func (e *Engine) refreshQueue(ctx context.Context) ([]*queueItem, error) {
	ops, err := e.store.ListOperations(ctx, 0)
	if err != nil {
		return nil, err
	}

	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		seen[op.ID] = struct{}{}
		item, ok := e.queue[op.ID]
		if !ok {
			item = &queueItem{}
			e.queue[op.ID] = item
		}
		item.op = op
		item.priority = operationPriority(op, now)
		item.nextRetry = nextRetryAt(op, e.cfg.BackoffBase, e.cfg.MaxBackoff)
	}
	// Operations confirmed or removed elsewhere drop out of the working copy.
	for id := range e.queue {
		if _, ok := seen[id]; !ok {
			delete(e.queue, id)
		}
	}

	metrics.QueueDepth.Set(float64(len(e.queue)))

	due := make([]*queueItem, 0, len(e.queue))
	for _, item := range e.queue {
		if item.op.Attempts >= e.cfg.MaxRetryAttempts {
			continue // abandoned, kept only for diagnostics
		}
		if item.nextRetry.After(now) {
			continue
		}
		due = append(due, item)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].priority != due[j].priority {
			return due[i].priority > due[j].priority
		}
		return due[i].op.CreatedAt.Before(due[j].op.CreatedAt)
	})
	return due, nil
}

// buildBatches groups same-type, similar-priority runs of operations into
// batches of up to BatchSize, hard-capped at MaxBatchSize. With optimization
// off every operation is its own batch.
func (e *Engine) buildBatches(due []*queueItem) [][]*queueItem {
	var batches [][]*queueItem

	if !e.cfg.BatchOptimization {
		for _, item := range due {
			batches = append(batches, []*queueItem{item})
		}
		return batches
	}

	limit := e.cfg.BatchSize
	if limit > e.cfg.MaxBatchSize {
		limit = e.cfg.MaxBatchSize
	}

	var current []*queueItem
	for _, item := range due {
		if len(current) > 0 {
			head := current[0]
			if item.op.Type != head.op.Type ||
				!similarPriority(item.priority, head.priority) ||
				len(current) >= limit {
				batches = append(batches, current)
				current = nil
			}
		}
		current = append(current, item)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// processBatch dispatches one batch and returns false when any operation in
// it failed.
func (e *Engine) processBatch(ctx context.Context, batch []*queueItem) bool {
	if len(batch) == 0 {
		return true
	}
	metrics.BatchSize.Observe(float64(len(batch)))

	if batch[0].op.Type == models.OpCreate && len(batch) > 1 {
		return e.sendCreateBatch(ctx, batch)
	}

	ok := true
	for _, item := range batch {
		if !e.sendOne(ctx, item) {
			ok = false
		}
	}
	return ok
}

func (e *Engine) sendCreateBatch(ctx context.Context, batch []*queueItem) bool {
	records := make([]*models.Notification, 0, len(batch))
	items := make([]*queueItem, 0, len(batch))
	for _, item := range batch {
		record, skip := e.loadRecord(ctx, item)
		if skip {
			continue
		}
		records = append(records, record)
		items = append(items, item)
	}
	if len(records) == 0 {
		return true
	}

	results, err := e.client.BatchCreate(ctx, records)
	if err != nil {
		for _, item := range items {
			e.recordFailure(ctx, item, err)
		}
		return false
	}

	byClientID := make(map[string]BatchItemResult, len(results))
	for _, result := range results {
		byClientID[result.ClientID] = result
	}

	ok := true
	for i, item := range items {
		result, found := byClientID[records[i].ID]
		switch {
		case found && result.Error == "":
			e.confirmCreate(ctx, item, result.ServerID)
		case found:
			e.recordFailure(ctx, item, apperrors.New("BATCH_ITEM_REJECTED", result.Error, 0))
			ok = false
		default:
			e.recordFailure(ctx, item, apperrors.New("BATCH_ITEM_MISSING", "server returned no result for record", 0))
			ok = false
		}
	}
	return ok
}

// sendOne dispatches a single operation of any type.
func (e *Engine) sendOne(ctx context.Context, item *queueItem) bool {
	switch item.op.Type {
	case models.OpCreate:
		return e.sendCreate(ctx, item)
	case models.OpUpdate:
		return e.sendUpdate(ctx, item)
	case models.OpDelete:
		return e.sendDelete(ctx, item)
	default:
		e.log.Error("unknown operation type, dropping",
			zap.String("operation_id", item.op.ID),
			zap.String("type", string(item.op.Type)))
		e.removeOperation(ctx, item)
		return true
	}
}

func (e *Engine) sendCreate(ctx context.Context, item *queueItem) bool {
	record, skip := e.loadRecord(ctx, item)
	if skip {
		return true
	}

	result, err := e.client.CreateNotification(ctx, record)
	if err != nil {
		e.recordFailure(ctx, item, err)
		return false
	}
	e.confirmCreate(ctx, item, result.ServerID)
	return true
}

func (e *Engine) sendUpdate(ctx context.Context, item *queueItem) bool {
	record, skip := e.loadRecord(ctx, item)
	if skip {
		return true
	}
	if record.ServerID == nil {
		// The create for this record has not been confirmed yet; the
		// update stays queued behind it without burning an attempt.
		return true
	}

	var payload models.StatusPayload
	if err := json.Unmarshal(item.op.Payload, &payload); err != nil || !payload.Action.IsValid() {
		e.abandon(ctx, item, "malformed update payload")
		return false
	}

	result, err := e.client.UpdateStatus(ctx, *record.ServerID, payload.Action, record.Version)
	if err != nil {
		e.recordFailure(ctx, item, err)
		return false
	}

	if result.Conflict != nil {
		return e.resolveConflict(ctx, item, record, result.Conflict)
	}

	// The server bumped its version on acceptance. Fold its copy back in so
	// the next update from this device sends the current base version.
	if result.Record != nil {
		if err := e.store.ApplyRemote(ctx, result.Record); err != nil {
			e.log.Warn("failed to apply accepted update locally",
				zap.String("notification_id", item.op.NotificationID),
				zap.Error(err))
		}
	}

	metrics.OperationsSynced.WithLabelValues(string(models.OpUpdate)).Inc()
	e.removeOperation(ctx, item)
	return true
}

func (e *Engine) sendDelete(ctx context.Context, item *queueItem) bool {
	var payload models.DeletePayload
	if len(item.op.Payload) > 0 {
		if err := json.Unmarshal(item.op.Payload, &payload); err != nil {
			e.abandon(ctx, item, "malformed delete payload")
			return false
		}
	}
	if payload.ServerID == "" {
		// Never reached the server; nothing to delete remotely.
		e.removeOperation(ctx, item)
		return true
	}

	if err := e.client.DeleteNotification(ctx, payload.ServerID); err != nil {
		e.recordFailure(ctx, item, err)
		return false
	}

	metrics.OperationsSynced.WithLabelValues(string(models.OpDelete)).Inc()
	e.removeOperation(ctx, item)
	return true
}

// resolveConflict applies the configured strategy and persists the resolved
// record. A conflict is not a failure: the operation is consumed.
func (e *Engine) resolveConflict(ctx context.Context, item *queueItem, local, server *models.Notification) bool {
	resolution, err := Resolve(local, server, e.cfg.ConflictStrategy)
	if err != nil {
		e.recordFailure(ctx, item, err)
		return false
	}

	if err := e.store.SaveRecord(ctx, resolution.Resolved); err != nil {
		e.recordFailure(ctx, item, err)
		return false
	}

	metrics.ConflictsResolved.WithLabelValues(string(resolution.Strategy)).Inc()
	e.log.Info("conflict resolved",
		zap.String("notification_id", resolution.NotificationID),
		zap.String("strategy", string(resolution.Strategy)),
		zap.Int("client_version", resolution.ClientVersion),
		zap.Int("server_version", resolution.ServerVersion))
	e.removeOperation(ctx, item)
	return true
}

// loadRecord fetches the operation's record. A missing record means it was
// deleted locally before sync; the operation is consumed. skip=true means the
// caller should treat the operation as handled.
func (e *Engine) loadRecord(ctx context.Context, item *queueItem) (*models.Notification, bool) {
	record, err := e.store.GetRecord(ctx, item.op.NotificationID)
	if err == nil {
		return record, false
	}
	if errors.Is(err, apperrors.ErrNotFound) {
		e.log.Debug("record gone before sync, dropping operation",
			zap.String("operation_id", item.op.ID),
			zap.String("notification_id", item.op.NotificationID))
		e.removeOperation(ctx, item)
		return nil, true
	}
	e.recordFailure(ctx, item, err)
	return nil, true
}

func (e *Engine) confirmCreate(ctx context.Context, item *queueItem, serverID string) {
	if err := e.store.MarkSynced(ctx, item.op.NotificationID, serverID); err != nil {
		e.log.Error("failed to mark record synced",
			zap.String("notification_id", item.op.NotificationID),
			zap.Error(err))
	}
	metrics.OperationsSynced.WithLabelValues(string(models.OpCreate)).Inc()
	e.removeOperation(ctx, item)
}

// recordFailure persists the attempt and abandons the operation once the
// retry budget is spent. Abandoned operations stay in the store for
// diagnostics and are written to the bounded error log.
func (e *Engine) recordFailure(ctx context.Context, item *queueItem, cause error) {
	attempts := item.op.Attempts + 1
	message := cause.Error()

	if err := e.store.UpdateOperation(ctx, item.op.ID, attempts, message); err != nil {
		e.log.Error("failed to persist operation failure",
			zap.String("operation_id", item.op.ID),
			zap.Error(err))
	}
	if err := e.store.IncrementSyncAttempts(ctx, item.op.NotificationID); err != nil {
		e.log.Debug("failed to bump record sync attempts",
			zap.String("notification_id", item.op.NotificationID),
			zap.Error(err))
	}

	now := e.now()
	item.op.Attempts = attempts
	item.op.LastAttempt = &now
	item.op.LastError = message
	item.nextRetry = nextRetryAt(item.op, e.cfg.BackoffBase, e.cfg.MaxBackoff)

	if attempts >= e.cfg.MaxRetryAttempts {
		e.log.Error("operation abandoned after retry budget",
			zap.String("operation_id", item.op.ID),
			zap.String("type", string(item.op.Type)),
			zap.Int("attempts", attempts),
			zap.String("last_error", message))
		if err := e.store.RecordSyncError(ctx, item.op, message); err != nil {
			e.log.Error("failed to write sync error log", zap.Error(err))
		}
		return
	}

	e.log.Warn("operation failed, scheduled for retry",
		zap.String("operation_id", item.op.ID),
		zap.Int("attempts", attempts),
		zap.Time("next_retry", item.nextRetry),
		zap.Error(cause))
}

// abandon drops an operation that can never succeed, recording it in the
// error log first.
func (e *Engine) abandon(ctx context.Context, item *queueItem, reason string) {
	e.log.Error("operation abandoned",
		zap.String("operation_id", item.op.ID),
		zap.String("reason", reason))
	if err := e.store.RecordSyncError(ctx, item.op, reason); err != nil {
		e.log.Error("failed to write sync error log", zap.Error(err))
	}
	e.removeOperation(ctx, item)
}

func (e *Engine) removeOperation(ctx context.Context, item *queueItem) {
	if err := e.store.RemoveOperation(ctx, item.op.ID); err != nil {
		e.log.Error("failed to remove confirmed operation",
			zap.String("operation_id", item.op.ID),
			zap.Error(err))
		return
	}
	e.mu.Lock()
	delete(e.queue, item.op.ID)
	e.mu.Unlock()
}
