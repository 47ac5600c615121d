package sync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorrow/notiq/internal/models"
)

func TestBackoffMonotoneAndCapped(t *testing.T) {
	maxBackoff := 5 * time.Minute

	var previous time.Duration
	for attempts := 1; attempts <= 12; attempts++ {
		delay := backoffDelay(attempts, 2, maxBackoff)
		assert.GreaterOrEqual(t, delay, previous, "attempt %d", attempts)
		assert.LessOrEqual(t, delay, maxBackoff, "attempt %d", attempts)
		previous = delay
	}

	assert.Equal(t, 2*time.Second, backoffDelay(1, 2, maxBackoff))
	assert.Equal(t, 4*time.Second, backoffDelay(2, 2, maxBackoff))
	assert.Equal(t, 8*time.Second, backoffDelay(3, 2, maxBackoff))
	assert.Equal(t, maxBackoff, backoffDelay(60, 2, maxBackoff), "large attempt counts cap instead of overflowing")
}

func TestNextRetryAt(t *testing.T) {
	assert.True(t, nextRetryAt(models.SyncOperation{}, 2, time.Minute).IsZero(), "unattempted operations are due immediately")

	last := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	op := models.SyncOperation{Attempts: 2, LastAttempt: &last}
	assert.Equal(t, last.Add(4*time.Second), nextRetryAt(op, 2, time.Minute))
}

func TestOperationPriorityOrdering(t *testing.T) {
	now := time.Now()

	fresh := models.SyncOperation{Type: models.OpCreate}
	fresh.CreatedAt = now.Add(-10 * time.Second)
	stale := models.SyncOperation{Type: models.OpCreate}
	stale.CreatedAt = now.Add(-48 * time.Hour)
	assert.Greater(t, operationPriority(fresh, now), operationPriority(stale, now), "newer outranks older")

	update := models.SyncOperation{Type: models.OpUpdate}
	update.CreatedAt = fresh.CreatedAt
	deleteOp := models.SyncOperation{Type: models.OpDelete}
	deleteOp.CreatedAt = fresh.CreatedAt
	assert.Greater(t, operationPriority(fresh, now), operationPriority(update, now), "create outranks update")
	assert.Greater(t, operationPriority(update, now), operationPriority(deleteOp, now), "update outranks delete")

	tired := fresh
	tired.Attempts = 3
	assert.Greater(t, operationPriority(fresh, now), operationPriority(tired, now), "attempts decay the rank")
}

func TestBuildBatchesBounds(t *testing.T) {
	engine := &Engine{cfg: Config{
		BatchSize:         20,
		MaxBatchSize:      100,
		BatchOptimization: true,
	}.withDefaults()}

	now := time.Now()
	due := make([]*queueItem, 0, 250)
	for i := 0; i < 250; i++ {
		op := models.SyncOperation{Type: models.OpCreate}
		op.ID = fmt.Sprintf("op-%d", i)
		op.CreatedAt = now.Add(-time.Duration(i) * time.Second)
		due = append(due, &queueItem{op: op, priority: operationPriority(op, now)})
	}

	batches := engine.buildBatches(due)

	total := 0
	for i, batch := range batches {
		require.LessOrEqual(t, len(batch), 100, "batch %d exceeds the hard cap", i)
		if i < len(batches)-1 {
			// Only the final remainder batch may fall short, except where a
			// priority-band boundary forces a split.
			assert.LessOrEqual(t, len(batch), 20)
		}
		total += len(batch)
	}
	assert.Equal(t, 250, total, "every operation lands in exactly one batch")
}

func TestBuildBatchesSplitsMixedTypes(t *testing.T) {
	engine := &Engine{cfg: DefaultConfig()}

	now := time.Now()
	create := models.SyncOperation{Type: models.OpCreate}
	create.ID = "c1"
	create.CreatedAt = now
	update := models.SyncOperation{Type: models.OpUpdate}
	update.ID = "u1"
	update.CreatedAt = now

	batches := engine.buildBatches([]*queueItem{
		{op: create, priority: operationPriority(create, now)},
		{op: update, priority: operationPriority(update, now)},
	})
	require.Len(t, batches, 2, "different types never share a batch")
}

func TestBuildBatchesOptimizationOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchOptimization = false
	engine := &Engine{cfg: cfg}

	now := time.Now()
	due := make([]*queueItem, 0, 5)
	for i := 0; i < 5; i++ {
		op := models.SyncOperation{Type: models.OpCreate}
		op.ID = fmt.Sprintf("op-%d", i)
		op.CreatedAt = now
		due = append(due, &queueItem{op: op})
	}

	batches := engine.buildBatches(due)
	require.Len(t, batches, 5)
	for _, batch := range batches {
		assert.Len(t, batch, 1)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 20, cfg.BatchSize)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, StrategyMerge, cfg.ConflictStrategy)
	assert.False(t, cfg.AllowOffline)

	clipped := Config{BatchSize: 500, MaxBatchSize: 100}.withDefaults()
	assert.Equal(t, 100, clipped.BatchSize, "batch size is clipped to the hard cap")
}
