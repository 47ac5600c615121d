// Package sync implements the offline-capable engine that turns queued local
// mutations into batched, retried calls against the server of record.
package sync

import (
	"math"
	"time"

	"github.com/calebmorrow/notiq/internal/models"
)

// Config tunes the sync engine. DefaultConfig values apply to zero fields.
type Config struct {
	// BatchSize is the preferred batch size when optimization is on.
	BatchSize int
	// MaxBatchSize is the hard cap no batch may exceed.
	MaxBatchSize int
	// MaxRetryAttempts bounds retries per operation before it is abandoned.
	MaxRetryAttempts int
	// BackoffBase is the exponent base for retry delays.
	BackoffBase float64
	// MaxBackoff caps the computed retry delay.
	MaxBackoff time.Duration
	// RequestTimeout is the fixed per-call transport timeout.
	RequestTimeout time.Duration
	// BatchOptimization groups compatible operations; off means singleton
	// batches.
	BatchOptimization bool
	// AllowOffline lets a sync pass start without network availability.
	AllowOffline bool
	// ConflictStrategy resolves divergent updates.
	ConflictStrategy Strategy
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		BatchSize:         20,
		MaxBatchSize:      100,
		MaxRetryAttempts:  5,
		BackoffBase:       2,
		MaxBackoff:        5 * time.Minute,
		RequestTimeout:    30 * time.Second,
		BatchOptimization: true,
		ConflictStrategy:  StrategyMerge,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.BatchSize > c.MaxBatchSize {
		c.BatchSize = c.MaxBatchSize
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = def.MaxRetryAttempts
	}
	if c.BackoffBase <= 1 {
		c.BackoffBase = def.BackoffBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if !c.ConflictStrategy.IsValid() {
		c.ConflictStrategy = def.ConflictStrategy
	}
	return c
}

// queueItem is the engine's in-memory view of one pending operation. Always
// reconcilable from the store; the derived fields are recomputed every pass.
type queueItem struct {
	op        models.SyncOperation
	priority  int
	nextRetry time.Time
}

// backoffDelay computes min(base^attempts * 1s, maxBackoff). Non-decreasing
// in attempts.
func backoffDelay(attempts int, base float64, maxBackoff time.Duration) time.Duration {
	if attempts <= 0 {
		return 0
	}
	seconds := math.Pow(base, float64(attempts))
	if seconds >= float64(maxBackoff)/float64(time.Second) {
		return maxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}

// nextRetryAt derives the earliest time an operation may be retried. An
// operation that has never been attempted is due immediately.
func nextRetryAt(op models.SyncOperation, base float64, maxBackoff time.Duration) time.Time {
	if op.LastAttempt == nil {
		return time.Time{}
	}
	return op.LastAttempt.Add(backoffDelay(op.Attempts, base, maxBackoff))
}

// operationPriority ranks operations for dispatch: newer beats older, create
// beats update beats delete, and repeated failures decay the rank.
func operationPriority(op models.SyncOperation, now time.Time) int {
	priority := 0

	switch op.Type {
	case models.OpCreate:
		priority += 30
	case models.OpUpdate:
		priority += 20
	case models.OpDelete:
		priority += 10
	}

	switch age := now.Sub(op.CreatedAt); {
	case age < time.Minute:
		priority += 15
	case age < time.Hour:
		priority += 10
	case age < 24*time.Hour:
		priority += 5
	}

	priority -= op.Attempts * 5
	return priority
}

// similarPriority reports whether two ranks are close enough to share a
// batch.
func similarPriority(a, b int) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 10
}
