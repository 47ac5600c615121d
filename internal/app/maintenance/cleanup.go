package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/store"
	"github.com/calebmorrow/notiq/pkg/logger"
)

const (
	defaultErrorRetentionDays = 30
	defaultRecordSpec         = "@hourly"
	defaultErrorSpec          = "@daily"
)

// Cleaner coordinates background maintenance: purging notification records
// past their retention deadline and pruning stale sync error entries.
type Cleaner struct {
	db        *gorm.DB
	records   *store.Store
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention int

	recordSchedule string
	errorSchedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithErrorRetentionDays adjusts how long sync error entries are retained.
func WithErrorRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithRecordSchedule overrides the cron specification for record retention.
func WithRecordSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.recordSchedule = spec
		}
	}
}

// WithErrorSchedule overrides the cron specification for error log pruning.
func WithErrorSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.errorSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, records *store.Store, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:             db,
		records:        records,
		now:            time.Now,
		retention:      defaultErrorRetentionDays,
		recordSchedule: defaultRecordSpec,
		errorSchedule:  defaultErrorSpec,
		log:            logger.WithComponent("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.records != nil || cleaner.db != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at
// least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.records != nil {
		if _, err := c.cron.AddFunc(c.recordSchedule, func() {
			ctx := context.Background()
			if _, err := c.records.PurgeExpired(ctx, c.now()); err != nil {
				c.log.Warn("record retention failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.errorSchedule, func() {
			ctx := context.Background()
			cutoff := c.now().AddDate(0, 0, -c.retention)
			if _, err := CleanupSyncErrors(ctx, c.db, cutoff); err != nil {
				c.log.Warn("sync error pruning failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.records != nil {
		if _, err := c.records.PurgeExpired(ctx, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil && c.retention > 0 {
		cutoff := c.now().AddDate(0, 0, -c.retention)
		if _, err := CleanupSyncErrors(ctx, c.db, cutoff); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CleanupSyncErrors removes abandoned-operation entries recorded before the
// cutoff and reports the number deleted.
func CleanupSyncErrors(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup sync errors: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.SyncError{})
	return result.RowsAffected, result.Error
}
