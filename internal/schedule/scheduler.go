// Package schedule wraps cron with the interval-style triggers the capture
// and sync loops run on. Jobs are cooperative: each tick runs to completion
// and panics are contained so a failing job never kills the loop.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/calebmorrow/notiq/pkg/logger"
)

// Scheduler runs named periodic jobs. The zero value is not usable; call New.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger

	mu   sync.Mutex
	jobs map[int]*job

	ctx    context.Context
	cancel context.CancelFunc
}

type job struct {
	name string
	fn   func(context.Context)
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// New constructs a stopped scheduler; call Start to begin ticking.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:    logger.WithComponent("schedule"),
		jobs:   make(map[int]*job),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Every registers a job that runs once per interval. Returns the trigger id
// used to remove it later.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(context.Context)) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("schedule: interval for %q must be positive", name)
	}
	if fn == nil {
		return 0, fmt.Errorf("schedule: job %q is nil", name)
	}

	j := &job{name: name, fn: fn}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		s.runJob(j)
	})
	if err != nil {
		return 0, fmt.Errorf("schedule: register %q: %w", name, err)
	}

	s.mu.Lock()
	s.jobs[int(id)] = j
	s.mu.Unlock()
	return int(id), nil
}

// Remove unregisters a trigger. Unknown ids are ignored.
func (s *Scheduler) Remove(id int) {
	s.cron.Remove(cron.EntryID(id))
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// RunNow executes a registered job immediately on the calling goroutine,
// with the same panic containment a scheduled tick has.
func (s *Scheduler) RunNow(id int) bool {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.runJob(j)
	return true
}

// Start begins ticking. Safe to call once; jobs may be added before or after.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, cancels the context passed to running jobs and
// waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
}

// runJob contains panics so a failing tick never propagates out of the loop.
func (s *Scheduler) runJob(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked",
				zap.String("job", j.name),
				zap.Any("panic", r))
		}
	}()
	j.fn(s.ctx)
}
