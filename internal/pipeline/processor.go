// Package pipeline composes capture normalization, deduplication, rule
// evaluation and fallback classification into the single path every raw
// capture takes before it is persisted and queued for sync.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/calebmorrow/notiq/internal/capture"
	"github.com/calebmorrow/notiq/internal/classify"
	"github.com/calebmorrow/notiq/internal/dedup"
	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/rules"
	"github.com/calebmorrow/notiq/internal/store"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
	"github.com/calebmorrow/notiq/pkg/logger"
	"github.com/calebmorrow/notiq/pkg/metrics"
)

// Result reports what the pipeline did with one raw capture.
type Result struct {
	Record *models.Notification
	Stored bool
	Reason string
}

// Processor runs the capture path. Dedup, rule evaluation and classification
// are synchronous in-memory transforms; the rule set is loaded once per call
// so the transforms themselves never touch the database.
type Processor struct {
	store      *store.Store
	rules      *rules.Service
	dedup      *dedup.Deduplicator
	classifier *classify.Classifier
	log        *zap.Logger
}

// New constructs a Processor. All collaborators are required except the
// classifier, which defaults to the built-in heuristics.
func New(st *store.Store, ruleService *rules.Service, deduplicator *dedup.Deduplicator, classifier *classify.Classifier) (*Processor, error) {
	if st == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if ruleService == nil {
		return nil, fmt.Errorf("pipeline: rule service is required")
	}
	if deduplicator == nil {
		return nil, fmt.Errorf("pipeline: deduplicator is required")
	}
	if classifier == nil {
		classifier = classify.New(classify.DefaultConfig())
	}
	return &Processor{
		store:      st,
		rules:      ruleService,
		dedup:      deduplicator,
		classifier: classifier,
		log:        logger.WithComponent("pipeline"),
	}, nil
}

// Process runs one raw capture through the full path: normalize, dedup,
// rules, classifier fallback, persist, enqueue a create operation. A
// validation failure rejects the capture outright; a failure inside rule
// evaluation is isolated and the record passes through unmodified.
func (p *Processor) Process(ctx context.Context, raw capture.RawCapture) (Result, error) {
	ruleSet, err := p.rules.ListEnabled(ctx)
	if err != nil {
		return Result{}, err
	}
	return p.process(ctx, raw, ruleSet)
}

// ProcessBatch runs a slice of captures, loading the rule set once. Per-item
// failures are logged and skipped; the rest of the batch continues.
func (p *Processor) ProcessBatch(ctx context.Context, raws []capture.RawCapture) ([]Result, error) {
	ruleSet, err := p.rules.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(raws))
	for _, raw := range raws {
		result, err := p.process(ctx, raw, ruleSet)
		if err != nil {
			p.log.Warn("capture dropped",
				zap.String("app_identity", raw.AppIdentity),
				zap.Error(err))
			metrics.CapturesProcessed.WithLabelValues("error").Inc()
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

func (p *Processor) process(ctx context.Context, raw capture.RawCapture, ruleSet []models.Rule) (Result, error) {
	record, err := capture.Normalize(raw)
	if err != nil {
		metrics.CapturesProcessed.WithLabelValues("error").Inc()
		return Result{}, err
	}

	decision := p.dedup.Process(record)
	if !decision.Capture {
		metrics.CapturesProcessed.WithLabelValues("duplicate").Inc()
		p.log.Debug("duplicate capture suppressed",
			zap.String("app_identity", record.AppIdentity),
			zap.String("reason", decision.Reason))
		return Result{Record: record, Reason: decision.Reason}, nil
	}

	record = p.transform(record, ruleSet)
	if record == nil {
		metrics.CapturesProcessed.WithLabelValues("blocked").Inc()
		return Result{Reason: "blocked by rule"}, nil
	}

	record.Priority = models.ClampPriority(record.Priority)
	record.SetDefaults()

	if err := p.store.SaveRecord(ctx, record); err != nil {
		metrics.CapturesProcessed.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if err := p.enqueueCreate(ctx, record); err != nil {
		metrics.CapturesProcessed.WithLabelValues("error").Inc()
		return Result{}, err
	}

	metrics.CapturesProcessed.WithLabelValues("captured").Inc()
	return Result{Record: record, Stored: true, Reason: "captured"}, nil
}

// transform applies rules then the classifier fallback to a working copy.
// Returns nil when a rule blocked the record. If evaluation panics the
// original record passes through unmodified rather than being dropped.
func (p *Processor) transform(record *models.Notification, ruleSet []models.Rule) (out *models.Notification) {
	out = record
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("rule evaluation panicked, record passed through",
				zap.String("id", record.ID),
				zap.Any("panic", r))
			out = record
		}
	}()

	outcome := p.rules.Engine().Evaluate(record, ruleSet)
	if outcome.Blocked {
		return nil
	}

	p.classifier.Apply(outcome.Record, outcome.CategorySet, outcome.PrioritySet)
	return outcome.Record
}

// MarkRead persists the read flag and enqueues an update operation.
func (p *Processor) MarkRead(ctx context.Context, id string) error {
	return p.mutate(ctx, id, models.ActionRead)
}

// Dismiss persists the dismissed flag and enqueues an update operation.
func (p *Processor) Dismiss(ctx context.Context, id string) error {
	return p.mutate(ctx, id, models.ActionDismissed)
}

// Click marks the record read via the clicked action and enqueues an update.
func (p *Processor) Click(ctx context.Context, id string) error {
	return p.mutate(ctx, id, models.ActionClicked)
}

func (p *Processor) mutate(ctx context.Context, id string, action models.StatusAction) error {
	record, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	record.ApplyAction(action)
	if err := p.store.SaveRecord(ctx, record); err != nil {
		return err
	}

	payload, err := json.Marshal(models.StatusPayload{Action: action})
	if err != nil {
		return apperrors.Wrap(err, "encode status payload")
	}
	return p.store.EnqueueOperation(ctx, &models.SyncOperation{
		Type:           models.OpUpdate,
		NotificationID: record.ID,
		Payload:        datatypes.JSON(payload),
	})
}

// Delete removes the record locally and enqueues a delete operation so the
// server of record follows.
func (p *Processor) Delete(ctx context.Context, id string) error {
	record, err := p.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := p.store.DeleteRecord(ctx, id); err != nil {
		return err
	}

	op := &models.SyncOperation{
		Type:           models.OpDelete,
		NotificationID: id,
	}
	if record.ServerID != nil {
		payload, err := json.Marshal(models.DeletePayload{ServerID: *record.ServerID})
		if err != nil {
			return apperrors.Wrap(err, "encode delete payload")
		}
		op.Payload = datatypes.JSON(payload)
	}
	return p.store.EnqueueOperation(ctx, op)
}

func (p *Processor) enqueueCreate(ctx context.Context, record *models.Notification) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return apperrors.Wrap(err, "encode record payload")
	}
	return p.store.EnqueueOperation(ctx, &models.SyncOperation{
		Type:           models.OpCreate,
		NotificationID: record.ID,
		Payload:        datatypes.JSON(payload),
	})
}
