package rules

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

// CreateRuleInput defines the attributes required to persist a rule.
type CreateRuleInput struct {
	Name       string
	Type       models.RuleType
	Priority   int
	Enabled    bool
	Conditions any
	Actions    ActionList
}

// UpdateRuleInput carries an explicit rule update. Nil fields are untouched.
type UpdateRuleInput struct {
	Name       *string
	Priority   *int
	Enabled    *bool
	Conditions any
	Actions    *ActionList
}

// Service manages rule persistence and exposes evaluation over the stored
// rule set. The device and the server of record run the same service, which
// keeps their decisions aligned.
type Service struct {
	db     *gorm.DB
	engine *Engine
}

// NewService constructs a rule service.
func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("rules service: db is required")
	}
	return &Service{db: db, engine: NewEngine()}, nil
}

// Engine exposes the evaluator for callers that already hold a rule set.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Create validates and persists a new rule. Malformed rules are rejected
// here and never reach evaluation.
func (s *Service) Create(ctx context.Context, input CreateRuleInput) (*models.Rule, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.Validation("rule name is required")
	}
	if !input.Type.IsValid() {
		return nil, apperrors.Validation(fmt.Sprintf("invalid rule type %q", input.Type))
	}
	if err := ValidateConditionsForType(input.Type, input.Conditions); err != nil {
		return nil, err
	}

	conditions, err := EncodeConditions(input.Conditions)
	if err != nil {
		return nil, err
	}
	actions, err := EncodeActions(input.Actions)
	if err != nil {
		return nil, err
	}

	priority := input.Priority
	if priority == 0 {
		priority = models.RulePriorityMedium
	}

	rule := &models.Rule{
		Name:       name,
		Type:       input.Type,
		Priority:   priority,
		Enabled:    input.Enabled,
		Conditions: conditions,
		Actions:    actions,
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("rules service: create: %w", err)
	}
	return rule, nil
}

// Get fetches a rule by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Rule, error) {
	var rule models.Rule
	err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound.WithInternal(err)
	}
	if err != nil {
		return nil, fmt.Errorf("rules service: get: %w", err)
	}
	return &rule, nil
}

// List returns all rules ordered by priority descending then creation order,
// the order the engine evaluates them in.
func (s *Service) List(ctx context.Context) ([]models.Rule, error) {
	var ruleSet []models.Rule
	err := s.db.WithContext(ctx).
		Order("priority DESC, created_at ASC").
		Find(&ruleSet).Error
	if err != nil {
		return nil, fmt.Errorf("rules service: list: %w", err)
	}
	return ruleSet, nil
}

// ListEnabled returns only enabled rules in evaluation order.
func (s *Service) ListEnabled(ctx context.Context) ([]models.Rule, error) {
	var ruleSet []models.Rule
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority DESC, created_at ASC").
		Find(&ruleSet).Error
	if err != nil {
		return nil, fmt.Errorf("rules service: list enabled: %w", err)
	}
	return ruleSet, nil
}

// Update applies an explicit update to a stored rule, bumping UpdatedAt.
func (s *Service) Update(ctx context.Context, id string, input UpdateRuleInput) (*models.Rule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, apperrors.Validation("rule name is required")
		}
		rule.Name = name
	}
	if input.Priority != nil {
		rule.Priority = *input.Priority
	}
	if input.Enabled != nil {
		rule.Enabled = *input.Enabled
	}
	if input.Conditions != nil {
		if err := ValidateConditionsForType(rule.Type, input.Conditions); err != nil {
			return nil, err
		}
		conditions, err := EncodeConditions(input.Conditions)
		if err != nil {
			return nil, err
		}
		rule.Conditions = conditions
	}
	if input.Actions != nil {
		actions, err := EncodeActions(*input.Actions)
		if err != nil {
			return nil, err
		}
		rule.Actions = actions
	}

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("rules service: update: %w", err)
	}
	return rule, nil
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.Rule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("rules service: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Apply evaluates the stored enabled rules against a record.
func (s *Service) Apply(ctx context.Context, record *models.Notification) (Outcome, error) {
	ruleSet, err := s.ListEnabled(ctx)
	if err != nil {
		return Outcome{Record: record}, err
	}
	return s.engine.Evaluate(record, ruleSet), nil
}
