package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"gorm.io/datatypes"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

var hhmmPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Operator names a comparison applied by a field condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "notEquals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "notContains"
	OpStartsWith  Operator = "startsWith"
	OpEndsWith    Operator = "endsWith"
	OpRegex       Operator = "regex"
	OpGT          Operator = "gt"
	OpGTE         Operator = "gte"
	OpLT          Operator = "lt"
	OpLTE         Operator = "lte"
	OpIn          Operator = "in"
	OpNotIn       Operator = "notIn"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "notExists"
)

// FieldCondition is one generic comparison against a record field. A rule's
// conditions must ALL match for the rule to apply.
type FieldCondition struct {
	Field    string   `json:"field"`
	Op       Operator `json:"op"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
	CaseFold bool     `json:"case_fold,omitempty"`
}

// Validate rejects malformed conditions at creation time.
func (c FieldCondition) Validate() error {
	if c.Field == "" {
		return apperrors.Validation("condition field is required")
	}

	switch c.Op {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		if c.Value == "" {
			return apperrors.Validation(fmt.Sprintf("operator %q requires a value", c.Op))
		}
	case OpRegex:
		if _, err := regexp.Compile(c.Value); err != nil {
			return apperrors.Validation(fmt.Sprintf("invalid regex %q", c.Value))
		}
	case OpGT, OpGTE, OpLT, OpLTE:
		if c.Value == "" {
			return apperrors.Validation(fmt.Sprintf("operator %q requires a numeric value", c.Op))
		}
	case OpIn, OpNotIn:
		if len(c.Values) == 0 {
			return apperrors.Validation(fmt.Sprintf("operator %q requires values", c.Op))
		}
	case OpExists, OpNotExists:
		// field name alone is enough
	default:
		return apperrors.Validation(fmt.Sprintf("unknown operator %q", c.Op))
	}
	return nil
}

// AppFilterConditions matches on the capturing application.
type AppFilterConditions struct {
	Apps        []string         `json:"apps"`
	ExcludeApps []string         `json:"exclude_apps,omitempty"`
	Match       []FieldCondition `json:"match,omitempty"`
}

// KeywordFilterConditions matches on title/body content.
type KeywordFilterConditions struct {
	Keywords        []string         `json:"keywords"`
	ExcludeKeywords []string         `json:"exclude_keywords,omitempty"`
	CaseSensitive   bool             `json:"case_sensitive,omitempty"`
	MatchTitle      bool             `json:"match_title"`
	MatchBody       bool             `json:"match_body"`
	Match           []FieldCondition `json:"match,omitempty"`
}

// TimeBasedConditions matches on the capture's wall-clock time. Start/end
// are HH:MM; a range with start > end wraps past midnight. Weekdays use
// 0=Sunday.
type TimeBasedConditions struct {
	StartTime string           `json:"start_time" validate:"hhmm"`
	EndTime   string           `json:"end_time" validate:"hhmm"`
	Weekdays  []int            `json:"weekdays,omitempty"`
	Timezone  string           `json:"timezone,omitempty"`
	Match     []FieldCondition `json:"match,omitempty"`
}

// BuiltinConditions configures the heuristic rule types. An empty value uses
// the built-in keyword sets.
type BuiltinConditions struct {
	Keywords []string         `json:"keywords,omitempty"`
	Match    []FieldCondition `json:"match,omitempty"`
}

// ActionType names a mutation a matched rule applies.
type ActionType string

const (
	ActionBlock         ActionType = "block"
	ActionSetCategory   ActionType = "setCategory"
	ActionSetPriority   ActionType = "setPriority"
	ActionAddTag        ActionType = "addTag"
	ActionMarkRead      ActionType = "markRead"
	ActionMarkDismissed ActionType = "markDismissed"
)

// Action is one mutation in a rule's action list, applied in order.
type Action struct {
	Type     ActionType      `json:"type"`
	Category models.Category `json:"category,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	Tag      string          `json:"tag,omitempty"`
}

// Validate rejects malformed actions at creation time.
func (a Action) Validate() error {
	switch a.Type {
	case ActionBlock, ActionMarkRead, ActionMarkDismissed:
		return nil
	case ActionSetCategory:
		if !a.Category.IsValid() {
			return apperrors.Validation(fmt.Sprintf("setCategory requires a valid category, got %q", a.Category))
		}
	case ActionSetPriority:
		if a.Priority == nil {
			return apperrors.Validation("setPriority requires a priority")
		}
		if *a.Priority < models.PriorityLow || *a.Priority > models.PriorityUrgent {
			return apperrors.Validation(fmt.Sprintf("priority %d is out of range", *a.Priority))
		}
	case ActionAddTag:
		if a.Tag == "" {
			return apperrors.Validation("addTag requires a tag")
		}
	default:
		return apperrors.Validation(fmt.Sprintf("unknown action type %q", a.Type))
	}
	return nil
}

// ActionList is the persisted action payload for a rule.
type ActionList struct {
	Items []Action `json:"items"`
}

// Validate checks every action in the list.
func (l ActionList) Validate() error {
	if len(l.Items) == 0 {
		return apperrors.Validation("rule requires at least one action")
	}
	for _, item := range l.Items {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeConditions decodes the condition variant for the rule's type. Exactly
// one variant is valid per type; anything else is a validation error.
func DecodeConditions(rule *models.Rule) (any, error) {
	raw := []byte(rule.Conditions)
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	switch rule.Type {
	case models.RuleAppFilter:
		var c AppFilterConditions
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, apperrors.Validation("malformed app_filter conditions").WithInternal(err)
		}
		return c, nil
	case models.RuleKeywordFilter:
		var c KeywordFilterConditions
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, apperrors.Validation("malformed keyword_filter conditions").WithInternal(err)
		}
		return c, nil
	case models.RuleTimeBased:
		var c TimeBasedConditions
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, apperrors.Validation("malformed time_based conditions").WithInternal(err)
		}
		return c, nil
	case models.RuleOTPAlways, models.RulePromoMute:
		var c BuiltinConditions
		if err := strictUnmarshal(raw, &c); err != nil {
			return nil, apperrors.Validation("malformed builtin conditions").WithInternal(err)
		}
		return c, nil
	default:
		return nil, apperrors.Validation(fmt.Sprintf("unknown rule type %q", rule.Type))
	}
}

// DecodeActions decodes and validates a rule's action list.
func DecodeActions(rule *models.Rule) (ActionList, error) {
	var list ActionList
	raw := []byte(rule.Actions)
	if len(raw) == 0 {
		return list, apperrors.Validation("rule actions are required")
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return list, apperrors.Validation("malformed rule actions").WithInternal(err)
	}
	if err := list.Validate(); err != nil {
		return list, err
	}
	return list, nil
}

// EncodeConditions serialises a typed condition variant for storage.
func EncodeConditions(conditions any) (datatypes.JSON, error) {
	encoded, err := json.Marshal(conditions)
	if err != nil {
		return nil, apperrors.Validation("conditions are not serialisable").WithInternal(err)
	}
	return datatypes.JSON(encoded), nil
}

// EncodeActions serialises an action list for storage.
func EncodeActions(list ActionList) (datatypes.JSON, error) {
	if err := list.Validate(); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil, apperrors.Validation("actions are not serialisable").WithInternal(err)
	}
	return datatypes.JSON(encoded), nil
}

// strictUnmarshal rejects fields belonging to other condition variants, so a
// rule can never smuggle in a mismatched payload.
func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ValidateConditionsForType checks the condition variant invariants for a
// rule type before persistence.
func ValidateConditionsForType(ruleType models.RuleType, conditions any) error {
	switch ruleType {
	case models.RuleAppFilter:
		c, ok := conditions.(AppFilterConditions)
		if !ok {
			return apperrors.Validation("app_filter requires app filter conditions")
		}
		if len(c.Apps) == 0 && len(c.ExcludeApps) == 0 && len(c.Match) == 0 {
			return apperrors.Validation("app_filter requires at least one app or condition")
		}
		return validateMatch(c.Match)
	case models.RuleKeywordFilter:
		c, ok := conditions.(KeywordFilterConditions)
		if !ok {
			return apperrors.Validation("keyword_filter requires keyword filter conditions")
		}
		if len(c.Keywords) == 0 && len(c.ExcludeKeywords) == 0 && len(c.Match) == 0 {
			return apperrors.Validation("keyword_filter requires at least one keyword or condition")
		}
		if !c.MatchTitle && !c.MatchBody {
			return apperrors.Validation("keyword_filter must match title, body or both")
		}
		return validateMatch(c.Match)
	case models.RuleTimeBased:
		c, ok := conditions.(TimeBasedConditions)
		if !ok {
			return apperrors.Validation("time_based requires time based conditions")
		}
		if (c.StartTime == "") != (c.EndTime == "") {
			return apperrors.Validation("time_based requires both start and end times")
		}
		if c.StartTime == "" && len(c.Weekdays) == 0 {
			return apperrors.Validation("time_based requires a time range or weekdays")
		}
		if c.StartTime != "" && !hhmmPattern.MatchString(c.StartTime) {
			return apperrors.Validation(fmt.Sprintf("invalid start time %q, want HH:MM", c.StartTime))
		}
		if c.EndTime != "" && !hhmmPattern.MatchString(c.EndTime) {
			return apperrors.Validation(fmt.Sprintf("invalid end time %q, want HH:MM", c.EndTime))
		}
		if c.Timezone != "" {
			if _, err := time.LoadLocation(c.Timezone); err != nil {
				return apperrors.Validation(fmt.Sprintf("unknown timezone %q", c.Timezone))
			}
		}
		for _, day := range c.Weekdays {
			if day < 0 || day > 6 {
				return apperrors.Validation(fmt.Sprintf("invalid weekday %d", day))
			}
		}
		return validateMatch(c.Match)
	case models.RuleOTPAlways, models.RulePromoMute:
		c, ok := conditions.(BuiltinConditions)
		if !ok {
			return apperrors.Validation("builtin rule types take builtin conditions")
		}
		return validateMatch(c.Match)
	default:
		return apperrors.Validation(fmt.Sprintf("unknown rule type %q", ruleType))
	}
}

func validateMatch(conditions []FieldCondition) error {
	for _, c := range conditions {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}
