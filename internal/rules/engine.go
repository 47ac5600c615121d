package rules

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/pkg/logger"
	"github.com/calebmorrow/notiq/pkg/metrics"
)

// Application records one rule that matched during evaluation.
type Application struct {
	RuleID   string
	RuleName string
	RuleType models.RuleType
	Actions  []Action
}

// Outcome is the result of evaluating a record against a rule set. Record is
// a working copy; the caller decides whether to persist it.
type Outcome struct {
	Record       *models.Notification
	Matched      []Application
	Blocked      bool
	CategorySet  bool
	PrioritySet  bool
}

// Engine evaluates ordered rule sets against notification records. The same
// engine runs on the device and on the server of record, so both sides agree
// on every decision.
type Engine struct {
	otp   otpMatcher
	promo promoMatcher
	log   *zap.Logger
}

// NewEngine constructs an Engine with the default heuristic keyword sets.
func NewEngine() *Engine {
	return &Engine{
		otp:   newOTPMatcher(nil),
		promo: newPromoMatcher(nil),
		log:   logger.WithComponent("rules"),
	}
}

// Evaluate applies every enabled rule, highest priority first, with ties
// broken by position in the input slice. All conditions of a rule must match
// for its actions to apply; actions accumulate on a working copy until a
// block action short-circuits evaluation.
func (e *Engine) Evaluate(record *models.Notification, ruleSet []models.Rule) Outcome {
	working := *record
	outcome := Outcome{Record: &working}

	ordered := make([]models.Rule, 0, len(ruleSet))
	for _, rule := range ruleSet {
		if rule.Enabled {
			ordered = append(ordered, rule)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for i := range ordered {
		rule := &ordered[i]

		matched, err := e.matches(rule, &working)
		if err != nil {
			// A malformed rule is isolated, not fatal to the record.
			e.log.Warn("rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.String("rule_type", string(rule.Type)),
				zap.Error(err))
			continue
		}
		if !matched {
			continue
		}

		actions, err := DecodeActions(rule)
		if err != nil {
			e.log.Warn("rule actions undecodable", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}

		metrics.RuleMatches.WithLabelValues(string(rule.Type)).Inc()
		outcome.Matched = append(outcome.Matched, Application{
			RuleID:   rule.ID,
			RuleName: rule.Name,
			RuleType: rule.Type,
			Actions:  actions.Items,
		})

		blocked := e.apply(&working, actions.Items, &outcome)
		if blocked {
			outcome.Blocked = true
			break
		}
	}

	return outcome
}

func (e *Engine) apply(record *models.Notification, actions []Action, outcome *Outcome) bool {
	for _, action := range actions {
		switch action.Type {
		case ActionBlock:
			return true
		case ActionSetCategory:
			record.Category = action.Category
			outcome.CategorySet = true
		case ActionSetPriority:
			if action.Priority != nil {
				record.Priority = models.ClampPriority(*action.Priority)
				outcome.PrioritySet = true
			}
		case ActionAddTag:
			addTag(record, action.Tag)
		case ActionMarkRead:
			record.IsRead = true
		case ActionMarkDismissed:
			record.IsRead = true
			record.IsDismissed = true
		}
	}
	return false
}

func (e *Engine) matches(rule *models.Rule, record *models.Notification) (bool, error) {
	conditions, err := DecodeConditions(rule)
	if err != nil {
		return false, err
	}

	switch c := conditions.(type) {
	case AppFilterConditions:
		return e.matchAppFilter(c, record)
	case KeywordFilterConditions:
		return e.matchKeywordFilter(c, record)
	case TimeBasedConditions:
		return e.matchTimeBased(c, record)
	case BuiltinConditions:
		if !matchAll(c.Match, record) {
			return false, nil
		}
		if rule.Type == models.RuleOTPAlways {
			return e.otp.matches(record, c.Keywords), nil
		}
		return e.promo.matches(record, c.Keywords), nil
	default:
		return false, nil
	}
}

func (e *Engine) matchAppFilter(c AppFilterConditions, record *models.Notification) (bool, error) {
	app := strings.ToLower(record.AppIdentity)

	for _, excluded := range c.ExcludeApps {
		if strings.ToLower(excluded) == app {
			return false, nil
		}
	}

	if len(c.Apps) > 0 {
		found := false
		for _, included := range c.Apps {
			if strings.ToLower(included) == app {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	return matchAll(c.Match, record), nil
}

func (e *Engine) matchKeywordFilter(c KeywordFilterConditions, record *models.Notification) (bool, error) {
	var text string
	if c.MatchTitle {
		text += record.Title + " "
	}
	if c.MatchBody {
		text += record.Body + " "
	}
	if !c.CaseSensitive {
		text = strings.ToLower(text)
	}

	for _, keyword := range c.ExcludeKeywords {
		if !c.CaseSensitive {
			keyword = strings.ToLower(keyword)
		}
		if strings.Contains(text, keyword) {
			return false, nil
		}
	}

	if len(c.Keywords) > 0 {
		found := false
		for _, keyword := range c.Keywords {
			if !c.CaseSensitive {
				keyword = strings.ToLower(keyword)
			}
			if strings.Contains(text, keyword) {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	return matchAll(c.Match, record), nil
}

func (e *Engine) matchTimeBased(c TimeBasedConditions, record *models.Notification) (bool, error) {
	at := record.Timestamp
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return false, err
		}
		at = at.In(loc)
	}

	if len(c.Weekdays) > 0 {
		weekday := int(at.Weekday())
		found := false
		for _, day := range c.Weekdays {
			if day == weekday {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
	}

	if c.StartTime != "" && c.EndTime != "" {
		clock := at.Format("15:04")
		if c.StartTime <= c.EndTime {
			if clock < c.StartTime || clock > c.EndTime {
				return false, nil
			}
		} else {
			// Range wraps past midnight, e.g. 22:00-06:00.
			if clock < c.StartTime && clock > c.EndTime {
				return false, nil
			}
		}
	}

	return matchAll(c.Match, record), nil
}

// matchAll evaluates the generic condition list with AND semantics.
func matchAll(conditions []FieldCondition, record *models.Notification) bool {
	for _, condition := range conditions {
		if !matchOne(condition, record) {
			return false
		}
	}
	return true
}

func matchOne(c FieldCondition, record *models.Notification) bool {
	value, present := fieldValue(c.Field, record)

	switch c.Op {
	case OpExists:
		return present && value != ""
	case OpNotExists:
		return !present || value == ""
	}

	if !present {
		return false
	}

	target := c.Value
	if c.CaseFold {
		value = strings.ToLower(value)
		target = strings.ToLower(target)
	}

	switch c.Op {
	case OpEquals:
		return value == target
	case OpNotEquals:
		return value != target
	case OpContains:
		return strings.Contains(value, target)
	case OpNotContains:
		return !strings.Contains(value, target)
	case OpStartsWith:
		return strings.HasPrefix(value, target)
	case OpEndsWith:
		return strings.HasSuffix(value, target)
	case OpRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	case OpGT, OpGTE, OpLT, OpLTE:
		return compareNumeric(c.Op, value, c.Value)
	case OpIn, OpNotIn:
		found := false
		for _, candidate := range c.Values {
			if c.CaseFold {
				candidate = strings.ToLower(candidate)
			}
			if candidate == value {
				found = true
				break
			}
		}
		if c.Op == OpIn {
			return found
		}
		return !found
	default:
		return false
	}
}

func compareNumeric(op Operator, value, target string) bool {
	left, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return false
	}
	right, err := strconv.ParseFloat(strings.TrimSpace(target), 64)
	if err != nil {
		return false
	}

	switch op {
	case OpGT:
		return left > right
	case OpGTE:
		return left >= right
	case OpLT:
		return left < right
	case OpLTE:
		return left <= right
	default:
		return false
	}
}

func fieldValue(field string, record *models.Notification) (string, bool) {
	switch field {
	case "app_identity":
		return record.AppIdentity, true
	case "source_id":
		return record.SourceID, record.SourceID != ""
	case "title":
		return record.Title, true
	case "body":
		return record.Body, true
	case "category":
		return string(record.Category), true
	case "priority":
		return strconv.Itoa(record.Priority), true
	}

	if key, ok := strings.CutPrefix(field, "extras."); ok {
		if len(record.Extras) == 0 {
			return "", false
		}
		var extras map[string]string
		if err := json.Unmarshal(record.Extras, &extras); err != nil {
			return "", false
		}
		value, present := extras[key]
		return value, present
	}

	return "", false
}

func addTag(record *models.Notification, tag string) {
	var tags []string
	if len(record.Tags) > 0 {
		_ = json.Unmarshal(record.Tags, &tags)
	}
	for _, existing := range tags {
		if existing == tag {
			return
		}
	}
	tags = append(tags, tag)
	encoded, err := json.Marshal(tags)
	if err != nil {
		return
	}
	record.Tags = encoded
}
