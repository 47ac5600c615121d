package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

func TestDecodeConditionsRejectsUnknownFields(t *testing.T) {
	rule := &models.Rule{
		Type:       models.RuleAppFilter,
		Conditions: datatypes.JSON([]byte(`{"apps":["Mail"],"keywords":["x"]}`)),
	}
	_, err := DecodeConditions(rule)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDecodeConditionsByType(t *testing.T) {
	rule := &models.Rule{
		Type:       models.RuleKeywordFilter,
		Conditions: datatypes.JSON([]byte(`{"keywords":["otp"],"match_title":true,"match_body":false}`)),
	}
	decoded, err := DecodeConditions(rule)
	require.NoError(t, err)
	conditions, ok := decoded.(KeywordFilterConditions)
	require.True(t, ok)
	assert.Equal(t, []string{"otp"}, conditions.Keywords)
	assert.True(t, conditions.MatchTitle)
}

func TestDecodeConditionsEmptyDefaults(t *testing.T) {
	rule := &models.Rule{Type: models.RuleOTPAlways}
	decoded, err := DecodeConditions(rule)
	require.NoError(t, err)
	_, ok := decoded.(BuiltinConditions)
	assert.True(t, ok)
}

func TestFieldConditionValidate(t *testing.T) {
	tests := []struct {
		name      string
		condition FieldCondition
		valid     bool
	}{
		{"equals", FieldCondition{Field: "title", Op: OpEquals, Value: "x"}, true},
		{"exists without value", FieldCondition{Field: "extras.k", Op: OpExists}, true},
		{"in with values", FieldCondition{Field: "category", Op: OpIn, Values: []string{"Work"}}, true},
		{"in without values", FieldCondition{Field: "category", Op: OpIn}, false},
		{"missing field", FieldCondition{Op: OpEquals, Value: "x"}, false},
		{"unknown op", FieldCondition{Field: "title", Op: Operator("like"), Value: "x"}, false},
		{"bad regex", FieldCondition{Field: "title", Op: OpRegex, Value: "("}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.condition.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestActionListValidate(t *testing.T) {
	ok := ActionList{Items: []Action{
		{Type: ActionSetCategory, Category: models.CategoryWork},
		{Type: ActionSetPriority, Priority: intPtr(2)},
		{Type: ActionAddTag, Tag: "work"},
		{Type: ActionBlock},
	}}
	assert.NoError(t, ok.Validate())

	tests := []struct {
		name string
		list ActionList
	}{
		{"empty", ActionList{}},
		{"setCategory without category", ActionList{Items: []Action{{Type: ActionSetCategory}}}},
		{"setCategory invalid", ActionList{Items: []Action{{Type: ActionSetCategory, Category: models.Category("Spam")}}}},
		{"setPriority out of range", ActionList{Items: []Action{{Type: ActionSetPriority, Priority: intPtr(9)}}}},
		{"setPriority missing", ActionList{Items: []Action{{Type: ActionSetPriority}}}},
		{"addTag missing tag", ActionList{Items: []Action{{Type: ActionAddTag}}}},
		{"unknown type", ActionList{Items: []Action{{Type: ActionType("explode")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.list.Validate()
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err))
		})
	}
}

func TestValidateConditionsForType(t *testing.T) {
	err := ValidateConditionsForType(models.RuleTimeBased, TimeBasedConditions{
		StartTime: "22:00",
		EndTime:   "06:00",
		Weekdays:  []int{0, 6},
	})
	assert.NoError(t, err)

	err = ValidateConditionsForType(models.RuleTimeBased, TimeBasedConditions{
		StartTime: "22:00",
	})
	assert.Error(t, err, "start without end is rejected")

	err = ValidateConditionsForType(models.RuleTimeBased, TimeBasedConditions{
		StartTime: "25:00",
		EndTime:   "06:00",
	})
	assert.Error(t, err, "out-of-range hour is rejected")

	err = ValidateConditionsForType(models.RuleTimeBased, TimeBasedConditions{
		Weekdays: []int{7},
	})
	assert.Error(t, err, "weekday outside 0-6 is rejected")

	err = ValidateConditionsForType(models.RuleAppFilter, AppFilterConditions{})
	assert.Error(t, err, "app_filter needs at least one app or condition")

	err = ValidateConditionsForType(models.RuleAppFilter, KeywordFilterConditions{Keywords: []string{"x"}})
	assert.Error(t, err, "variant must match the rule type")
}
