package models

import (
	"gorm.io/datatypes"
)

// RuleType selects the condition variant a rule carries. Exactly one
// condition variant is valid per type.
type RuleType string

const (
	RuleAppFilter     RuleType = "app_filter"
	RuleKeywordFilter RuleType = "keyword_filter"
	RuleTimeBased     RuleType = "time_based"
	RuleOTPAlways     RuleType = "otp_always"
	RulePromoMute     RuleType = "promo_mute"
)

// IsValid reports whether the rule type is recognised.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleAppFilter, RuleKeywordFilter, RuleTimeBased, RuleOTPAlways, RulePromoMute:
		return true
	default:
		return false
	}
}

// Well-known rule priority levels. Higher priorities are evaluated first.
const (
	RulePriorityLow      = 1
	RulePriorityMedium   = 5
	RulePriorityHigh     = 10
	RulePriorityCritical = 20
)

// Rule is a stored user or system rule. Conditions and Actions hold the
// JSON-encoded variant for the rule type, decoded through the tagged unions
// in the rules package. Rules are immutable once created except via explicit
// update, which bumps UpdatedAt.
type Rule struct {
	BaseModel

	Name     string         `gorm:"type:varchar(255);not null" json:"name"`
	Type     RuleType       `gorm:"type:varchar(32);not null;index" json:"type"`
	Priority int            `gorm:"default:5;index" json:"priority"`
	Enabled  bool           `gorm:"default:true;index" json:"enabled"`

	Conditions datatypes.JSON `json:"conditions"`
	Actions    datatypes.JSON `json:"actions"`
}
