// Package classify implements the heuristic fallback applied when the rule
// engine leaves a record's category or priority undetermined.
package classify

import (
	"strings"
	"time"
	"unicode"

	"github.com/calebmorrow/notiq/internal/models"
)

var defaultWorkApps = []string{
	"slack", "teams", "microsoft teams", "outlook", "gmail", "email",
	"zoom", "webex", "skype", "calendar", "jira", "confluence",
	"trello", "asana", "notion", "monday", "salesforce",
}

var defaultWorkKeywords = []string{
	"meeting", "conference", "deadline", "project", "task",
	"client", "customer", "report", "presentation", "document",
	"schedule", "appointment", "colleague", "team", "manager",
	"office", "work", "business", "professional",
}

var defaultJunkApps = []string{
	"marketing", "promo", "deals", "offers", "shopping",
	"retail", "store", "mall", "advertisement", "ad",
}

var defaultJunkKeywords = []string{
	"sale", "discount", "offer", "deal", "promotion", "coupon",
	"limited time", "buy now", "shop", "free shipping", "% off",
	"unsubscribe", "marketing", "newsletter",
}

var defaultUrgencyKeywords = []string{
	"urgent", "otp", "security", "important", "asap", "emergency",
	"alert", "critical", "verification code",
}

var defaultHighPriorityApps = []string{
	"bank", "banking", "authenticator", "pagerduty", "opsgenie", "phone",
}

var defaultOTPStyleKeywords = []string{
	"otp", "verification code", "security code", "auth code",
	"login code", "2fa", "two-factor", "verify", "confirmation code",
}

// Config tunes the keyword and app lists. Zero-value fields fall back to the
// built-in sets.
type Config struct {
	WorkApps         []string
	WorkKeywords     []string
	JunkApps         []string
	JunkKeywords     []string
	UrgencyKeywords  []string
	HighPriorityApps []string
	OTPStyleKeywords []string

	// NightStart/NightEnd bound the local quiet window, HH:MM. The range
	// wraps past midnight when start > end.
	NightStart string
	NightEnd   string

	// Location resolves the record timestamp to local wall-clock time for
	// the night window. Defaults to time.Local.
	Location *time.Location
}

// DefaultConfig returns the built-in heuristic configuration.
func DefaultConfig() Config {
	return Config{
		NightStart: "22:00",
		NightEnd:   "06:00",
	}
}

// Classifier assigns a category and adjusts priority for records the rule
// engine did not decide. It is a pure transform over a single record.
type Classifier struct {
	cfg Config
}

// New constructs a classifier, filling unset config fields with defaults.
func New(cfg Config) *Classifier {
	if len(cfg.WorkApps) == 0 {
		cfg.WorkApps = defaultWorkApps
	}
	if len(cfg.WorkKeywords) == 0 {
		cfg.WorkKeywords = defaultWorkKeywords
	}
	if len(cfg.JunkApps) == 0 {
		cfg.JunkApps = defaultJunkApps
	}
	if len(cfg.JunkKeywords) == 0 {
		cfg.JunkKeywords = defaultJunkKeywords
	}
	if len(cfg.UrgencyKeywords) == 0 {
		cfg.UrgencyKeywords = defaultUrgencyKeywords
	}
	if len(cfg.HighPriorityApps) == 0 {
		cfg.HighPriorityApps = defaultHighPriorityApps
	}
	if len(cfg.OTPStyleKeywords) == 0 {
		cfg.OTPStyleKeywords = defaultOTPStyleKeywords
	}
	if cfg.NightStart == "" {
		cfg.NightStart = "22:00"
	}
	if cfg.NightEnd == "" {
		cfg.NightEnd = "06:00"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Classifier{cfg: cfg}
}

// Apply mutates record in place. categoryDecided and priorityDecided report
// whether the rule engine already set the respective field; decided fields
// are left alone.
func (c *Classifier) Apply(record *models.Notification, categoryDecided, priorityDecided bool) {
	if !categoryDecided && record.Category == models.CategoryPersonal {
		record.Category = c.categorize(record)
	}
	if !priorityDecided {
		record.Priority = c.prioritize(record)
	}
}

// Categorize returns the heuristic category without mutating the record.
// Work signals beat Junk signals when both are present.
func (c *Classifier) categorize(record *models.Notification) models.Category {
	app := strings.ToLower(record.AppIdentity)
	content := record.ContentText()

	if matchesAny(app, c.cfg.WorkApps) || matchesAny(content, c.cfg.WorkKeywords) {
		return models.CategoryWork
	}
	if matchesAny(app, c.cfg.JunkApps) || matchesAny(content, c.cfg.JunkKeywords) {
		return models.CategoryJunk
	}
	return models.CategoryPersonal
}

func (c *Classifier) prioritize(record *models.Notification) int {
	priority := models.ClampPriority(record.Priority)

	app := strings.ToLower(record.AppIdentity)
	content := record.ContentText()

	boosted := matchesAny(content, c.cfg.UrgencyKeywords) || matchesAny(app, c.cfg.HighPriorityApps)
	if !boosted && matchesAny(content, c.cfg.OTPStyleKeywords) && containsNumericToken(content, 4, 6) {
		boosted = true
	}
	if boosted {
		priority = models.PriorityUrgent
	}

	if priority < models.PriorityUrgent && c.isNight(record.Timestamp) {
		priority--
	}
	return models.ClampPriority(priority)
}

// isNight reports whether ts falls inside the configured quiet window in the
// classifier's location. Uses HH:MM string comparison, same as time-based rules.
func (c *Classifier) isNight(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	clock := ts.In(c.cfg.Location).Format("15:04")
	start, end := c.cfg.NightStart, c.cfg.NightEnd
	if start <= end {
		return clock >= start && clock < end
	}
	return clock >= start || clock < end
}

func matchesAny(text string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}

func containsNumericToken(text string, minLen, maxLen int) bool {
	for _, word := range strings.Fields(text) {
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '-', ':', '.', ',':
				return -1
			}
			return r
		}, word)

		if len(cleaned) < minLen || len(cleaned) > maxLen {
			continue
		}

		numeric := len(cleaned) > 0
		for _, r := range cleaned {
			if !unicode.IsDigit(r) {
				numeric = false
				break
			}
		}
		if numeric {
			return true
		}
	}
	return false
}
