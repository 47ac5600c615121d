package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/calebmorrow/notiq/internal/models"
)

func newTestClassifier() *Classifier {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return New(cfg)
}

func noon() time.Time {
	return time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
}

func TestCategorize(t *testing.T) {
	classifier := newTestClassifier()

	tests := []struct {
		name     string
		app      string
		title    string
		body     string
		expected models.Category
	}{
		{"work app", "Slack", "ping", "", models.CategoryWork},
		{"work keyword", "Chat", "standup meeting in 5", "", models.CategoryWork},
		{"junk app", "MegaStore Deals", "hello", "", models.CategoryJunk},
		{"junk keyword", "Chat", "50% off this weekend", "", models.CategoryJunk},
		{"work beats junk", "Chat", "client discount report", "", models.CategoryWork},
		{"neither", "Chat", "see you tonight", "", models.CategoryPersonal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &models.Notification{
				AppIdentity: tt.app,
				Title:       tt.title,
				Body:        tt.body,
				Category:    models.CategoryPersonal,
				Timestamp:   noon(),
			}
			classifier.Apply(record, false, false)
			assert.Equal(t, tt.expected, record.Category)
		})
	}
}

func TestDecidedCategoryIsUntouched(t *testing.T) {
	classifier := newTestClassifier()

	record := &models.Notification{
		AppIdentity: "Slack",
		Title:       "standup meeting",
		Category:    models.CategoryPersonal,
		Timestamp:   noon(),
	}
	classifier.Apply(record, true, false)
	assert.Equal(t, models.CategoryPersonal, record.Category)

	// A non-default category means a rule or earlier stage already chose.
	record = &models.Notification{
		AppIdentity: "Slack",
		Title:       "standup meeting",
		Category:    models.CategoryJunk,
		Timestamp:   noon(),
	}
	classifier.Apply(record, false, false)
	assert.Equal(t, models.CategoryJunk, record.Category)
}

func TestPriorityBoost(t *testing.T) {
	classifier := newTestClassifier()

	tests := []struct {
		name     string
		app      string
		title    string
		body     string
		base     int
		expected int
	}{
		{"urgency keyword", "Chat", "URGENT: server down", "", 1, 3},
		{"high priority app", "Bank", "balance update", "", 1, 3},
		{"otp keyword with token", "Chat", "Your login code is 4471", "", 0, 3},
		{"otp keyword without token", "Chat", "request a new login code", "", 1, 1},
		{"token without otp keyword", "Chat", "order 4471 shipped", "", 1, 1},
		{"plain", "Chat", "lunch?", "", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &models.Notification{
				AppIdentity: tt.app,
				Title:       tt.title,
				Body:        tt.body,
				Priority:    tt.base,
				Category:    models.CategoryPersonal,
				Timestamp:   noon(),
			}
			classifier.Apply(record, false, false)
			assert.Equal(t, tt.expected, record.Priority)
		})
	}
}

func TestDecidedPriorityIsUntouched(t *testing.T) {
	classifier := newTestClassifier()

	record := &models.Notification{
		AppIdentity: "Bank",
		Title:       "URGENT",
		Priority:    1,
		Category:    models.CategoryPersonal,
		Timestamp:   time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC),
	}
	classifier.Apply(record, false, true)
	assert.Equal(t, 1, record.Priority)
}

func TestNightHoursStepDown(t *testing.T) {
	classifier := newTestClassifier()

	lateEvening := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	earlyMorning := time.Date(2026, 3, 3, 5, 30, 0, 0, time.UTC)
	sixSharp := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		ts       time.Time
		base     int
		expected int
	}{
		{"evening steps down", lateEvening, 2, 1},
		{"early morning steps down", earlyMorning, 1, 0},
		{"floor stays at zero", lateEvening, 0, 0},
		{"six oclock is daytime", sixSharp, 2, 2},
		{"noon untouched", noon(), 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &models.Notification{
				AppIdentity: "Chat",
				Title:       "hello",
				Priority:    tt.base,
				Category:    models.CategoryPersonal,
				Timestamp:   tt.ts,
			}
			classifier.Apply(record, false, false)
			assert.Equal(t, tt.expected, record.Priority)
		})
	}
}

func TestNightHoursNeverTouchUrgent(t *testing.T) {
	classifier := newTestClassifier()

	record := &models.Notification{
		AppIdentity: "Bank",
		Title:       "Your OTP is 123456",
		Priority:    1,
		Category:    models.CategoryPersonal,
		Timestamp:   time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC),
	}
	classifier.Apply(record, false, false)
	assert.Equal(t, models.PriorityUrgent, record.Priority, "boosted records stay urgent at night")
}

func TestEndToEndBankOTP(t *testing.T) {
	classifier := newTestClassifier()

	record := &models.Notification{
		AppIdentity: "Bank",
		Title:       "OTP",
		Body:        "123456",
		Priority:    models.PriorityNormal,
		Category:    models.CategoryPersonal,
		Timestamp:   noon(),
	}
	classifier.Apply(record, false, false)
	assert.Equal(t, models.CategoryPersonal, record.Category)
	assert.Equal(t, models.PriorityUrgent, record.Priority)
}
