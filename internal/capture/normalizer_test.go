package capture

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

func intPtr(v int) *int { return &v }

func TestNormalizeFillsDefaults(t *testing.T) {
	record, err := Normalize(RawCapture{
		SourceID:    " pkg.bank ",
		AppIdentity: "  Bank  ",
		Title:       "OTP",
		Body:        "Your code is 123456",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "Bank", record.AppIdentity)
	assert.Equal(t, "pkg.bank", record.SourceID)
	assert.Equal(t, models.CategoryPersonal, record.Category)
	assert.Equal(t, models.PriorityNormal, record.Priority)
	assert.False(t, record.Timestamp.IsZero())
	assert.False(t, record.ExpiresAt.IsZero())
	assert.False(t, record.Synced)
}

func TestNormalizeClampsRawPriority(t *testing.T) {
	record, err := Normalize(RawCapture{AppIdentity: "Bank", RawPriority: intPtr(11)})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityUrgent, record.Priority)

	record, err = Normalize(RawCapture{AppIdentity: "Bank", RawPriority: intPtr(-2)})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityLow, record.Priority)
}

func TestNormalizeKeepsProvidedTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	record, err := Normalize(RawCapture{AppIdentity: "Bank", Timestamp: &ts})
	require.NoError(t, err)
	assert.True(t, record.Timestamp.Equal(ts))
}

func TestNormalizeEncodesExtras(t *testing.T) {
	record, err := Normalize(RawCapture{
		AppIdentity: "Bank",
		Extras:      map[string]string{"channel": "sms"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"channel":"sms"}`, string(record.Extras))
}

func TestNormalizeRejectsMalformedCaptures(t *testing.T) {
	tests := []struct {
		name string
		raw  RawCapture
	}{
		{"empty app identity", RawCapture{Title: "x"}},
		{"whitespace app identity", RawCapture{AppIdentity: "   "}},
		{"oversized title", RawCapture{AppIdentity: "a", Title: strings.Repeat("x", 501)}},
		{"oversized body", RawCapture{AppIdentity: "a", Body: strings.Repeat("x", 2001)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(tt.raw)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}
