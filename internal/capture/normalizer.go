package capture

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
	"github.com/calebmorrow/notiq/pkg/validator"
)

// RawCapture is the event shape produced by the platform listener. The
// listener itself is outside the pipeline; this is its handoff format.
type RawCapture struct {
	SourceID    string            `json:"source_id"`
	AppIdentity string            `json:"app_identity" validate:"required,max=255"`
	Title       string            `json:"title" validate:"max=500"`
	Body        string            `json:"body" validate:"max=2000"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
	RawPriority *int              `json:"raw_priority,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// Normalize maps a raw capture event into a notification record skeleton:
// client id assigned, fields trimmed, priority clamped, defaults filled.
// Malformed captures are rejected with a validation error.
func Normalize(raw RawCapture) (*models.Notification, error) {
	raw.AppIdentity = strings.TrimSpace(raw.AppIdentity)
	raw.Title = strings.TrimSpace(raw.Title)
	raw.Body = strings.TrimSpace(raw.Body)

	if err := validator.ValidateStruct(raw); err != nil {
		return nil, apperrors.NewBadRequest(err.Error()).WithInternal(err)
	}

	record := &models.Notification{
		BaseModel:   models.BaseModel{ID: uuid.NewString()},
		AppIdentity: raw.AppIdentity,
		SourceID:    strings.TrimSpace(raw.SourceID),
		Title:       raw.Title,
		Body:        raw.Body,
		Category:    models.CategoryPersonal,
		Priority:    models.PriorityNormal,
	}

	if raw.Timestamp != nil && !raw.Timestamp.IsZero() {
		record.Timestamp = *raw.Timestamp
	}
	if raw.RawPriority != nil {
		record.Priority = models.ClampPriority(*raw.RawPriority)
	}
	if len(raw.Extras) > 0 {
		encoded, err := json.Marshal(raw.Extras)
		if err != nil {
			return nil, apperrors.NewBadRequest("extras are not serialisable").WithInternal(err)
		}
		record.Extras = datatypes.JSON(encoded)
	}

	record.SetDefaults()
	return record, nil
}
