package realtime

import (
	"encoding/json"
	"time"

	"github.com/calebmorrow/notiq/internal/models"
)

// Event types pushed to connected devices.
const (
	EventNotificationNew    = "notification_new"
	EventNotificationUpdate = "notification_update"
	EventPong               = "pong"
)

// Event is a JSON payload delivered over the push channel.
type Event struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewNotificationEvent wraps a notification record into a push event of the
// given type. The record is serialized in the same shape a sync response uses,
// so receivers can reconcile it identically.
func NewNotificationEvent(eventType string, record *models.Notification) (Event, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Notification decodes the event payload into a notification record.
func (e Event) Notification() (*models.Notification, error) {
	var record models.Notification
	if err := json.Unmarshal(e.Data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
