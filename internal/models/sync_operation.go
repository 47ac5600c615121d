package models

import (
	"time"

	"gorm.io/datatypes"
)

// OperationType identifies the local mutation a sync operation carries.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// IsValid reports whether the operation type is recognised.
func (t OperationType) IsValid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// SyncOperation is a pending local mutation awaiting confirmation from the
// server of record. It is removed from the queue only on confirmed acceptance;
// failures increment Attempts and leave it queued for retry.
type SyncOperation struct {
	BaseModel

	Type           OperationType  `gorm:"type:varchar(16);not null;index" json:"type"`
	NotificationID string         `gorm:"type:uuid;not null;index" json:"notification_id"`
	Payload        datatypes.JSON `json:"payload,omitempty"`

	Attempts    int        `gorm:"default:0" json:"attempts"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
}

// SyncError is a bounded diagnostic log entry for operations abandoned after
// the retry budget. The originating record is never deleted or corrupted.
type SyncError struct {
	BaseModel

	OperationID    string        `gorm:"type:uuid;index" json:"operation_id"`
	NotificationID string        `gorm:"type:uuid;index" json:"notification_id"`
	OperationType  OperationType `gorm:"type:varchar(16)" json:"operation_type"`
	Attempts       int           `json:"attempts"`
	Message        string        `gorm:"type:text" json:"message"`
}

// StatusPayload is the payload carried by update operations.
type StatusPayload struct {
	Action StatusAction `json:"action"`
}

// DeletePayload is the payload carried by delete operations for records the
// server already knows about.
type DeletePayload struct {
	ServerID string `json:"server_id"`
}

// Setting is a key/value entry in the device-local settings store.
type Setting struct {
	Key       string    `gorm:"primaryKey;type:varchar(255)" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
