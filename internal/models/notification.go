package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Category buckets a notification for filtering and digesting.
type Category string

const (
	CategoryWork     Category = "Work"
	CategoryPersonal Category = "Personal"
	CategoryJunk     Category = "Junk"
)

// IsValid reports whether the category is one of the known buckets.
func (c Category) IsValid() bool {
	switch c {
	case CategoryWork, CategoryPersonal, CategoryJunk:
		return true
	default:
		return false
	}
}

// Priority levels for notifications. Always clamped to [PriorityLow, PriorityUrgent].
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
	PriorityUrgent = 3
)

// ClampPriority forces a priority into the valid range.
func ClampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityUrgent {
		return PriorityUrgent
	}
	return p
}

const defaultRetention = 7 * 24 * time.Hour

// Notification is a captured notification record as tracked by the pipeline.
// The client generates ID; ServerID is set once the server of record accepts
// the create. Synced == true implies ServerID != nil.
type Notification struct {
	BaseModel

	ServerID    *string        `gorm:"type:uuid;index" json:"server_id,omitempty"`
	AppIdentity string         `gorm:"type:varchar(255);not null;index" json:"app_identity"`
	SourceID    string         `gorm:"type:varchar(255)" json:"source_id"`
	Title       string         `gorm:"type:varchar(500)" json:"title"`
	Body        string         `gorm:"type:text" json:"body"`
	Category    Category       `gorm:"type:varchar(32);default:'Personal';index" json:"category"`
	Priority    int            `gorm:"default:1" json:"priority"`
	Timestamp   time.Time      `gorm:"index" json:"timestamp"`
	Extras      datatypes.JSON `json:"extras,omitempty"`
	Tags        datatypes.JSON `json:"tags,omitempty"`

	IsRead      bool `gorm:"default:false" json:"is_read"`
	IsDismissed bool `gorm:"default:false" json:"is_dismissed"`

	Synced          bool       `gorm:"default:false;index" json:"synced"`
	SyncAttempts    int        `gorm:"default:0" json:"sync_attempts"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`

	// Version is the server-side modification counter, mirrored to clients on
	// sync so conflicting updates can be detected.
	Version int `gorm:"default:1" json:"version"`

	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
}

// SetDefaults fills zero-valued fields before first persistence.
func (n *Notification) SetDefaults() {
	if n.Category == "" {
		n.Category = CategoryPersonal
	}
	n.Priority = ClampPriority(n.Priority)
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	if n.ExpiresAt.IsZero() {
		n.ExpiresAt = n.Timestamp.Add(defaultRetention)
	}
	if n.Version == 0 {
		n.Version = 1
	}
}

// ContentText returns the lower-cased title and body, the form every text
// heuristic matches against.
func (n *Notification) ContentText() string {
	return strings.ToLower(strings.TrimSpace(n.Title + " " + n.Body))
}

// IsExpired reports whether the record passed its retention deadline.
func (n *Notification) IsExpired() bool {
	return !n.ExpiresAt.IsZero() && time.Now().After(n.ExpiresAt)
}

// StatusAction names a user-intent mutation applied to a record.
type StatusAction string

const (
	ActionRead      StatusAction = "read"
	ActionDismissed StatusAction = "dismissed"
	ActionClicked   StatusAction = "clicked"
)

// IsValid reports whether the action is recognised.
func (a StatusAction) IsValid() bool {
	switch a {
	case ActionRead, ActionDismissed, ActionClicked:
		return true
	default:
		return false
	}
}

// ApplyAction mutates the read/dismissed flags for the given user action.
func (n *Notification) ApplyAction(action StatusAction) {
	switch action {
	case ActionRead, ActionClicked:
		n.IsRead = true
	case ActionDismissed:
		n.IsRead = true
		n.IsDismissed = true
	}
}
