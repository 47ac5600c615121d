package sync

import (
	"fmt"
	"time"

	"github.com/calebmorrow/notiq/internal/models"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
)

// Strategy selects how a client/server divergence is resolved.
type Strategy string

const (
	StrategyClientWins     Strategy = "client-wins"
	StrategyServerWins     Strategy = "server-wins"
	StrategyTimestampBased Strategy = "timestamp-based"
	StrategyMerge          Strategy = "merge"
)

// IsValid reports whether the strategy is recognised.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyTimestampBased, StrategyMerge:
		return true
	default:
		return false
	}
}

// Resolution is an ephemeral audit value describing one resolved conflict.
// It is logged, never persisted as domain truth.
type Resolution struct {
	NotificationID string
	ClientVersion  int
	ServerVersion  int
	Strategy       Strategy
	Resolved       *models.Notification
	Timestamp      time.Time
}

// Resolve produces the record that survives a divergence between the local
// and server copies. Deterministic: the same (local, server, strategy) inputs
// always produce the same resolved record.
//
// merge takes the server's content fields but always keeps the client's
// isRead/isDismissed flags, since those are local user intent the server
// cannot originate.
func Resolve(local, server *models.Notification, strategy Strategy) (Resolution, error) {
	if local == nil || server == nil {
		return Resolution{}, apperrors.Validation("conflict resolution requires both versions")
	}

	resolution := Resolution{
		NotificationID: local.ID,
		ClientVersion:  local.Version,
		ServerVersion:  server.Version,
		Strategy:       strategy,
		Timestamp:      time.Now().UTC(),
	}

	switch strategy {
	case StrategyClientWins:
		resolution.Resolved = clone(local)
	case StrategyServerWins:
		resolution.Resolved = overwriteContent(local, server)
	case StrategyTimestampBased:
		if server.UpdatedAt.After(local.UpdatedAt) {
			resolution.Resolved = overwriteContent(local, server)
		} else {
			resolution.Resolved = clone(local)
		}
	case StrategyMerge:
		merged := overwriteContent(local, server)
		merged.IsRead = local.IsRead
		merged.IsDismissed = local.IsDismissed
		resolution.Resolved = merged
	default:
		return Resolution{}, apperrors.Validation(fmt.Sprintf("unknown conflict strategy %q", strategy))
	}

	// The resolved record always adopts the server's version counter so the
	// next update carries the right base.
	resolution.Resolved.Version = server.Version
	return resolution, nil
}

func clone(record *models.Notification) *models.Notification {
	cpy := *record
	return &cpy
}

// overwriteContent replaces the content fields of local with the server's,
// keeping local identity and sync bookkeeping.
func overwriteContent(local, server *models.Notification) *models.Notification {
	cpy := *local
	cpy.Title = server.Title
	cpy.Body = server.Body
	cpy.Category = server.Category
	cpy.Priority = models.ClampPriority(server.Priority)
	cpy.IsRead = server.IsRead
	cpy.IsDismissed = server.IsDismissed
	if server.ServerID != nil {
		cpy.ServerID = server.ServerID
	}
	return &cpy
}
