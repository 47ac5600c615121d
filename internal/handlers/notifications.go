package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/classify"
	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/realtime"
	"github.com/calebmorrow/notiq/internal/rules"
	"github.com/calebmorrow/notiq/internal/serverstore"
	apperrors "github.com/calebmorrow/notiq/pkg/errors"
	"github.com/calebmorrow/notiq/pkg/logger"
	"github.com/calebmorrow/notiq/pkg/response"
)

// deviceHeader names the device that originated a request, so the hub can
// skip echoing its own change back to it.
const deviceHeader = "X-Device-ID"

// NotificationHandler exposes the server-of-record endpoints for
// notifications. Incoming creates run through the same rule engine and
// classifier the devices use, which makes the server's category and priority
// decisions authoritative.
type NotificationHandler struct {
	store      *serverstore.Store
	rules      *rules.Service
	classifier *classify.Classifier
	hub        *realtime.Hub
	log        *zap.Logger
}

// NewNotificationHandler constructs a notification handler.
func NewNotificationHandler(db *gorm.DB, hub *realtime.Hub) (*NotificationHandler, error) {
	store, err := serverstore.New(db)
	if err != nil {
		return nil, err
	}
	ruleService, err := rules.NewService(db)
	if err != nil {
		return nil, err
	}
	return &NotificationHandler{
		store:      store,
		rules:      ruleService,
		classifier: classify.New(classify.Config{}),
		hub:        hub,
		log:        logger.WithComponent("handlers.notifications"),
	}, nil
}

type batchCreateRequest struct {
	Notifications []*models.Notification `json:"notifications" validate:"required,min=1,max=100"`
}

type batchItemResult struct {
	ClientID string `json:"client_id"`
	ServerID string `json:"server_id,omitempty"`
	Version  int    `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

type updateStatusRequest struct {
	Action  models.StatusAction `json:"action" validate:"required"`
	Version int                 `json:"version"`
}

// Create accepts a single record from a device.
func (h *NotificationHandler) Create(c *gin.Context) {
	var record models.Notification
	if !bindAndValidate(c, &record) {
		return
	}

	h.finalize(c, &record)

	outcome, err := h.store.Create(c.Request.Context(), &record)
	if err != nil {
		response.Error(c, err)
		return
	}

	if !outcome.Existing {
		h.broadcast(c, realtime.EventNotificationNew, outcome.ServerID)
	}

	response.Success(c, http.StatusCreated, gin.H{
		"server_id": outcome.ServerID,
		"version":   outcome.Version,
	})
}

// BatchCreate accepts up to 100 records and reports a per-item outcome. A
// failed item never fails the batch.
func (h *NotificationHandler) BatchCreate(c *gin.Context) {
	var payload batchCreateRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	results := make([]batchItemResult, 0, len(payload.Notifications))
	for _, record := range payload.Notifications {
		item := batchItemResult{}
		if record != nil {
			item.ClientID = record.ID
		}
		if record == nil {
			item.Error = "record is required"
			results = append(results, item)
			continue
		}

		h.finalize(c, record)

		outcome, err := h.store.Create(c.Request.Context(), record)
		if err != nil {
			item.Error = apperrors.FromError(err).Message
			results = append(results, item)
			continue
		}

		item.ServerID = outcome.ServerID
		item.Version = outcome.Version
		results = append(results, item)

		if !outcome.Existing {
			h.broadcast(c, realtime.EventNotificationNew, outcome.ServerID)
		}
	}

	response.Success(c, http.StatusOK, gin.H{"results": results})
}

// UpdateStatus applies a read/dismiss/click action against a base version.
// A trailing base version answers 409 with the server's copy in the error
// details so the device can resolve the conflict locally.
func (h *NotificationHandler) UpdateStatus(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("id"))

	var payload updateStatusRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	record, err := h.store.UpdateStatus(c.Request.Context(), serverID, payload.Action, payload.Version)
	if err != nil {
		if apperrors.IsConflict(err) && record != nil {
			response.ErrorWithDetails(c, err, record.AsNotification())
			return
		}
		response.Error(c, err)
		return
	}

	h.broadcast(c, realtime.EventNotificationUpdate, serverID)
	response.Success(c, http.StatusOK, record.AsNotification())
}

// Delete removes a record. Unknown ids succeed so retried deletes stay
// idempotent.
func (h *NotificationHandler) Delete(c *gin.Context) {
	serverID := strings.TrimSpace(c.Param("id"))
	if err := h.store.Delete(c.Request.Context(), serverID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// Get returns one record by server id.
func (h *NotificationHandler) Get(c *gin.Context) {
	record, err := h.store.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, record.AsNotification())
}

// List returns records newest first.
func (h *NotificationHandler) List(c *gin.Context) {
	limit := parseIntQuery(c, "limit", 100)
	offset := parseIntQuery(c, "offset", 0)

	records, err := h.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]*models.Notification, 0, len(records))
	for i := range records {
		items = append(items, records[i].AsNotification())
	}
	response.Success(c, http.StatusOK, items)
}

// Stream upgrades the connection to a WebSocket on the push channel.
func (h *NotificationHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	deviceID := strings.TrimSpace(c.Query("device_id"))
	if deviceID == "" {
		response.Error(c, apperrors.NewBadRequest("device_id is required"))
		return
	}

	h.hub.Serve(deviceID, c.Writer, c.Request)
}

// finalize runs the authoritative rule evaluation and classifier fallback
// over an incoming record. Block actions are a capture-time decision; a
// record that reached sync already exists on the device, so a block outcome
// here keeps the record as submitted rather than dropping it.
func (h *NotificationHandler) finalize(c *gin.Context, record *models.Notification) {
	outcome, err := h.rules.Apply(c.Request.Context(), record)
	if err != nil {
		h.log.Warn("rule evaluation failed, accepting record as submitted",
			zap.String("client_id", record.ID), zap.Error(err))
		return
	}
	if outcome.Blocked {
		return
	}

	h.classifier.Apply(outcome.Record, outcome.CategorySet, outcome.PrioritySet)
	*record = *outcome.Record
}

func (h *NotificationHandler) broadcast(c *gin.Context, eventType, serverID string) {
	if h.hub == nil {
		return
	}

	record, err := h.store.Get(c.Request.Context(), serverID)
	if err != nil {
		h.log.Warn("skipping broadcast", zap.String("server_id", serverID), zap.Error(err))
		return
	}

	event, err := realtime.NewNotificationEvent(eventType, record.AsNotification())
	if err != nil {
		h.log.Warn("skipping broadcast", zap.String("server_id", serverID), zap.Error(err))
		return
	}

	h.hub.Broadcast(event, strings.TrimSpace(c.GetHeader(deviceHeader)))
}
