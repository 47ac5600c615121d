package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/calebmorrow/notiq/internal/models"
	"github.com/calebmorrow/notiq/internal/rules"
	"github.com/calebmorrow/notiq/pkg/response"
)

// RuleHandler exposes rule CRUD for the server of record.
type RuleHandler struct {
	service *rules.Service
}

// NewRuleHandler constructs a rule handler.
func NewRuleHandler(db *gorm.DB) (*RuleHandler, error) {
	service, err := rules.NewService(db)
	if err != nil {
		return nil, err
	}
	return &RuleHandler{service: service}, nil
}

type createRuleRequest struct {
	Name       string           `json:"name" validate:"required,max=255"`
	Type       models.RuleType  `json:"type" validate:"required"`
	Priority   int              `json:"priority"`
	Enabled    *bool            `json:"enabled"`
	Conditions json.RawMessage  `json:"conditions"`
	Actions    rules.ActionList `json:"actions"`
}

type updateRuleRequest struct {
	Name       *string           `json:"name"`
	Priority   *int              `json:"priority"`
	Enabled    *bool             `json:"enabled"`
	Conditions json.RawMessage   `json:"conditions"`
	Actions    *rules.ActionList `json:"actions"`
}

// Create persists a new rule.
func (h *RuleHandler) Create(c *gin.Context) {
	var payload createRuleRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	conditions, err := decodeConditions(payload.Type, payload.Conditions)
	if err != nil {
		response.Error(c, err)
		return
	}

	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}

	rule, err := h.service.Create(c.Request.Context(), rules.CreateRuleInput{
		Name:       payload.Name,
		Type:       payload.Type,
		Priority:   payload.Priority,
		Enabled:    enabled,
		Conditions: conditions,
		Actions:    payload.Actions,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, rule)
}

// Get returns one rule.
func (h *RuleHandler) Get(c *gin.Context) {
	rule, err := h.service.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rule)
}

// List returns all rules in evaluation order.
func (h *RuleHandler) List(c *gin.Context) {
	ruleSet, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, ruleSet)
}

// Update applies a partial update to a stored rule.
func (h *RuleHandler) Update(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))

	var payload updateRuleRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	input := rules.UpdateRuleInput{
		Name:     payload.Name,
		Priority: payload.Priority,
		Enabled:  payload.Enabled,
		Actions:  payload.Actions,
	}

	if len(payload.Conditions) > 0 {
		existing, err := h.service.Get(c.Request.Context(), id)
		if err != nil {
			response.Error(c, err)
			return
		}
		conditions, err := decodeConditions(existing.Type, payload.Conditions)
		if err != nil {
			response.Error(c, err)
			return
		}
		input.Conditions = conditions
	}

	rule, err := h.service.Update(c.Request.Context(), id, input)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, rule)
}

// Delete removes a rule.
func (h *RuleHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"deleted": true})
}

// decodeConditions turns a raw JSON payload into the typed condition variant
// for the rule type, enforcing the one-variant-per-type invariant.
func decodeConditions(ruleType models.RuleType, raw json.RawMessage) (any, error) {
	return rules.DecodeConditions(&models.Rule{
		Type:       ruleType,
		Conditions: datatypes.JSON(raw),
	})
}
