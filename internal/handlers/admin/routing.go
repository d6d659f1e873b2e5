package admin

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// RoutingHandler manages per-user routing rules.
type RoutingHandler struct {
	baseHandler
	db *gorm.DB
}

func NewRoutingHandler(db *gorm.DB, logger *zap.Logger) *RoutingHandler {
	return &RoutingHandler{baseHandler: baseHandler{logger: logger}, db: db}
}

type createRuleRequest struct {
	Name           string               `json:"name"`
	UserID         uuid.UUID            `json:"user_id"`
	Priority       int                  `json:"priority"`
	Condition      models.RuleCondition `json:"condition"`
	TargetProvider string               `json:"target_provider"`
	TargetModel    string               `json:"target_model"`
}

func (h *RoutingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := decodeBody(r, &req); err != nil || req.UserID == uuid.Nil ||
		req.TargetProvider == "" || req.TargetModel == "" {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	condition, err := json.Marshal(req.Condition)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid condition")
		return
	}

	rule := &models.RoutingRule{
		Name:           req.Name,
		UserID:         req.UserID,
		Priority:       req.Priority,
		Condition:      datatypes.JSON(condition),
		TargetProvider: req.TargetProvider,
		TargetModel:    req.TargetModel,
		Enabled:        true,
	}
	if rule.Priority == 0 {
		rule.Priority = 100
	}
	if err := h.db.WithContext(r.Context()).Create(rule).Error; err != nil {
		h.logger.Error("create routing rule failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	h.sendJSON(w, http.StatusCreated, rule)
}

func (h *RoutingHandler) List(w http.ResponseWriter, r *http.Request) {
	q := h.db.WithContext(r.Context()).Order("priority ASC").Limit(200)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid user_id filter")
			return
		}
		q = q.Where("user_id = ?", id)
	}

	var rules []models.RoutingRule
	if err := q.Find(&rules).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	h.sendJSON(w, http.StatusOK, rules)
}

type updateRuleRequest struct {
	Priority       *int                  `json:"priority"`
	Condition      *models.RuleCondition `json:"condition"`
	TargetProvider *string               `json:"target_provider"`
	TargetModel    *string               `json:"target_model"`
	Enabled        *bool                 `json:"enabled"`
}

func (h *RoutingHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	var req updateRuleRequest
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updates := map[string]any{}
	if req.Priority != nil {
		updates["priority"] = *req.Priority
	}
	if req.Condition != nil {
		condition, err := json.Marshal(req.Condition)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid condition")
			return
		}
		updates["condition"] = datatypes.JSON(condition)
	}
	if req.TargetProvider != nil {
		updates["target_provider"] = *req.TargetProvider
	}
	if req.TargetModel != nil {
		updates["target_model"] = *req.TargetModel
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if len(updates) == 0 {
		h.sendError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	res := h.db.WithContext(r.Context()).Model(&models.RoutingRule{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "rule not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *RoutingHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	res := h.db.WithContext(r.Context()).Delete(&models.RoutingRule{}, "id = ?", id)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "rule not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
