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

// SecurityRuleHandler manages tenant-scoped custom detection rules.
type SecurityRuleHandler struct {
	baseHandler
	db *gorm.DB
}

func NewSecurityRuleHandler(db *gorm.DB, logger *zap.Logger) *SecurityRuleHandler {
	return &SecurityRuleHandler{baseHandler: baseHandler{logger: logger}, db: db}
}

type createSecurityRuleRequest struct {
	Name       string          `json:"name"`
	UserID     uuid.UUID       `json:"user_id"`
	Kind       string          `json:"kind"`
	ThreatType string          `json:"threat_type"`
	Severity   string          `json:"severity"`
	Definition json.RawMessage `json:"definition"`
}

func (h *SecurityRuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSecurityRuleRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.UserID == uuid.Nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Kind {
	case "pattern", "threshold", "behavioral", "composite":
	default:
		h.sendError(w, http.StatusBadRequest, "kind must be pattern, threshold, behavioral or composite")
		return
	}
	if !json.Valid(req.Definition) {
		h.sendError(w, http.StatusBadRequest, "definition must be valid JSON")
		return
	}

	rule := &models.CustomRule{
		Name:       req.Name,
		UserID:     req.UserID,
		Kind:       req.Kind,
		ThreatType: req.ThreatType,
		Severity:   req.Severity,
		Definition: datatypes.JSON(req.Definition),
		Enabled:    true,
	}
	if err := h.db.WithContext(r.Context()).Create(rule).Error; err != nil {
		h.logger.Error("create security rule failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	h.sendJSON(w, http.StatusCreated, rule)
}

func (h *SecurityRuleHandler) List(w http.ResponseWriter, r *http.Request) {
	q := h.db.WithContext(r.Context()).Order("created_at DESC").Limit(200)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid user_id filter")
			return
		}
		q = q.Where("user_id = ?", id)
	}

	var rules []models.CustomRule
	if err := q.Find(&rules).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	h.sendJSON(w, http.StatusOK, rules)
}

func (h *SecurityRuleHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := h.db.WithContext(r.Context()).Model(&models.CustomRule{}).
		Where("id = ?", id).
		Update("enabled", req.Enabled)
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

func (h *SecurityRuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	res := h.db.WithContext(r.Context()).Delete(&models.CustomRule{}, "id = ?", id)
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
