package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/journal"
	"github.com/accproxy/accproxy/internal/models"
)

// AnalyticsHandler serves read-only views over the journal, the
// security event log, and the kill-request registry.
type AnalyticsHandler struct {
	baseHandler
	db      *gorm.DB
	journal journal.Store
}

func NewAnalyticsHandler(db *gorm.DB, store journal.Store, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{baseHandler: baseHandler{logger: logger}, db: db, journal: store}
}

func (h *AnalyticsHandler) userFilter(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" {
		h.sendError(w, http.StatusBadRequest, "user_id query parameter required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid user_id")
		return uuid.Nil, false
	}
	return id, true
}

// Requests returns the most recent journal records for one user.
func (h *AnalyticsHandler) Requests(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFilter(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			h.sendError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	records, err := h.journal.RecentForUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("journal read failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to load requests")
		return
	}
	h.sendJSON(w, http.StatusOK, records)
}

// SpendByModel aggregates a user's spend per effective model since the
// given window start (default 30 days).
func (h *AnalyticsHandler) SpendByModel(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFilter(w, r)
	if !ok {
		return
	}
	since := time.Now().AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	rollup, err := h.journal.SpendByModel(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("spend rollup failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to aggregate spend")
		return
	}
	h.sendJSON(w, http.StatusOK, rollup)
}

// SpendByDay aggregates a user's spend per calendar day since the given
// window start (default 30 days).
func (h *AnalyticsHandler) SpendByDay(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFilter(w, r)
	if !ok {
		return
	}
	since := time.Now().AddDate(0, 0, -30)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	rollup, err := h.journal.SpendByDay(r.Context(), userID, since)
	if err != nil {
		h.logger.Error("daily spend rollup failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to aggregate spend")
		return
	}
	h.sendJSON(w, http.StatusOK, rollup)
}

// SecurityEvents lists recent detections for one user.
func (h *AnalyticsHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFilter(w, r)
	if !ok {
		return
	}
	var events []models.SecurityEvent
	err := h.db.WithContext(r.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(200).
		Find(&events).Error
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to load security events")
		return
	}
	h.sendJSON(w, http.StatusOK, events)
}

// PendingKills lists unacknowledged stream terminations for one user.
func (h *AnalyticsHandler) PendingKills(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFilter(w, r)
	if !ok {
		return
	}
	var kills []models.KillRequest
	err := h.db.WithContext(r.Context()).
		Where("user_id = ? AND pending = ?", userID, true).
		Order("created_at DESC").
		Limit(200).
		Find(&kills).Error
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to load kill requests")
		return
	}
	h.sendJSON(w, http.StatusOK, kills)
}

// AckKill marks one kill request as acknowledged.
func (h *AnalyticsHandler) AckKill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid kill request id")
		return
	}
	res := h.db.WithContext(r.Context()).Model(&models.KillRequest{}).
		Where("id = ?", id).
		Update("pending", false)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to acknowledge kill request")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "kill request not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
