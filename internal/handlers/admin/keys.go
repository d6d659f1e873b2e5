package admin

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// KeyHandler issues and revokes proxy API keys. The raw key is
// returned exactly once, at creation.
type KeyHandler struct {
	baseHandler
	db        *gorm.DB
	keyPrefix string
}

func NewKeyHandler(db *gorm.DB, keyPrefix string, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{baseHandler: baseHandler{logger: logger}, db: db, keyPrefix: keyPrefix}
}

type createKeyRequest struct {
	Name      string     `json:"name"`
	UserID    uuid.UUID  `json:"user_id"`
	AgentID   *string    `json:"agent_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	models.APIKey
	Key string `json:"key"` // raw key, shown once
}

func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.UserID == uuid.Nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	raw, hash, err := models.GenerateAPIKey(h.keyPrefix)
	if err != nil {
		h.logger.Error("key generation failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to generate key")
		return
	}

	key := &models.APIKey{
		Name:      req.Name,
		KeyHash:   hash,
		UserID:    req.UserID,
		AgentID:   req.AgentID,
		ExpiresAt: req.ExpiresAt,
		IsActive:  true,
	}
	if err := h.db.WithContext(r.Context()).Create(key).Error; err != nil {
		h.logger.Error("create key failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to create key")
		return
	}

	h.sendJSON(w, http.StatusCreated, createKeyResponse{APIKey: *key, Key: raw})
}

func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	q := h.db.WithContext(r.Context()).Order("created_at DESC").Limit(200)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid user_id filter")
			return
		}
		q = q.Where("user_id = ?", id)
	}

	var keys []models.APIKey
	if err := q.Find(&keys).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	h.sendJSON(w, http.StatusOK, keys)
}

// Revoke deactivates a key without deleting its audit trail.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid key id")
		return
	}
	res := h.db.WithContext(r.Context()).Model(&models.APIKey{}).
		Where("id = ?", id).
		Update("is_active", false)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to revoke key")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "key not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
