package admin

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// UserHandler manages the principal records that API keys hang off.
type UserHandler struct {
	baseHandler
	db *gorm.DB
}

func NewUserHandler(db *gorm.DB, logger *zap.Logger) *UserHandler {
	return &UserHandler{baseHandler: baseHandler{logger: logger}, db: db}
}

type createUserRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Tier  string `json:"tier"`
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(r, &req); err != nil || req.Email == "" {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user := &models.User{
		Email:    req.Email,
		Name:     req.Name,
		Tier:     models.UserTier(req.Tier),
		IsActive: true,
	}
	if user.Tier == "" {
		user.Tier = models.TierFree
	}
	if err := h.db.WithContext(r.Context()).Create(user).Error; err != nil {
		h.logger.Error("create user failed", zap.Error(err))
		h.sendError(w, http.StatusConflict, "user already exists or could not be created")
		return
	}
	h.sendJSON(w, http.StatusCreated, user)
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	var users []models.User
	if err := h.db.WithContext(r.Context()).Order("created_at DESC").Limit(200).Find(&users).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	h.sendJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var user models.User
	if err := h.db.WithContext(r.Context()).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			h.sendError(w, http.StatusNotFound, "user not found")
			return
		}
		h.sendError(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	h.sendJSON(w, http.StatusOK, user)
}

type updateUserRequest struct {
	Name     *string `json:"name"`
	Tier     *string `json:"tier"`
	IsActive *bool   `json:"is_active"`
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req updateUserRequest
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updates := map[string]any{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Tier != nil {
		updates["tier"] = *req.Tier
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		h.sendError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	res := h.db.WithContext(r.Context()).Model(&models.User{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "user not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	res := h.db.WithContext(r.Context()).Delete(&models.User{}, "id = ?", id)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "user not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
