package admin

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// BudgetHandler manages spend caps.
type BudgetHandler struct {
	baseHandler
	db *gorm.DB
}

func NewBudgetHandler(db *gorm.DB, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{baseHandler: baseHandler{logger: logger}, db: db}
}

type createBudgetRequest struct {
	Name            string    `json:"name"`
	UserID          uuid.UUID `json:"user_id"`
	Scope           string    `json:"scope"`
	ScopeIdentifier string    `json:"scope_identifier,omitempty"`
	Period          string    `json:"period"`
	LimitUSD        string    `json:"limit_usd"`
	WarningPct      float64   `json:"warning_pct,omitempty"`
	CriticalPct     float64   `json:"critical_pct,omitempty"`
	ActionOnBreach  string    `json:"action_on_breach,omitempty"`
	DowngradeTarget string    `json:"downgrade_target,omitempty"`
}

func (h *BudgetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := decodeBody(r, &req); err != nil || req.Name == "" || req.UserID == uuid.Nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	limit, err := decimal.NewFromString(req.LimitUSD)
	if err != nil || limit.IsNegative() || limit.IsZero() {
		h.sendError(w, http.StatusBadRequest, "limit_usd must be a positive decimal")
		return
	}
	period := models.BudgetPeriod(req.Period)
	switch period {
	case models.PeriodDaily, models.PeriodWeekly, models.PeriodMonthly:
	default:
		h.sendError(w, http.StatusBadRequest, "period must be daily, weekly or monthly")
		return
	}

	budget := &models.Budget{
		Name:            req.Name,
		UserID:          req.UserID,
		Scope:           models.BudgetScope(req.Scope),
		ScopeIdentifier: req.ScopeIdentifier,
		Period:          period,
		LimitUSD:        limit,
		WarningPct:      req.WarningPct,
		CriticalPct:     req.CriticalPct,
		ActionOnBreach:  models.BreachAction(req.ActionOnBreach),
		DowngradeTarget: req.DowngradeTarget,
		ResetAt:         models.NextResetBoundary(period, time.Now()),
		IsActive:        true,
	}
	if budget.Scope == "" {
		budget.Scope = models.ScopeGlobal
	}
	if budget.ActionOnBreach == "" {
		budget.ActionOnBreach = models.BreachBlock
	}
	if budget.WarningPct == 0 {
		budget.WarningPct = 80
	}
	if budget.CriticalPct == 0 {
		budget.CriticalPct = 95
	}

	if err := h.db.WithContext(r.Context()).Create(budget).Error; err != nil {
		h.logger.Error("create budget failed", zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to create budget")
		return
	}
	h.sendJSON(w, http.StatusCreated, budget)
}

func (h *BudgetHandler) List(w http.ResponseWriter, r *http.Request) {
	q := h.db.WithContext(r.Context()).Order("created_at DESC").Limit(200)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		id, err := uuid.Parse(userID)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid user_id filter")
			return
		}
		q = q.Where("user_id = ?", id)
	}

	var budgets []models.Budget
	if err := q.Find(&budgets).Error; err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to list budgets")
		return
	}
	h.sendJSON(w, http.StatusOK, budgets)
}

type updateBudgetRequest struct {
	LimitUSD        *string  `json:"limit_usd"`
	WarningPct      *float64 `json:"warning_pct"`
	CriticalPct     *float64 `json:"critical_pct"`
	ActionOnBreach  *string  `json:"action_on_breach"`
	DowngradeTarget *string  `json:"downgrade_target"`
	IsActive        *bool    `json:"is_active"`
}

func (h *BudgetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid budget id")
		return
	}
	var req updateBudgetRequest
	if err := decodeBody(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updates := map[string]any{}
	if req.LimitUSD != nil {
		limit, err := decimal.NewFromString(*req.LimitUSD)
		if err != nil || !limit.IsPositive() {
			h.sendError(w, http.StatusBadRequest, "limit_usd must be a positive decimal")
			return
		}
		updates["limit_usd"] = limit
	}
	if req.WarningPct != nil {
		updates["warning_pct"] = *req.WarningPct
	}
	if req.CriticalPct != nil {
		updates["critical_pct"] = *req.CriticalPct
	}
	if req.ActionOnBreach != nil {
		updates["action_on_breach"] = *req.ActionOnBreach
	}
	if req.DowngradeTarget != nil {
		updates["downgrade_target"] = *req.DowngradeTarget
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if len(updates) == 0 {
		h.sendError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	res := h.db.WithContext(r.Context()).Model(&models.Budget{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to update budget")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "budget not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// Reset zeroes the current spend and clears the fired thresholds, as
// the periodic reset would at the boundary.
func (h *BudgetHandler) Reset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid budget id")
		return
	}

	var budget models.Budget
	if err := h.db.WithContext(r.Context()).First(&budget, "id = ?", id).Error; err != nil {
		h.sendError(w, http.StatusNotFound, "budget not found")
		return
	}

	res := h.db.WithContext(r.Context()).Model(&models.Budget{}).Where("id = ?", id).Updates(map[string]any{
		"current_spend_usd": decimal.Zero,
		"fired_thresholds":  nil,
		"reset_at":          models.NextResetBoundary(budget.Period, time.Now()),
	})
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to reset budget")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *BudgetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		h.sendError(w, http.StatusBadRequest, "invalid budget id")
		return
	}
	res := h.db.WithContext(r.Context()).Delete(&models.Budget{}, "id = ?", id)
	if res.Error != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to delete budget")
		return
	}
	if res.RowsAffected == 0 {
		h.sendError(w, http.StatusNotFound, "budget not found")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
