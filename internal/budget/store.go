package budget

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// Store is the persistence surface the engine needs. Implementations
// must order budgets by specificity: per_model before per_agent
// before global.
type Store interface {
	ActiveBudgetsFor(ctx context.Context, userID uuid.UUID) ([]*models.Budget, error)
	Save(ctx context.Context, budget *models.Budget) error
	IncrementSpend(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error
	CreateAlert(ctx context.Context, alert *models.BudgetAlert) error
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) ActiveBudgetsFor(ctx context.Context, userID uuid.UUID) ([]*models.Budget, error) {
	var budgets []*models.Budget
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order(`CASE scope
			WHEN 'per_model' THEN 0
			WHEN 'per_agent' THEN 1
			WHEN 'per_workflow' THEN 2
			ELSE 3 END, created_at`).
		Find(&budgets).Error
	return budgets, err
}

func (s *gormStore) Save(ctx context.Context, budget *models.Budget) error {
	return s.db.WithContext(ctx).Save(budget).Error
}

func (s *gormStore) IncrementSpend(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	return s.db.WithContext(ctx).Model(&models.Budget{}).
		Where("id = ?", id).
		UpdateColumn("current_spend_usd", gorm.Expr("current_spend_usd + ?", delta)).Error
}

func (s *gormStore) CreateAlert(ctx context.Context, alert *models.BudgetAlert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}
