package pricing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

var ErrNotPriced = errors.New("model not priced")

// Store is the narrow persistence surface the registry needs.
type Store interface {
	// LatestPrice returns the most recent price record for the exact
	// (provider, model) pair whose effective window covers at.
	LatestPrice(ctx context.Context, provider, model string, at time.Time) (*models.ModelPrice, error)
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) LatestPrice(ctx context.Context, provider, model string, at time.Time) (*models.ModelPrice, error) {
	var price models.ModelPrice
	err := s.db.WithContext(ctx).
		Where("provider = ? AND model_id = ? AND effective_from <= ?", provider, model, at).
		Where("effective_to IS NULL OR effective_to >= ?", at).
		Order("effective_from DESC").
		First(&price).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotPriced
		}
		return nil, err
	}
	return &price, nil
}

// Registry resolves (provider, model) to a pricing descriptor. Reads
// are concurrent; the cache takes an exclusive lock only on fill.
type Registry struct {
	store  Store
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*models.ModelPrice
}

func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger.Named("pricing"),
		cache:  make(map[string]*models.ModelPrice),
	}
}

// Lookup resolves the effective descriptor for (provider, model) at
// the given time. Resolution order: store, built-in table, prefix on
// the first three hyphen segments, prefix on the first two, then a
// synthetic default. Versioned ids like claude-sonnet-4-5-20250915
// resolve through the prefix rules.
func (r *Registry) Lookup(ctx context.Context, provider, model string, at time.Time) *models.ModelPrice {
	cacheKey := provider + "/" + model

	r.mu.RLock()
	cached, ok := r.cache[cacheKey]
	r.mu.RUnlock()
	if ok && cached.EffectiveAt(at) {
		return cached
	}

	price := r.resolve(ctx, provider, model, at)

	r.mu.Lock()
	r.cache[cacheKey] = price
	r.mu.Unlock()

	return price
}

func (r *Registry) resolve(ctx context.Context, provider, model string, at time.Time) *models.ModelPrice {
	if r.store != nil {
		price, err := r.store.LatestPrice(ctx, provider, model, at)
		if err == nil {
			return price
		}
		if !errors.Is(err, ErrNotPriced) {
			r.logger.Warn("price store lookup failed, using fallback table",
				zap.String("provider", provider),
				zap.String("model", model),
				zap.Error(err))
		}
	}

	if price, ok := fallbackTable[provider+"/"+model]; ok {
		return price
	}

	for _, prefix := range prefixCandidates(model) {
		if price, ok := fallbackTable[provider+"/"+prefix]; ok {
			return price
		}
		// Provider-less entries cover models served through
		// aggregators under a different provider name.
		if price, ok := fallbackTable[prefix]; ok {
			return price
		}
	}

	r.logger.Warn("model not priced, using synthetic default",
		zap.String("provider", provider),
		zap.String("model", model))

	return &models.ModelPrice{
		Provider:      provider,
		ModelID:       model,
		InputPrice:    decimal.NewFromInt(1),
		OutputPrice:   decimal.NewFromInt(2),
		EffectiveFrom: time.Time{},
	}
}

// prefixCandidates returns the first-three and first-two hyphen-joined
// segments of a model id, longest first.
func prefixCandidates(model string) []string {
	segments := strings.Split(model, "-")
	var out []string
	if len(segments) > 3 {
		out = append(out, strings.Join(segments[:3], "-"))
	}
	if len(segments) > 2 {
		out = append(out, strings.Join(segments[:2], "-"))
	}
	return out
}

// Invalidate drops the cached descriptor for one model, e.g. after a
// price update through the admin API.
func (r *Registry) Invalidate(provider, model string) {
	r.mu.Lock()
	delete(r.cache, provider+"/"+model)
	r.mu.Unlock()
}
