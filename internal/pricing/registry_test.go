package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/models"
)

type fakeStore struct {
	prices map[string]*models.ModelPrice
	err    error
	calls  int
}

func (f *fakeStore) LatestPrice(_ context.Context, provider, model string, at time.Time) (*models.ModelPrice, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.prices[provider+"/"+model]; ok && p.EffectiveAt(at) {
		return p, nil
	}
	return nil, ErrNotPriced
}

func newTestRegistry(store Store) *Registry {
	return NewRegistry(store, zap.NewNop())
}

func TestLookupExactFromStore(t *testing.T) {
	stored := &models.ModelPrice{
		Provider:      "anthropic",
		ModelID:       "claude-sonnet-4-5",
		InputPrice:    decimal.NewFromFloat(2.50),
		OutputPrice:   decimal.NewFromFloat(12.50),
		EffectiveFrom: time.Now().Add(-time.Hour),
	}
	store := &fakeStore{prices: map[string]*models.ModelPrice{
		"anthropic/claude-sonnet-4-5": stored,
	}}
	r := newTestRegistry(store)

	got := r.Lookup(context.Background(), "anthropic", "claude-sonnet-4-5", time.Now())
	require.NotNil(t, got)
	assert.True(t, got.InputPrice.Equal(decimal.NewFromFloat(2.50)))
}

func TestLookupFallsBackToBuiltinTable(t *testing.T) {
	r := newTestRegistry(&fakeStore{})

	got := r.Lookup(context.Background(), "anthropic", "claude-sonnet-4-5", time.Now())
	require.NotNil(t, got)
	assert.True(t, got.InputPrice.Equal(decimal.NewFromFloat(3.00)))
	assert.True(t, got.OutputPrice.Equal(decimal.NewFromFloat(15.00)))
}

func TestLookupPrefixFallback(t *testing.T) {
	r := newTestRegistry(&fakeStore{})

	// Dated model id resolves via the three-segment prefix.
	got := r.Lookup(context.Background(), "anthropic", "claude-sonnet-4-5-20250915", time.Now())
	require.NotNil(t, got)
	assert.True(t, got.OutputPrice.Equal(decimal.NewFromFloat(15.00)))

	// Two-segment prefix via a provider-less entry.
	got = r.Lookup(context.Background(), "bedrock", "claude-opus-4-1-20250805", time.Now())
	require.NotNil(t, got)
	assert.True(t, got.OutputPrice.Equal(decimal.NewFromFloat(75.00)))
}

func TestLookupSyntheticDefault(t *testing.T) {
	r := newTestRegistry(&fakeStore{})

	got := r.Lookup(context.Background(), "unknown", "mystery-model", time.Now())
	require.NotNil(t, got)
	assert.True(t, got.InputPrice.Equal(decimal.NewFromInt(1)))
	assert.True(t, got.OutputPrice.Equal(decimal.NewFromInt(2)))
}

func TestLookupStoreErrorFallsOpen(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	r := newTestRegistry(store)

	got := r.Lookup(context.Background(), "openai", "gpt-4o", time.Now())
	require.NotNil(t, got)
	assert.True(t, got.InputPrice.Equal(decimal.NewFromFloat(2.50)))
}

func TestLookupIdempotentAndCached(t *testing.T) {
	stored := &models.ModelPrice{
		Provider:      "openai",
		ModelID:       "gpt-4o",
		InputPrice:    decimal.NewFromFloat(2.50),
		OutputPrice:   decimal.NewFromFloat(10.00),
		EffectiveFrom: time.Now().Add(-time.Hour),
	}
	store := &fakeStore{prices: map[string]*models.ModelPrice{"openai/gpt-4o": stored}}
	r := newTestRegistry(store)

	at := time.Now()
	first := r.Lookup(context.Background(), "openai", "gpt-4o", at)
	second := r.Lookup(context.Background(), "openai", "gpt-4o", at)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.calls)
}

func TestPrefixCandidates(t *testing.T) {
	assert.Equal(t, []string{"claude-sonnet-4", "claude-sonnet"}, prefixCandidates("claude-sonnet-4-5-20250915"))
	assert.Equal(t, []string{"gpt-4o"}, prefixCandidates("gpt-4o-mini"))
	assert.Empty(t, prefixCandidates("o1"))
}
