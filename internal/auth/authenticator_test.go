package auth

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/accproxy/accproxy/internal/models"
)

type fakeKeyStore struct {
	mu      sync.Mutex
	keys    map[string]*models.APIKey
	touched []uuid.UUID
}

func (f *fakeKeyStore) FindByHash(_ context.Context, hash string) (*models.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key, ok := f.keys[hash]; ok {
		return key, nil
	}
	return nil, ErrInvalidKey
}

func (f *fakeKeyStore) TouchLastUsed(_ context.Context, id uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
	return nil
}

func issuedKey(t *testing.T, store *fakeKeyStore, active bool) (string, *models.APIKey) {
	t.Helper()
	raw, hash, err := models.GenerateAPIKey("acc_")
	require.NoError(t, err)

	agent := "agent-7"
	key := &models.APIKey{
		BaseModel: models.BaseModel{ID: uuid.New()},
		KeyHash:   hash,
		IsActive:  active,
		UserID:    uuid.New(),
		User:      models.User{Tier: models.TierEnterprise},
		AgentID:   &agent,
	}
	if store.keys == nil {
		store.keys = map[string]*models.APIKey{}
	}
	store.keys[hash] = key
	return raw, key
}

func TestAuthenticateBearer(t *testing.T) {
	store := &fakeKeyStore{}
	raw, key := issuedKey(t, store, true)
	a := NewAuthenticator(store, "acc_", zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	p, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, key.UserID, p.UserID)
	assert.Equal(t, "agent-7", p.AgentID)
	assert.Equal(t, models.TierEnterprise, p.Tier)
}

func TestAuthenticateAltHeader(t *testing.T) {
	store := &fakeKeyStore{}
	raw, _ := issuedKey(t, store, true)
	a := NewAuthenticator(store, "acc_", zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	// Authorization carries the upstream pass-through credential.
	r.Header.Set("Authorization", "Bearer sk-upstream")
	r.Header.Set(HeaderAPIKey, raw)

	_, err := a.Authenticate(r)
	assert.NoError(t, err)
}

func TestAuthenticateMissingKey(t *testing.T) {
	a := NewAuthenticator(&fakeKeyStore{}, "acc_", zap.NewNop())
	r := httptest.NewRequest("POST", "/v1/messages", nil)

	_, err := a.Authenticate(r)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	a := NewAuthenticator(&fakeKeyStore{}, "acc_", zap.NewNop())
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer acc_deadbeef")

	_, err := a.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateRevokedKey(t *testing.T) {
	store := &fakeKeyStore{}
	raw, _ := issuedKey(t, store, false)
	a := NewAuthenticator(store, "acc_", zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	_, err := a.Authenticate(r)
	assert.ErrorIs(t, err, ErrRevokedKey)
}

func TestAuthenticateTouchesLastUsed(t *testing.T) {
	store := &fakeKeyStore{}
	raw, key := issuedKey(t, store, true)
	a := NewAuthenticator(store, "acc_", zap.NewNop())

	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("Authorization", "Bearer "+raw)

	_, err := a.Authenticate(r)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.touched) == 1 && store.touched[0] == key.ID
	}, time.Second, 10*time.Millisecond)
}
