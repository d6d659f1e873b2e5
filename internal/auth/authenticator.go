package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

var (
	ErrMissingKey = errors.New("missing api key")
	ErrInvalidKey = errors.New("invalid api key")
	ErrRevokedKey = errors.New("api key revoked")
)

// HeaderAPIKey is the alternative inbound credential header.
const HeaderAPIKey = "x-acc-api-key"

// Principal is the authenticated subject of a request.
type Principal struct {
	UserID  uuid.UUID
	AgentID string
	Tier    models.UserTier
	KeyID   uuid.UUID
}

// KeyStore is the narrow persistence surface the authenticator needs.
type KeyStore interface {
	FindByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
}

type gormKeyStore struct {
	db *gorm.DB
}

func NewGormKeyStore(db *gorm.DB) KeyStore {
	return &gormKeyStore{db: db}
}

func (s *gormKeyStore) FindByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	var key models.APIKey
	err := s.db.WithContext(ctx).Preload("User").Where("key_hash = ?", hash).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidKey
		}
		return nil, err
	}
	return &key, nil
}

func (s *gormKeyStore) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at).Error
}

// Authenticator resolves inbound bearer keys to principals.
// Authentication is fail-closed: a store error is an invalid key.
type Authenticator struct {
	store     KeyStore
	keyPrefix string
	logger    *zap.Logger
}

func NewAuthenticator(store KeyStore, keyPrefix string, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		store:     store,
		keyPrefix: keyPrefix,
		logger:    logger.Named("auth"),
	}
}

// Authenticate verifies the issued key carried in the request headers.
// Key material is accepted from "Authorization: Bearer <key>" or the
// x-acc-api-key header. A failed lookup and a revoked key take the
// same code path up to the active check, keeping their timing
// indistinguishable.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	raw := extractKey(r, a.keyPrefix)
	if raw == "" {
		return nil, ErrMissingKey
	}

	key, err := a.store.FindByHash(r.Context(), models.HashAPIKey(raw))
	if err != nil {
		if !errors.Is(err, ErrInvalidKey) {
			a.logger.Error("key lookup failed", zap.Error(err))
		}
		return nil, ErrInvalidKey
	}

	if !key.IsValid() {
		return nil, ErrRevokedKey
	}

	// Fire-and-forget; a lost timestamp update is acceptable.
	go func(id uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.TouchLastUsed(ctx, id, time.Now()); err != nil {
			a.logger.Debug("last_used_at update failed", zap.Error(err))
		}
	}(key.ID)

	principal := &Principal{
		UserID: key.UserID,
		Tier:   key.User.Tier,
		KeyID:  key.ID,
	}
	if key.AgentID != nil {
		principal.AgentID = *key.AgentID
	}
	if principal.Tier == "" {
		principal.Tier = models.TierStandard
	}
	return principal, nil
}

// extractKey finds the issued key. The Authorization header may also
// carry the upstream pass-through credential on OpenAI-shape
// requests, so only bearer values with the issued prefix count.
func extractKey(r *http.Request, prefix string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			if key := strings.TrimSpace(parts[1]); strings.HasPrefix(key, prefix) {
				return key
			}
		}
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); strings.HasPrefix(key, prefix) {
		return key
	}
	return ""
}
