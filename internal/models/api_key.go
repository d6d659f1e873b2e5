package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// APIKey is an issued proxy credential. Only the SHA-256 hash of the
// raw key is stored; the raw key is shown once at creation.
type APIKey struct {
	BaseModel
	Name       string     `gorm:"not null" json:"name"`
	KeyHash    string     `gorm:"uniqueIndex;not null" json:"-"`
	KeyPrefix  string     `gorm:"index;not null" json:"key_prefix"`
	LastUsedAt *time.Time `json:"last_used_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	IsActive   bool       `gorm:"default:true" json:"is_active"`

	UserID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	User    User       `gorm:"foreignKey:UserID" json:"-"`
	AgentID *string    `gorm:"index" json:"agent_id,omitempty"`
}

// GenerateAPIKey returns a new raw key with the given prefix and its
// stored hash.
func GenerateAPIKey(prefix string) (string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}

	key := fmt.Sprintf("%s%s", prefix, hex.EncodeToString(b))
	return key, HashAPIKey(key), nil
}

func HashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

func (k *APIKey) BeforeCreate(tx *gorm.DB) error {
	if err := k.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if k.KeyPrefix == "" && k.KeyHash != "" {
		k.KeyPrefix = k.KeyHash[:8]
	}
	return nil
}

func (k *APIKey) IsValid() bool {
	if !k.IsActive {
		return false
	}
	if k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) {
		return false
	}
	return true
}
