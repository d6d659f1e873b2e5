package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/accproxy/accproxy/internal/models"
)

// GormSink persists detections as security events without blocking
// the caller.
type GormSink struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewGormSink(db *gorm.DB, logger *zap.Logger) *GormSink {
	return &GormSink{db: db, logger: logger.Named("security.sink")}
}

func (s *GormSink) RecordDetections(in *Input, results []Result) {
	events := make([]*models.SecurityEvent, 0, len(results))
	for _, r := range results {
		events = append(events, &models.SecurityEvent{
			RequestID:  in.RequestID,
			UserID:     in.UserID,
			AgentID:    in.AgentID,
			ThreatType: r.ThreatType,
			Severity:   r.Severity.String(),
			Confidence: r.Confidence,
			Source:     string(r.Source),
			Detector:   r.Description,
			RuleID:     r.RuleID,
			Detail:     r.Evidence,
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.db.WithContext(ctx).Create(&events).Error; err != nil {
			s.logger.Error("failed to persist security events",
				zap.String("request_id", in.RequestID),
				zap.Int("count", len(events)),
				zap.Error(err))
		}
	}()
}

var ErrNoQuarantineKey = errors.New("quarantine encryption key not configured")

// Quarantine stores encrypted copies of offending request bodies.
// Bodies are sealed with AES-GCM under a key derived from the
// configured secret so database access alone cannot read them.
type Quarantine struct {
	db  *gorm.DB
	key []byte
}

func NewQuarantine(db *gorm.DB, secret string) *Quarantine {
	q := &Quarantine{db: db}
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		q.key = sum[:]
	}
	return q
}

func (q *Quarantine) Store(ctx context.Context, requestID string, in *Input, results []Result) error {
	if q.key == nil {
		return ErrNoQuarantineKey
	}
	block, err := aes.NewCipher(q.key)
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	body := in.RawBody
	if len(body) == 0 {
		body = []byte(in.Content)
	}
	ciphertext := gcm.Seal(nil, nonce, body, []byte(requestID))

	detections, err := json.Marshal(results)
	if err != nil {
		return err
	}
	record := &models.QuarantineRecord{
		RequestID:  requestID,
		UserID:     in.UserID,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		Detections: detections,
	}
	return q.db.WithContext(ctx).Create(record).Error
}

// Open decrypts a quarantined body for review.
func (q *Quarantine) Open(ctx context.Context, requestID string) ([]byte, error) {
	if q.key == nil {
		return nil, ErrNoQuarantineKey
	}
	var record models.QuarantineRecord
	if err := q.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error; err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(q.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, record.Nonce, record.Ciphertext, []byte(requestID))
}
