package models

import (
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SecurityEvent is one persisted detection outcome, including results
// from async detectors that complete after the response was sent.
type SecurityEvent struct {
	BaseModel
	RequestID  string         `gorm:"index" json:"request_id"`
	UserID     uuid.UUID      `gorm:"type:uuid;index" json:"user_id"`
	AgentID    string         `gorm:"index" json:"agent_id,omitempty"`
	ThreatType string         `gorm:"index" json:"threat_type"`
	Severity   string         `gorm:"index" json:"severity"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
	Detector   string         `json:"detector"`
	RuleID     string         `json:"rule_id,omitempty"`
	Actions    datatypes.JSON `gorm:"type:jsonb" json:"actions,omitempty"`
	Detail     string         `json:"detail"`
}

// QuarantineRecord stores an encrypted copy of a quarantined request
// body together with the detections that caused it.
type QuarantineRecord struct {
	BaseModel
	RequestID  string         `gorm:"uniqueIndex;not null" json:"request_id"`
	UserID     uuid.UUID      `gorm:"type:uuid;index" json:"user_id"`
	Ciphertext []byte         `gorm:"not null" json:"-"`
	Nonce      []byte         `gorm:"not null" json:"-"`
	Detections datatypes.JSON `gorm:"type:jsonb" json:"detections"`
}

// KillRequest records a detector-initiated stream termination pending
// acknowledgement for the agent.
type KillRequest struct {
	BaseModel
	RequestID  string    `gorm:"index" json:"request_id"`
	UserID     uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	AgentID    string    `gorm:"index" json:"agent_id,omitempty"`
	SessionID  string    `gorm:"index" json:"session_id"`
	ThreatType string    `json:"threat_type"`
	Reason     string    `json:"reason"`
	Pending    bool      `gorm:"default:true;index" json:"pending"`
}

// CustomRule is a tenant-scoped security rule evaluated by the custom
// rules detector.
type CustomRule struct {
	BaseModel
	UserID     uuid.UUID      `gorm:"type:uuid;index" json:"user_id"`
	Name       string         `gorm:"not null" json:"name"`
	Kind       string         `gorm:"not null" json:"kind"` // pattern | threshold | behavioral | composite
	ThreatType string         `json:"threat_type"`
	Severity   string         `json:"severity"`
	Definition datatypes.JSON `gorm:"type:jsonb;not null" json:"definition"`
	Enabled    bool           `gorm:"default:true" json:"enabled"`
}
