package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT on SQLite).
type JSONB json.RawMessage

// AuditEventModel maps to the "audit_events" table.
// No UpdatedAt or DeletedAt: the audit log is append-only.
type AuditEventModel struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	UserID        string    `gorm:"not null;index"`
	Role          string
	Surface       string
	Action        string `gorm:"not null;index"`
	TargetTable   string `gorm:"index"`
	Parameters    JSONB  `gorm:"type:jsonb;not null;default:'{}'"`
	Result        string `gorm:"not null"`
	Error         string
	CreatedAt     time.Time `gorm:"index"`
}

func (AuditEventModel) TableName() string { return "audit_events" }
