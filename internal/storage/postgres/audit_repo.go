package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/datagate/internal/security"
	"github.com/jkaninda/datagate/internal/storage"
)

// AuditRepository implements storage.AuditRepository with GORM. It is shared
// by the PostgreSQL and SQLite backends.
// Append-only: no Update or Delete methods exist on this type.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts a single audit event.
func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	model := toAuditModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

// Query returns audit events matching q, newest first.
func (r *AuditRepository) Query(ctx context.Context, q storage.AuditQuery) ([]security.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = storage.DefaultAuditLimit
	}

	tx := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)

	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if q.Result != "" {
		tx = tx.Where("result = ?", q.Result)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since.UTC())
	}

	var models []AuditEventModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(models))
	for i := range models {
		events[i] = toAuditDomain(&models[i])
	}
	return events, nil
}

var _ storage.AuditRepository = (*AuditRepository)(nil)
