package postgres

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/jkaninda/datagate/internal/security"
)

func toAuditModel(event security.AuditEvent) AuditEventModel {
	params, _ := json.Marshal(event.Parameters)
	if params == nil || string(params) == "null" {
		params = []byte("{}")
	}
	return AuditEventModel{
		ID:            uuid.New(),
		CorrelationID: event.CorrelationID,
		UserID:        event.UserID,
		Role:          event.Role,
		Surface:       event.Surface,
		Action:        event.Action,
		TargetTable:   event.Table,
		Parameters:    JSONB(params),
		Result:        event.Result,
		Error:         event.Error,
		CreatedAt:     event.Timestamp.UTC(),
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	var params map[string]any
	if len(m.Parameters) > 0 {
		_ = json.Unmarshal(m.Parameters, &params)
	}
	return security.AuditEvent{
		Timestamp:     m.CreatedAt.UTC(),
		CorrelationID: m.CorrelationID,
		UserID:        m.UserID,
		Role:          m.Role,
		Surface:       m.Surface,
		Action:        m.Action,
		Table:         m.TargetTable,
		Parameters:    params,
		Result:        m.Result,
		Error:         m.Error,
	}
}
