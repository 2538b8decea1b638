// Package security implements role capability resolution, the sentinel errors
// shared by the request pipeline, and the append-only audit trail.
//
// Resolution is default-deny: a role that is not explicitly enumerated gets
// the least-privileged capability set.
package security

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the security boundary.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrInputRejected       = errors.New("input rejected")
)

// DataScope is the row-visibility scope granted to a role.
type DataScope int

const (
	ScopePublic DataScope = iota // Published rows only; identity tables trimmed to safe columns.
	ScopeOwned                   // Rows tied to entities the principal owns.
	ScopeGlobal                  // No additional filtering.
)

func (s DataScope) String() string {
	switch s {
	case ScopePublic:
		return "public"
	case ScopeOwned:
		return "owned"
	case ScopeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// ParseDataScope converts a string to a DataScope.
// Unrecognized values default to ScopePublic (least privilege).
func ParseDataScope(s string) DataScope {
	switch s {
	case "global":
		return ScopeGlobal
	case "owned":
		return ScopeOwned
	default:
		return ScopePublic
	}
}

// Audit results.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultDenied   = "denied"
	ResultRejected = "rejected"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	UserID        string         `json:"user_id"`
	Role          string         `json:"role,omitempty"`
	Surface       string         `json:"surface,omitempty"`
	Action        string         `json:"action"` // "input_screen", "authorize", "execute"
	Table         string         `json:"table,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Result        string         `json:"result"`
	Error         string         `json:"error,omitempty"`
}

// Auditor appends audit events. Implementations must be safe for concurrent use.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
	Close() error
}
