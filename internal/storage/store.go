// Package storage defines the Store interface for persisted audit events.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/datagate/internal/security"
)

// Store is the persistence interface shared by the SQLite and PostgreSQL
// backends.
type Store interface {
	// Audit returns the append-only audit event repository.
	Audit() AuditRepository

	// Ping checks the connection for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// AuditRepository appends and reads audit events. There are no update or
// delete methods.
type AuditRepository interface {
	security.AuditStore
	Query(ctx context.Context, q AuditQuery) ([]security.AuditEvent, error)
}

// AuditQuery filters audit events. Zero fields match everything.
type AuditQuery struct {
	UserID string
	Action string
	Result string
	Since  time.Time
	Limit  int // Default: 100
}

// DefaultAuditLimit caps Query results when AuditQuery.Limit is unset.
const DefaultAuditLimit = 100

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
