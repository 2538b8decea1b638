package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditLogger writes audit events as append-only JSONL.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// LogAction serializes the event as one JSON line and appends it.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Parameters = RedactParams(event.Parameters)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("action", event.Action),
		slog.String("user_id", event.UserID),
		slog.String("result", event.Result),
		slog.String("correlation_id", event.CorrelationID),
	)

	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// MultiAuditor fans one event out to several auditors. Every sink is
// attempted; the first error is returned.
type MultiAuditor []Auditor

func (m MultiAuditor) LogAction(ctx context.Context, event AuditEvent) error {
	var first error
	for _, a := range m {
		if err := a.LogAction(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiAuditor) Close() error {
	var first error
	for _, a := range m {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// NopAuditor discards events.
type NopAuditor struct{}

func (NopAuditor) LogAction(context.Context, AuditEvent) error { return nil }
func (NopAuditor) Close() error                                { return nil }

var (
	_ Auditor = (*AuditLogger)(nil)
	_ Auditor = MultiAuditor(nil)
	_ Auditor = NopAuditor{}
)
