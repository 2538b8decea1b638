//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/datagate/internal/security"
	"github.com/jkaninda/datagate/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAuditRepository_AppendAndQuery(t *testing.T) {
	db := testDB(t)
	store := NewStore(db)
	ctx := context.Background()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	// A unique user keeps runs against a shared database independent.
	user := "it-" + uuid.New().String()[:8]
	start := time.Now().UTC().Add(-time.Second)
	events := []security.AuditEvent{
		{Timestamp: start.Add(time.Millisecond), UserID: user, Role: "PARTICIPANT", Action: "authorize", Table: "hackathons", Result: security.ResultSuccess, Parameters: map[string]any{"scope": "public"}},
		{Timestamp: start.Add(2 * time.Millisecond), UserID: user, Role: "PARTICIPANT", Action: "authorize", Table: "users", Result: security.ResultDenied, Error: "column email is not permitted"},
		{Timestamp: start.Add(3 * time.Millisecond), UserID: user, Role: "PARTICIPANT", Action: "execute", Table: "hackathons", Result: security.ResultSuccess},
	}
	for _, ev := range events {
		if err := store.Audit().Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Audit().Query(ctx, storage.AuditQuery{UserID: user})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 || got[0].Action != "execute" {
		t.Fatalf("events = %+v, want 3 newest first", got)
	}
	if got[2].Parameters["scope"] != "public" {
		t.Errorf("parameters = %v", got[2].Parameters)
	}

	denied, err := store.Audit().Query(ctx, storage.AuditQuery{UserID: user, Result: security.ResultDenied})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(denied) != 1 || denied[0].Table != "users" {
		t.Errorf("denied = %+v", denied)
	}
}
