package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/datagate/internal/config"
	"github.com/jkaninda/datagate/internal/storage"
)

var (
	auditConfigPath string
	auditUser       string
	auditAction     string
	auditResult     string
	auditSince      time.Duration
	auditLimit      int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List audit events persisted in the storage backend",
	Long: `Print audit events newest first, one JSON object per line. Only events
written with audit.store enabled are persisted in the storage backend; the
JSONL audit log file always has the full record.

Examples:
  datagate audit --user u-42 --since 24h
  datagate audit --action authorize --result denied --limit 20`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	auditCmd.Flags().StringVar(&auditUser, "user", "", "only events for this principal ID")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "only this action (input_screen, authorize, execute)")
	auditCmd.Flags().StringVar(&auditResult, "result", "", "only this result (success, failure, denied, rejected)")
	auditCmd.Flags().DurationVar(&auditSince, "since", 0, "only events newer than this, e.g. 1h")
	auditCmd.Flags().IntVar(&auditLimit, "limit", storage.DefaultAuditLimit, "maximum events to print")
}

func runAudit(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(goutils.Env("DATAGATE_CONFIG", auditConfigPath))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating storage: %w", err)
	}

	q := storage.AuditQuery{
		UserID: auditUser,
		Action: auditAction,
		Result: auditResult,
		Limit:  auditLimit,
	}
	if auditSince > 0 {
		q.Since = time.Now().Add(-auditSince)
	}
	events, err := store.Audit().Query(ctx, q)
	if err != nil {
		return fmt.Errorf("querying audit events: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}
