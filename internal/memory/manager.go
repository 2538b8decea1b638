package memory

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/jkaninda/datagate/internal/domain"
)

// Defaults for the context window handed to the model.
const (
	DefaultMaxHistoryMessages = 20
	DefaultTokenBudget        = 3000
	DefaultMaxSummaryChars    = 2000
)

// Window is the context read for one model call.
type Window struct {
	Messages []Message
	Summary  string
	Tokens   int
}

// Manager applies windowing and summary policy on top of a Store.
type Manager struct {
	store           Store
	maxHistory      int
	tokenBudget     int
	maxSummaryChars int
	logger          *slog.Logger
}

// NewManager wraps store. Non-positive limits take the defaults.
func NewManager(store Store, maxHistory, tokenBudget int, logger *slog.Logger) *Manager {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistoryMessages
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	return &Manager{
		store:           store,
		maxHistory:      maxHistory,
		tokenBudget:     tokenBudget,
		maxSummaryChars: DefaultMaxSummaryChars,
		logger:          logger,
	}
}

// Window returns the most recent messages that fit both the message cap and
// the token budget, plus the rolling summary.
func (m *Manager) Window(ctx context.Context, key domain.SessionKey) (Window, error) {
	hist, err := m.store.History(ctx, key, m.maxHistory)
	if err != nil {
		return Window{}, fmt.Errorf("loading history: %w", err)
	}
	summary, err := m.store.Summary(ctx, key)
	if err != nil {
		return Window{}, fmt.Errorf("loading summary: %w", err)
	}

	trimmed := TrimToTokenBudget(hist, m.tokenBudget)
	if len(trimmed) < len(hist) {
		m.logger.DebugContext(ctx, "history trimmed to token budget",
			slog.String("session", key.String()),
			slog.Int("loaded", len(hist)),
			slog.Int("kept", len(trimmed)),
			slog.Int("budget", m.tokenBudget),
		)
	}
	return Window{Messages: trimmed, Summary: summary, Tokens: estimateAll(trimmed)}, nil
}

// RecordExchange appends the user message and the assistant reply as one
// atomic write, then replaces the rolling summary when a new one is given.
func (m *Manager) RecordExchange(ctx context.Context, key domain.SessionKey, user, assistant Message, summary string) error {
	if err := m.store.Append(ctx, key, user, assistant); err != nil {
		return fmt.Errorf("recording exchange: %w", err)
	}
	if summary == "" {
		return nil
	}
	if err := m.store.SetSummary(ctx, key, truncateRunes(summary, m.maxSummaryChars)); err != nil {
		// Non-fatal: the exchange is already stored.
		m.logger.WarnContext(ctx, "updating session summary failed",
			slog.String("session", key.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (m *Manager) Stats(ctx context.Context, key domain.SessionKey) (Stats, error) {
	return m.store.Stats(ctx, key)
}

func (m *Manager) Clear(ctx context.Context, key domain.SessionKey) error {
	return m.store.Clear(ctx, key)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
