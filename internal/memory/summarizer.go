package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/datagate/internal/llm"
)

const summarizationPrompt = `Update the running summary of a conversation between a user and a data assistant for a hackathon platform.
Preserve: what the user asked for, which tables and filters were involved, key facts returned, and any errors or denials.
Omit: greetings, redundant explanations, and raw row data.
Reply with the updated summary only, as one brief paragraph.`

// Summarizer folds dropped messages into the rolling summary through the LLM.
type Summarizer struct {
	provider  llm.Provider
	maxTokens int
	logger    *slog.Logger
}

// NewSummarizer creates a Folder backed by provider.
func NewSummarizer(provider llm.Provider, logger *slog.Logger) *Summarizer {
	return &Summarizer{provider: provider, maxTokens: 512, logger: logger}
}

// Fold returns the previous summary extended with dropped. On failure the
// caller keeps the previous summary.
func (s *Summarizer) Fold(ctx context.Context, summary string, dropped []Message) (string, error) {
	var sb strings.Builder
	if summary != "" {
		sb.WriteString("[Current summary]\n")
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("[Messages to fold in]\n")
	n := 0
	for _, m := range dropped {
		if m.Content == "" && m.Error == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s", m.Type, m.Content)
		if m.Error != "" {
			fmt.Fprintf(&sb, " (error: %s)", m.Error)
		}
		sb.WriteString("\n")
		n++
	}
	if n == 0 {
		return summary, nil
	}

	resp, err := s.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: summarizationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return summary, fmt.Errorf("summarizing: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return summary, errors.New("summarizing: empty response")
	}

	s.logger.DebugContext(ctx, "conversation overflow summarized",
		slog.Int("folded_messages", n),
		slog.Int("summary_chars", len(out)),
	)
	return out, nil
}

var _ Folder = (*Summarizer)(nil)
