package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/llm"
	"github.com/jkaninda/datagate/internal/memory"
	"github.com/jkaninda/datagate/internal/security"
)

// Defaults for the model call.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 1500
)

// Input is everything the interpreter needs for one turn.
type Input struct {
	Principal    domain.Principal
	Capabilities security.CapabilitySet
	Message      string
	Window       memory.Window
	// Context is caller-supplied page context, forwarded as-is.
	Context map[string]any
	// ExecutionResults are prior query results fed back for narration.
	ExecutionResults []json.RawMessage
}

// Interpreter calls the model with the schema description and conversation
// context. It never retries; a failed turn is retried by the caller sending
// a new message.
type Interpreter struct {
	provider  llm.Provider
	schema    string
	timeout   time.Duration
	maxTokens int
	logger    *slog.Logger
}

// NewInterpreter creates an interpreter. schema is forwarded verbatim in the
// system prompt.
func NewInterpreter(provider llm.Provider, schema string, timeout time.Duration, maxTokens int, logger *slog.Logger) *Interpreter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Interpreter{provider: provider, schema: schema, timeout: timeout, maxTokens: maxTokens, logger: logger}
}

// Interpret returns the model's raw reply. Errors wrap ErrTimeout or ErrUpstream.
func (i *Interpreter) Interpret(ctx context.Context, in Input) (string, error) {
	req := &llm.Request{
		SystemPrompt: i.systemPrompt(in),
		Messages:     buildMessages(in),
		MaxTokens:    i.maxTokens,
		JSONOutput:   true,
	}

	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	resp, err := i.provider.SendMessage(callCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %w", ErrTimeout, i.timeout, err)
		}
		return "", fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	i.logger.DebugContext(ctx, "intent interpreted",
		slog.String("provider", i.provider.Name()),
		slog.Int("history_messages", len(in.Window.Messages)),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("duration", time.Since(start)),
	)
	return resp.Content, nil
}

const outputContract = `Reply with a single JSON object and nothing else:
{
  "response": "markdown answer for the user",
  "dataRequests": [ { "table": "...", "select": ["..."], "filters": [{"column": "...", "op": "eq", "value": "..."}], "limit": 20, "order": {"column": "...", "ascending": true}, "caption": "short title" } ],
  "requiresData": true,
  "conversationOnly": false,
  "contextSummary": "one or two sentences summarizing the conversation so far"
}
Use "dataRequests": [] and "conversationOnly": true when no data is needed.
Only use tables and columns from the schema. Access rules are enforced after you answer, so never claim to have bypassed them.`

func (i *Interpreter) systemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You are the data assistant of a hackathon platform. You answer questions about hackathons, teams, submissions, registrations and public user profiles by proposing declarative data requests.\n\n")
	fmt.Fprintf(&b, "The user is %s with role %s and %s data access.\n",
		displayName(in.Principal), in.Principal.Role, in.Capabilities.DataScope)
	if !in.Capabilities.CanExecuteDataRequests {
		b.WriteString("This user cannot run data requests; answer conversationally and return no dataRequests.\n")
	}
	b.WriteString("\n")
	b.WriteString(i.schema)
	b.WriteString("\n")
	b.WriteString(outputContract)
	if in.Window.Summary != "" {
		b.WriteString("\n\nConversation summary so far:\n")
		b.WriteString(in.Window.Summary)
	}
	return b.String()
}

func displayName(p domain.Principal) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return "user " + p.ID
}

// buildMessages replays the window and appends the current turn.
func buildMessages(in Input) []llm.Message {
	msgs := make([]llm.Message, 0, len(in.Window.Messages)+1)
	for _, m := range in.Window.Messages {
		role := llm.RoleUser
		if m.Type == memory.TypeAssistant {
			role = llm.RoleAssistant
		}
		content := m.Content
		if m.Error != "" {
			content += "\n[execution error: " + m.Error + "]"
		}
		msgs = append(msgs, llm.Message{Role: role, Content: content})
	}

	var b strings.Builder
	b.WriteString(in.Message)
	if len(in.Context) > 0 {
		if raw, err := json.Marshal(in.Context); err == nil {
			b.WriteString("\n\n[Page context]\n")
			b.Write(raw)
		}
	}
	if len(in.ExecutionResults) > 0 {
		b.WriteString("\n\n[Results of the previous data requests]\n")
		raw, _ := json.Marshal(in.ExecutionResults)
		b.Write(raw)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: b.String()})
	return msgs
}
