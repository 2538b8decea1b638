package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/executor"
	"github.com/jkaninda/datagate/internal/guard"
	"github.com/jkaninda/datagate/internal/intent"
	"github.com/jkaninda/datagate/internal/memory"
	"github.com/jkaninda/datagate/internal/observability"
	"github.com/jkaninda/datagate/internal/query"
	"github.com/jkaninda/datagate/internal/security"
)

// Turn outcomes, used for metrics.
const (
	TurnAnswered        = "answered"
	TurnRejected        = "rejected"
	TurnUpstreamError   = "upstream_error"
	TurnUnauthenticated = "unauthenticated"
	TurnInternalError   = "internal_error"
)

// Interpreter produces the model's raw reply for one turn.
type Interpreter interface {
	Interpret(ctx context.Context, in intent.Input) (string, error)
}

// Service handles chat turns for authenticated principals.
type Service struct {
	guard         *guard.Guard
	authorizer    *query.Authorizer
	memory        *memory.Manager
	interpreter   Interpreter
	executor      executor.Executor
	auditor       security.Auditor
	obs           *observability.Observability
	parallelism   int
	recordTimeout time.Duration
	logger        *slog.Logger
}

// DefaultRecordTimeout bounds the conversation write that ends a turn.
const DefaultRecordTimeout = 10 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithAuditor records screening, authorization and execution events.
func WithAuditor(a security.Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// WithObservability enables metrics and tracing for the pipeline.
func WithObservability(obs *observability.Observability) Option {
	return func(s *Service) { s.obs = obs }
}

// WithParallelism bounds concurrent query executions per turn.
func WithParallelism(n int) Option {
	return func(s *Service) { s.parallelism = n }
}

// WithRecordTimeout bounds the conversation write that ends a turn.
func WithRecordTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.recordTimeout = d
		}
	}
}

// NewService creates a Service. All collaborators are required.
func NewService(g *guard.Guard, authz *query.Authorizer, mem *memory.Manager, interp Interpreter, ex executor.Executor, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		guard:         g,
		authorizer:    authz,
		memory:        mem,
		interpreter:   interp,
		executor:      ex,
		auditor:       security.NopAuditor{},
		parallelism:   executor.DefaultParallelism,
		recordTimeout: DefaultRecordTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle runs one turn. It returns security.ErrUnauthenticated before doing
// anything else when the principal is unresolved, and an error wrapping
// intent.ErrUpstream or intent.ErrTimeout when the model call fails. Guard
// rejections are not errors: the canned refusal is returned as the reply.
func (s *Service) Handle(ctx context.Context, principal domain.Principal, surface string, req Request) (*Response, error) {
	correlationID := newCorrelationID()
	key := domain.NewSessionKey(principal.ID, surface)
	log := s.logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("surface", key.Surface),
	)

	if !principal.Resolved() {
		log.WarnContext(ctx, "chat turn without a resolved principal")
		s.obs.RecordTurn(TurnUnauthenticated)
		return nil, security.ErrUnauthenticated
	}
	log = log.With(slog.String("user_id", principal.ID), slog.String("role", string(principal.Role)))

	ctx, span := s.obs.StartSpan(ctx, "chat.handle",
		attribute.String("user_id", principal.ID),
		attribute.String("surface", key.Surface),
		attribute.String("correlation_id", correlationID),
	)
	defer span.End()

	base := security.AuditEvent{
		CorrelationID: correlationID,
		UserID:        principal.ID,
		Role:          string(principal.Role),
		Surface:       key.Surface,
	}

	screened := s.screen(req)
	if !screened.Accepted {
		log.WarnContext(ctx, "input rejected", slog.String("reason", screened.Reason))
		s.obs.RecordSecurityCheck("input_screen", screened.Reason)
		s.obs.RecordTurn(TurnRejected)
		ev := base
		ev.Action = "input_screen"
		ev.Result = security.ResultRejected
		ev.Parameters = map[string]any{"reason": screened.Reason, "follow_up": req.FollowUp()}
		s.audit(ctx, ev)
		return &Response{
			Response:         screened.Refusal,
			DataRequests:     []query.DataRequest{},
			ConversationOnly: true,
		}, nil
	}
	s.obs.RecordSecurityCheck("input_screen", "accepted")

	caps := security.Resolve(principal.Role)

	window, err := s.memory.Window(ctx, key)
	if err != nil {
		log.ErrorContext(ctx, "loading conversation window failed", slog.String("error", err.Error()))
		s.obs.RecordTurn(TurnInternalError)
		return nil, fmt.Errorf("loading conversation: %w", err)
	}

	raw, err := s.interpreter.Interpret(ctx, intent.Input{
		Principal:        principal,
		Capabilities:     caps,
		Message:          screened.Sanitized,
		Window:           window,
		Context:          req.Context,
		ExecutionResults: req.ExecutionResults,
	})
	if err != nil {
		log.ErrorContext(ctx, "intent interpreter failed", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "interpreter failed")
		s.obs.RecordTurn(TurnUpstreamError)
		return nil, err
	}

	parsed, parseErr := intent.Parse(raw)
	if parseErr != nil {
		log.WarnContext(ctx, "model output did not parse, replying as plain text",
			slog.String("error", parseErr.Error()),
			slog.Int("raw_len", len(raw)),
		)
	}

	var outcomes []Outcome
	if parseErr == nil {
		outcomes = s.authorizeAndRun(ctx, log, base, principal, caps, parsed)
	}
	resp := Assemble(parsed, parseErr, raw, outcomes)

	s.record(ctx, log, key, screened.Sanitized, resp)
	s.obs.RecordTurn(TurnAnswered)

	log.InfoContext(ctx, "chat turn completed",
		slog.Int("data_requests", len(resp.DataRequests)),
		slog.Bool("execution_error", resp.ExecutionError != ""),
		slog.Bool("parsed", parseErr == nil),
	)
	return &resp, nil
}

// screen checks the message and everything else in the turn that is
// forwarded to the model.
func (s *Service) screen(req Request) guard.Result {
	if !req.FollowUp() {
		return firstRejection(s.guard.Screen(req.Message), s.guard.ScreenContext(req.Context))
	}
	return firstRejection(
		s.guard.ScreenFollowUp(req.Message),
		s.guard.ScreenContext(req.Context),
		s.guard.ScreenResults(req.ExecutionResults),
	)
}

// firstRejection returns the first rejected result, or the message result.
func firstRejection(msg guard.Result, extra ...guard.Result) guard.Result {
	if !msg.Accepted {
		return msg
	}
	for _, r := range extra {
		if !r.Accepted {
			return r
		}
	}
	return msg
}

// authorizeAndRun authorizes every proposed request and executes the ones
// that pass. Outcomes keep the model's ordering; undecodable proposals are
// appended after the decoded ones.
func (s *Service) authorizeAndRun(ctx context.Context, log *slog.Logger, base security.AuditEvent, principal domain.Principal, caps security.CapabilitySet, parsed intent.Intent) []Outcome {
	outcomes := make([]Outcome, 0, len(parsed.DataRequests)+len(parsed.Rejected))
	var (
		runnable []query.AuthorizedDataRequest
		slots    []int
	)

	for i, dr := range parsed.DataRequests {
		o := Outcome{Position: i + 1, Table: dr.Table}
		authorized, err := s.authorizer.Authorize(dr, principal, caps)

		ev := base
		ev.Action = "authorize"
		ev.Table = dr.Table
		if err != nil {
			log.WarnContext(ctx, "data request denied",
				slog.String("table", dr.Table),
				slog.String("reason", err.Error()),
			)
			s.obs.RecordSecurityCheck("authorize", "denied")
			ev.Result = security.ResultDenied
			ev.Error = err.Error()
			s.audit(ctx, ev)
			o.Err = err
			outcomes = append(outcomes, o)
			continue
		}

		s.obs.RecordSecurityCheck("authorize", "allowed")
		ev.Result = security.ResultSuccess
		ev.Parameters = map[string]any{"scope": authorized.Scope().String(), "filters": len(authorized.Filters())}
		s.audit(ctx, ev)

		rewritten := authorized.Request()
		o.Authorized = &rewritten
		slots = append(slots, len(outcomes))
		runnable = append(runnable, authorized)
		outcomes = append(outcomes, o)
	}

	for _, rej := range parsed.Rejected {
		log.WarnContext(ctx, "proposed data request rejected",
			slog.Int("index", rej.Index),
			slog.String("error", rej.Error()),
		)
		outcomes = append(outcomes, Outcome{Position: rej.Index + 1, Err: rej})
	}

	if len(runnable) == 0 {
		return outcomes
	}

	start := time.Now()
	for i, res := range executor.RunAll(ctx, s.executor, runnable, s.parallelism) {
		o := &outcomes[slots[i]]
		o.Result, o.Err = res.Result, res.Err

		ev := base
		ev.Action = "execute"
		ev.Table = o.Table
		if res.Err != nil {
			log.ErrorContext(ctx, "data request failed",
				slog.String("table", o.Table),
				slog.String("error", res.Err.Error()),
			)
			ev.Result = security.ResultFailure
			ev.Error = res.Err.Error()
		} else {
			ev.Result = security.ResultSuccess
			ev.Parameters = map[string]any{"rows": res.Result.RowCount, "truncated": res.Result.Truncated}
		}
		s.audit(ctx, ev)
	}
	log.DebugContext(ctx, "data requests executed",
		slog.Int("count", len(runnable)),
		slog.Duration("duration", time.Since(start)),
	)
	return outcomes
}

// record appends the exchange in one write. It runs detached from caller
// cancellation so an aborted request cannot leave a half-written turn, but
// under its own deadline.
func (s *Service) record(ctx context.Context, log *slog.Logger, key domain.SessionKey, userText string, resp Response) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.recordTimeout)
	defer cancel()

	now := time.Now().UTC()
	assistant := memory.Message{
		Type:      memory.TypeAssistant,
		Content:   resp.Response,
		Error:     resp.ExecutionError,
		Timestamp: now,
	}
	if len(resp.DataResults) > 0 {
		if data, err := json.Marshal(resp.DataResults); err == nil {
			assistant.Data = data
		}
	}
	user := memory.Message{Type: memory.TypeUser, Content: userText, Timestamp: now}

	if err := s.memory.RecordExchange(writeCtx, key, user, assistant, resp.ContextSummary); err != nil {
		log.ErrorContext(ctx, "recording exchange failed", slog.String("error", err.Error()))
	}
}

func (s *Service) audit(ctx context.Context, ev security.AuditEvent) {
	if err := s.auditor.LogAction(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "audit write failed",
			slog.String("action", ev.Action),
			slog.String("error", err.Error()),
		)
	}
}

// Stats returns memory statistics for the principal's session on surface.
func (s *Service) Stats(ctx context.Context, principal domain.Principal, surface string) (memory.Stats, error) {
	if !principal.Resolved() {
		return memory.Stats{}, security.ErrUnauthenticated
	}
	return s.memory.Stats(ctx, domain.NewSessionKey(principal.ID, surface))
}

// Clear deletes the principal's session on surface.
func (s *Service) Clear(ctx context.Context, principal domain.Principal, surface string) error {
	if !principal.Resolved() {
		return security.ErrUnauthenticated
	}
	key := domain.NewSessionKey(principal.ID, surface)
	if err := s.memory.Clear(ctx, key); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	s.logger.InfoContext(ctx, "session cleared",
		slog.String("user_id", principal.ID),
		slog.String("surface", key.Surface),
	)
	return nil
}

// Retryable reports whether err is an upstream failure the caller may retry
// by sending a new turn.
func Retryable(err error) bool {
	return errors.Is(err, intent.ErrUpstream) || errors.Is(err, intent.ErrTimeout)
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
