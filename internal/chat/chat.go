// Package chat wires the request pipeline together: input screening, the
// conversation window, the intent interpreter, per-request authorization,
// execution and response assembly.
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/datagate/internal/executor"
	"github.com/jkaninda/datagate/internal/intent"
	"github.com/jkaninda/datagate/internal/query"
	"github.com/jkaninda/datagate/internal/security"
)

// Request is one inbound chat turn.
type Request struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
	// ExecutionResults marks a follow-up turn feeding back prior results
	// for narration.
	ExecutionResults []json.RawMessage `json:"executionResults,omitempty"`
}

// FollowUp reports whether the turn carries prior execution results.
func (r Request) FollowUp() bool { return len(r.ExecutionResults) > 0 }

// Response is the caller-facing payload.
type Response struct {
	Response         string              `json:"response"`
	DataRequests     []query.DataRequest `json:"dataRequests"`
	RequiresData     bool                `json:"requiresData"`
	ConversationOnly bool                `json:"conversationOnly"`
	ContextSummary   string              `json:"contextSummary"`
	DataResults      []*executor.Result  `json:"dataResults,omitempty"`
	ExecutionError   string              `json:"executionError,omitempty"`
}

// Outcome is what happened to one proposed data request.
type Outcome struct {
	// Position is the 1-based index used in user-facing error text.
	Position int
	Table    string
	// Authorized is the rewritten request; nil when authorization or
	// decoding failed.
	Authorized *query.DataRequest
	Result     *executor.Result
	Err        error
}

const emptyReply = "I could not put together an answer for that. Could you rephrase?"

// Assemble builds the response from the parsed intent and the execution
// outcomes. It has no side effects.
//
// When parsing failed the raw model text becomes a plain conversational
// reply. Failed or denied requests keep the narrative and are reported in
// ExecutionError with generic text only.
func Assemble(parsed intent.Intent, parseErr error, raw string, outcomes []Outcome) Response {
	if parseErr != nil {
		text := strings.TrimSpace(raw)
		if text == "" {
			text = emptyReply
		}
		return Response{
			Response:         text,
			DataRequests:     []query.DataRequest{},
			RequiresData:     false,
			ConversationOnly: true,
		}
	}

	resp := Response{
		Response:         parsed.Response,
		DataRequests:     []query.DataRequest{},
		RequiresData:     parsed.RequiresData,
		ConversationOnly: parsed.ConversationOnly,
		ContextSummary:   parsed.ContextSummary,
	}
	if resp.Response == "" {
		resp.Response = emptyReply
	}

	var failures []string
	for _, o := range outcomes {
		if o.Authorized != nil {
			resp.DataRequests = append(resp.DataRequests, *o.Authorized)
		}
		if o.Err != nil {
			failures = append(failures, describeFailure(o))
			continue
		}
		if o.Result != nil {
			resp.DataResults = append(resp.DataResults, o.Result)
		}
	}
	if len(failures) > 0 {
		resp.ExecutionError = strings.Join(failures, "; ")
	}
	if len(resp.DataRequests) > 0 {
		resp.RequiresData = true
		resp.ConversationOnly = false
	}
	return resp
}

// describeFailure maps an outcome error to text safe to show the caller.
func describeFailure(o Outcome) string {
	label := fmt.Sprintf("data request %d", o.Position)
	if o.Table != "" {
		label += " (" + o.Table + ")"
	}

	var reqErr intent.RequestError
	switch {
	case errors.Is(o.Err, security.ErrAuthorizationDenied):
		return label + " is not permitted for your role"
	case errors.As(o.Err, &reqErr), errors.Is(o.Err, query.ErrInvalidRequest):
		return label + " was not a valid query"
	case errors.Is(o.Err, executor.ErrTimeout):
		return label + " timed out, please try again"
	default:
		return label + " could not be executed"
	}
}
