// Package intent turns a screened user message plus conversation context
// into a structured intent by calling the LLM, and parses the model's reply.
//
// The model's output is untrusted. Parse is a fallible step: anything that is
// not the expected JSON object yields ErrMalformedOutput, and proposed data
// requests still have to pass the query Authorizer before execution.
package intent

import (
	"errors"

	"github.com/jkaninda/datagate/internal/query"
)

var (
	// ErrUpstream means the model could not be reached or returned an error.
	ErrUpstream = errors.New("intent interpreter unavailable")
	// ErrTimeout means the model did not answer within the configured timeout.
	ErrTimeout = errors.New("intent interpreter timed out")
	// ErrMalformedOutput means the reply did not parse as an intent.
	ErrMalformedOutput = errors.New("malformed model output")
)

// Intent is the structured reply of the model.
type Intent struct {
	Response         string
	DataRequests     []query.DataRequest
	RequiresData     bool
	ConversationOnly bool
	ContextSummary   string

	// Rejected holds proposed requests that were not valid data requests, by
	// position in the model's dataRequests array.
	Rejected []RequestError
}

// RequestError is one proposed request that failed to decode.
type RequestError struct {
	Index int
	Err   error
}

func (e RequestError) Error() string { return e.Err.Error() }
