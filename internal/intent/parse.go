package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/datagate/internal/query"
)

// MaxDataRequests caps how many requests one reply may propose.
const MaxDataRequests = 5

type wireIntent struct {
	Response         *string           `json:"response"`
	DataRequests     []json.RawMessage `json:"dataRequests"`
	RequiresData     bool              `json:"requiresData"`
	ConversationOnly bool              `json:"conversationOnly"`
	ContextSummary   string            `json:"contextSummary"`
}

// Parse decodes the model's raw reply. Markdown code fences and text around
// the outermost JSON object are tolerated; a missing "response" field is not.
func Parse(raw string) (Intent, error) {
	obj, ok := extractObject(raw)
	if !ok {
		return Intent{}, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}

	var w wireIntent
	if err := json.Unmarshal([]byte(obj), &w); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if w.Response == nil {
		return Intent{}, fmt.Errorf("%w: missing response field", ErrMalformedOutput)
	}

	out := Intent{
		Response:         strings.TrimSpace(*w.Response),
		RequiresData:     w.RequiresData,
		ConversationOnly: w.ConversationOnly,
		ContextSummary:   strings.TrimSpace(w.ContextSummary),
	}
	for i, rawReq := range w.DataRequests {
		if i >= MaxDataRequests {
			out.Rejected = append(out.Rejected, RequestError{Index: i, Err: fmt.Errorf("more than %d data requests", MaxDataRequests)})
			continue
		}
		req, err := query.ParseRequest(rawReq)
		if err != nil {
			out.Rejected = append(out.Rejected, RequestError{Index: i, Err: err})
			continue
		}
		out.DataRequests = append(out.DataRequests, req)
	}
	if len(out.DataRequests) == 0 && len(out.Rejected) == 0 {
		out.RequiresData = false
	}
	return out, nil
}

// extractObject strips code fences and returns the outermost {...} span.
func extractObject(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:] // drop the language tag line
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
