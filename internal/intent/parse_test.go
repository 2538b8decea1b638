package intent

import (
	"errors"
	"testing"

	"github.com/jkaninda/datagate/internal/query"
)

func TestParse_Valid(t *testing.T) {
	raw := "```json\n" + `{
		"response": "Here are the ongoing hackathons.",
		"dataRequests": [
			{"table": "hackathons", "select": ["title"], "filters": [["status", "ongoing"]], "caption": "Ongoing"},
			{"table": "users; drop", "caption": "bad"}
		],
		"requiresData": true,
		"conversationOnly": false,
		"contextSummary": "User asked for ongoing hackathons."
	}` + "\n```"

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Response != "Here are the ongoing hackathons." {
		t.Errorf("Response = %q", got.Response)
	}
	if !got.RequiresData || got.ConversationOnly {
		t.Errorf("flags = %v/%v", got.RequiresData, got.ConversationOnly)
	}
	if got.ContextSummary != "User asked for ongoing hackathons." {
		t.Errorf("ContextSummary = %q", got.ContextSummary)
	}
	if len(got.DataRequests) != 1 || got.DataRequests[0].Table != "hackathons" {
		t.Fatalf("DataRequests = %+v", got.DataRequests)
	}
	if len(got.Rejected) != 1 || got.Rejected[0].Index != 1 || !errors.Is(got.Rejected[0].Err, query.ErrInvalidRequest) {
		t.Errorf("Rejected = %+v", got.Rejected)
	}
}

func TestParse_SurroundingProse(t *testing.T) {
	got, err := Parse(`Sure! {"response": "Hi there", "dataRequests": [], "conversationOnly": true} Hope that helps.`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Response != "Hi there" || !got.ConversationOnly || len(got.DataRequests) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{
		"I think there are three hackathons running.",
		"",
		`{"response": "unterminated`,
		`{"dataRequests": []}`,
		`{"response": 42}`,
		"} backwards {",
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrMalformedOutput) {
			t.Errorf("Parse(%q) err = %v, want ErrMalformedOutput", raw, err)
		}
	}
}

func TestParse_CapsRequestCount(t *testing.T) {
	raw := `{"response": "x", "requiresData": true, "dataRequests": [
		{"table":"hackathons"},{"table":"hackathons"},{"table":"hackathons"},
		{"table":"hackathons"},{"table":"hackathons"},{"table":"hackathons"}]}`
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got.DataRequests) != MaxDataRequests || len(got.Rejected) != 1 {
		t.Errorf("accepted %d, rejected %d", len(got.DataRequests), len(got.Rejected))
	}
}
