// Package memory keeps the bounded per-(principal, surface) conversation log
// that supplies context to each model call.
//
// A Store holds the messages and rolling summary. The Manager reads a
// token-budgeted window from it before the model call and appends the
// completed exchange afterwards. Missing sessions read as empty.
package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jkaninda/datagate/internal/domain"
)

// MessageType distinguishes the two sides of an exchange.
type MessageType string

const (
	TypeUser      MessageType = "user"
	TypeAssistant MessageType = "assistant"
)

// Message is one immutable entry in a session log.
type Message struct {
	Type      MessageType     `json:"type"`
	Content   string          `json:"content"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (m Message) clone() Message {
	if m.Data != nil {
		m.Data = append(json.RawMessage(nil), m.Data...)
	}
	return m
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

// Stats describes one session.
type Stats struct {
	MessageCount     int       `json:"messageCount"`
	ApproxTokenCount int       `json:"approxTokenCount"`
	SessionAgeMs     int64     `json:"sessionAgeMs"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Store persists conversation sessions. Implementations must be safe for
// concurrent use, serialize writes per key, and never let writes to
// different keys contend on a shared lock for longer than a map lookup.
type Store interface {
	// Append adds msgs to the session in order, all or nothing.
	Append(ctx context.Context, key domain.SessionKey, msgs ...Message) error
	// History returns up to max of the most recent messages, oldest first.
	// max <= 0 returns the whole stored log.
	History(ctx context.Context, key domain.SessionKey, max int) ([]Message, error)
	Summary(ctx context.Context, key domain.SessionKey) (string, error)
	SetSummary(ctx context.Context, key domain.SessionKey, summary string) error
	Clear(ctx context.Context, key domain.SessionKey) error
	Stats(ctx context.Context, key domain.SessionKey) (Stats, error)
}

// Folder merges messages dropped from a full log into the rolling summary.
type Folder interface {
	Fold(ctx context.Context, summary string, dropped []Message) (string, error)
}
