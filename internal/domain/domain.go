// Package domain defines cross-cutting entity types used across the system.
package domain

import "strings"

// Role is the closed set of roles a principal can hold.
// Anything outside the known constants is treated as unknown by the resolver.
type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleOrganizer   Role = "ORGANIZER"
	RoleParticipant Role = "PARTICIPANT"
)

// ParseRole normalizes a role string. Unrecognized values are returned
// upper-cased as-is so the resolver can apply its least-privilege fallback.
func ParseRole(s string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(s)))
}

// Known reports whether r is one of the enumerated roles.
func (r Role) Known() bool {
	switch r {
	case RoleAdmin, RoleOrganizer, RoleParticipant:
		return true
	default:
		return false
	}
}

// Principal is the authenticated actor making a request.
// Built per request from server-side state and never persisted here.
type Principal struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Resolved reports whether the principal carries an identity.
func (p Principal) Resolved() bool {
	return strings.TrimSpace(p.ID) != ""
}

// SessionKey identifies one conversation session: a principal on a surface
// (e.g. "dashboard", "hackathon-page", "mcp").
type SessionKey struct {
	PrincipalID string
	Surface     string
}

// DefaultSurface is used when a caller does not name a surface.
const DefaultSurface = "default"

// NewSessionKey builds a key, defaulting an empty surface.
func NewSessionKey(principalID, surface string) SessionKey {
	surface = strings.TrimSpace(surface)
	if surface == "" {
		surface = DefaultSurface
	}
	return SessionKey{PrincipalID: principalID, Surface: surface}
}

func (k SessionKey) String() string {
	return k.PrincipalID + ":" + k.Surface
}
