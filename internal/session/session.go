package session

import (
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidRole indicates an attempt to record a message with a role
// outside the closed set. This is a programming-contract violation and
// fails fast rather than being coerced.
var ErrInvalidRole = errors.New("invalid message role")

// Role is the closed set of transcript message roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r belongs to the closed role set.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one role-tagged entry of the in-memory transcript.
type Message struct {
	Role    Role
	Content string
}

// Session identifies the open conversation an Engine operates on.
type Session struct {
	ID     uuid.UUID
	UserID int64
}
