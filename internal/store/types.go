// Package store persists users, sessions and the append-only message log.
//
// A session is one bounded conversation. At most one session per user is
// open (no end timestamp) at any time; the schema enforces this with a
// partial unique index so two near-simultaneous opens cannot both win.
// Messages are strictly ordered within a session by their autoincrement id
// and are never mutated after insertion.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors, checked by callers with errors.Is.
var (
	// ErrUserNotFound indicates the user has never been provisioned.
	ErrUserNotFound = errors.New("user not found")

	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// User carries identity and token accounting state.
//
// DailyTokensUsed resets to zero on the first token-recording operation of
// a new day; TokensUsed only ever grows.
type User struct {
	ID              int64
	TokenLimit      int // daily allowance; 0 = unlimited
	TokensUsed      int
	DailyTokensUsed int
	LastReset       time.Time // date precision
}

// Session is one bounded conversation for a user.
type Session struct {
	ID        uuid.UUID
	UserID    int64
	StartedAt time.Time
	EndedAt   *time.Time // nil = open
}

// Message is one immutable entry of a session's transcript.
type Message struct {
	ID        int64
	SessionID uuid.UUID
	UserID    int64
	Role      string
	Content   string
	Embedding []float32 // nil when the embedding call failed or was skipped
	CreatedAt time.Time
}

// EmbeddedMessage is the (content, embedding) projection used by relevance
// search across a user's full history.
type EmbeddedMessage struct {
	Content   string
	Embedding []float32
}
