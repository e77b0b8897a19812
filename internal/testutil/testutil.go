// Package testutil provides shared testing doubles for the verba project.
//
// The doubles here are deterministic and track their calls, so tests can
// assert both behavior and interaction counts without network access or a
// real database.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verba0/verba/internal/llm"
	"github.com/verba0/verba/internal/store"
)

// Embedder is a deterministic llm.Embedder double.
//
// Vectors maps exact input text to a fixed embedding; unmapped inputs get
// Default. Setting Err makes every call fail.
type Embedder struct {
	Vectors map[string][]float32
	Default []float32
	Err     error

	mu    sync.Mutex
	calls int
}

func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.Err != nil {
		return nil, e.Err
	}
	if v, ok := e.Vectors[text]; ok {
		return v, nil
	}
	if e.Default != nil {
		return e.Default, nil
	}
	return []float32{1, 0, 0}, nil
}

// Calls returns how many times Embed was invoked.
func (e *Embedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Completer is a scripted llm.Completer double. It replies with Text and
// Tokens, records every request, and fails when Err is set.
type Completer struct {
	Text   string
	Tokens int
	Err    error

	mu       sync.Mutex
	requests []llm.CompletionRequest
}

func (c *Completer) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResult, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	if c.Err != nil {
		return llm.CompletionResult{}, c.Err
	}
	return llm.CompletionResult{Text: c.Text, TotalTokens: c.Tokens}, nil
}

// Requests returns a copy of all captured completion requests.
func (c *Completer) Requests() []llm.CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.CompletionRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns how many completion requests were issued.
func (c *Completer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// MemStore is an in-memory session store double implementing the full
// store surface consumed by the engine and the relay. Message order is
// insertion order, matching the durable backends.
type MemStore struct {
	mu       sync.Mutex
	users    map[int64]*store.User
	sessions map[uuid.UUID]*store.Session
	messages []*store.Message
	nextID   int64

	// Failure injection, applied to the matching operation when set.
	AppendErr   error
	MessagesErr error
	EmbeddedErr error
	SessionErr  error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[int64]*store.User),
		sessions: make(map[uuid.UUID]*store.Session),
	}
}

func (m *MemStore) EnsureUser(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = &store.User{ID: userID, LastReset: today()}
	}
	return nil
}

func (m *MemStore) User(_ context.Context, userID int64) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) SetTokenLimit(_ context.Context, userID int64, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	u.TokenLimit = limit
	return nil
}

func (m *MemStore) RecordTokens(_ context.Context, userID int64, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	if u.LastReset.Format("2006-01-02") < today().Format("2006-01-02") {
		u.DailyTokensUsed = 0
		u.LastReset = today()
	}
	u.TokensUsed += n
	u.DailyTokensUsed += n
	return nil
}

func (m *MemStore) CurrentSession(_ context.Context, userID int64) (*store.Session, error) {
	if m.SessionErr != nil {
		return nil, m.SessionErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.EndedAt == nil {
			cp := *s
			return &cp, nil
		}
	}
	s := &store.Session{ID: uuid.New(), UserID: userID, StartedAt: today()}
	m.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (m *MemStore) CloseSession(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.EndedAt == nil {
			now := today()
			s.EndedAt = &now
		}
	}
	return nil
}

func (m *MemStore) ClearSession(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.SessionID != sessionID {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

func (m *MemStore) AppendMessage(_ context.Context, msg *store.Message) error {
	if m.AppendErr != nil {
		return m.AppendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = m.nextID
	cp := *msg
	m.messages = append(m.messages, &cp)
	return nil
}

func (m *MemStore) SessionMessages(_ context.Context, sessionID uuid.UUID) ([]*store.Message, error) {
	if m.MessagesErr != nil {
		return nil, m.MessagesErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemStore) EmbeddedMessages(_ context.Context, userID int64) ([]store.EmbeddedMessage, error) {
	if m.EmbeddedErr != nil {
		return nil, m.EmbeddedErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.EmbeddedMessage
	for _, msg := range m.messages {
		if msg.UserID == userID && msg.Embedding != nil {
			out = append(out, store.EmbeddedMessage{
				Content:   msg.Content,
				Embedding: msg.Embedding,
			})
		}
	}
	return out, nil
}

// MessageCount returns the number of stored messages across all sessions.
func (m *MemStore) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// ErrUnavailable is a generic collaborator failure for injection in tests.
var ErrUnavailable = errors.New("collaborator unavailable")

func today() time.Time { return time.Now() }
