package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/verba0/verba/internal/llm"
	"github.com/verba0/verba/internal/relevance"
	"github.com/verba0/verba/internal/store"
	"github.com/verba0/verba/internal/tokens"
)

// Fixed strings of the context protocol. The prefixes become part of
// persisted summaries and injected snippets, so changing them changes what
// the model sees.
const (
	summarizeInstruction = "Please summarize the following conversation briefly, focusing on the key points."
	summaryPrefix        = "Summary of previous conversation: "
	relevantPrefix       = "Relevant information: "
)

// Store is the durable session log consumed by the engine.
// Implemented by store.SQLite and postgres.Store.
type Store interface {
	CurrentSession(ctx context.Context, userID int64) (*store.Session, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]*store.Message, error)
	EmbeddedMessages(ctx context.Context, userID int64) ([]store.EmbeddedMessage, error)
}

// RelevanceSearcher is an optional Store capability: backends that can rank
// embeddings natively (pgvector) implement it, and the engine then skips
// fetching the full history into memory.
type RelevanceSearcher interface {
	SearchRelevant(ctx context.Context, userID int64, query []float32, threshold float64, topN int) ([]relevance.Match, error)
}

// Config carries the tunable context-management parameters.
// All values come from configuration; none are hardcoded policy.
type Config struct {
	Persona          string  // fixed system message at transcript position 0
	ChatModel        string  // model the transcript is estimated against
	SummaryModel     string  // model used for summarization calls
	ContextTokens    int     // summarization trigger budget
	SummaryMaxTokens int     // cap on summarizer output
	MinContextLength int     // skip enrichment below this input length
	RelevanceCutoff  float64 // minimum similarity for injection
	RelevanceTopN    int     // maximum injected snippets
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store     Store
	Embedder  llm.Embedder
	Completer llm.Completer
	Estimator *tokens.Estimator
	Logger    *slog.Logger
}

// Engine owns the in-memory transcript for the lifetime of one user turn.
// It is not safe for concurrent use; construct one per turn.
type Engine struct {
	cfg  Config
	deps Deps

	session    Session
	transcript []Message
}

// Open resolves or creates the user's open session and loads its transcript,
// prefixed with the persona system message. A missing or previously closed
// session is not an error: the store self-heals by creating a fresh one.
func Open(ctx context.Context, cfg Config, deps Deps, userID int64) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	sess, err := deps.Store.CurrentSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving current session: %w", err)
	}

	persisted, err := deps.Store.SessionMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("loading session messages: %w", err)
	}

	transcript := make([]Message, 0, len(persisted)+1)
	transcript = append(transcript, Message{Role: RoleSystem, Content: cfg.Persona})
	for _, msg := range persisted {
		role := Role(msg.Role)
		if !role.Valid() {
			// Record enforces the closed role set on the write path, so
			// this is a corrupted row. Skip it rather than hand the model
			// an unknown role.
			deps.Logger.Warn("skipping persisted message with invalid role",
				"session_id", sess.ID, "message_id", msg.ID, "role", msg.Role)
			continue
		}
		transcript = append(transcript, Message{Role: role, Content: msg.Content})
	}

	deps.Logger.Debug("session opened",
		"session_id", sess.ID, "user_id", userID, "messages", len(persisted))

	return &Engine{
		cfg:  cfg,
		deps: deps,
		session: Session{
			ID:     sess.ID,
			UserID: userID,
		},
		transcript: transcript,
	}, nil
}

// Session returns the identity of the open session the engine operates on.
func (e *Engine) Session() Session {
	return e.session
}

// Transcript returns a copy of the current in-memory message list, in
// order. This is the exact sequence handed to the model.
func (e *Engine) Transcript() []Message {
	out := make([]Message, len(e.transcript))
	copy(out, e.transcript)
	return out
}

// TokenEstimate returns the current token estimate of the transcript.
func (e *Engine) TokenEstimate() int {
	return e.deps.Estimator.Estimate(e.promptMessages(), e.cfg.ChatModel)
}

// SummarizeIfNeeded collapses the transcript into a single summary message
// when its token estimate exceeds the configured budget. Under budget it is
// a no-op, which also makes the operation idempotent: once collapsed, the
// transcript stays under budget for a second call.
//
// A summarizer failure leaves the transcript untouched: a stale long
// transcript is preferable to blocking the conversation.
func (e *Engine) SummarizeIfNeeded(ctx context.Context) {
	estimate := e.TokenEstimate()
	if estimate <= e.cfg.ContextTokens {
		return
	}

	e.deps.Logger.Debug("summarizing session",
		"session_id", e.session.ID, "token_estimate", estimate, "budget", e.cfg.ContextTokens)

	var b strings.Builder
	for _, msg := range e.transcript {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}

	result, err := e.deps.Completer.Complete(ctx, llm.CompletionRequest{
		Model: e.cfg.SummaryModel,
		Messages: []llm.Message{
			{Role: string(RoleSystem), Content: summarizeInstruction},
			{Role: string(RoleUser), Content: b.String()},
		},
		MaxTokens: e.cfg.SummaryMaxTokens,
	})
	if err != nil {
		e.deps.Logger.Error("summarization failed, keeping full transcript",
			"session_id", e.session.ID, "error", err)
		return
	}

	e.transcript = []Message{{
		Role:    RoleSystem,
		Content: summaryPrefix + result.Text,
	}}
}

// Enrich appends semantically relevant snippets from the user's entire
// message history as system messages, best match first. Inputs shorter
// than the configured minimum are skipped without an embedding call, and
// any collaborator failure skips enrichment silently.
func (e *Engine) Enrich(ctx context.Context, input string) {
	// Character count, not bytes: multi-byte scripts reach the threshold
	// at the same message length as ASCII.
	if utf8.RuneCountInString(input) < e.cfg.MinContextLength {
		return
	}

	query, err := e.deps.Embedder.Embed(ctx, input)
	if err != nil {
		e.deps.Logger.Warn("embedding failed, skipping enrichment",
			"session_id", e.session.ID, "error", err)
		return
	}

	matches := e.searchRelevant(ctx, query)
	for _, m := range matches {
		e.transcript = append(e.transcript, Message{
			Role:    RoleSystem,
			Content: relevantPrefix + m.Content,
		})
	}

	if len(matches) > 0 {
		e.deps.Logger.Debug("enriched transcript",
			"session_id", e.session.ID, "snippets", len(matches))
	}
}

// searchRelevant ranks the user's embedded history against query, in SQL
// when the store supports it and in memory otherwise.
func (e *Engine) searchRelevant(ctx context.Context, query []float32) []relevance.Match {
	if searcher, ok := e.deps.Store.(RelevanceSearcher); ok {
		matches, err := searcher.SearchRelevant(ctx, e.session.UserID, query,
			e.cfg.RelevanceCutoff, e.cfg.RelevanceTopN)
		if err != nil {
			e.deps.Logger.Warn("relevance search failed, skipping enrichment",
				"session_id", e.session.ID, "error", err)
			return nil
		}
		return matches
	}

	pairs, err := e.deps.Store.EmbeddedMessages(ctx, e.session.UserID)
	if err != nil {
		e.deps.Logger.Warn("fetching embedded history failed, skipping enrichment",
			"session_id", e.session.ID, "error", err)
		return nil
	}

	snippets := make([]relevance.Snippet, len(pairs))
	for i, p := range pairs {
		snippets[i] = relevance.Snippet{Content: p.Content, Embedding: p.Embedding}
	}
	return relevance.Rank(snippets, query, e.cfg.RelevanceCutoff, e.cfg.RelevanceTopN)
}

// Record appends a message to the durable log and the in-memory
// transcript. The message's embedding is computed best-effort so future
// relevance searches can find it; an embedding failure stores the message
// without one.
//
// A role outside the closed set fails fast with ErrInvalidRole. A
// persistence failure is returned after the in-memory append, so the
// caller can log it and still finish the turn with an intact transcript.
func (e *Engine) Record(ctx context.Context, role Role, content string) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	embedding, err := e.deps.Embedder.Embed(ctx, content)
	if err != nil {
		e.deps.Logger.Warn("embedding failed, storing message without one",
			"session_id", e.session.ID, "role", role, "error", err)
		embedding = nil
	}

	e.transcript = append(e.transcript, Message{Role: role, Content: content})

	if err := e.deps.Store.AppendMessage(ctx, &store.Message{
		SessionID: e.session.ID,
		UserID:    e.session.UserID,
		Role:      string(role),
		Content:   content,
		Embedding: embedding,
	}); err != nil {
		return fmt.Errorf("persisting %s message: %w", role, err)
	}
	return nil
}

// promptMessages converts the transcript for the token estimator.
func (e *Engine) promptMessages() []tokens.Message {
	msgs := make([]tokens.Message, len(e.transcript))
	for i, m := range e.transcript {
		msgs[i] = tokens.Message{Role: string(m.Role), Content: m.Content}
	}
	return msgs
}

// PromptMessages converts the transcript into the completion request
// shape. Used by the relay when issuing the model call.
func (e *Engine) PromptMessages() []llm.Message {
	msgs := make([]llm.Message, len(e.transcript))
	for i, m := range e.transcript {
		msgs[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	return msgs
}
