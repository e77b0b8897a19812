// Package relay orchestrates one user turn: session context preparation,
// the model call, token accounting and splitting the reply to the
// transport's message size limit.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/verba0/verba/internal/llm"
	"github.com/verba0/verba/internal/session"
	"github.com/verba0/verba/internal/store"
	"github.com/verba0/verba/internal/tokens"
)

// ErrDailyLimit signals that the user's daily token allowance is spent.
// The model is not called in that case.
var ErrDailyLimit = errors.New("relay: daily token limit reached")

// Store is the persistence surface the relay needs on top of what the
// session engine consumes.
type Store interface {
	session.Store

	EnsureUser(ctx context.Context, userID int64) error
	User(ctx context.Context, userID int64) (*store.User, error)
	RecordTokens(ctx context.Context, userID int64, n int) error
	CloseSession(ctx context.Context, userID int64) error
	ClearSession(ctx context.Context, sessionID uuid.UUID) error
}

// Config tunes a Relay.
type Config struct {
	Engine         session.Config
	ReplyChunkSize int   // transport message size limit, in runes
	AdminUserID    int64 // auto-provisioned user; 0 disables
}

// Deps bundles the relay's collaborators.
type Deps struct {
	Store     Store
	Embedder  llm.Embedder
	Completer llm.Completer
	Estimator *tokens.Estimator
	Logger    *slog.Logger
}

// Reply is the outcome of one successful turn.
type Reply struct {
	Chunks      []string // reply text split to the transport limit, in order
	TotalTokens int      // token usage reported by the completion call
}

// Relay handles turns for any number of users. It is safe for concurrent
// use; each turn gets its own session engine.
type Relay struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New creates a Relay. A nil Logger falls back to slog.Default.
func New(cfg Config, deps Deps) *Relay {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Relay{cfg: cfg, deps: deps, now: time.Now}
}

// Respond runs one full turn for userID: the user is provisioned if
// absent, the daily allowance checked, the session context prepared
// (summarization, enrichment), both sides of the exchange recorded and the
// usage accounted.
//
// Collaborator failures along the way degrade the turn rather than abort
// it. The only failures that abort are the store being unreachable while
// opening the session and the final completion call itself; the caller
// turns the latter into a user-visible apology.
func (r *Relay) Respond(ctx context.Context, userID int64, input string) (Reply, error) {
	if err := r.deps.Store.EnsureUser(ctx, userID); err != nil {
		return Reply{}, fmt.Errorf("ensuring user %d: %w", userID, err)
	}
	if err := r.checkDailyLimit(ctx, userID); err != nil {
		return Reply{}, err
	}

	eng, err := session.Open(ctx, r.cfg.Engine, session.Deps{
		Store:     r.deps.Store,
		Embedder:  r.deps.Embedder,
		Completer: r.deps.Completer,
		Estimator: r.deps.Estimator,
		Logger:    r.deps.Logger,
	}, userID)
	if err != nil {
		return Reply{}, fmt.Errorf("opening session: %w", err)
	}

	eng.SummarizeIfNeeded(ctx)
	eng.Enrich(ctx, input)

	if err := eng.Record(ctx, session.RoleUser, input); err != nil {
		r.deps.Logger.Error("recording user message failed, continuing turn",
			"user_id", userID, "error", err)
	}

	result, err := r.deps.Completer.Complete(ctx, llm.CompletionRequest{
		Model:    r.cfg.Engine.ChatModel,
		Messages: eng.PromptMessages(),
	})
	if err != nil {
		return Reply{}, fmt.Errorf("completion: %w", err)
	}

	if err := eng.Record(ctx, session.RoleAssistant, result.Text); err != nil {
		r.deps.Logger.Error("recording assistant message failed",
			"user_id", userID, "error", err)
	}
	if result.TotalTokens > 0 {
		if err := r.deps.Store.RecordTokens(ctx, userID, result.TotalTokens); err != nil {
			r.deps.Logger.Error("recording token usage failed",
				"user_id", userID, "tokens", result.TotalTokens, "error", err)
		}
	}

	return Reply{
		Chunks:      Split(result.Text, r.cfg.ReplyChunkSize),
		TotalTokens: result.TotalTokens,
	}, nil
}

func (r *Relay) checkDailyLimit(ctx context.Context, userID int64) error {
	u, err := r.deps.Store.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user %d: %w", userID, err)
	}
	if u.TokenLimit <= 0 {
		return nil
	}

	// The store resets the daily counter lazily, on the first
	// RecordTokens of a new day. A user who hit the limit yesterday has
	// a stale counter here; their allowance is already fresh.
	used := u.DailyTokensUsed
	if u.LastReset.Format("2006-01-02") < r.now().Format("2006-01-02") {
		used = 0
	}

	if used >= u.TokenLimit {
		return fmt.Errorf("%w: used %d of %d", ErrDailyLimit, used, u.TokenLimit)
	}
	return nil
}

// Reset closes the user's open session, if any, and starts a fresh one.
// Returns the new session's id.
func (r *Relay) Reset(ctx context.Context, userID int64) (uuid.UUID, error) {
	if err := r.deps.Store.EnsureUser(ctx, userID); err != nil {
		return uuid.Nil, fmt.Errorf("ensuring user %d: %w", userID, err)
	}
	if err := r.deps.Store.CloseSession(ctx, userID); err != nil {
		return uuid.Nil, fmt.Errorf("closing session: %w", err)
	}
	sess, err := r.deps.Store.CurrentSession(ctx, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("opening fresh session: %w", err)
	}
	r.deps.Logger.Info("session reset", "user_id", userID, "session_id", sess.ID)
	return sess.ID, nil
}

// Wipe deletes the user's current session together with all its messages.
// The next turn starts from only the persona.
func (r *Relay) Wipe(ctx context.Context, userID int64) error {
	sess, err := r.deps.Store.CurrentSession(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving current session: %w", err)
	}
	if err := r.deps.Store.ClearSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	r.deps.Logger.Info("session wiped", "user_id", userID, "session_id", sess.ID)
	return nil
}

// Authorized reports whether userID may use the relay: known users are
// authorized, and the configured admin is provisioned on first contact.
func (r *Relay) Authorized(ctx context.Context, userID int64) (bool, error) {
	if r.cfg.AdminUserID != 0 && userID == r.cfg.AdminUserID {
		if err := r.deps.Store.EnsureUser(ctx, userID); err != nil {
			return false, fmt.Errorf("provisioning admin %d: %w", userID, err)
		}
		return true, nil
	}
	_, err := r.deps.Store.User(ctx, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading user %d: %w", userID, err)
	}
	return true, nil
}
