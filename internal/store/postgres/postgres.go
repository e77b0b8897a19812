// Package postgres implements the session store on PostgreSQL with
// pgvector, pushing relevance search into SQL.
//
// The schema mirrors the SQLite backend; the embedding column uses the
// pgvector type so cosine ranking can run in the database instead of
// fetching every embedded message into memory.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/verba0/verba/internal/relevance"
	"github.com/verba0/verba/internal/store"
)

// VectorDim is the embedding column dimension. text-embedding-3-small
// produces 1536-dimensional vectors; the migration must match.
const VectorDim = 1536

// Store implements the session store on a pgx connection pool.
//
// Store is safe for concurrent use; all state lives in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewPool creates a pgx pool with pgvector types registered on every
// connection.
func NewPool(ctx context.Context, connURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	return pool, nil
}

// New wraps a migrated connection pool.
// A nil logger falls back to slog.Default.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, now: time.Now}
}

// EnsureUser provisions the user on first contact.
func (s *Store) EnsureUser(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO users (user_id, last_reset) VALUES ($1, $2) ON CONFLICT (user_id) DO NOTHING",
		userID, s.now(),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return nil
}

// User returns the user's accounting state, or store.ErrUserNotFound.
func (s *Store) User(ctx context.Context, userID int64) (*store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx,
		"SELECT user_id, token_limit, tokens_used, daily_tokens_used, last_reset FROM users WHERE user_id = $1",
		userID,
	).Scan(&u.ID, &u.TokenLimit, &u.TokensUsed, &u.DailyTokensUsed, &u.LastReset)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", store.ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}
	return &u, nil
}

// SetTokenLimit updates the user's daily token allowance.
func (s *Store) SetTokenLimit(ctx context.Context, userID int64, limit int) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET token_limit = $1 WHERE user_id = $2", limit, userID)
	if err != nil {
		return fmt.Errorf("failed to set token limit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", store.ErrUserNotFound, userID)
	}
	return nil
}

// RecordTokens adds n tokens to the user's counters, resetting the daily
// counter first on a date change. Runs in one transaction.
func (s *Store) RecordTokens(ctx context.Context, userID int64, n int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	var lastReset time.Time
	err = tx.QueryRow(ctx,
		"SELECT last_reset FROM users WHERE user_id = $1 FOR UPDATE", userID).Scan(&lastReset)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", store.ErrUserNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to read last_reset: %w", err)
	}

	today := s.now()
	if lastReset.Format("2006-01-02") < today.Format("2006-01-02") {
		if _, err := tx.Exec(ctx,
			"UPDATE users SET daily_tokens_used = 0, last_reset = $1 WHERE user_id = $2",
			today, userID,
		); err != nil {
			return fmt.Errorf("failed to reset daily tokens: %w", err)
		}
		s.logger.Debug("daily token counter reset", "user_id", userID)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE users SET tokens_used = tokens_used + $1, daily_tokens_used = daily_tokens_used + $1 WHERE user_id = $2",
		n, userID,
	); err != nil {
		return fmt.Errorf("failed to record tokens: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CurrentSession returns the user's open session, creating one when none
// exists. The partial unique index on open sessions resolves create races;
// the loser re-reads the winner's row.
func (s *Store) CurrentSession(ctx context.Context, userID int64) (*store.Session, error) {
	if sess, err := s.openSession(ctx, userID); err == nil {
		return sess, nil
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, err
	}

	sess := &store.Session{
		ID:        uuid.New(),
		UserID:    userID,
		StartedAt: s.now(),
	}
	_, err := s.pool.Exec(ctx,
		"INSERT INTO sessions (id, user_id, started_at) VALUES ($1, $2, $3)",
		sess.ID, userID, sess.StartedAt,
	)
	if err != nil {
		if open, openErr := s.openSession(ctx, userID); openErr == nil {
			return open, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

func (s *Store) openSession(ctx context.Context, userID int64) (*store.Session, error) {
	var sess store.Session
	err := s.pool.QueryRow(ctx,
		"SELECT id, user_id, started_at FROM sessions WHERE user_id = $1 AND ended_at IS NULL",
		userID,
	).Scan(&sess.ID, &sess.UserID, &sess.StartedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open session for user %d", store.ErrSessionNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open session: %w", err)
	}
	return &sess, nil
}

// CloseSession sets the end timestamp on the user's open session.
func (s *Store) CloseSession(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE sessions SET ended_at = $1 WHERE user_id = $2 AND ended_at IS NULL",
		s.now(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// ClearSession deletes a session and all its messages as a unit. Messages
// go via ON DELETE CASCADE.
func (s *Store) ClearSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	s.logger.Debug("cleared session", "session_id", sessionID)
	return nil
}

// AppendMessage appends one message to the session log.
func (s *Store) AppendMessage(ctx context.Context, msg *store.Message) error {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	var embedding any
	if msg.Embedding != nil {
		embedding = pgvector.NewVector(msg.Embedding)
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (session_id, user_id, role, content, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		msg.SessionID, msg.UserID, msg.Role, msg.Content, embedding, createdAt,
	).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	msg.CreatedAt = createdAt
	return nil
}

// SessionMessages returns a session's messages in insertion order.
func (s *Store) SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]*store.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, role, content, embedding, created_at
		 FROM messages
		 WHERE session_id = $1
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var (
			msg       store.Message
			embedding *pgvector.Vector
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Role,
			&msg.Content, &embedding, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if embedding != nil {
			msg.Embedding = embedding.Slice()
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// EmbeddedMessages returns every (content, embedding) pair recorded for
// the user across all sessions, in insertion order.
func (s *Store) EmbeddedMessages(ctx context.Context, userID int64) ([]store.EmbeddedMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content, embedding FROM messages
		 WHERE user_id = $1 AND embedding IS NOT NULL
		 ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get embedded messages: %w", err)
	}
	defer rows.Close()

	var result []store.EmbeddedMessage
	for rows.Next() {
		var (
			content   string
			embedding pgvector.Vector
		)
		if err := rows.Scan(&content, &embedding); err != nil {
			return nil, fmt.Errorf("failed to scan embedded message: %w", err)
		}
		result = append(result, store.EmbeddedMessage{
			Content:   content,
			Embedding: embedding.Slice(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embedded messages: %w", err)
	}
	return result, nil
}

// SearchRelevant ranks the user's embedded history against query inside
// PostgreSQL using the pgvector cosine distance operator. Results satisfy
// the same contract as relevance.Rank: descending similarity, ties broken
// by insertion order, at most topN entries at or above threshold, and
// zero-magnitude vectors score as no match.
//
// The distance bound drops NaN rows: the distance operator yields NaN for
// a zero-magnitude vector, and PostgreSQL treats NaN as greater than every
// real number, so a bare >= comparison on the similarity would let such
// rows through. Real cosine distances stay within [0, 2] up to rounding.
func (s *Store) SearchRelevant(ctx context.Context, userID int64, query []float32, threshold float64, topN int) ([]relevance.Match, error) {
	if topN <= 0 || len(query) == 0 {
		return nil, nil
	}

	vec := pgvector.NewVector(query)
	rows, err := s.pool.Query(ctx,
		`SELECT content, 1 - (embedding <=> $2) AS similarity
		 FROM messages
		 WHERE user_id = $1
		   AND embedding IS NOT NULL
		   AND (embedding <=> $2) <= 2
		   AND 1 - (embedding <=> $2) >= $3
		 ORDER BY embedding <=> $2 ASC, id ASC
		 LIMIT $4`,
		userID, vec, threshold, topN,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search relevant messages: %w", err)
	}
	defer rows.Close()

	var matches []relevance.Match
	for rows.Next() {
		var m relevance.Match
		if err := rows.Scan(&m.Content, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate matches: %w", err)
	}
	return matches, nil
}
