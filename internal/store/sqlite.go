package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// dateLayout is the storage format of users.last_reset; day precision is
// all the daily counter needs.
const dateLayout = "2006-01-02"

// SQLite implements the session store on a SQLite database.
//
// SQLite is safe for concurrent use; all state lives in the database.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLite wraps an opened and migrated database handle.
// A nil logger falls back to slog.Default.
func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{db: db, logger: logger, now: time.Now}
}

// EnsureUser provisions the user on first contact. Calling it for an
// existing user is a no-op and preserves the user's counters.
func (s *SQLite) EnsureUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (user_id, last_reset) VALUES (?, ?)",
		userID, s.now().Format(dateLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure user %d: %w", userID, err)
	}
	return nil
}

// User returns the user's accounting state, or ErrUserNotFound.
func (s *SQLite) User(ctx context.Context, userID int64) (*User, error) {
	var (
		u         User
		lastReset string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, token_limit, tokens_used, daily_tokens_used, last_reset FROM users WHERE user_id = ?",
		userID,
	).Scan(&u.ID, &u.TokenLimit, &u.TokensUsed, &u.DailyTokensUsed, &lastReset)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", userID, err)
	}

	u.LastReset, err = time.Parse(dateLayout, lastReset)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_reset for user %d: %w", userID, err)
	}
	return &u, nil
}

// SetTokenLimit updates the user's daily token allowance.
func (s *SQLite) SetTokenLimit(ctx context.Context, userID int64, limit int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET token_limit = ? WHERE user_id = ?", limit, userID)
	if err != nil {
		return fmt.Errorf("failed to set token limit: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	return nil
}

// RecordTokens adds n tokens to the user's counters. The daily counter is
// reset first when the last reset happened on an earlier date; the
// cumulative counter only grows. Both steps run in one transaction.
func (s *SQLite) RecordTokens(ctx context.Context, userID int64, n int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	var lastReset string
	err = tx.QueryRowContext(ctx,
		"SELECT last_reset FROM users WHERE user_id = ?", userID).Scan(&lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
	}
	if err != nil {
		return fmt.Errorf("failed to read last_reset: %w", err)
	}

	today := s.now().Format(dateLayout)
	if lastReset < today {
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET daily_tokens_used = 0, last_reset = ? WHERE user_id = ?",
			today, userID,
		); err != nil {
			return fmt.Errorf("failed to reset daily tokens: %w", err)
		}
		s.logger.Debug("daily token counter reset", "user_id", userID)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET tokens_used = tokens_used + ?, daily_tokens_used = daily_tokens_used + ? WHERE user_id = ?",
		n, n, userID,
	); err != nil {
		return fmt.Errorf("failed to record tokens: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CurrentSession returns the user's open session, creating one when none
// exists. A concurrent create losing the partial-unique-index race falls
// back to re-reading the winner's row.
func (s *SQLite) CurrentSession(ctx context.Context, userID int64) (*Session, error) {
	if sess, err := s.openSession(ctx, userID); err == nil {
		return sess, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		StartedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, started_at) VALUES (?, ?, ?)",
		sess.ID.String(), userID, sess.StartedAt,
	)
	if err != nil {
		// Another caller may have opened a session first.
		if open, openErr := s.openSession(ctx, userID); openErr == nil {
			return open, nil
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Debug("created session", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

func (s *SQLite) openSession(ctx context.Context, userID int64) (*Session, error) {
	var (
		sess Session
		id   string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, started_at FROM sessions WHERE user_id = ? AND ended_at IS NULL",
		userID,
	).Scan(&id, &sess.UserID, &sess.StartedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open session for user %d", ErrSessionNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open session: %w", err)
	}

	sess.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	return &sess, nil
}

// CloseSession sets the end timestamp on the user's open session. Closing
// when no session is open is not an error.
func (s *SQLite) CloseSession(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ? WHERE user_id = ? AND ended_at IS NULL",
		s.now(), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// ClearSession deletes a session and all its messages as a unit.
func (s *SQLite) ClearSession(ctx context.Context, sessionID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE session_id = ?", sessionID.String()); err != nil {
		return fmt.Errorf("failed to delete session messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sessions WHERE id = ?", sessionID.String()); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("cleared session", "session_id", sessionID)
	return nil
}

// AppendMessage appends one message to the session log. Order within a
// session is the autoincrement insertion order.
func (s *SQLite) AppendMessage(ctx context.Context, msg *Message) error {
	embedding, err := encodeEmbedding(msg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (session_id, user_id, role, content, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.SessionID.String(), msg.UserID, msg.Role, msg.Content, embedding, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		msg.ID = id
	}
	msg.CreatedAt = createdAt
	return nil
}

// SessionMessages returns a session's messages in insertion order.
func (s *SQLite) SessionMessages(ctx context.Context, sessionID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_id, role, content, embedding, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return messages, nil
}

// EmbeddedMessages returns every (content, embedding) pair ever recorded
// for the user, including closed sessions, in insertion order. Rows whose
// stored embedding cannot be decoded are skipped rather than failing the
// whole fetch.
func (s *SQLite) EmbeddedMessages(ctx context.Context, userID int64) ([]EmbeddedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, embedding FROM messages
		 WHERE user_id = ? AND embedding IS NOT NULL
		 ORDER BY id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get embedded messages: %w", err)
	}
	defer rows.Close()

	var result []EmbeddedMessage
	for rows.Next() {
		var (
			content  string
			embedded string
		)
		if err := rows.Scan(&content, &embedded); err != nil {
			return nil, fmt.Errorf("failed to scan embedded message: %w", err)
		}

		var embedding []float32
		if err := json.Unmarshal([]byte(embedded), &embedding); err != nil {
			s.logger.Warn("skipping message with malformed embedding",
				"user_id", userID, "error", err)
			continue
		}
		result = append(result, EmbeddedMessage{Content: content, Embedding: embedding})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embedded messages: %w", err)
	}
	return result, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (*Message, error) {
	var (
		msg       Message
		sessionID string
		embedding sql.NullString
	)
	if err := sc.Scan(&msg.ID, &sessionID, &msg.UserID, &msg.Role, &msg.Content, &embedding, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	var err error
	msg.SessionID, err = uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}

	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &msg.Embedding); err != nil {
			// Malformed embeddings do not invalidate the message text.
			msg.Embedding = nil
		}
	}
	return &msg, nil
}

// encodeEmbedding serializes a vector as JSON text, or NULL when absent.
func encodeEmbedding(embedding []float32) (any, error) {
	if embedding == nil {
		return nil, nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
