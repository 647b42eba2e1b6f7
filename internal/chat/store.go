package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store manages chat sessions and message history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a chat store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateSession inserts a new session for the user. An empty title defaults
// to the sentinel value.
func (s *Store) CreateSession(ctx context.Context, userID int64, title string) (*Session, error) {
	if title == "" {
		title = DefaultTitle
	}
	sess := &Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}

	const query = `
		INSERT INTO chat_sessions (id, user_id, title, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.ExecContext(ctx, query, sess.ID, sess.UserID, sess.Title, sess.CreatedAt); err != nil {
		return nil, fmt.Errorf("chat: insert session: %w", err)
	}
	return sess, nil
}

// GetSession retrieves a session by id. Returns nil if not found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	const query = `
		SELECT id, user_id, title, created_at
		FROM chat_sessions
		WHERE id = $1`

	var sess Session
	err := s.db.QueryRowContext(ctx, query, sessionID).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID int64) ([]Session, error) {
	const query = `
		SELECT id, user_id, title, created_at
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateTitle renames a session.
func (s *Store) UpdateTitle(ctx context.Context, sessionID, title string) error {
	const query = `UPDATE chat_sessions SET title = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, sessionID, title); err != nil {
		return fmt.Errorf("chat: update title: %w", err)
	}
	return nil
}

// DeleteSession removes a session and all of its messages in one
// transaction.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chat: begin delete session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_history WHERE chat_id = $1`, sessionID); err != nil {
		return fmt.Errorf("chat: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("chat: delete session: %w", err)
	}
	return tx.Commit()
}

// AddMessage appends a message to a session's history. The message id and
// creation time are filled in if unset.
func (s *Store) AddMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO chat_history (id, chat_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := s.db.ExecContext(ctx, query, m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt); err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// ListMessages returns a session's messages in creation order, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	const query = `
		SELECT id, chat_id, role, content, created_at
		FROM chat_history
		WHERE chat_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a single message by id.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	const query = `DELETE FROM chat_history WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, messageID); err != nil {
		return fmt.Errorf("chat: delete message: %w", err)
	}
	return nil
}
