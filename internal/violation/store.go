// Package violation tracks content violations per user: an escalating strike
// counter in Redis for fast enforcement, mirrored to PostgreSQL so strikes
// survive a cache flush, plus an append-only violation log for review.
//
// Redis layout:
//
//	Key: strike:<user_id>    Value: strike count    TTL: 24h, refreshed per strike
//	Key: chat_ban:<user_id>  Value: 1               TTL: penalty duration
package violation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store persists strikes and violation logs in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Log is one recorded violation.
type Log struct {
	ID        int64
	UserID    int64
	Message   string
	Level     int
	CreatedAt time.Time
}

// NewStore creates a violation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertStrike writes the current strike count for a user.
func (s *Store) UpsertStrike(ctx context.Context, userID int64, count int) error {
	const query = `
		INSERT INTO violation_strikes (user_id, strike_count, last_updated)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET strike_count = EXCLUDED.strike_count, last_updated = NOW()`

	if _, err := s.db.ExecContext(ctx, query, userID, count); err != nil {
		return fmt.Errorf("violation: upsert strike: %w", err)
	}
	return nil
}

// StrikeCount returns the persisted strike count for a user, or 0 if the
// user has no record.
func (s *Store) StrikeCount(ctx context.Context, userID int64) (int, error) {
	const query = `SELECT strike_count FROM violation_strikes WHERE user_id = $1`

	var count int
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("violation: strike count: %w", err)
	}
	return count, nil
}

// AppendLog records one violation for moderator review.
func (s *Store) AppendLog(ctx context.Context, l Log) error {
	const query = `
		INSERT INTO violation_logs (user_id, message, level, created_at)
		VALUES ($1, $2, $3, NOW())`

	if _, err := s.db.ExecContext(ctx, query, l.UserID, l.Message, l.Level); err != nil {
		return fmt.Errorf("violation: append log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest violations for a user, capped at limit.
func (s *Store) RecentLogs(ctx context.Context, userID int64, limit int) ([]Log, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, user_id, message, level, created_at
		FROM violation_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("violation: recent logs: %w", err)
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.UserID, &l.Message, &l.Level, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("violation: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
