// Package keyword manages the banned-keyword list: a PostgreSQL store as
// source of truth and a Redis set cache with TTL-based refresh in front of
// it. The moderation path only ever sees a point-in-time snapshot.
package keyword

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Store manages banned keywords in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a keyword store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// List returns every banned keyword.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword FROM baned_keywords`)
	if err != nil {
		return nil, fmt.Errorf("keyword: list: %w", err)
	}
	defer rows.Close()

	var keywords []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keyword: scan: %w", err)
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// Add inserts a keyword, normalized to lowercase. Returns ErrExists if the
// keyword is already present.
func (s *Store) Add(ctx context.Context, keyword string) error {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return fmt.Errorf("keyword: empty keyword")
	}

	const query = `
		INSERT INTO baned_keywords (keyword)
		VALUES ($1)
		ON CONFLICT (keyword) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, keyword)
	if err != nil {
		return fmt.Errorf("keyword: insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

// Remove deletes a keyword by id. Returns ErrNotFound if no row matched.
func (s *Store) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM baned_keywords WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("keyword: delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var (
	// ErrExists is returned when adding a keyword that is already listed.
	ErrExists = errors.New("keyword: already exists")

	// ErrNotFound is returned when removing an unknown keyword.
	ErrNotFound = errors.New("keyword: not found")
)
