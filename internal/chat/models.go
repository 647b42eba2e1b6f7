// Package chat provides the persistent chat model (sessions and their
// message history, backed by PostgreSQL), the in-memory rolling context
// window fed to the completion provider, and the Redis cache for generated
// session titles.
package chat

import "time"

// Sentinel titles a session carries until the first exchange produces a
// generated one. Both variants exist in production data.
const (
	DefaultTitle   = "New Chat"
	DefaultTitleVN = "Cuộc trò chuyện mới"
)

// Session is one conversation thread owned by a single user.
type Session struct {
	ID        string    // UUID
	UserID    int64
	Title     string
	CreatedAt time.Time
}

// HasDefaultTitle reports whether the session still carries a sentinel title
// and is therefore eligible for title generation.
func (s *Session) HasDefaultTitle() bool {
	switch s.Title {
	case "", DefaultTitle, DefaultTitleVN:
		return true
	}
	return false
}

// Message is a single chat message. Messages are immutable once created and
// ordered by CreatedAt within their session; that ordering reconstructs the
// model context.
type Message struct {
	ID        string // UUID
	SessionID string
	Role      string // system | user | assistant
	Content   string
	CreatedAt time.Time
}
