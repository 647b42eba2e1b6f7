// Package protocol defines the WebSocket event types and structures exchanged
// between chat clients and the server. Inbound events carry an action
// discriminator; outbound events are tagged either by message role
// (user/assistant/system) or by an event name (TYPING, DONE, ...). All
// payloads are serialized as JSON.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Actions and event names
// ---------------------------------------------------------------------------

// Client -> Server action tags.
const (
	ActionTyping      = "typing"
	ActionSendMessage = "sendMessage"
)

// Server -> Client event names.
const (
	EventTyping       = "TYPING"
	EventDone         = "DONE"
	EventTitleUpdated = "TITLE_UPDATED"
	EventViolation    = "VIOLATION"
	EventBanned       = "BANNED"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Zone is the civil time zone used for every user-facing timestamp. The
// product serves a Vietnamese audience; all clients render UTC+7.
var Zone = time.FixedZone("UTC+7", 7*60*60)

// Timestamp formats t as ISO-8601 in the service time zone.
func Timestamp(t time.Time) string {
	return t.In(Zone).Format(time.RFC3339)
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ClientEvent is an inbound frame: an action tag plus the message content
// (empty for actions that carry none, e.g. typing).
type ClientEvent struct {
	Action  string `json:"action"`
	Content string `json:"content"`
}

// ParseClientEvent decodes raw WebSocket bytes into a ClientEvent. A frame
// without an action tag is malformed; unknown action values are left for the
// caller to ignore.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ClientEvent{}, fmt.Errorf("protocol: failed to parse event: %w", err)
	}
	if ev.Action == "" {
		return ClientEvent{}, fmt.Errorf("protocol: missing or empty \"action\" field")
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// MessageEvent is a chat message relayed to the client, tagged by role.
type MessageEvent struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// UserEchoEvent is the echo of an accepted user message back to its sender.
// The violations list is always empty for accepted messages; the field exists
// because the web client keys its rendering off it.
type UserEchoEvent struct {
	Role       string   `json:"role"`
	Content    string   `json:"content"`
	Violations []string `json:"violations"`
	Timestamp  string   `json:"timestamp"`
}

// TypingEvent notifies other participants that a user is composing a message.
type TypingEvent struct {
	Event     string `json:"event"`
	UserID    int64  `json:"user_id"`
	Timestamp string `json:"timestamp"`
}

// DoneEvent terminates the client's streaming/loading state after an
// assistant reply has been fully delivered (or abandoned mid-stream).
type DoneEvent struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// TitleUpdatedEvent announces the generated session title.
type TitleUpdatedEvent struct {
	Role  string `json:"role"`
	Event string `json:"event"`
	Title string `json:"title"`
}

// ViolationEvent is the penalty notice for a message that matched a banned
// keyword. Level is the escalation tier, BanTime the applied ban duration in
// seconds (zero for a warning).
type ViolationEvent struct {
	Role      string `json:"role"`
	Event     string `json:"event"`
	Content   string `json:"content"`
	Level     int    `json:"level"`
	BanTime   int    `json:"ban_time"`
	Timestamp string `json:"timestamp"`
}

// BannedEvent rejects a message sent while a ban flag is active.
// BanRemaining is the remaining ban time in seconds, best effort.
type BannedEvent struct {
	Role         string `json:"role"`
	Event        string `json:"event"`
	Content      string `json:"content"`
	BanRemaining int    `json:"ban_remaining"`
	Timestamp    string `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewMessage builds a role-tagged chat message payload.
func NewMessage(role, content string, t time.Time) ([]byte, error) {
	return marshal(MessageEvent{Role: role, Content: content, Timestamp: Timestamp(t)})
}

// NewUserEcho builds the sender-side echo of an accepted user message.
func NewUserEcho(content string, t time.Time) ([]byte, error) {
	return marshal(UserEchoEvent{
		Role:       RoleUser,
		Content:    content,
		Violations: []string{},
		Timestamp:  Timestamp(t),
	})
}

// NewTyping builds a typing notification for the given user.
func NewTyping(userID int64, t time.Time) ([]byte, error) {
	return marshal(TypingEvent{Event: EventTyping, UserID: userID, Timestamp: Timestamp(t)})
}

// NewDone builds the end-of-stream marker.
func NewDone(t time.Time) ([]byte, error) {
	return marshal(DoneEvent{Event: EventDone, Timestamp: Timestamp(t)})
}

// NewTitleUpdated builds the title-change announcement.
func NewTitleUpdated(title string) ([]byte, error) {
	return marshal(TitleUpdatedEvent{Role: RoleSystem, Event: EventTitleUpdated, Title: title})
}

// NewViolation builds a penalty notice for the given escalation tier.
func NewViolation(content string, level, banSeconds int, t time.Time) ([]byte, error) {
	return marshal(ViolationEvent{
		Role:      RoleSystem,
		Event:     EventViolation,
		Content:   content,
		Level:     level,
		BanTime:   banSeconds,
		Timestamp: Timestamp(t),
	})
}

// NewBanned builds the rejection notice for a currently banned user.
func NewBanned(content string, remainingSeconds int, t time.Time) ([]byte, error) {
	return marshal(BannedEvent{
		Role:         RoleSystem,
		Event:        EventBanned,
		Content:      content,
		BanRemaining: remainingSeconds,
		Timestamp:    Timestamp(t),
	})
}

func marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return data, nil
}
