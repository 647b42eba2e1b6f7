package chat

import (
	"sync"

	"github.com/chatmind/chat-service/internal/ai"
)

// DefaultContextWindow is the number of recent messages (beyond the system
// preamble) sent to the completion provider. Capping the window bounds token
// usage on long sessions.
const DefaultContextWindow = 40

// ContextWindow holds the rolling conversation context for one live session:
// a fixed system preamble plus a ring buffer of the newest N messages.
// It is goroutine-safe, though each session loop owns exactly one.
type ContextWindow struct {
	mu     sync.Mutex
	system ai.Message
	items  []ai.Message
	pos    int
	count  int
}

// NewContextWindow creates a window retaining the newest size messages on
// top of the given system prompt.
func NewContextWindow(size int, systemPrompt string) *ContextWindow {
	if size <= 0 {
		size = DefaultContextWindow
	}
	return &ContextWindow{
		system: ai.Message{Role: RoleSystem, Content: systemPrompt},
		items:  make([]ai.Message, size),
	}
}

// Append adds a message to the window. When the window is full, the oldest
// message is overwritten.
func (w *ContextWindow) Append(role, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.items[w.pos] = ai.Message{Role: role, Content: content}
	w.pos = (w.pos + 1) % len(w.items)
	if w.count < len(w.items) {
		w.count++
	}
}

// Messages returns the provider context: the system preamble followed by the
// retained messages in chronological order. The returned slice is a copy.
func (w *ContextWindow) Messages() []ai.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]ai.Message, 0, w.count+1)
	out = append(out, w.system)
	start := (w.pos - w.count + len(w.items)) % len(w.items)
	for i := 0; i < w.count; i++ {
		out = append(out, w.items[(start+i)%len(w.items)])
	}
	return out
}

// Len returns the number of retained messages, excluding the preamble.
func (w *ContextWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Role constants mirror the wire protocol's message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
