// Package ai defines the completion-provider boundary: the stable message
// and chunk shapes the rest of the service sees, and the Provider interface
// implemented by concrete adapters. Whatever shape a provider's wire format
// has, it is converted to these types once, at the adapter edge.
package ai

import "context"

// Message is one role-tagged entry of the conversation context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is a single streamed fragment of an assistant reply.
type Chunk struct {
	Content string
}

// Provider generates assistant replies from an ordered conversation context.
//
// StreamChat returns immediately with a chunk channel and an error channel;
// both are closed when streaming ends. At most one error is sent, after which
// no further chunks follow. Chat is the non-streaming variant used for short
// one-shot completions such as title generation.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
	StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error)
}
