// Package stream delivers assistant replies to chat clients as they are
// generated. Provider chunks are coalesced into readable segments using a
// punctuation / length / time heuristic, so clients see sentence-sized
// updates instead of single-token frames.
package stream

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chatmind/chat-service/internal/ai"
	"github.com/chatmind/chat-service/internal/metrics"
	"github.com/chatmind/chat-service/internal/protocol"
	"github.com/chatmind/chat-service/internal/registry"
)

const (
	// FlushMaxRunes flushes the buffer once it reaches this many runes,
	// keeping perceived latency low on long sentences.
	FlushMaxRunes = 80

	// FlushInterval flushes whatever is buffered if no segment boundary
	// appeared for this long.
	FlushInterval = 1500 * time.Millisecond
)

// sentence-ending punctuation, Latin and CJK.
var flushPunctuation = []string{".", "!", "?", "…", "。", "！", "？"}

// DegradedNotice is sent when the provider stream fails mid-reply. The text
// already delivered stands; the client learns the reply is incomplete.
const DegradedNotice = "Error streaming AI response."

// Sender is the connection that initiated the message; it receives every
// segment directly while other session participants get the broadcast copy.
type Sender interface {
	Send(payload []byte) error
}

// Streamer fans streamed replies out to the whole session.
type Streamer struct {
	provider ai.Provider
	registry *registry.Registry

	// now is swappable for tests.
	now func() time.Time
}

// New creates a streamer over the given provider and connection registry.
func New(provider ai.Provider, reg *registry.Registry) *Streamer {
	return &Streamer{provider: provider, registry: reg, now: time.Now}
}

// Stream generates the assistant reply for messages and delivers it to conn
// and to every other connection in the session. It always finishes with a
// DONE event. A mid-stream provider failure degrades to a partial reply: the
// client gets a notice, and the text streamed so far is returned with a nil
// error so the caller persists what the user actually saw.
func (s *Streamer) Stream(ctx context.Context, conn Sender, sessionID string, userID int64, messages []ai.Message) (string, error) {
	start := s.now()
	defer func() {
		metrics.StreamDuration.Observe(s.now().Sub(start).Seconds())
	}()

	chunks, errs := s.provider.StreamChat(ctx, messages)

	var reply, buffer strings.Builder
	lastSend := s.now()
	timer := time.NewTimer(FlushInterval)
	defer timer.Stop()

	flush := func() {
		if buffer.Len() == 0 {
			return
		}
		s.deliver(conn, sessionID, userID, buffer.String())
		buffer.Reset()
		lastSend = s.now()
	}

	var streamErr error

loop:
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(FlushInterval)

		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			drain(chunks, &reply, &buffer)
			break loop

		case <-timer.C:
			// No chunk for a while; push what we have.
			flush()

		case err, ok := <-errs:
			if !ok {
				errs = nil // closed; stop selecting on it
				continue
			}
			if err != nil {
				streamErr = err
				// The provider queues the failure after the chunks it
				// follows; collect them before giving up.
				drain(chunks, &reply, &buffer)
				break loop
			}

		case chunk, ok := <-chunks:
			if !ok {
				// The provider closes both channels together; a failure
				// may still be buffered.
				select {
				case err, ok := <-errs:
					if ok && err != nil {
						streamErr = err
					}
				default:
				}
				break loop
			}
			reply.WriteString(chunk.Content)
			buffer.WriteString(chunk.Content)

			if s.shouldFlush(buffer.String(), lastSend) {
				flush()
			}
		}
	}

	if streamErr != nil {
		log.Printf("stream: provider failure for session %s: %v", sessionID, streamErr)
		flush()
		s.notifyDegraded(conn, sessionID, userID)
	} else {
		// Remainder below the flush threshold.
		if strings.TrimSpace(buffer.String()) != "" {
			flush()
		}
	}

	s.sendDone(conn, sessionID, userID)
	return reply.String(), nil
}

// drain collects chunks the provider already queued. Chunk sends happen
// before the failure send, so everything yielded up to the error is sitting
// in the channel buffer by the time the error is received.
func drain(chunks <-chan ai.Chunk, reply, buffer *strings.Builder) {
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			reply.WriteString(chunk.Content)
			buffer.WriteString(chunk.Content)
		default:
			return
		}
	}
}

func (s *Streamer) shouldFlush(buffer string, lastSend time.Time) bool {
	for _, p := range flushPunctuation {
		if strings.HasSuffix(buffer, p) {
			return true
		}
	}
	if utf8.RuneCountInString(buffer) >= FlushMaxRunes {
		return true
	}
	return s.now().Sub(lastSend) > FlushInterval
}

// deliver sends one assistant segment to the initiating connection and
// broadcasts it to the rest of the session. Send errors are logged only; the
// read loop owns connection teardown.
func (s *Streamer) deliver(conn Sender, sessionID string, userID int64, content string) {
	payload, err := protocol.NewMessage(protocol.RoleAssistant, content, s.now())
	if err != nil {
		log.Printf("stream: encode segment: %v", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		log.Printf("stream: send to initiator failed: %v", err)
	}
	s.registry.Broadcast(sessionID, payload, userID)
}

func (s *Streamer) notifyDegraded(conn Sender, sessionID string, userID int64) {
	payload, err := protocol.NewMessage(protocol.RoleSystem, DegradedNotice, s.now())
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		log.Printf("stream: degraded notice send failed: %v", err)
	}
	s.registry.Broadcast(sessionID, payload, userID)
}

func (s *Streamer) sendDone(conn Sender, sessionID string, userID int64) {
	payload, err := protocol.NewDone(s.now())
	if err != nil {
		return
	}
	if err := conn.Send(payload); err != nil {
		log.Printf("stream: done event send failed: %v", err)
	}
	s.registry.Broadcast(sessionID, payload, userID)
}
