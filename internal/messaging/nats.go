// Package messaging provides a NATS client wrapper for publishing chat audit
// events to downstream consumers. It handles connection lifecycle and
// subject-based subscriptions.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	// SubjectViolation carries every recorded content violation.
	SubjectViolation = "violation.recorded"

	// SubjectTitle carries title announcements, one subject per session:
	// chat.title.<session_id>.
	SubjectTitle = "chat.title"
)

// ViolationEvent is the audit record published for each registered violation.
type ViolationEvent struct {
	UserID  int64  `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
	Level   int    `json:"level"`
	Strikes int    `json:"strikes"`
	Locked  bool   `json:"locked"`
	Ts      int64  `json:"ts"`
}

// TitleEvent announces a generated session title.
type TitleEvent struct {
	ChatID string `json:"chat_id"`
	Title  string `json:"title"`
	Ts     int64  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatmind",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishViolation publishes a violation audit event.
func (c *NATSClient) PublishViolation(ev ViolationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal violation: %w", err)
	}
	return c.Publish(SubjectViolation, data)
}

// SubscribeViolations subscribes to all violation audit events.
func (c *NATSClient) SubscribeViolations(handler func(ev ViolationEvent)) error {
	return c.Subscribe(SubjectViolation, func(msg *nats.Msg) {
		var ev ViolationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad violation event: %v", err)
			return
		}
		handler(ev)
	})
}

// PublishTitle publishes a title announcement for a session.
func (c *NATSClient) PublishTitle(ev TitleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats marshal title: %w", err)
	}
	return c.Publish(SubjectTitle+"."+ev.ChatID, data)
}

// SubscribeTitles subscribes to title announcements for every session.
func (c *NATSClient) SubscribeTitles(handler func(ev TitleEvent)) error {
	subject := SubjectTitle + ".*"
	return c.Subscribe(subject, func(msg *nats.Msg) {
		var ev TitleEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad title event: %v", err)
			return
		}
		handler(ev)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
