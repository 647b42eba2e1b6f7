// Package orchestrator runs the per-connection session loop: authentication,
// ownership checks, message dispatch, moderation, AI streaming, and title
// generation. One Run call owns one WebSocket connection from accept to
// close.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"

	"github.com/chatmind/chat-service/internal/ai"
	"github.com/chatmind/chat-service/internal/chat"
	"github.com/chatmind/chat-service/internal/identity"
	"github.com/chatmind/chat-service/internal/messaging"
	"github.com/chatmind/chat-service/internal/metrics"
	"github.com/chatmind/chat-service/internal/moderation"
	"github.com/chatmind/chat-service/internal/protocol"
	"github.com/chatmind/chat-service/internal/ratelimit"
	"github.com/chatmind/chat-service/internal/registry"
	"github.com/chatmind/chat-service/internal/stream"
	"github.com/chatmind/chat-service/internal/violation"
)

// ClosePolicyViolation is the WebSocket close code for failed authentication
// or ownership checks.
const ClosePolicyViolation = 1008

// DefaultSystemPrompt seeds the provider context when no prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant that replies clearly and concisely."

// RateLimitNotice is sent when the per-user message allowance is exhausted.
const RateLimitNotice = "Bạn đang gửi tin nhắn quá nhanh. Vui lòng thử lại sau."

// InternalErrorNotice is the best-effort message for an unexpected failure
// while handling one message.
const InternalErrorNotice = "Đã xảy ra lỗi khi xử lý tin nhắn. Vui lòng thử lại."

// LockEmailFailedNotice is sent in-band when the account-lock email could not
// be delivered.
const LockEmailFailedNotice = "Không thể gửi email thông báo khóa tài khoản. Vui lòng liên hệ hỗ trợ."

// Conn is a live WebSocket connection as seen by the session loop.
type Conn interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	CloseWithCode(code int, reason string) error
}

// SessionStore is the chat persistence used by the loop.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*chat.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
	AddMessage(ctx context.Context, m *chat.Message) error
	UpdateTitle(ctx context.Context, sessionID, title string) error
}

// TitleCache remembers generated titles across reconnects.
type TitleCache interface {
	Get(ctx context.Context, sessionID string) (string, error)
	Set(ctx context.Context, sessionID, title string) error
}

// KeywordSource supplies the current banned-keyword snapshot.
type KeywordSource interface {
	Load(ctx context.Context) []string
}

// Ledger applies escalating penalties for content violations.
type Ledger interface {
	RegisterViolation(ctx context.Context, userID int64, message string) (violation.Penalty, error)
	IsBanned(ctx context.Context, userID int64) (bool, int)
	SyncFromPersistent(ctx context.Context, userID int64) error
}

// Streamer delivers one assistant reply to the session.
type Streamer interface {
	Stream(ctx context.Context, conn stream.Sender, sessionID string, userID int64, messages []ai.Message) (string, error)
}

// Limiter throttles per-user actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Bus publishes audit events for downstream consumers.
type Bus interface {
	PublishViolation(ev messaging.ViolationEvent) error
	PublishTitle(ev messaging.TitleEvent) error
}

// Notifier sends account-lock emails.
type Notifier interface {
	SendLockNotification(ctx context.Context, recipient, username, duration string) error
}

// TaskRunner runs fire-and-forget work off the message path.
type TaskRunner interface {
	Submit(func()) bool
}

// Orchestrator wires one connection's message flow. All fields except the
// optional ones (Limiter, Bus, Notifier, Tasks) are required.
type Orchestrator struct {
	Verifier *identity.Verifier
	Store    SessionStore
	Titles   TitleCache
	Keywords KeywordSource
	Ledger   Ledger
	Registry *registry.Registry
	Streamer Streamer
	Provider ai.Provider
	Limiter  Limiter
	Bus      Bus
	Notifier Notifier
	Tasks    TaskRunner

	ContextWindow int
	SystemPrompt  string

	// now is swappable for tests.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) systemPrompt() string {
	if o.SystemPrompt != "" {
		return o.SystemPrompt
	}
	return DefaultSystemPrompt
}

// Run authenticates the connection and drives its session loop until the
// client disconnects or a policy check fails.
func (o *Orchestrator) Run(ctx context.Context, conn Conn, sessionID, token string) error {
	user, err := o.Verifier.Verify(token)
	if err != nil {
		conn.CloseWithCode(ClosePolicyViolation, "invalid token")
		return fmt.Errorf("orchestrator: auth failed for session %s: %w", sessionID, err)
	}

	if o.Limiter != nil {
		allowed, _ := o.Limiter.Allow(ctx, strconv.FormatInt(user.ID, 10), ratelimit.RuleConnect)
		if !allowed {
			conn.CloseWithCode(ClosePolicyViolation, "too many connections")
			return fmt.Errorf("orchestrator: connect rate limited for user %d", user.ID)
		}
	}

	sess, err := o.Store.GetSession(ctx, sessionID)
	if err != nil {
		conn.CloseWithCode(ClosePolicyViolation, "session unavailable")
		return fmt.Errorf("orchestrator: load session %s: %w", sessionID, err)
	}
	if sess == nil || sess.UserID != user.ID {
		conn.CloseWithCode(ClosePolicyViolation, "not your session")
		return fmt.Errorf("orchestrator: user %d does not own session %s", user.ID, sessionID)
	}

	if err := o.Ledger.SyncFromPersistent(ctx, user.ID); err != nil {
		log.Printf("orchestrator: strike sync for user %d: %v", user.ID, err)
	}

	window := chat.NewContextWindow(o.ContextWindow, o.systemPrompt())
	history, err := o.Store.ListMessages(ctx, sessionID)
	if err != nil {
		log.Printf("orchestrator: history load for session %s: %v", sessionID, err)
	}
	for _, m := range history {
		window.Append(m.Role, m.Content)
	}

	o.Registry.Connect(sessionID, user.ID, conn)
	metrics.ConnectionsTotal.Inc()
	metrics.ActiveSessions.Set(float64(o.Registry.Sessions()))
	defer func() {
		o.Registry.Disconnect(sessionID, user.ID, conn)
		metrics.ConnectionsTotal.Dec()
		metrics.ActiveSessions.Set(float64(o.Registry.Sessions()))
	}()

	log.Printf("orchestrator: user %d joined session %s (%d history messages)", user.ID, sessionID, len(history))

	for {
		data, err := conn.Receive()
		if err != nil {
			log.Printf("orchestrator: user %d left session %s: %v", user.ID, sessionID, err)
			return nil
		}

		ev, err := protocol.ParseClientEvent(data)
		if err != nil {
			log.Printf("orchestrator: bad frame from user %d: %v", user.ID, err)
			continue
		}

		switch ev.Action {
		case protocol.ActionTyping:
			o.handleTyping(sessionID, user.ID)
		case protocol.ActionSendMessage:
			o.safeHandleSend(ctx, conn, sess, window, user, ev.Content)
		default:
			log.Printf("orchestrator: unknown action %q from user %d", ev.Action, user.ID)
		}
	}
}

func (o *Orchestrator) handleTyping(sessionID string, userID int64) {
	payload, err := protocol.NewTyping(userID, o.now())
	if err != nil {
		return
	}
	o.Registry.Broadcast(sessionID, payload, userID)
}

// safeHandleSend isolates panics per message so one bad send cannot tear
// down the whole connection loop.
func (o *Orchestrator) safeHandleSend(ctx context.Context, conn Conn, sess *chat.Session, window *chat.ContextWindow, user identity.User, text string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("orchestrator: panic handling message from user %d: %v", user.ID, r)
			if payload, err := protocol.NewMessage(protocol.RoleSystem, InternalErrorNotice, o.now()); err == nil {
				conn.Send(payload)
			}
		}
	}()
	o.handleSend(ctx, conn, sess, window, user, text)
}

func (o *Orchestrator) handleSend(ctx context.Context, conn Conn, sess *chat.Session, window *chat.ContextWindow, user identity.User, text string) {
	now := o.now()

	if err := chat.ValidateMessage(text); err != nil {
		if payload, perr := protocol.NewMessage(protocol.RoleSystem, err.Error(), now); perr == nil {
			conn.Send(payload)
		}
		return
	}

	if o.Limiter != nil {
		allowed, _ := o.Limiter.Allow(ctx, strconv.FormatInt(user.ID, 10), ratelimit.RuleMessage)
		if !allowed {
			if payload, err := protocol.NewMessage(protocol.RoleSystem, RateLimitNotice, now); err == nil {
				conn.Send(payload)
			}
			return
		}
	}

	// Violation check runs before the ban check so offenses committed
	// during a ban still escalate the strike counter.
	filter := moderation.NewFilter(o.Keywords.Load(ctx))
	if result := filter.Check(text); result.Blocked {
		o.punish(ctx, conn, sess, user, text, result)
		return
	}

	if banned, remaining := o.Ledger.IsBanned(ctx, user.ID); banned {
		metrics.MessagesTotal.WithLabelValues("banned").Inc()
		if payload, err := protocol.NewBanned(violation.BannedNotice, remaining, now); err == nil {
			conn.Send(payload)
		}
		return
	}

	// Persistence failures downgrade to delivery-only: the conversation
	// continues, it just will not survive a restart.
	userMsg := &chat.Message{SessionID: sess.ID, Role: protocol.RoleUser, Content: text, CreatedAt: now}
	if err := o.Store.AddMessage(ctx, userMsg); err != nil {
		log.Printf("orchestrator: persist user message in session %s: %v", sess.ID, err)
	}

	if payload, err := protocol.NewUserEcho(text, now); err == nil {
		conn.Send(payload)
		o.Registry.Broadcast(sess.ID, payload, user.ID)
	}
	window.Append(protocol.RoleUser, text)
	metrics.MessagesTotal.WithLabelValues("user").Inc()

	reply, err := o.Streamer.Stream(ctx, conn, sess.ID, user.ID, window.Messages())
	if err != nil {
		log.Printf("orchestrator: stream in session %s: %v", sess.ID, err)
		return
	}

	if reply != "" {
		assistantMsg := &chat.Message{SessionID: sess.ID, Role: protocol.RoleAssistant, Content: reply, CreatedAt: o.now()}
		if err := o.Store.AddMessage(ctx, assistantMsg); err != nil {
			log.Printf("orchestrator: persist assistant message in session %s: %v", sess.ID, err)
		}
		window.Append(protocol.RoleAssistant, reply)
		metrics.MessagesTotal.WithLabelValues("assistant").Inc()
	}

	if sess.HasDefaultTitle() {
		o.updateTitle(ctx, conn, sess, user.ID, text, reply)
	}
}

// punish registers the violation, notifies the offender, and publishes the
// audit event. A locked account additionally triggers the email notification.
func (o *Orchestrator) punish(ctx context.Context, conn Conn, sess *chat.Session, user identity.User, text string, result moderation.FilterResult) {
	now := o.now()
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()

	penalty, err := o.Ledger.RegisterViolation(ctx, user.ID, text)
	if err != nil {
		log.Printf("orchestrator: register violation for user %d: %v", user.ID, err)
		if payload, perr := protocol.NewMessage(protocol.RoleSystem, InternalErrorNotice, now); perr == nil {
			conn.Send(payload)
		}
		return
	}

	log.Printf("orchestrator: violation by user %d in session %s (term=%q level=%d strikes=%d)",
		user.ID, sess.ID, result.Term, penalty.Level, penalty.Strikes)
	metrics.ViolationsTotal.WithLabelValues(strconv.Itoa(penalty.Level)).Inc()

	if payload, err := protocol.NewViolation(penalty.Message, penalty.Level, int(penalty.BanTime.Seconds()), now); err == nil {
		conn.Send(payload)
	}

	if o.Bus != nil {
		err := o.Bus.PublishViolation(messaging.ViolationEvent{
			UserID:  user.ID,
			ChatID:  sess.ID,
			Message: text,
			Level:   penalty.Level,
			Strikes: penalty.Strikes,
			Locked:  penalty.Locked,
			Ts:      now.Unix(),
		})
		if err != nil {
			log.Printf("orchestrator: publish violation event: %v", err)
		}
	}

	if penalty.Locked && o.Notifier != nil {
		if user.Email == "" {
			log.Printf("orchestrator: no email for locked user %d, skipping notification", user.ID)
			return
		}
		recipient, username := user.Email, user.Username
		o.submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := o.Notifier.SendLockNotification(ctx, recipient, username, "1 ngày"); err != nil {
				log.Printf("orchestrator: lock notification for user %d: %v", user.ID, err)
				// Best effort: the connection may already be gone.
				if payload, perr := protocol.NewMessage(protocol.RoleSystem, LockEmailFailedNotice, o.now()); perr == nil {
					conn.Send(payload)
				}
			}
		})
	}
}

// updateTitle generates a session title after the first exchange. The Redis
// cache is consulted first so a failed database update does not cost a
// second completion call.
func (o *Orchestrator) updateTitle(ctx context.Context, conn Conn, sess *chat.Session, userID int64, userText, reply string) {
	title, err := o.Titles.Get(ctx, sess.ID)
	if err != nil {
		log.Printf("orchestrator: title cache read for session %s: %v", sess.ID, err)
	}

	if title == "" {
		title = o.generateTitle(ctx, userText, reply)
		if title == "" {
			return
		}
		if err := o.Titles.Set(ctx, sess.ID, title); err != nil {
			log.Printf("orchestrator: title cache write for session %s: %v", sess.ID, err)
		}
		metrics.TitlesGenerated.Inc()
	}

	if err := o.Store.UpdateTitle(ctx, sess.ID, title); err != nil {
		log.Printf("orchestrator: title update for session %s: %v", sess.ID, err)
		return
	}
	sess.Title = title

	if payload, err := protocol.NewTitleUpdated(title); err == nil {
		conn.Send(payload)
		o.Registry.Broadcast(sess.ID, payload, userID)
	}
	log.Printf("orchestrator: session %s titled %q", sess.ID, title)

	if o.Bus != nil {
		if err := o.Bus.PublishTitle(messaging.TitleEvent{ChatID: sess.ID, Title: title, Ts: o.now().Unix()}); err != nil {
			log.Printf("orchestrator: publish title event: %v", err)
		}
	}
}

// generateTitle asks the provider for a short title in the conversation's
// language. Returns "" when generation fails or produces a sentinel value.
func (o *Orchestrator) generateTitle(ctx context.Context, userText, reply string) string {
	instruction := "Give a short title (3-6 words) for the following conversation. Reply with the title only."
	if whatlanggo.Detect(userText + " " + reply).Lang == whatlanggo.Vie {
		instruction = "Đặt một tiêu đề ngắn gọn (3-6 từ) cho cuộc trò chuyện sau. Chỉ trả về tiêu đề."
	}

	messages := []ai.Message{
		{Role: protocol.RoleSystem, Content: DefaultSystemPrompt},
		{Role: protocol.RoleUser, Content: instruction + "\n\nUser: " + userText + "\nAssistant: " + reply},
	}

	title, err := o.Provider.Chat(ctx, messages)
	if err != nil {
		log.Printf("orchestrator: title generation: %v", err)
		return ""
	}

	title = strings.Trim(strings.TrimSpace(title), `"'`)
	if title == "" || title == chat.DefaultTitle || title == chat.DefaultTitleVN {
		return ""
	}
	if runes := []rune(title); len(runes) > 120 {
		title = string(runes[:120])
	}
	return title
}

// submit queues fire-and-forget work, running inline when no pool is wired.
func (o *Orchestrator) submit(task func()) {
	if o.Tasks != nil {
		if !o.Tasks.Submit(task) {
			log.Printf("orchestrator: task queue full, running inline")
			task()
		}
		return
	}
	go task()
}
