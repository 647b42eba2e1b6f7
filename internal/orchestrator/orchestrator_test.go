package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmind/chat-service/internal/ai"
	"github.com/chatmind/chat-service/internal/chat"
	"github.com/chatmind/chat-service/internal/identity"
	"github.com/chatmind/chat-service/internal/messaging"
	"github.com/chatmind/chat-service/internal/protocol"
	"github.com/chatmind/chat-service/internal/registry"
	"github.com/chatmind/chat-service/internal/stream"
	"github.com/chatmind/chat-service/internal/violation"
)

const (
	testSecret  = "orchestrator-test-secret"
	testSession = "11111111-2222-3333-4444-555555555555"
	testUserID  = int64(7)
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu      sync.Mutex
	inbound [][]byte
	sent    []map[string]interface{}
	closed  int
}

func (c *fakeConn) Send(payload []byte) error {
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, decoded)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return nil, io.EOF
	}
	frame := c.inbound[0]
	c.inbound = c.inbound[1:]
	return frame, nil
}

func (c *fakeConn) CloseWithCode(code int, reason string) error {
	c.mu.Lock()
	c.closed = code
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) events() []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]interface{}(nil), c.sent...)
}

func (c *fakeConn) queue(action, content string) {
	frame, _ := json.Marshal(protocol.ClientEvent{Action: action, Content: content})
	c.inbound = append(c.inbound, frame)
}

type fakeStore struct {
	mu       sync.Mutex
	session  *chat.Session
	messages []chat.Message
	title    string
	addErr   error
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*chat.Session, error) {
	if s.session != nil && s.session.ID == id {
		return s.session, nil
	}
	return nil, nil
}

func (s *fakeStore) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...), nil
}

func (s *fakeStore) AddMessage(ctx context.Context, m *chat.Message) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.mu.Lock()
	s.messages = append(s.messages, *m)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	s.title = title
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) stored() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

type fakeTitles struct {
	mu     sync.Mutex
	titles map[string]string
}

func (t *fakeTitles) Get(ctx context.Context, sessionID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.titles[sessionID], nil
}

func (t *fakeTitles) Set(ctx context.Context, sessionID, title string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.titles == nil {
		t.titles = make(map[string]string)
	}
	t.titles[sessionID] = title
	return nil
}

type fakeKeywords struct{ terms []string }

func (k *fakeKeywords) Load(ctx context.Context) []string { return k.terms }

type fakeLedger struct {
	mu       sync.Mutex
	strikes  int
	banned   bool
	banLeft  int
	synced   bool
	registry []string
}

func (l *fakeLedger) RegisterViolation(ctx context.Context, userID int64, message string) (violation.Penalty, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.strikes++
	l.registry = append(l.registry, message)

	level := l.strikes
	if level > 4 {
		level = 4
	}
	p := violation.Penalty{Level: level, Strikes: l.strikes, Message: "notice"}
	switch level {
	case 2:
		p.BanTime = 5 * time.Minute
	case 3:
		p.BanTime = time.Hour
	case 4:
		p.BanTime = 24 * time.Hour
		p.Locked = true
	}
	if p.BanTime > 0 {
		l.banned = true
		l.banLeft = int(p.BanTime.Seconds())
	}
	return p, nil
}

func (l *fakeLedger) IsBanned(ctx context.Context, userID int64) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.banned, l.banLeft
}

func (l *fakeLedger) SyncFromPersistent(ctx context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.synced = true
	return nil
}

func (l *fakeLedger) violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strikes
}

type fakeStreamer struct {
	mu     sync.Mutex
	reply  string
	inputs [][]ai.Message
}

func (s *fakeStreamer) Stream(ctx context.Context, conn stream.Sender, sessionID string, userID int64, messages []ai.Message) (string, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, messages)
	s.mu.Unlock()

	if payload, err := protocol.NewMessage(protocol.RoleAssistant, s.reply, time.Now()); err == nil {
		conn.Send(payload)
	}
	if payload, err := protocol.NewDone(time.Now()); err == nil {
		conn.Send(payload)
	}
	return s.reply, nil
}

func (s *fakeStreamer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

type fakeProvider struct {
	title string
	err   error
}

func (p *fakeProvider) Chat(context.Context, []ai.Message) (string, error) {
	return p.title, p.err
}

func (p *fakeProvider) StreamChat(context.Context, []ai.Message) (<-chan ai.Chunk, <-chan error) {
	chunks := make(chan ai.Chunk)
	errs := make(chan error)
	close(chunks)
	close(errs)
	return chunks, errs
}

type fakeBus struct {
	mu         sync.Mutex
	violations []messaging.ViolationEvent
	titles     []messaging.TitleEvent
}

func (b *fakeBus) PublishViolation(ev messaging.ViolationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.violations = append(b.violations, ev)
	return nil
}

func (b *fakeBus) PublishTitle(ev messaging.TitleEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.titles = append(b.titles, ev)
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	calls     int
	recipient string
	err       error
}

func (n *fakeNotifier) SendLockNotification(ctx context.Context, recipient, username, duration string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.recipient = recipient
	return n.err
}

// inlineRunner executes tasks synchronously so tests stay deterministic.
type inlineRunner struct{}

func (inlineRunner) Submit(task func()) bool {
	task()
	return true
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	orch     *Orchestrator
	conn     *fakeConn
	store    *fakeStore
	ledger   *fakeLedger
	streamer *fakeStreamer
	bus      *fakeBus
	notifier *fakeNotifier
	token    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  testUserID,
		"username": "tester",
		"email":    "tester@example.com",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	h := &harness{
		conn: &fakeConn{},
		store: &fakeStore{session: &chat.Session{
			ID:     testSession,
			UserID: testUserID,
			Title:  chat.DefaultTitle,
		}},
		ledger:   &fakeLedger{},
		streamer: &fakeStreamer{reply: "Hi there! How can I help?"},
		bus:      &fakeBus{},
		notifier: &fakeNotifier{},
		token:    token,
	}
	h.orch = &Orchestrator{
		Verifier: identity.NewVerifier(testSecret),
		Store:    h.store,
		Titles:   &fakeTitles{},
		Keywords: &fakeKeywords{terms: []string{"badword", "lừa đảo"}},
		Ledger:   h.ledger,
		Registry: registry.New(),
		Streamer: h.streamer,
		Provider: &fakeProvider{title: "Friendly Greeting Chat"},
		Bus:      h.bus,
		Notifier: h.notifier,
		Tasks:    inlineRunner{},
	}
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	require.NoError(t, h.orch.Run(context.Background(), h.conn, testSession, h.token))
}

func findEvent(events []map[string]interface{}, name string) map[string]interface{} {
	for _, ev := range events {
		if ev["event"] == name {
			return ev
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRun_RejectsBadToken(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Run(context.Background(), h.conn, testSession, "garbage")
	require.Error(t, err)
	assert.Equal(t, ClosePolicyViolation, h.conn.closed)
}

func TestRun_RejectsForeignSession(t *testing.T) {
	h := newHarness(t)
	h.store.session.UserID = testUserID + 1

	err := h.orch.Run(context.Background(), h.conn, testSession, h.token)
	require.Error(t, err)
	assert.Equal(t, ClosePolicyViolation, h.conn.closed)
	assert.Zero(t, h.streamer.calls())
}

func TestRun_CleanMessageFlow(t *testing.T) {
	h := newHarness(t)
	h.conn.queue(protocol.ActionSendMessage, "Hello!")

	h.run(t)

	events := h.conn.events()

	// Echo carries the empty violations list the client keys off.
	var echo map[string]interface{}
	for _, ev := range events {
		if ev["role"] == "user" {
			echo = ev
		}
	}
	require.NotNil(t, echo, "expected user echo")
	assert.Equal(t, "Hello!", echo["content"])
	assert.Equal(t, []interface{}{}, echo["violations"])

	require.NotNil(t, findEvent(events, "DONE"))

	stored := h.store.stored()
	require.Len(t, stored, 2)
	assert.Equal(t, "user", stored[0].Role)
	assert.Equal(t, "assistant", stored[1].Role)
	assert.Equal(t, h.streamer.reply, stored[1].Content)

	// Provider context: system prompt, then the user turn.
	require.Equal(t, 1, h.streamer.calls())
	msgs := h.streamer.inputs[0]
	require.NotEmpty(t, msgs)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "Hello!", msgs[len(msgs)-1].Content)

	assert.True(t, h.ledger.synced)
	assert.Zero(t, h.ledger.violations())
}

func TestRun_TitleGeneratedOnce(t *testing.T) {
	h := newHarness(t)
	h.conn.queue(protocol.ActionSendMessage, "Hello!")
	h.conn.queue(protocol.ActionSendMessage, "Tell me more.")

	h.run(t)

	assert.Equal(t, "Friendly Greeting Chat", h.store.title)

	events := h.conn.events()
	titled := findEvent(events, "TITLE_UPDATED")
	require.NotNil(t, titled)
	assert.Equal(t, "Friendly Greeting Chat", titled["title"])

	// Second message must not retitle: the session no longer has the
	// sentinel title.
	count := 0
	for _, ev := range events {
		if ev["event"] == "TITLE_UPDATED" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, h.bus.titles, 1)
}

func TestRun_ViolationBlocksMessage(t *testing.T) {
	h := newHarness(t)
	h.conn.queue(protocol.ActionSendMessage, "this has badword inside")

	h.run(t)

	events := h.conn.events()
	vio := findEvent(events, "VIOLATION")
	require.NotNil(t, vio, "expected violation notice")
	assert.Equal(t, float64(1), vio["level"])
	assert.Equal(t, float64(0), vio["ban_time"])

	assert.Zero(t, h.streamer.calls(), "blocked message must not reach the provider")
	assert.Empty(t, h.store.stored(), "blocked message must not persist")

	require.Len(t, h.bus.violations, 1)
	assert.Equal(t, testUserID, h.bus.violations[0].UserID)
	assert.Equal(t, 1, h.bus.violations[0].Level)
}

func TestRun_BannedUserCleanMessage(t *testing.T) {
	h := newHarness(t)
	h.ledger.banned = true
	h.ledger.banLeft = 120
	h.conn.queue(protocol.ActionSendMessage, "a perfectly clean message")

	h.run(t)

	events := h.conn.events()
	banned := findEvent(events, "BANNED")
	require.NotNil(t, banned, "expected ban notice")
	assert.Equal(t, float64(120), banned["ban_remaining"])

	assert.Zero(t, h.ledger.violations(), "clean message under a ban earns no strike")
	assert.Zero(t, h.streamer.calls())
	assert.Empty(t, h.store.stored())
}

func TestRun_ViolationWhileBannedStillEscalates(t *testing.T) {
	h := newHarness(t)
	h.ledger.banned = true
	h.ledger.banLeft = 120
	h.conn.queue(protocol.ActionSendMessage, "still saying badword")

	h.run(t)

	assert.Equal(t, 1, h.ledger.violations(), "offense during a ban must escalate")
	require.NotNil(t, findEvent(h.conn.events(), "VIOLATION"))
	assert.Nil(t, findEvent(h.conn.events(), "BANNED"))
}

func TestRun_LockTierSendsEmail(t *testing.T) {
	h := newHarness(t)
	h.ledger.strikes = 3 // next violation is the lock tier
	h.conn.queue(protocol.ActionSendMessage, "badword again")

	h.run(t)

	assert.Equal(t, 1, h.notifier.calls, "lock tier must trigger the email notification")
	assert.Equal(t, "tester@example.com", h.notifier.recipient, "notification goes to the email address, not the username")
	require.Len(t, h.bus.violations, 1)
	assert.True(t, h.bus.violations[0].Locked)
}

func TestRun_LockEmailFailureNotifiesInBand(t *testing.T) {
	h := newHarness(t)
	h.ledger.strikes = 3 // next violation is the lock tier
	h.notifier.err = errors.New("smtp relay down")
	h.conn.queue(protocol.ActionSendMessage, "badword again")

	h.run(t)

	var found bool
	for _, ev := range h.conn.events() {
		if ev["role"] == "system" && ev["content"] == LockEmailFailedNotice {
			found = true
		}
	}
	assert.True(t, found, "a failed lock email must surface as a system message")
}

func TestRun_TypingBroadcastsToPeers(t *testing.T) {
	h := newHarness(t)

	peer := &fakeConn{}
	h.orch.Registry.Connect(testSession, testUserID+1, peer)

	h.conn.queue(protocol.ActionTyping, "")
	h.run(t)

	typing := findEvent(peer.events(), "TYPING")
	require.NotNil(t, typing, "peer should see the typing event")
	assert.Equal(t, float64(testUserID), typing["user_id"])

	assert.Nil(t, findEvent(h.conn.events(), "TYPING"), "sender must not see own typing event")
}

func TestRun_OversizedMessageRejected(t *testing.T) {
	h := newHarness(t)
	big := make([]byte, chat.MaxMessageBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	h.conn.queue(protocol.ActionSendMessage, string(big))

	h.run(t)

	assert.Zero(t, h.streamer.calls())
	assert.Empty(t, h.store.stored())

	events := h.conn.events()
	require.NotEmpty(t, events)
	assert.Equal(t, "system", events[0]["role"])
}

func TestRun_PersistenceFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.store.addErr = errors.New("db down")
	h.conn.queue(protocol.ActionSendMessage, "Hello!")

	h.run(t)

	// Delivery continues even though nothing was stored.
	assert.Equal(t, 1, h.streamer.calls())
	require.NotNil(t, findEvent(h.conn.events(), "DONE"))
	assert.Empty(t, h.store.stored())
}
