package violation

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// StrikePrefix is the Redis key prefix for strike counters.
	StrikePrefix = "strike:"

	// BanPrefix is the Redis key prefix for active chat bans.
	BanPrefix = "chat_ban:"

	// StrikeTTL is how long a strike counter lives without new violations.
	// The TTL refreshes on every strike, so the clean window is measured
	// from the most recent offense.
	StrikeTTL = 24 * time.Hour

	// MaxLevel caps penalty escalation. Strikes keep counting past it but
	// the penalty stays at the account-lock tier.
	MaxLevel = 4
)

// Penalty describes the sanction applied for one violation.
type Penalty struct {
	Level   int           // clamped tier, 1..MaxLevel
	Strikes int           // raw strike count, unclamped
	Message string        // user-facing notice
	BanTime time.Duration // 0 means warning only
	Locked  bool          // account lock, triggers email notification
}

// Escalation tiers. Tier 1 warns, tiers 2-3 ban with growing duration,
// tier 4 locks the account for a day.
var tiers = map[int]Penalty{
	1: {Level: 1, Message: "Cảnh báo: Vui lòng không sử dụng ngôn từ vi phạm.", BanTime: 0},
	2: {Level: 2, Message: "Bạn bị cấm chat 5 phút (vi phạm lần 2).", BanTime: 5 * time.Minute},
	3: {Level: 3, Message: "Bạn bị cấm chat 1 giờ (vi phạm lần 3).", BanTime: time.Hour},
	4: {Level: 4, Message: "Tài khoản của bạn đã bị khóa do vi phạm nhiều lần.", BanTime: 24 * time.Hour, Locked: true},
}

// BannedNotice is sent when a banned user sends a clean message.
const BannedNotice = "Bạn đang bị cấm chat tạm thời do vi phạm nội dung."

// TaskRunner runs fire-and-forget persistence work off the hot path.
// Submit reports whether the task was accepted.
type TaskRunner interface {
	Submit(func()) bool
}

// StrikeStore is the durable mirror behind the ledger. *Store implements it;
// tests substitute an in-memory fake.
type StrikeStore interface {
	StrikeCount(ctx context.Context, userID int64) (int, error)
	UpsertStrike(ctx context.Context, userID int64, count int) error
	AppendLog(ctx context.Context, l Log) error
}

// Ledger enforces escalating penalties. Redis is the authority for live
// counters and bans; PostgreSQL is the durable mirror written asynchronously.
type Ledger struct {
	client *redis.Client
	store  StrikeStore
	tasks  TaskRunner
}

// NewLedger creates a ledger. tasks may be nil, in which case persistence
// runs inline.
func NewLedger(client *redis.Client, store StrikeStore, tasks TaskRunner) *Ledger {
	return &Ledger{client: client, store: store, tasks: tasks}
}

// penaltyFor maps a raw strike count to its tier.
func penaltyFor(strikes int) Penalty {
	level := strikes
	if level < 1 {
		level = 1
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	p := tiers[level]
	p.Strikes = strikes
	return p
}

// RegisterViolation increments the user's strike counter and applies the
// resulting penalty. The counter TTL refreshes on every strike. If Redis is
// unavailable the counter falls back to the persistent mirror so a violation
// is never forgiven by an outage.
func (l *Ledger) RegisterViolation(ctx context.Context, userID int64, message string) (Penalty, error) {
	strikeKey := StrikePrefix + strconv.FormatInt(userID, 10)

	strikes64, err := l.client.Incr(ctx, strikeKey).Result()
	strikes := int(strikes64)
	if err != nil {
		log.Printf("violation: redis incr failed for user %d, using persistent count: %v", userID, err)
		persisted, dbErr := l.store.StrikeCount(ctx, userID)
		if dbErr != nil {
			return Penalty{}, dbErr
		}
		strikes = persisted + 1
	} else if err := l.client.Expire(ctx, strikeKey, StrikeTTL).Err(); err != nil {
		log.Printf("violation: strike ttl refresh failed for user %d: %v", userID, err)
	}

	penalty := penaltyFor(strikes)

	if penalty.BanTime > 0 {
		banKey := BanPrefix + strconv.FormatInt(userID, 10)
		if err := l.client.Set(ctx, banKey, 1, penalty.BanTime).Err(); err != nil {
			log.Printf("violation: ban set failed for user %d: %v", userID, err)
		}
	}

	l.persist(userID, message, strikes, penalty.Level)
	return penalty, nil
}

// persist mirrors the strike counter and appends the violation log. Failures
// are logged, never surfaced: the Redis penalty already took effect.
func (l *Ledger) persist(userID int64, message string, strikes, level int) {
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := l.store.UpsertStrike(ctx, userID, strikes); err != nil {
			log.Printf("violation: %v", err)
		}
		if err := l.store.AppendLog(ctx, Log{UserID: userID, Message: message, Level: level}); err != nil {
			log.Printf("violation: %v", err)
		}
	}

	if l.tasks == nil {
		task()
		return
	}
	if !l.tasks.Submit(task) {
		log.Printf("violation: persistence queue full, dropping mirror write for user %d", userID)
	}
}

// IsBanned reports whether the user has an active chat ban and how many
// seconds remain. Redis failure fails open: chat stays available.
func (l *Ledger) IsBanned(ctx context.Context, userID int64) (bool, int) {
	banKey := BanPrefix + strconv.FormatInt(userID, 10)

	ttl, err := l.client.TTL(ctx, banKey).Result()
	if err != nil {
		log.Printf("violation: ban check failed for user %d, failing open: %v", userID, err)
		return false, 0
	}
	if ttl <= 0 {
		// -2 key missing, -1 no expiry (never set by us).
		return false, 0
	}
	return true, int(ttl.Seconds())
}

// StrikeCount returns the live strike count, falling back to the persistent
// mirror (and repopulating Redis) when the counter has expired.
func (l *Ledger) StrikeCount(ctx context.Context, userID int64) (int, error) {
	strikeKey := StrikePrefix + strconv.FormatInt(userID, 10)

	count, err := l.client.Get(ctx, strikeKey).Int()
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, redis.Nil) {
		log.Printf("violation: strike read failed for user %d: %v", userID, err)
	}

	persisted, dbErr := l.store.StrikeCount(ctx, userID)
	if dbErr != nil {
		return 0, dbErr
	}
	if persisted > 0 {
		if err := l.client.Set(ctx, strikeKey, persisted, StrikeTTL).Err(); err != nil {
			log.Printf("violation: strike repopulate failed for user %d: %v", userID, err)
		}
	}
	return persisted, nil
}

// SyncFromPersistent seeds the Redis strike counter from PostgreSQL when no
// live counter exists. Called on session start so escalation state survives
// a Redis flush.
func (l *Ledger) SyncFromPersistent(ctx context.Context, userID int64) error {
	strikeKey := StrikePrefix + strconv.FormatInt(userID, 10)

	exists, err := l.client.Exists(ctx, strikeKey).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return nil
	}

	persisted, err := l.store.StrikeCount(ctx, userID)
	if err != nil {
		return err
	}
	if persisted == 0 {
		return nil
	}
	return l.client.Set(ctx, strikeKey, persisted, StrikeTTL).Err()
}
