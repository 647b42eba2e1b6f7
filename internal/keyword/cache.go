package keyword

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// CacheKey is the Redis set holding the banned keywords.
	CacheKey = "banned_keywords"

	// CacheTTL bounds staleness after out-of-band list edits.
	CacheTTL = time.Hour
)

// Cache is a read-through Redis set cache over the keyword store. A cache
// miss repopulates the set from PostgreSQL; when both Redis and the database
// are unreachable the cache fails open and returns an empty snapshot so chat
// stays available with moderation degraded.
type Cache struct {
	client *redis.Client
	store  *Store
}

// NewCache creates a keyword cache over the given Redis client and store.
func NewCache(client *redis.Client, store *Store) *Cache {
	return &Cache{client: client, store: store}
}

// Load returns the current banned-keyword snapshot. Order is unspecified.
func (c *Cache) Load(ctx context.Context) []string {
	keywords, err := c.client.SMembers(ctx, CacheKey).Result()
	if err == nil && len(keywords) > 0 {
		return keywords
	}
	if err != nil {
		log.Printf("keyword: cache read failed, falling back to database: %v", err)
	}

	keywords, err = c.Refresh(ctx)
	if err != nil {
		log.Printf("keyword: MODERATION DEGRADED, keyword list unavailable: %v", err)
		return nil
	}
	return keywords
}

// Refresh reloads the keyword set from PostgreSQL and rewrites the Redis
// cache. A Redis write failure is logged but does not fail the refresh.
func (c *Cache) Refresh(ctx context.Context) ([]string, error) {
	keywords, err := c.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyword: refresh: %w", err)
	}

	if len(keywords) > 0 {
		members := make([]interface{}, len(keywords))
		for i, k := range keywords {
			members[i] = k
		}
		pipe := c.client.TxPipeline()
		pipe.Del(ctx, CacheKey)
		pipe.SAdd(ctx, CacheKey, members...)
		pipe.Expire(ctx, CacheKey, CacheTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			log.Printf("keyword: cache write failed: %v", err)
		}
	} else if err := c.client.Del(ctx, CacheKey).Err(); err != nil {
		log.Printf("keyword: cache clear failed: %v", err)
	}

	return keywords, nil
}

// StartRefresher refreshes the cache on the given interval until ctx is
// cancelled. It runs in its own goroutine.
func (c *Cache) StartRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = CacheTTL / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Refresh(ctx); err != nil {
					log.Printf("keyword: background refresh failed: %v", err)
				}
			}
		}
	}()
}
