package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// TitleCachePrefix is the Redis key prefix for generated session titles.
const TitleCachePrefix = "chat_title:"

// TitleCache remembers generated session titles in Redis so a session whose
// database update failed (or that reconnects mid-generation) does not pay for
// a second completion call. Entries are persistent; a title never changes
// once generated.
type TitleCache struct {
	client *redis.Client
}

// NewTitleCache creates a title cache using the provided Redis client.
func NewTitleCache(client *redis.Client) *TitleCache {
	return &TitleCache{client: client}
}

// Get returns the cached title for a session, or "" if absent.
func (c *TitleCache) Get(ctx context.Context, sessionID string) (string, error) {
	title, err := c.client.Get(ctx, TitleCachePrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("chat: title cache get: %w", err)
	}
	return title, nil
}

// Set stores a generated title for a session.
func (c *TitleCache) Set(ctx context.Context, sessionID, title string) error {
	if err := c.client.Set(ctx, TitleCachePrefix+sessionID, title, 0).Err(); err != nil {
		return fmt.Errorf("chat: title cache set: %w", err)
	}
	return nil
}
