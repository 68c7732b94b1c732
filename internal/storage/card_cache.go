package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// CardCache keeps generated relationship cards, keyed by work, character and
// the chapter the card was written against.
type CardCache struct {
	redis *RedisStore
	ttl   time.Duration
}

func NewCardCache(r *RedisStore, ttl time.Duration) *CardCache {
	return &CardCache{redis: r, ttl: ttl}
}

func (c *CardCache) key(workID, characterID string, anchor int) string {
	return c.redis.Key("card", workID, characterID, strconv.Itoa(anchor))
}

func (c *CardCache) Get(ctx context.Context, workID, characterID string, anchor int) (string, bool, error) {
	card, err := c.redis.Get(ctx, c.key(workID, characterID, anchor))
	if IsMiss(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read relationship card: %w", err)
	}
	return card, true, nil
}

func (c *CardCache) Set(ctx context.Context, workID, characterID string, anchor int, card string) error {
	if err := c.redis.Set(ctx, c.key(workID, characterID, anchor), card, c.ttl); err != nil {
		return fmt.Errorf("failed to write relationship card: %w", err)
	}
	return nil
}
