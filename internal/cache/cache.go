// Package cache keeps short-lived snapshots of stories for the status endpoint.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// StoryCache caches full story snapshots (with pages).
type StoryCache interface {
	// Get returns (nil, nil) on a miss.
	Get(ctx context.Context, id uuid.UUID) (*models.Story, error)
	Set(ctx context.Context, story *models.Story) error
	Invalidate(ctx context.Context, id uuid.UUID) error
}

var (
	_ StoryCache = (*RedisStoryCache)(nil)
	_ StoryCache = NoopStoryCache{}
)

const keyPrefix = "storybook:story:"

// RedisStoryCache stores snapshots as JSON with a TTL.
type RedisStoryCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStoryCache creates a Redis-backed cache.
func NewRedisStoryCache(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *RedisStoryCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStoryCache{client: client, ttl: ttl, logger: logger.Named("RedisStoryCache")}
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (c *RedisStoryCache) Get(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	raw, err := c.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get story %s: %w", id, err)
	}
	var story models.Story
	if err := json.Unmarshal(raw, &story); err != nil {
		// A snapshot we cannot read is as good as a miss.
		c.logger.Warn("Dropping unreadable story snapshot", zap.String("story_id", id.String()), zap.Error(err))
		_ = c.client.Del(ctx, key(id)).Err()
		return nil, nil
	}
	return &story, nil
}

func (c *RedisStoryCache) Set(ctx context.Context, story *models.Story) error {
	raw, err := json.Marshal(story)
	if err != nil {
		return fmt.Errorf("marshal story snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key(story.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set story %s: %w", story.ID, err)
	}
	return nil
}

func (c *RedisStoryCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	if err := c.client.Del(ctx, key(id)).Err(); err != nil {
		return fmt.Errorf("redis del story %s: %w", id, err)
	}
	return nil
}

// NoopStoryCache is used when Redis is not configured.
type NoopStoryCache struct{}

func (NoopStoryCache) Get(context.Context, uuid.UUID) (*models.Story, error) { return nil, nil }
func (NoopStoryCache) Set(context.Context, *models.Story) error               { return nil }
func (NoopStoryCache) Invalidate(context.Context, uuid.UUID) error            { return nil }
