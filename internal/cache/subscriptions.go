// Package cache holds the Redis-backed subscription cache. Entries are keyed
// by subscription ID and dropped explicitly whenever the registry writes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/webhook-gateway/internal/model"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultKeyPrefix = "whgw:sub:"
)

type Options struct {
	TTL       time.Duration
	KeyPrefix string
}

type Subscriptions struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewSubscriptions(rdb *redis.Client, opts Options) *Subscriptions {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	return &Subscriptions{rdb: rdb, ttl: opts.TTL, prefix: opts.KeyPrefix}
}

// entry carries the secret explicitly since model.Subscription hides it
// from JSON.
type entry struct {
	Subscription model.Subscription `json:"subscription"`
	Secret       []byte             `json:"secret,omitempty"`
}

func (c *Subscriptions) key(id string) string { return c.prefix + id }

// Get returns (nil, nil) on a miss.
func (c *Subscriptions) Get(ctx context.Context, id string) (*model.Subscription, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", id, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// a corrupt entry is treated as a miss and dropped
		_ = c.rdb.Del(ctx, c.key(id)).Err()
		return nil, nil
	}
	sub := e.Subscription
	sub.Secret = e.Secret
	return &sub, nil
}

func (c *Subscriptions) Set(ctx context.Context, sub *model.Subscription) error {
	raw, err := json.Marshal(entry{Subscription: *sub, Secret: sub.Secret})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, c.key(sub.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", sub.ID, err)
	}
	return nil
}

func (c *Subscriptions) Invalidate(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", id, err)
	}
	return nil
}
