package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oddsfeed/internal/domain"
)

// Timestamps implements domain.Timestamps as plain string keys holding unix
// milliseconds.
type Timestamps struct {
	rdb *redis.Client
}

// NewTimestamps creates a Timestamps store backed by the given Client.
func NewTimestamps(c *Client) *Timestamps {
	return &Timestamps{rdb: c.Underlying()}
}

// Get returns the stored time, or domain.ErrNotFound when the key is unset.
func (t *Timestamps) Get(ctx context.Context, key string) (time.Time, error) {
	v, err := t.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, domain.ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: get timestamp %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: parse timestamp %s: %w", key, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Set stores ts under key.
func (t *Timestamps) Set(ctx context.Context, key string, ts time.Time) error {
	if err := t.rdb.Set(ctx, key, ts.UnixMilli(), 0).Err(); err != nil {
		return fmt.Errorf("redis: set timestamp %s: %w", key, err)
	}
	return nil
}

var _ domain.Timestamps = (*Timestamps)(nil)
