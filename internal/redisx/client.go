package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// SetIfAbsent is the dedup primitive: true means we are first.
func SetIfAbsent(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, "1", ttl).Result()
}

// Dedup tracks processed event ids. Seen and Mark are separate so a
// caller can defer the marker until processing reached a terminal
// outcome; a crash in between leaves no marker and the redelivery is
// processed again.
type Dedup struct{ R *redis.Client }

func (d Dedup) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.R.Exists(ctx, key).Result()
	return n > 0, err
}

func (d Dedup) Mark(ctx context.Context, key string, ttl time.Duration) error {
	return d.R.Set(ctx, key, "1", ttl).Err()
}

// Cache is a get/set wrapper for short-lived response caching. Get
// reports a miss as empty with no error.
type Cache struct{ R *redis.Client }

func (c Cache) Get(ctx context.Context, key string) (string, error) {
	s, err := c.R.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return s, err
}

func (c Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.R.Set(ctx, key, value, ttl).Err()
}
