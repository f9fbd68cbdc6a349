// Package dedupe short-circuits replayed webhook events with a Redis claim.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL covers the provider's redelivery horizon.
const DefaultTTL = 72 * time.Hour

const keyPrefix = "eventmail:webhook:"

// ErrInvalidURL is returned by Open for a URL without a redis:// or rediss:// scheme.
var ErrInvalidURL = errors.New("dedupe: redis url must use redis:// or rediss://")

// Open parses url and returns a client after a successful PING.
func Open(ctx context.Context, url string) (redis.UniversalClient, error) {
	if !strings.HasPrefix(url, "redis://") && !strings.HasPrefix(url, "rediss://") {
		return nil, ErrInvalidURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrInvalidURL, err)
	}
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.DialTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dedupe: ping redis: %w", err)
	}
	return client, nil
}

// RedisGuard claims event keys with SET NX and a TTL.
type RedisGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisGuard creates a RedisGuard.
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}
}

// Claim reports whether this is the first claim of key within the TTL.
func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+key, time.Now().UTC().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: claim %s: %w", key, err)
	}
	return ok, nil
}

// Release forgets a claim so a redelivery of the event is applied again.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("dedupe: release %s: %w", key, err)
	}
	return nil
}

// Healthcheck pings Redis.
func (g *RedisGuard) Healthcheck(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
