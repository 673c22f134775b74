// Package redis implements the store Coordinator (single-instance lock and
// provider quota counters) on Redis/Valkey.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dwsmith1983/tridx/internal/quota"
	"github.com/dwsmith1983/tridx/internal/store"
	"github.com/dwsmith1983/tridx/pkg/types"
)

// Compile-time interface satisfaction check.
var _ store.Coordinator = (*Coordinator)(nil)

// releaseScript deletes the lock only when it still holds our token.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// reserveScript charges one call to both windows, or nothing when either is spent.
// KEYS: day counter, minute counter. ARGV: daily allowance, minute limit, day ttl, minute ttl.
const reserveScript = `
local day = tonumber(redis.call('GET', KEYS[1]) or '0')
local minute = tonumber(redis.call('GET', KEYS[2]) or '0')
if day >= tonumber(ARGV[1]) or minute >= tonumber(ARGV[2]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return 1
`

// Coordinator implements store.Coordinator backed by Redis/Valkey.
type Coordinator struct {
	client  *goredis.Client
	prefix  string
	release *goredis.Script
	reserve *goredis.Script

	mu     sync.Mutex
	tokens map[string]string
}

// New creates a Coordinator from connection settings.
func New(cfg *types.RedisConfig) *Coordinator {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewFromClient(client, cfg.KeyPrefix)
}

// NewFromClient creates a Coordinator from an existing client (useful for testing).
func NewFromClient(client *goredis.Client, prefix string) *Coordinator {
	if prefix == "" {
		prefix = "tridx:"
	}
	return &Coordinator{
		client:  client,
		prefix:  prefix,
		release: goredis.NewScript(releaseScript),
		reserve: goredis.NewScript(reserveScript),
		tokens:  make(map[string]string),
	}
}

// Ping checks connectivity to the Redis server.
func (c *Coordinator) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

func (c *Coordinator) lockKey(key string) string {
	return c.prefix + "lock:" + key
}

func (c *Coordinator) quotaKey(provider, kind string, window time.Time) string {
	return fmt.Sprintf("%squota:%s:%s:%d", c.prefix, provider, kind, window.Unix())
}

// AcquireLock attempts to acquire the lock with SET NX and the given TTL. The TTL
// bounds how long a crashed holder can block later runs.
func (c *Coordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	ok, err := c.client.SetNX(ctx, c.lockKey(key), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if ok {
		c.mu.Lock()
		c.tokens[key] = token
		c.mu.Unlock()
	}
	return ok, nil
}

// ReleaseLock releases a lock this process holds.
func (c *Coordinator) ReleaseLock(ctx context.Context, key string) error {
	c.mu.Lock()
	token, ok := c.tokens[key]
	delete(c.tokens, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.release.Run(ctx, c.client, []string{c.lockKey(key)}, token).Err()
}

// QuotaUsage reads the day and minute counters.
func (c *Coordinator) QuotaUsage(ctx context.Context, provider string, now time.Time) (types.QuotaUsage, error) {
	usage := types.QuotaUsage{Provider: provider, AsOf: now}
	vals, err := c.client.MGet(ctx,
		c.quotaKey(provider, quota.WindowDay, quota.DayWindow(now)),
		c.quotaKey(provider, quota.WindowMinute, quota.MinuteWindow(now)),
	).Result()
	if err != nil {
		return usage, fmt.Errorf("reading quota for %s: %w", provider, err)
	}
	usage.UsedToday = toInt(vals[0])
	usage.MinuteUsed = toInt(vals[1])
	return usage, nil
}

// ReserveCall atomically charges one call when budget remains.
func (c *Coordinator) ReserveCall(ctx context.Context, provider string, limits types.QuotaLimits, now time.Time) (bool, error) {
	keys := []string{
		c.quotaKey(provider, quota.WindowDay, quota.DayWindow(now)),
		c.quotaKey(provider, quota.WindowMinute, quota.MinuteWindow(now)),
	}
	res, err := c.reserve.Run(ctx, c.client, keys,
		limits.Daily-limits.DailyBuffer, limits.Minute,
		int((48 * time.Hour).Seconds()), int((2 * time.Minute).Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("reserving quota for %s: %w", provider, err)
	}
	return res == 1, nil
}

func toInt(v interface{}) int {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
