package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/therealutkarshpriyadarshi/dataplan/internal/config"
)

const (
	// UsageKeyPrefix prefixes every cached usage snapshot
	UsageKeyPrefix = "usage:"

	// ResetMarkerKey holds the unix millis of the last daily reset
	ResetMarkerKey = "dailyReset:lastReset"

	scanBatchSize = 100
)

// Cache provides caching functionality using Redis
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(host string, port int, password string, db int) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// New creates a cache from configuration
func New(cfg config.RedisConfig) (*Cache, error) {
	return NewCache(cfg.Host, cfg.Port, cfg.Password, cfg.DB)
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// UsageKey returns the cache key of a user's usage snapshot
func UsageKey(userID string) string {
	return UsageKeyPrefix + userID
}

// Raw key operations

// Get returns the value stored at key, or nil on a miss
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get %s from cache: %w", key, err)
	}
	return data, nil
}

// Set stores value at key. A zero ttl stores without expiry.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in cache: %w", key, err)
	}
	return nil
}

// Replace overwrites value at key keeping the key's remaining TTL. Missing
// keys are left missing and reported as false.
func (c *Cache) Replace(ctx context.Context, key string, value []byte) (bool, error) {
	err := c.client.SetArgs(ctx, key, value, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to replace %s in cache: %w", key, err)
	}
	return true, nil
}

// Delete removes key from the cache
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from cache: %w", key, err)
	}
	return nil
}

// ScanKeys returns every key starting with prefix. SCAN is used instead of
// KEYS so large keyspaces do not block the server.
func (c *Cache) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys with prefix %s: %w", prefix, err)
	}
	return keys, nil
}

// Reset Marker Operations

// LastReset returns the time of the last daily reset, or the zero time
// when no reset has been recorded
func (c *Cache) LastReset(ctx context.Context) (time.Time, error) {
	data, err := c.Get(ctx, ResetMarkerKey)
	if err != nil || data == nil {
		return time.Time{}, err
	}

	millis, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse reset marker %q: %w", data, err)
	}
	return time.UnixMilli(millis), nil
}

// SetLastReset records the time of the last daily reset
func (c *Cache) SetLastReset(ctx context.Context, at time.Time) error {
	return c.Set(ctx, ResetMarkerKey, []byte(strconv.FormatInt(at.UnixMilli(), 10)), 0)
}

// Locking Operations for Distributed Systems

// AcquireLock attempts to acquire a distributed lock
func (c *Cache) AcquireLock(ctx context.Context, resource string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.SetNX(ctx, key, "locked", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Cache) ReleaseLock(ctx context.Context, resource string) error {
	key := fmt.Sprintf("lock:%s", resource)
	return c.client.Del(ctx, key).Err()
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
