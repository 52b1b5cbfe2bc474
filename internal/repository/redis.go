package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"slotbook/internal/config"

	"github.com/redis/go-redis/v9"
)

// SlotKeys returns the lock keys for holding every resource at start, sorted
// so that concurrent lockers always contend in the same order.
func SlotKeys(resourceIDs []int64, start time.Time) []string {
	ids := append([]int64(nil), resourceIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	keys := make([]string, 0, len(ids))
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		keys = append(keys, fmt.Sprintf("slot_lock:%d:%d", id, start.UTC().Unix()))
	}
	return keys
}

// lockScript sets every key or none of them.
var lockScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
    if redis.call("EXISTS", key) == 1 then
        return 0
    end
end
for i, key in ipairs(KEYS) do
    redis.call("SET", key, ARGV[1], "PX", ARGV[2])
end
return 1
`)

// unlockScript deletes only the keys still owned by the caller.
var unlockScript = redis.NewScript(`
local n = 0
for i, key in ipairs(KEYS) do
    if redis.call("GET", key) == ARGV[1] then
        n = n + redis.call("DEL", key)
    end
end
return n
`)

type RedisSlotLocker struct {
	client *redis.Client
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisSlotLocker(client *redis.Client) *RedisSlotLocker {
	return &RedisSlotLocker{client: client}
}

func (r *RedisSlotLocker) Lock(ctx context.Context, keys []string, owner string, ttl time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if len(keys) == 0 {
		return true, nil
	}
	res, err := lockScript.Run(ctx, r.client, keys, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to lock slot: %w", err)
	}
	return res == 1, nil
}

func (r *RedisSlotLocker) Unlock(ctx context.Context, keys []string, owner string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := unlockScript.Run(ctx, r.client, keys, owner).Err(); err != nil {
		return fmt.Errorf("failed to unlock slot: %w", err)
	}
	return nil
}

func (r *RedisSlotLocker) CheckRateLimit(ctx context.Context, client string, limit int, window time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	key := "rate_limit:" + client
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment rate limit: %w", err)
	}

	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("failed to set rate limit window: %w", err)
		}
	}

	return count <= int64(limit), nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
