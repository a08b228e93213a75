package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/mend/internal/heal"
)

const redisKeyPrefix = "mend:dedup:"

// admitScript sets the key only when absent and returns the holder either
// way. Running as one script keeps the check-and-set atomic across all
// engine processes sharing the index.
var admitScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
  return {0, existing, redis.call("PTTL", KEYS[1])}
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return {1, ARGV[1], tonumber(ARGV[2])}
`)

// RedisIndex is a shared Index for multi-process deployments. Expiry is
// delegated to Redis key TTLs, so EvictExpired is a no-op.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex connects to Redis and verifies the connection.
func NewRedisIndex(ctx context.Context, addr, password string, db int) (*RedisIndex, error) {
	if addr == "" {
		return nil, errors.New("dedup: redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dedup: redis ping: %w", err)
	}
	return &RedisIndex{client: client}, nil
}

// TryAdmit implements Index.
func (r *RedisIndex) TryAdmit(ctx context.Context, key, caseID string, now time.Time, ttl time.Duration) (Decision, error) {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis <= 0 {
		ttlMillis = 1000
	}

	result, err := admitScript.Run(ctx, r.client, []string{redisKeyPrefix + key}, caseID, ttlMillis).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("dedup: redis admit: %w", err)
	}
	values, ok := result.([]any)
	if !ok || len(values) < 3 {
		return Decision{}, errors.New("dedup: unexpected redis admit response")
	}
	admitted, ok := values[0].(int64)
	if !ok {
		return Decision{}, errors.New("dedup: invalid redis admit flag")
	}
	if admitted == 1 {
		return Decision{Admitted: true}, nil
	}

	holder, _ := values[1].(string)
	remainingMillis, _ := values[2].(int64)
	expiresAt := now
	if remainingMillis > 0 {
		expiresAt = now.Add(time.Duration(remainingMillis) * time.Millisecond)
	}
	return Decision{Existing: &heal.DedupEntry{
		Key:       key,
		CaseID:    holder,
		ExpiresAt: expiresAt,
	}}, nil
}

// EvictExpired implements Index. Redis expires keys itself.
func (r *RedisIndex) EvictExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close implements Index.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
