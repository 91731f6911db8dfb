package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordScript increments the signer's current bucket and pins its TTL so
// stale buckets self-clean once they can no longer fall inside any window.
// KEYS[1] = bucket key
// ARGV[1] = ttl seconds
var recordScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
return count
`)

// RedisLimiter stores one key per (signer, minute bucket) in Redis, for
// deployments where multiple petitiond nodes must share one budget.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	clock  func() time.Time
}

// NewRedisLimiter connects to Redis at addr.
func NewRedisLimiter(addr, password string, db int, limit int64, window time.Duration) *RedisLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLimiter{client: rdb, limit: limit, window: window, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *RedisLimiter) WithClock(clock func() time.Time) *RedisLimiter {
	l.clock = clock
	return l
}

func bucketKey(signerID string, start int64) string {
	return fmt.Sprintf("cosign_rl:%s:%d", signerID, start)
}

func (l *RedisLimiter) Check(ctx context.Context, signerID string) (Decision, error) {
	now := l.clock()
	newest := now.Truncate(bucketGranularity)
	n := int(l.window / bucketGranularity)

	keys := make([]string, 0, n)
	starts := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		start := newest.Add(-time.Duration(i) * bucketGranularity)
		keys = append(keys, bucketKey(signerID, start.Unix()))
		starts = append(starts, start)
	}

	values, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check: %w", err)
	}

	var current int64
	var oldest time.Time
	for i, v := range values {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		count, err := strconv.ParseInt(s, 10, 64)
		if err != nil || count == 0 {
			continue
		}
		current += count
		oldest = starts[i]
	}
	return decide(now, current, oldest, l.limit, l.window), nil
}

func (l *RedisLimiter) Record(ctx context.Context, signerID string) error {
	start := l.clock().Truncate(bucketGranularity).Unix()
	ttl := int64((l.window + bucketGranularity).Seconds())

	err := recordScript.Run(ctx, l.client, []string{bucketKey(signerID, start)}, ttl).Err()
	if err != nil {
		return fmt.Errorf("rate limit record: %w", err)
	}
	return nil
}

func (l *RedisLimiter) Limit() int64          { return l.limit }
func (l *RedisLimiter) Window() time.Duration { return l.window }
