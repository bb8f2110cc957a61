// Package limits holds the redis-backed request guards: a per-session hourly
// rate limit and a first-writer-wins idempotency marker.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript counts a hit and arms the bucket's expiry on the first one.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

type RateLimiter struct {
	redis *redis.Client
	limit int64
}

// Window is the state of one session's hourly bucket after a hit.
type Window struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Remaining never goes below zero.
func (w Window) Remaining() int64 {
	return max(w.Limit-w.Used, 0)
}

// NewRateLimiter returns a limiter allowing limit requests per session per
// clock hour. A limit of zero or less disables it.
func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Enabled() bool {
	return r != nil && r.redis != nil && r.limit > 0
}

func (r *RateLimiter) Allow(ctx context.Context, sessionID string, now time.Time) (Window, error) {
	start := now.UTC().Truncate(time.Hour)
	w := Window{Allowed: true, ResetAt: start.Add(time.Hour)}
	if !r.Enabled() {
		return w, nil
	}
	w.Limit = r.limit

	key := "chatrelay:ratelimit:" + sessionID + ":" + start.Format("2006010215")
	ttl := max(w.ResetAt.Sub(now.UTC()).Milliseconds(), 1)
	n, err := hitScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Window{}, fmt.Errorf("rate limit hit: %w", err)
	}
	w.Used = n
	w.Allowed = n <= r.limit
	return w, nil
}

// Idempotency remembers request keys so a retried request is recorded once.
type Idempotency struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewIdempotency(rdb *redis.Client, ttl time.Duration) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether this is the first time key is seen for the
// session. Without redis every key counts as first.
func (d *Idempotency) MarkFirst(ctx context.Context, sessionID, key string) (bool, error) {
	if d == nil || d.redis == nil || key == "" {
		return true, nil
	}
	ok, err := d.redis.SetNX(ctx, idemKey(sessionID, key), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx: %w", err)
	}
	return ok, nil
}

// Release forgets key so a retry of a request that failed to record is
// treated as new.
func (d *Idempotency) Release(ctx context.Context, sessionID, key string) error {
	if d == nil || d.redis == nil || key == "" {
		return nil
	}
	if err := d.redis.Del(ctx, idemKey(sessionID, key)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func idemKey(sessionID, key string) string {
	return "chatrelay:idem:" + sessionID + ":" + key
}
