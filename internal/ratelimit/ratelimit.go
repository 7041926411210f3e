// Package ratelimit is token-bucket admission control keyed by caller
// credential. Bucket state lives in Redis and is updated by one Lua script
// so concurrent requests sharing a credential cannot race.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/metrics"
)

// Tiers maps a credential tier to its per-minute request limit.
type Tiers map[string]int

// PublicTier is used for unknown tiers and unauthenticated callers.
const PublicTier = "public"

// DefaultTiers returns a fresh copy of the default per-minute limits.
func DefaultTiers() Tiers {
	return Tiers{
		"starter":  100,
		"growth":   500,
		"scale":    2000,
		"admin":    10000,
		PublicTier: 60,
	}
}

// Bucket returns the bucket for tier, falling back to the public limit.
func (t Tiers) Bucket(tier string) Bucket {
	if limit, ok := t[tier]; ok {
		return PerMinute(limit)
	}
	if limit, ok := t[PublicTier]; ok {
		return PerMinute(limit)
	}
	return PerMinute(DefaultTiers()[PublicTier])
}

// FailureMode decides what happens when the cache is unreachable.
type FailureMode string

const (
	FailOpen   FailureMode = "open"   // admit, preserving availability
	FailClosed FailureMode = "closed" // reject, preserving protection
)

// ParseFailureMode accepts "open" or "closed"; empty means open.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	}
	return "", fmt.Errorf("ratelimit: unknown failure mode %q", s)
}

// Bucket is the shape of one credential's token bucket.
type Bucket struct {
	Capacity        float64
	RefillPerSecond float64
}

// PerMinute builds a bucket that bursts to limit and refills limit tokens a minute.
func PerMinute(limit int) Bucket {
	return Bucket{Capacity: float64(limit), RefillPerSecond: float64(limit) / 60}
}

// TTL is the time to refill from empty to full, at least one second.
func (b Bucket) TTL() time.Duration {
	if b.RefillPerSecond <= 0 {
		return time.Second
	}
	secs := math.Ceil(b.Capacity / b.RefillPerSecond)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Degraded   bool // the cache failed and the fail-open policy admitted the call
}

// tokenBucket refills by elapsed*rate capped at capacity, then takes one
// token if available. Timestamps are milliseconds supplied by the caller.
var tokenBucket = redis.NewScript(`
local key      = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate     = tonumber(ARGV[2])
local now      = tonumber(ARGV[3])
local ttl      = tonumber(ARGV[4])

local state  = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts     = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts) / 1000
tokens = math.min(capacity, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

// Options configures a Limiter.
type Options struct {
	Mode    FailureMode
	Prefix  string
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Limiter checks buckets in Redis.
type Limiter struct {
	rdb     redis.Scripter
	mode    FailureMode
	prefix  string
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewLimiter(rdb redis.Scripter, opts Options) *Limiter {
	if rdb == nil {
		panic("ratelimit: NewLimiter requires a redis client")
	}
	if opts.Mode == "" {
		opts.Mode = FailOpen
	}
	if opts.Prefix == "" {
		opts.Prefix = "ratelimit:"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewUnregistered()
	}
	return &Limiter{
		rdb:     rdb,
		mode:    opts.Mode,
		prefix:  opts.Prefix,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Mode returns the configured failure mode.
func (l *Limiter) Mode() FailureMode { return l.mode }

// Allow takes one token from key's bucket. A rejected call returns a
// RateLimitExceeded error alongside the decision. A cache failure follows
// the configured mode: open admits with Degraded set, closed returns a
// NetworkError.
func (l *Limiter) Allow(ctx context.Context, key string, b Bucket) (Decision, error) {
	d := Decision{Limit: int(b.Capacity)}
	nowMs := l.now().UnixMilli()
	ttl := int64(b.TTL() / time.Second)

	res, err := tokenBucket.Run(ctx, l.rdb, []string{l.prefix + key},
		strconv.FormatFloat(b.Capacity, 'f', -1, 64),
		strconv.FormatFloat(b.RefillPerSecond, 'f', -1, 64),
		nowMs, ttl,
	).Slice()
	if err == nil {
		err = d.fill(res, b)
	}
	if err != nil {
		return l.degrade(ctx, key, d, err)
	}
	if !d.Allowed {
		l.metrics.RateLimitRejects.Inc()
		return d, apperr.RateLimitErr(d.Limit, d.Remaining, d.RetryAfter)
	}
	return d, nil
}

func (d *Decision) fill(res []any, b Bucket) error {
	if len(res) != 2 {
		return fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return fmt.Errorf("ratelimit: unexpected allowed flag %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return fmt.Errorf("ratelimit: unexpected token count %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("ratelimit: parse token count: %w", err)
	}
	d.Allowed = allowed == 1
	d.Remaining = int(math.Floor(tokens))
	if !d.Allowed && b.RefillPerSecond > 0 {
		d.RetryAfter = time.Duration((1 - tokens) / b.RefillPerSecond * float64(time.Second))
	}
	return nil
}

func (l *Limiter) degrade(ctx context.Context, key string, d Decision, err error) (Decision, error) {
	l.metrics.RateLimitCacheErrs.WithLabelValues(string(l.mode)).Inc()
	l.logger.WarnContext(ctx, "rate limiter cache unavailable",
		"key", key, "failure_mode", string(l.mode), "error", err)
	if l.mode == FailClosed {
		return d, apperr.Wrap(apperr.Network, "Rate limiter unavailable", err)
	}
	d.Allowed = true
	d.Degraded = true
	d.Remaining = d.Limit
	return d, nil
}
