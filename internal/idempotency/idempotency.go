// Package idempotency maps client idempotency keys to the response produced
// for them. A key is first reserved with a pending marker (SET NX) so that
// concurrent duplicates wait for the winner instead of dispatching twice.
package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/payment"
)

const (
	DefaultTTL    = 24 * time.Hour
	DefaultLease  = 2 * time.Minute
	DefaultPoll   = 50 * time.Millisecond
	DefaultPrefix = "idempotency:"

	pendingPrefix = "pending:"
)

// completeScript stores the response with the full TTL, only while the key
// still holds our marker (or nothing).
var completeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', tonumber(ARGV[3]))
return 1
`)

// releaseScript deletes the key only if it still holds our marker.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options configures a Cache. TTL applies to stored responses. Lease bounds
// how long a pending marker can outlive a winner that never settles. Wait
// is how long a duplicate polls for the winner; zero fails fast.
type Options struct {
	TTL    time.Duration
	Lease  time.Duration
	Wait   time.Duration
	Poll   time.Duration
	Prefix string
	Logger *slog.Logger
}

// Cache is the Redis-backed idempotency cache.
type Cache struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	lease  time.Duration
	wait   time.Duration
	poll   time.Duration
	prefix string
	logger *slog.Logger
}

func NewCache(rdb redis.Cmdable, opts Options) *Cache {
	if rdb == nil {
		panic("idempotency: NewCache requires a redis client")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Wait < 0 {
		opts.Wait = 0
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		rdb:    rdb,
		ttl:    opts.TTL,
		lease:  opts.Lease,
		wait:   opts.Wait,
		poll:   opts.Poll,
		prefix: opts.Prefix,
		logger: opts.Logger,
	}
}

// Reservation is held by the caller that won a key. Exactly one of
// Complete or Release should follow.
type Reservation struct {
	cache    *Cache
	key      string
	marker   string
	Degraded bool // the cache failed; the call proceeds without protection
}

// Begin returns a cached response for key, or a Reservation the caller must
// settle after dispatching. A duplicate that keeps seeing the pending
// marker past the wait window fails with IdempotencyInFlight.
func (c *Cache) Begin(ctx context.Context, key string) (*payment.PaymentResponse, *Reservation, error) {
	r := &Reservation{cache: c, key: c.prefix + key, marker: pendingPrefix + uuid.NewString()}
	deadline := time.Now().Add(c.wait)

	for {
		won, err := c.rdb.SetNX(ctx, r.key, r.marker, c.lease).Result()
		if err != nil {
			return nil, c.degrade(ctx, r, "reserve", err), nil
		}
		if won {
			return nil, r, nil
		}

		raw, err := c.rdb.Get(ctx, r.key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Released or expired between SETNX and GET.
			continue
		}
		if err != nil {
			return nil, c.degrade(ctx, r, "read", err), nil
		}

		if !strings.HasPrefix(string(raw), pendingPrefix) {
			var resp payment.PaymentResponse
			if err := msgpack.Unmarshal(raw, &resp); err != nil {
				return nil, c.degrade(ctx, r, "decode", err), nil
			}
			return &resp, nil, nil
		}

		if !time.Now().Before(deadline) {
			return nil, nil, apperr.InFlightErr(key)
		}
		if err := sleep(ctx, c.poll); err != nil {
			return nil, nil, apperr.Wrap(apperr.Timeout, "Cancelled while waiting for an in-flight request", err)
		}
	}
}

func (c *Cache) degrade(ctx context.Context, r *Reservation, op string, err error) *Reservation {
	c.logger.WarnContext(ctx, "idempotency cache unavailable, proceeding without it",
		"op", op, "key", r.key, "error", err)
	r.Degraded = true
	return r
}

// Complete stores resp for the reserved key. Failures are logged, not returned.
func (r *Reservation) Complete(ctx context.Context, resp payment.PaymentResponse) {
	b, err := msgpack.Marshal(resp)
	if err != nil {
		r.cache.logger.WarnContext(ctx, "idempotency encode failed", "key", r.key, "error", err)
		return
	}
	ttlMs := r.cache.ttl.Milliseconds()
	stored, err := completeScript.Run(ctx, r.cache.rdb, []string{r.key}, r.marker, b, ttlMs).Int()
	if err != nil {
		r.cache.logger.WarnContext(ctx, "idempotency store failed", "key", r.key, "error", err)
		return
	}
	if stored == 0 {
		r.cache.logger.WarnContext(ctx, "idempotency key taken over before completion", "key", r.key)
	}
}

// Release drops the pending marker so the client can retry with the same key.
func (r *Reservation) Release(ctx context.Context) {
	if err := releaseScript.Run(ctx, r.cache.rdb, []string{r.key}, r.marker).Err(); err != nil {
		r.cache.logger.WarnContext(ctx, "idempotency release failed", "key", r.key, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
