package ratelimit

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/payment-gateway/internal/apperr"
	"github.com/yourorg/payment-gateway/internal/auth"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderRetryAfter = "Retry-After"
)

// Middleware admits one request per token. Callers authenticated by
// auth.Middleware are keyed by credential and tier; anyone else shares the
// public bucket of their client IP.
func Middleware(l *Limiter, tiers Tiers) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, tier := "ip:"+c.ClientIP(), PublicTier
		if cred, ok := auth.FromGin(c); ok {
			key, tier = "cred:"+cred.ID, cred.Tier
		}

		d, err := l.Allow(c.Request.Context(), key, tiers.Bucket(tier))
		if d.Limit > 0 {
			c.Header(HeaderLimit, strconv.Itoa(d.Limit))
			c.Header(HeaderRemaining, strconv.Itoa(d.Remaining))
		}
		if err != nil {
			if apperr.KindOf(err) == apperr.RateLimitExceeded {
				c.Header(HeaderRetryAfter, apperr.RetryAfterHeader(d.RetryAfter))
			}
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Next()
	}
}
