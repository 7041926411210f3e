package httpapi

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/payment-gateway/internal/apperr"
	tracectx "github.com/yourorg/payment-gateway/internal/context"
)

const (
	HeaderTraceID        = "X-Trace-Id"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"

	ctxKeyTrace = "httpapi.trace"
)

// Trace starts one TraceContext per request and echoes its id in X-Trace-Id.
func Trace() gin.HandlerFunc {
	return func(c *gin.Context) {
		tc := tracectx.NewTraceContext(c.Request.Context())
		c.Request = c.Request.WithContext(tc.Context())
		c.Set(ctxKeyTrace, tc)
		c.Header(HeaderTraceID, tc.GetTraceID())
		c.Next()
	}
}

// TraceFrom returns the request's TraceContext, starting one if Trace did not run.
func TraceFrom(c *gin.Context) tracectx.TraceContext {
	if v, ok := c.Get(ctxKeyTrace); ok {
		if tc, ok := v.(tracectx.TraceContext); ok {
			return tc
		}
	}
	tc := tracectx.NewTraceContext(c.Request.Context())
	c.Set(ctxKeyTrace, tc)
	return tc
}

func traceID(c *gin.Context) string {
	return TraceFrom(c).GetTraceID()
}

// Fail records err for ErrorHandler and stops the chain.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// ErrorHandler renders the last recorded error as the standard payload.
func ErrorHandler(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() || len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		ae := apperr.Translate(err, traceID(c), 0, "")
		if ae.Kind == apperr.Internal {
			l.LogAttrs(c.Request.Context(), slog.LevelError, "request_failed",
				slog.String("trace_id", ae.TraceID),
				slog.Int("status", ae.Status),
				slog.Any("err", err),
			)
		}
		c.AbortWithStatusJSON(ae.Status, ae.Payload())
	}
}

// Logger writes one line per request.
func Logger(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path = path + "?" + q
		}

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("trace_id", traceID(c)),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.Int("bytes", c.Writer.Size()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		l.LogAttrs(c.Request.Context(), level, "http_request", attrs...)
	}
}

// Recovery turns a panic into an InternalError response.
func Recovery(l *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		l.LogAttrs(c.Request.Context(), slog.LevelError, "panic_recovered",
			slog.String("trace_id", traceID(c)),
			slog.Any("panic", recovered),
			slog.String("stack", string(debug.Stack())),
		)
		Fail(c, apperr.InternalErr("Internal server error", fmt.Errorf("panic: %v", recovered)))
	})
}
