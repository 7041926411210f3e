// Package httpapi exposes the payment orchestrator over HTTP with gin.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yourorg/payment-gateway/internal/auth"
	"github.com/yourorg/payment-gateway/internal/ratelimit"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options wires the router. Service and Credentials are required.
type Options struct {
	Service     Service
	Credentials auth.CredentialRepository

	// Limiter is optional; without it /api/v1 is not rate limited.
	Limiter *ratelimit.Limiter
	Tiers   ratelimit.Tiers

	Contract     ContractChecker
	Gatherer     prometheus.Gatherer
	HealthChecks map[string]HealthCheck
	ServiceName  string
	Logger       *slog.Logger
}

// NewRouter builds the gin engine serving the payment API.
func NewRouter(opts Options) *gin.Engine {
	if opts.Service == nil || opts.Credentials == nil {
		panic("httpapi: Service and Credentials are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "payment-gateway"
	}
	if opts.Tiers == nil {
		opts.Tiers = ratelimit.DefaultTiers()
	}

	r := gin.New()
	r.Use(
		otelgin.Middleware(opts.ServiceName),
		Trace(),
		Logger(opts.Logger),
		ErrorHandler(opts.Logger),
		Recovery(opts.Logger),
	)

	r.GET("/health", healthHandler(opts.HealthChecks))
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &handlers{svc: opts.Service, contract: opts.Contract}

	api := r.Group("/api/v1")
	api.Use(auth.Middleware(opts.Credentials))
	if opts.Limiter != nil {
		api.Use(ratelimit.Middleware(opts.Limiter, opts.Tiers))
	}
	{
		api.POST("/payments", h.createPayment)
		api.GET("/payments", h.listPayments)
		api.GET("/payments/summary", h.summarizePayments)
		api.POST("/payments/:id/refund", h.refundPayment)
		api.GET("/payments/:id/status", h.paymentStatus)
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()

		status := http.StatusOK
		deps := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			deps[name] = "ok"
		}

		body := gin.H{"status": "ok", "trace_id": traceID(c)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}
		if len(deps) > 0 {
			body["dependencies"] = deps
		}
		c.JSON(status, body)
	}
}
