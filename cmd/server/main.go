package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yourorg/payment-gateway/internal/adapter"
	"github.com/yourorg/payment-gateway/internal/adapter/paypal"
	"github.com/yourorg/payment-gateway/internal/adapter/stripe"
	"github.com/yourorg/payment-gateway/internal/audit"
	"github.com/yourorg/payment-gateway/internal/auth"
	"github.com/yourorg/payment-gateway/internal/circuitbreaker"
	"github.com/yourorg/payment-gateway/internal/config"
	"github.com/yourorg/payment-gateway/internal/httpapi"
	"github.com/yourorg/payment-gateway/internal/idempotency"
	"github.com/yourorg/payment-gateway/internal/metrics"
	"github.com/yourorg/payment-gateway/internal/monitor"
	"github.com/yourorg/payment-gateway/internal/orchestrator"
	"github.com/yourorg/payment-gateway/internal/policy"
	"github.com/yourorg/payment-gateway/internal/ratelimit"
	"github.com/yourorg/payment-gateway/internal/retry"
	"github.com/yourorg/payment-gateway/internal/store"
)

const shutdownTimeout = 15 * time.Second

// app is the wired server plus everything that must be closed on shutdown.
type app struct {
	router  *gin.Engine
	closers []func(context.Context) error
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// setupRouter wires every component described by cfg around rdb.
func setupRouter(cfg *config.Config, rdb redis.UniversalClient, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		_ = a.close(context.Background())
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		records store.RecordStore
		sinks   = audit.Multi{audit.LogSink{Logger: logger}}
	)
	switch cfg.DBDriver {
	case "mysql":
		db, err := store.OpenMySQL(cfg.MySQL())
		if err != nil {
			return fail(err)
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, func(context.Context) error { return sqlDB.Close() })
		}
		gs, err := store.NewGormStore(db)
		if err != nil {
			return fail(err)
		}
		gsink, err := audit.NewGormSink(db)
		if err != nil {
			return fail(err)
		}
		records = gs
		sinks = append(sinks, gsink)
	default:
		records = store.NewMemoryStore()
	}

	if cfg.NATSURL != "" {
		nsink, nc, err := audit.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, func(context.Context) error { return nc.Drain() })
		sinks = append(sinks, nsink)
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout() + 5*time.Second}
	var adapters []adapter.ProviderAdapter
	if cfg.StripeAPIKey != "" {
		adapters = append(adapters, stripe.NewStripeAdapter(adapter.Options{
			APIKey: cfg.StripeAPIKey, BaseURL: cfg.StripeBaseURL, HTTPClient: httpClient,
			Store: records, Audit: sinks, Logger: logger,
		}))
	}
	if cfg.PayPalAPIKey != "" {
		adapters = append(adapters, paypal.NewPayPalAdapter(adapter.Options{
			APIKey: cfg.PayPalAPIKey, BaseURL: cfg.PayPalBaseURL, HTTPClient: httpClient,
			Store: records, Audit: sinks, Logger: logger,
		}))
	}
	if len(adapters) == 0 {
		logger.Warn("no provider API keys configured; every payment will be rejected")
	}
	registry := adapter.NewRegistry(adapters...)

	creds, err := auth.ParseAPIKeys(cfg.APIKeys)
	if err != nil {
		return fail(err)
	}

	rules, err := policy.ParseRules(cfg.PaymentRules)
	if err != nil {
		return fail(err)
	}
	enforcer, err := policy.NewPaymentPolicyEnforcer(rules)
	if err != nil {
		return fail(err)
	}

	contract := monitor.NewPaymentContractMonitor()
	if cfg.ContractSchemaPath != "" {
		if contract, err = monitor.NewContractMonitor(cfg.ContractSchemaPath); err != nil {
			return fail(err)
		}
	}

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.AttemptTimeout = cfg.ProviderTimeout()

	orch := orchestrator.NewOrchestrator(orchestrator.Config{
		Registry:    registry,
		Store:       records,
		Audit:       sinks,
		Idempotency: idempotency.NewCache(rdb, idempotency.Options{
			// A pending marker outlives the slowest possible winner, then frees the key.
			Lease:  retryPolicy.Budget() + cfg.IdempotencyWait(),
			Wait:   cfg.IdempotencyWait(),
			Logger: logger,
		}),
		Retry:       retryPolicy,
		Breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{}),
		Policy:      enforcer,
		Metrics:     m,
		Logger:      logger,
	})

	limiter := ratelimit.NewLimiter(rdb, ratelimit.Options{Mode: cfg.FailureMode(), Logger: logger, Metrics: m})

	a.router = httpapi.NewRouter(httpapi.Options{
		Service:     orch,
		Credentials: creds,
		Limiter:     limiter,
		Tiers:       cfg.Tiers,
		Contract:    contract,
		Gatherer:    reg,
		ServiceName: cfg.ServiceName,
		Logger:      logger,
		HealthChecks: map[string]httpapi.HealthCheck{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	logger.Info("gateway wired",
		slog.Int("providers", len(adapters)),
		slog.Int("credentials", creds.Len()),
		slog.Int("payment_rules", enforcer.Len()),
		slog.String("db_driver", cfg.DBDriver),
		slog.String("ratelimit_mode", string(cfg.FailureMode())),
	)
	return a, nil
}

func newTracerProvider(w io.Writer, service string) (*sdktrace.TracerProvider, error) {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("tracing: stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	slog.Debug("tracing enabled", slog.String("service", service))
	return tp, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if cfg.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	tp, err := newTracerProvider(os.Stderr, cfg.ServiceName)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	a, err := setupRouter(cfg, rdb, logger)
	if err != nil {
		_ = rdb.Close()
		return err
	}
	a.closers = append([]func(context.Context) error{
		tp.Shutdown,
		func(context.Context) error { return rdb.Close() },
	}, a.closers...)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			_ = a.close(context.Background())
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("err", err))
	}
	return a.close(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}
