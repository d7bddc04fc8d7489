package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mentorbridge/platform/libs/config"
	"github.com/mentorbridge/platform/libs/db"
	otelx "github.com/mentorbridge/platform/libs/otel"
	"github.com/mentorbridge/platform/libs/runtime"
	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/jobs"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/payments"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
	"github.com/mentorbridge/platform/services/session-service/internal/video"
)

// The worker drains scheduler_jobs: meeting creation, join-link fan-out,
// auto-termination, no-show checks, payout holds and review requests. It runs
// separately from the API so a slow conferencing provider never stalls
// request handling.
func main() {
	service := config.String("SERVICE_NAME", "session-worker")
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 5))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := storage.NewSQLStore(pool)
	clk := clock.System()

	registry := payments.NewRegistry(
		payments.NewStripeGateway(config.String("STRIPE_SECRET_KEY", "")),
	)
	if pub := config.String("OMISE_PUBLIC_KEY", ""); pub != "" {
		client, err := payments.NewOmiseClient(pub, config.String("OMISE_SECRET_KEY", ""))
		if err != nil {
			logger.Error("omise client init failed", "err", err)
			panic(err)
		}
		registry.Add(payments.NewOmiseGateway(client))
	}
	lifecycleSvc := lifecycle.NewService(store, registry, clk, logger)

	meetings := video.NewClient(
		config.String("MEETING_API_URL", ""),
		config.String("MEETING_API_KEY", ""),
	)

	exec := jobs.NewExecutor(lifecycleSvc, meetings, clk, logger)
	worker := jobs.NewWorker(store, exec, clk, logger, jobs.WorkerConfig{
		Interval:  config.Duration("WORKER_POLL_EVERY", 2*time.Second),
		BatchSize: config.Int("WORKER_BATCH_SIZE", 50),
		Backoff:   config.Duration("WORKER_RETRY_BACKOFF", time.Minute),
	})
	go worker.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
	)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(mux, "session-worker"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("health server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "err", err)
	}
}
