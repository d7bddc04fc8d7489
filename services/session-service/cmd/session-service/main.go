package main

import (
	"context"
	"net/http"
	"time"

	"github.com/omise/omise-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mentorbridge/platform/libs/config"
	"github.com/mentorbridge/platform/libs/db"
	"github.com/mentorbridge/platform/libs/httpx"
	"github.com/mentorbridge/platform/libs/kafkax"
	otelx "github.com/mentorbridge/platform/libs/otel"
	"github.com/mentorbridge/platform/libs/runtime"
	"github.com/mentorbridge/platform/services/session-service/internal/booking"
	"github.com/mentorbridge/platform/services/session-service/internal/clock"
	"github.com/mentorbridge/platform/services/session-service/internal/handlers"
	"github.com/mentorbridge/platform/services/session-service/internal/lifecycle"
	"github.com/mentorbridge/platform/services/session-service/internal/outbox"
	"github.com/mentorbridge/platform/services/session-service/internal/payments"
	"github.com/mentorbridge/platform/services/session-service/internal/pricing"
	"github.com/mentorbridge/platform/services/session-service/internal/recording"
	"github.com/mentorbridge/platform/services/session-service/internal/reschedule"
	"github.com/mentorbridge/platform/services/session-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "session-service")
	port, err := config.Port("PORT", "8086")
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
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(config.Int("DB_MAX_CONNS", 10))})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	store := storage.NewSQLStore(pool)
	clk := clock.System()

	rates, err := pricing.NewProfileRateProvider(logger, pricing.Rate{
		HourlyCents: int64(config.Int("DEFAULT_HOURLY_RATE_CENTS", 10000)),
		Currency:    config.String("DEFAULT_CURRENCY", "usd"),
	}, config.String("PROFILE_GRPC_ADDR", ""))
	if err != nil {
		panic(err)
	}

	registry := payments.NewRegistry(
		payments.NewStripeGateway(config.String("STRIPE_SECRET_KEY", "")),
	)
	var omiseClient *omise.Client
	if pub := config.String("OMISE_PUBLIC_KEY", ""); pub != "" {
		client, err := payments.NewOmiseClient(pub, config.String("OMISE_SECRET_KEY", ""))
		if err != nil {
			logger.Error("omise client init failed", "err", err)
			panic(err)
		}
		omiseClient = client
		registry.Add(payments.NewOmiseGateway(client))
	}

	bookingSvc := booking.NewService(store, rates, clk, logger)
	lifecycleSvc := lifecycle.NewService(store, registry, clk, logger)
	rescheduleSvc := reschedule.NewService(store, clk, logger)

	objects, err := recording.NewS3Store(ctx, config.String("RECORDINGS_BUCKET", "mentorbridge-recordings"))
	if err != nil {
		logger.Error("s3 store init failed", "err", err)
		panic(err)
	}
	transcriber := recording.NewHTTPTranscriber(
		config.String("TRANSCRIBER_URL", ""),
		config.String("TRANSCRIBER_API_KEY", ""),
	)
	pipeline := recording.NewPipeline(store, objects, transcriber, logger)

	outboxRepo := outbox.NewRepository()
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go outboxPublisher.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	h := handlers.New(store, bookingSvc, lifecycleSvc, rescheduleSvc, pipeline, omiseClient, clk, logger, handlers.Config{
		StripeWebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookTolerance: config.Duration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute),
		MeetingWebhookSecret:   config.String("MEETING_WEBHOOK_SECRET", ""),
	})
	h.Register(mux)

	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithActor,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
	}
	if redisURL := config.String("REDIS_URL", ""); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "err", err)
			panic(err)
		}
		limiter := httpx.NewRedisRateLimiter(
			redis.NewClient(opts),
			config.Int("RATE_LIMIT", 120),
			config.Duration("RATE_LIMIT_WINDOW", time.Minute),
			service,
		)
		middleware = append(middleware, limiter.Middleware(logger, true))
	}
	handler := httpx.Chain(mux, middleware...)
	handler = otelhttp.NewHandler(handler, "sessions")

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
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
