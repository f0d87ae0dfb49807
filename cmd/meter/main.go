package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/usage-meter/config"
	"github.com/vnmchuo/usage-meter/internal/alerts"
	"github.com/vnmchuo/usage-meter/internal/auth"
	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/limits"
	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/provider"
	"github.com/vnmchuo/usage-meter/internal/provider/openai"
	"github.com/vnmchuo/usage-meter/internal/proxy"
	"github.com/vnmchuo/usage-meter/internal/reporting"
	"github.com/vnmchuo/usage-meter/internal/seeder"
	"github.com/vnmchuo/usage-meter/internal/session"
	"github.com/vnmchuo/usage-meter/internal/telemetry"
	"github.com/vnmchuo/usage-meter/internal/tracker"
	"github.com/vnmchuo/usage-meter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := telemetry.SetupLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(telemetry.ServiceName, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Storage
	var (
		store    billing.Store
		keyStore auth.Store
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect postgres")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping postgres")
		}
		pg := billing.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate usage schema")
		}
		keys := auth.NewPostgresStore(pool)
		if err := keys.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate api key schema")
		}
		store, keyStore = pg, keys
		log.Info().Msg("PostgreSQL connected")
	default:
		store, keyStore = billing.NewMemoryStore(), auth.NewMemoryStore()
		log.Warn().Msg("using in-memory store; usage is lost on restart")
	}

	// 4. Redis (optional)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to ping redis")
		}
		log.Info().Msg("Redis connected")
	}

	// 5. Pricing
	pricebook := pricing.DefaultPricebook()
	if cfg.PricebookPath != "" {
		if pricebook, err = pricing.LoadPricebook(cfg.PricebookPath); err != nil {
			log.Fatal().Err(err).Str("path", cfg.PricebookPath).Msg("failed to load pricebook")
		}
	}
	resolver := pricing.NewResolver(store, pricebook, pricing.WithPersistDefaults(cfg.PersistDefaultRates))

	if cfg.SeedDefaults {
		if _, err := seeder.SeedDefaults(ctx, store, pricebook); err != nil {
			log.Fatal().Err(err).Msg("failed to seed defaults")
		}
	}
	if cfg.RunSeed {
		seeder.SeedTestAPIKey(ctx, keyStore)
	}

	// 6. Metering
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)
	evaluator := limits.NewEvaluator(store,
		limits.WithEnforcement(cfg.EnforcementEnabled),
		limits.WithDefaultTier(cfg.DefaultTier),
		limits.WithSubscriptionCache(rdb, 0),
	)
	usageTracker := tracker.New(store, resolver,
		tracker.WithMetering(cfg.MeteringEnabled),
		tracker.WithRollupMode(tracker.RollupMode(cfg.RollupMode)),
	)
	reports := reporting.NewService(store, evaluator)

	var sweeper *alerts.Sweeper
	if cfg.AlertsEnabled {
		sweeper = alerts.NewSweeper(store, evaluator, alerts.WithInterval(cfg.AlertInterval))
		go sweeper.Start(ctx)
	}

	// 7. Sessions and rate limiting
	var sessions session.Store = session.NewMemoryStore(session.DefaultTTL)
	if rdb != nil {
		sessions = session.NewRedisStore(rdb, session.DefaultTTL)
	}
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Providers
	providers := []provider.Provider{
		openai.New(cfg.OpenAIAPIKey,
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithModels(pricebook.Models("openai")),
		),
	}
	router := proxy.NewRouter(providers, resolver)
	handler := proxy.NewHandler(router, usageTracker, evaluator, reports, limiter, sessions, tracer)

	// 9. HTTP
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(accessLog)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", healthHandler(store, rdb, sweeper))
	r.Handle("/metrics", telemetry.MetricsHandler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(keyStore, rdb))
		handler.Routes(r)
	})

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).
			Bool("metering", cfg.MeteringEnabled).Bool("enforcement", cfg.EnforcementEnabled).
			Str("rollup_mode", cfg.RollupMode).Msg("usage meter starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
