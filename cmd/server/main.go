// Command server runs the Android subscription verification service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/mihaimyh/goverify/internal/config"
	"github.com/mihaimyh/goverify/pkg/api"
	"github.com/mihaimyh/goverify/pkg/googleplay"
	"github.com/mihaimyh/goverify/pkg/goverify"
	zerologadapter "github.com/mihaimyh/goverify/pkg/goverify/logger/zerolog"
	prommetrics "github.com/mihaimyh/goverify/pkg/goverify/metrics/prometheus"
	"github.com/mihaimyh/goverify/storage/firestore"
	"github.com/mihaimyh/goverify/storage/memory"
	"github.com/mihaimyh/goverify/storage/postgres"
	"github.com/mihaimyh/goverify/storage/redis"
	"github.com/mihaimyh/goverify/storage/tiered"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg)
	logger := zerologadapter.NewLogger(zlog)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", goverify.Field{Key: "error", Value: err})
		os.Exit(1)
	}
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	if cfg.IsDevelopment() {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Str("service", cfg.AppName).Logger().Level(zerolog.DebugLevel)
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger().Level(zerolog.InfoLevel)
}

// closer releases a backend on shutdown.
type closer func()

func run(ctx context.Context, cfg *config.Config, logger goverify.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metrics := prommetrics.NewMetrics(registry, cfg.MetricsNamespace)

	health := map[string]api.HealthCheck{}
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	ledger, closeLedger, err := buildLedger(ctx, cfg, health)
	if err != nil {
		return err
	}
	closers = append(closers, closeLedger)

	engineConfig := &goverify.Config{
		Pepper:             cfg.Pepper,
		Apps:               cfg.Apps,
		ClientKeys:         cfg.ClientKeys,
		RequireClientKey:   cfg.RequireClientKey,
		RateLimit:          cfg.RateLimit,
		CacheTTL:           cfg.CacheTTL,
		CacheMaxEntries:    cfg.CacheMaxEntries,
		DiscardRawResponse: !cfg.StoreRawResponse,
		CircuitBreaker: goverify.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		Logger:  logger,
		Metrics: metrics,
	}

	if cfg.RedisURL != "" {
		closeRedis, err := wireRedis(ctx, cfg, engineConfig, health, logger)
		if err != nil {
			return err
		}
		closers = append(closers, closeRedis)
	}

	provider, err := googleplay.New(ctx, googleplay.Config{
		CredentialsJSON: cfg.ServiceAccountJSON,
		Timeout:         cfg.GoogleTimeout,
		Retries:         cfg.GoogleRetries,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	engineConfig.ProviderTimeout = provider.CallBudget()

	engine, err := goverify.NewEngine(ledger, provider, engineConfig)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Engine:            engine,
		Logger:            logger,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		PathParam:         chi.URLParam,
		HealthChecks:      health,
	})
	if err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(handler.RequestLogger)
	r.Post("/v1/billing/android/verify", handler.Verify)
	r.Get("/v1/entitlements/{app_id}/{user_id}", handler.GetEntitlement)
	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			goverify.Field{Key: "addr", Value: cfg.HTTPAddr},
			goverify.Field{Key: "storage", Value: cfg.StorageBackend},
			goverify.Field{Key: "apps", Value: engine.AppIDs()},
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLedger(ctx context.Context, cfg *config.Config, health map[string]api.HealthCheck) (goverify.Ledger, closer, error) {
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.DatabaseURL
		pgConfig.AutoCreateTables = cfg.AutoCreateTables
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		health["database"] = store.Ping
		return store, store.Close, nil

	case config.BackendFirestore:
		var opts []option.ClientOption
		if len(cfg.ServiceAccountJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(cfg.ServiceAccountJSON))
		}
		client, err := gcfirestore.NewClient(ctx, cfg.FirestoreProjectID, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	default:
		return memory.New(), func() {}, nil
	}
}

// wireRedis shares the rate limiter and the cold cache tier across replicas.
func wireRedis(
	ctx context.Context,
	cfg *config.Config,
	engineConfig *goverify.Config,
	health map[string]api.HealthCheck,
	logger goverify.Logger,
) (closer, error) {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)

	redisConfig := redis.DefaultConfig()
	redisConfig.RateLimit = cfg.RateLimit
	store, err := redis.New(client, redisConfig)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	cache, err := tiered.New(tiered.Config{
		Hot:             goverify.NewLRUCache(cfg.CacheMaxEntries),
		Cold:            store,
		AsyncColdWrites: true,
		AsyncErrorHandler: func(err error) {
			logger.Warn("cache cold write failed", goverify.Field{Key: "error", Value: err})
		},
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	engineConfig.RateLimiter = store
	engineConfig.Cache = cache
	health["redis"] = store.Ping

	return func() {
		_ = cache.Close()
		_ = store.Close()
	}, nil
}
