package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/catalog"
	"chatrelay/internal/config"
	"chatrelay/internal/dispatch"
	"chatrelay/internal/feature"
	"chatrelay/internal/hub"
	"chatrelay/internal/limits"
	"chatrelay/internal/metrics"
	"chatrelay/internal/providers/imgur"
	"chatrelay/internal/providers/registry"
	"chatrelay/internal/server"
	"chatrelay/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Bool("redis", cfg.Redis.Enabled()).
		Int64("rate_limit_per_hour", cfg.Rate.PerHour).
		Msg("starting chatrelay")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cat, err := catalog.Load(cfg.ProvidersFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load provider catalog")
	}
	if missing := cfg.MissingCredentials(cat.Credentials()); len(missing) > 0 {
		log.Warn().Strs("missing", missing).Msg("provider credentials not set; those providers will be skipped")
	}
	if cfg.ImgurClientID == "" {
		log.Warn().Msg("IMGUR_CLIENT_ID not set; uploads are disabled")
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}
	chains, err := registry.BuildAll(cat, registry.BuildOptions{
		Credentials: cfg.APIKeys,
		HTTPClient:  httpClient,
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build providers")
	}
	required := make(map[feature.Feature][]string)
	for _, f := range cat.Features() {
		required[f] = cat.RequiredFields(f)
	}

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	m := metrics.Global()
	pushHub := hub.New(hub.Config{
		Redis:   rdb,
		Replay:  server.TranscriptReplay(store),
		Logger:  log.Logger,
		Metrics: m,
	})
	defer pushHub.Close()

	dispatcher := dispatch.New(dispatch.Config{
		Providers: chains,
		Required:  required,
		Logger:    log.Logger,
		Metrics:   m,
	})
	served := []string{}
	for _, f := range dispatcher.Features() {
		served = append(served, f.String())
	}
	log.Info().Strs("features", served).Msg("providers loaded")

	srv := server.New(server.Config{
		Dispatcher: dispatcher,
		Store:      store,
		Hub:        pushHub,
		Uploader: imgur.New(imgur.Config{
			ClientID:   cfg.ImgurClientID,
			HTTPClient: httpClient,
		}),
		RateLimiter: limits.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Idempotency: limits.NewIdempotency(rdb, cfg.Redis.IdempotencyTTL),
		StaticDir:   cfg.StaticDir,
		HealthPath:  cfg.HealthPath,
		MetricsPath: cfg.MetricsPath,
		Logger:      log.Logger,
		Metrics:     m,
	})

	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
