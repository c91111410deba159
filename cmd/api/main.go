package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"creditauth/api/internal/app"
	"creditauth/api/internal/archive"
	"creditauth/api/internal/config"
	"creditauth/api/internal/draft"
	"creditauth/api/internal/logging"
	"creditauth/api/internal/search"
	"creditauth/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		Service:     "creditauth-api",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	if len(applied) > 0 {
		logger.Info().Strs("migrations", applied).Msg("applied migrations")
	}

	deps := app.Dependencies{
		Store:  store.NewPostgresStore(db),
		Logger: logger,
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		drafts, err := draft.NewRedisStore(cfg.RedisURL, cfg.DraftTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, working copies disabled")
		} else {
			defer drafts.Close()
			deps.Drafts = drafts
		}
	}

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
		searchService := search.NewService(meili, search.NewPgSource(db), logger)
		go searchService.ReindexAllFromPG(ctx)
		deps.Search = searchService
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		decisions, err := archive.NewMinioArchive(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("minio client failed, decision archive disabled")
		} else if err := decisions.EnsureBucket(ctx); err != nil {
			logger.Warn().Err(err).Str("bucket", cfg.MinioBucket).Msg("minio bucket unavailable, decision archive disabled")
		} else {
			deps.Archive = decisions
		}
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("creditauth API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	// Open forms get one last save before the stores close.
	if err := service.CloseAllSessions(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("flush form sessions")
	}
}
