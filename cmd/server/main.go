package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"brewline/backend/internal/alert"
	"brewline/backend/internal/cache"
	"brewline/backend/internal/config"
	"brewline/backend/internal/httpapi"
	"brewline/backend/internal/lock"
	"brewline/backend/internal/logging"
	"brewline/backend/internal/service"
	"brewline/backend/internal/store"
	"brewline/backend/internal/store/memory"
	pgstore "brewline/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid logging configuration")
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	opts := service.Options{
		DefaultBranchID:      cfg.DefaultBranchID,
		RecipeCache:          cache.NoopRecipeCache{},
		RecipeCacheTTL:       cfg.RecipeCacheTTL,
		Locker:               lock.NewLocalLocker(),
		Notifier:             alert.NewLogNotifier(logger.WithField("component", "alert")),
		PreflightConcurrency: cfg.PreflightConcurrency,
		Logger:               logger,
	}

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		recipeCache := cache.NewRedisRecipeCache(client)
		if err := recipeCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache and in-process locks")
			_ = client.Close()
		} else {
			opts.RecipeCache = recipeCache
			opts.Locker = lock.NewRedisLocker(client, cfg.OrderLockTTL, logger.WithField("component", "lock"))
			opts.Notifier = alert.NewRedisNotifier(client, cfg.AlertChannel)
			closers = append(closers, client.Close)
			logger.WithField("addr", cfg.RedisAddr).Info("cache, locks and alerts: redis")
		}
	} else {
		logger.Info("cache: noop, locks: in-process")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL, repo, logger.WithField("component", "auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.WithField("component", "http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("brewline backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Error("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	lowered := strings.ToLower(cfg.AuthSecret)
	if strings.Contains(lowered, "change-me") || strings.Count(lowered, string(lowered[0])) == len(lowered) {
		return fmt.Errorf("AUTH_SECRET looks like a placeholder")
	}
	return nil
}
