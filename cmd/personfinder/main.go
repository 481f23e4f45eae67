package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"personfinder/internal/app"
	"personfinder/internal/config"
	"personfinder/internal/ratelimit"
	"personfinder/internal/server"
	"personfinder/internal/util"
	"personfinder/pkg/facevec"
	"personfinder/pkg/match"
	"personfinder/pkg/notify"
	"personfinder/pkg/storage"
	"personfinder/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init database: %v", err)
	}

	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, time.Duration(cfg.SessionTTLMinutes)*time.Minute)
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	photos, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	notifier := notify.NewService(st, cfg.NotifyAdminsOnFound)
	dispatcher, err := notify.NewRedisDispatcher(notify.RedisDispatcherConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   cfg.NotifyStream,
		Group:    cfg.NotifyGroup,
	})
	if err != nil {
		log.Fatalf("failed to init event dispatcher: %v", err)
	}

	appCore := app.New(
		st,
		sessions,
		facevec.NewHTTPExtractor(cfg.FaceServiceURL),
		match.NewEngine(),
		photos,
		notifier,
		dispatcher,
		app.Options{
			AllowUserSearch: cfg.AllowUserSearch,
			PhotoURLTTL:     time.Duration(cfg.PhotoURLTTLMinutes) * time.Minute,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatcher.Start(ctx, 2, notifier.DeliverCaseFound)

	if cfg.AdminUsername != "" {
		if err := appCore.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
			log.Fatalf("failed to bootstrap admin account: %v", err)
		}
	}

	authLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "personfinder:ratelimit:auth",
		cfg.AuthRateLimit, time.Duration(cfg.AuthRateWindowSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("failed to init auth rate limiter: %v", err)
	}
	searchLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "personfinder:ratelimit:search",
		cfg.SearchRateLimit, time.Duration(cfg.SearchRateWindowSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("failed to init search rate limiter: %v", err)
	}

	httpServer := server.New(server.Config{
		App:             appCore,
		AuthLimiter:     authLimiter,
		SearchLimiter:   searchLimiter,
		MaxUploadBytes:  cfg.MaxUploadBytes,
		PhotoExtensions: cfg.PhotoExtensions(),
	})

	handler := util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(httpServer.Router())))

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("personfinder server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
