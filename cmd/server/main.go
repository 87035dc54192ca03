package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/beaconlabs/beacon/internal/config"
	"github.com/beaconlabs/beacon/internal/history"
	"github.com/beaconlabs/beacon/internal/httpapi"
	"github.com/beaconlabs/beacon/internal/message"
	"github.com/beaconlabs/beacon/internal/notification"
	"github.com/beaconlabs/beacon/internal/presence"
	"github.com/beaconlabs/beacon/internal/ratelimit"
	"github.com/beaconlabs/beacon/internal/storage"
	"github.com/beaconlabs/beacon/internal/ws"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(log); err != nil {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var announcer *presence.Announcer
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer func() { _ = rdb.Close() }()
		announcer = presence.NewAnnouncer(rdb, cfg.PresenceTTL, log)
		log.Info("presence announcer enabled")
	}

	registry := presence.NewRegistry()
	broadcaster := presence.NewBroadcaster(registry, announcer, log)
	typing := presence.NewTypingTracker()
	limiter := ratelimit.NewLimiter()
	go limiter.Run(ctx, cfg.RateResetInterval)

	dispatcher := notification.NewDispatcher(store.Notifications(), registry, limiter, cfg.SendNotificationLimit, log)
	router := message.NewRouter(store.Messages(), registry, limiter, dispatcher, message.Limits{
		SendMessage:  cfg.SendMessageLimit,
		MessageNotif: cfg.MessageNotifLimit,
	}, log)
	historyService := history.NewService(store.Messages(), store.Notifications(), registry, limiter, cfg.GetHistoryLimit, log)

	hub := ws.NewHub(registry, broadcaster, typing, limiter, router, dispatcher, historyService, ws.Limits{Typing: cfg.TypingLimit}, log)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	httpapi.NewHandler(registry, historyService, dispatcher, log).Register(mux)
	mux.HandleFunc("/ws", hub.HandleWS)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			log.Info("listening with TLS", "addr", cfg.ListenAddr)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
