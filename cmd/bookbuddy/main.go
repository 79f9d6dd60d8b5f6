package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookbuddy/internal/app"
	"bookbuddy/internal/config"
	"bookbuddy/internal/ratelimit"
	"bookbuddy/internal/server"
	"bookbuddy/internal/util"
	"bookbuddy/pkg/store"
)

func main() {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer dataStore.Close()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	var limiter server.WriteLimiter
	if cfg.RedisAddr != "" && cfg.WriteRateLimitPerMinute > 0 {
		rl, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.WriteRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init rate limiter: %v", err)
		}
		defer rl.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rl.Ping(pingCtx); err != nil {
			logger.Warn("redis not reachable; writes will be rejected until it is", "err", err)
		}
		cancel()
		limiter = rl
	} else {
		logger.Info("write rate limiting disabled")
	}

	appCore, err := app.New(app.Config{Store: dataStore})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ReconcileOnStartup {
		if _, err := appCore.Reconcile(ctx); err != nil {
			logger.Error("startup reconciliation failed", "err", err)
		}
	}
	go appCore.RunReconciler(ctx, cfg.ReconcileInterval.Std())

	httpServer, err := server.New(server.Config{
		App:                appCore,
		Limiter:            limiter,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("bookbuddy server listening", "addr", addr, "store", cfg.StoreDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
		return
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func openStore(cfg config.FileConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		slog.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.NewGormStore(cfg.DatabaseURL, store.WithOpTimeout(cfg.StoreTimeout.Std()))
	}
}
