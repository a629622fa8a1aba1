// Package main is the entry point for the askrelay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/softkeel/askrelay/internal/cache"
	"github.com/softkeel/askrelay/internal/config"
	"github.com/softkeel/askrelay/internal/history"
	"github.com/softkeel/askrelay/internal/identity"
	"github.com/softkeel/askrelay/internal/market"
	"github.com/softkeel/askrelay/internal/metrics"
	"github.com/softkeel/askrelay/internal/newsfeed"
	"github.com/softkeel/askrelay/internal/observability"
	"github.com/softkeel/askrelay/internal/relay"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootLogger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel("info"),
		Output:     os.Stdout,
		JSONFormat: true,
	}, observability.NewRedactor())

	cfgManager, err := config.NewManager(*configPath, bootLogger.Slog())
	if err != nil {
		bootLogger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()

	logLevel := new(slog.LevelVar)
	logLevel.Set(observability.ParseLevel(cfg.Logging.Level))
	appLogger := observability.NewLogger(observability.LoggerConfig{
		Level:      logLevel,
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	}, observability.NewRedactor())
	logger := appLogger.Slog()

	logger.Info("starting askrelay", "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log verbosity follows config reloads; everything else reads its
	// settings at construction and needs a restart.
	cfgManager.OnChange(func(next *config.Config) {
		logLevel.Set(observability.ParseLevel(next.Logging.Level))
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	store, err := newHistoryStore(cfg)
	if err != nil {
		logger.Error("failed to initialize history store", "driver", cfg.History.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	proxyCache, err := cache.New(cfg.Cache, cfg.News.CacheTTL)
	if err != nil {
		logger.Error("failed to initialize cache", "backend", cfg.Cache.Backend, "error", err)
		os.Exit(1)
	}
	defer proxyCache.Close()

	adapter := relay.NewAdapter(cfg.Relay, logger)
	recorder := history.NewRecorder(store, logger)
	resolver := identity.NewResolver(cfg.Identity.JWTSecret, logger)
	relayHandler := relay.NewHandler(adapter, recorder, store, resolver, logger,
		cfg.Relay.StallTimeout, cfg.Relay.MaxRequestBytes)

	newsHandler := newsfeed.NewHandler(
		newsfeed.NewClient(cfg.News, logger),
		proxyCache, cfg.News.CacheTTL, logger)
	marketHandler := market.NewHandler(
		market.NewClient(cfg.Market, logger),
		proxyCache, cfg.Market.CacheTTL, logger)

	mux := buildMux(cfg, relayHandler, newsHandler, marketHandler)

	var handler http.Handler = mux
	handler = metrics.Middleware(handler)
	handler = observability.RequestIDMiddleware(handler)
	handler = corsMiddleware(cfg.CORS, handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

func newHistoryStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Driver {
	case "postgres":
		return history.NewPostgresStore(cfg.History.Postgres)
	case "memory", "":
		return history.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", cfg.History.Driver)
	}
}
