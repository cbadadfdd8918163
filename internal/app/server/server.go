package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"utm-content-engine/internal/api"
	"utm-content-engine/internal/config"
	"utm-content-engine/internal/engine"
	"utm-content-engine/internal/listener"
	"utm-content-engine/internal/storage"
)

func Run(cfg config.Config) {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.New(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init storage")
	}
	defer store.Close()
	if err := store.Ping(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("postgres unreachable")
	}
	if cfg.Postgres.AutoMigrate {
		if err := store.Migrate(rootCtx); err != nil {
			log.Fatal().Err(err).Msg("migrate schema")
		}
		log.Info().Msg("schema applied")
	}

	// Cache; an outage only costs latency, so don't refuse to start
	cache := storage.NewCache(cfg)
	defer cache.Close()
	if err := cache.Ping(rootCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable; serving from store until it recovers")
	}

	// Engine
	res := engine.NewResolver(store, cache, engine.OptionsFromConfig(cfg))

	// HTTP
	h := api.NewContentHandler(res, cfg.HTTP.BrowserMaxAge, cfg.HTTP.CDNMaxAge)
	ev := api.NewEventHandler(store)
	srv := newHTTPServer(cfg, api.Router(cfg, h, ev))

	// Listener (LISTEN/NOTIFY)
	go listener.ListenAndInvalidate(rootCtx, store.PgxPool(), cache, cfg.Cache.KeyPrefix, cfg.Listener.Channel, cfg.Backoff())

	// Server goroutine
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server crashed")
		}
	}()

	// Wait for signal
	waitForSignal()
	log.Info().Msg("shutdown...")

	// Graceful shutdown
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	cancel() // stop background goroutines
	_ = srv.Shutdown(shCtx)
}

func newHTTPServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}
