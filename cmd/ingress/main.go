// Command ingress runs the HTTP webhook receiver: Telegram posts
// updates to it, it validates, dedups and enqueues them, and a separate
// worker process does everything else.
//
// Bootstrap order: config → logger → resources → router → http.Server
// with read/write/idle timeouts → signal-driven shutdown within
// cfg.GracefulTimeout.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/ingress"
	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/logger"
	"github.com/ivyrail/conductor/internal/observability"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.AppEnv).Msg("conductor ingress starting")

	ctx := context.Background()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	defer st.Close()

	kvClient, err := kv.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("kv init failed")
	}
	defer kvClient.Close()

	transport := queue.NewTransport(kvClient)
	metrics := observability.NewMetrics()

	srv := ingress.New(st.Bots, st, kvClient, transport, cfg, metrics, log)

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.GatewayTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ingress listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ingress server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ingress stopped gracefully")
	}
}
