// Command worker drains every named task queue: it processes inbound
// Telegram updates through the conversation pipeline, delivers upsells
// and recovery steps, and runs the scheduler's periodic sweeps. It is
// the only process that talks to the LLM, PIX and per-bot Telegram
// APIs; ingress only ever enqueues.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/credit"
	"github.com/ivyrail/conductor/internal/crypto"
	"github.com/ivyrail/conductor/internal/kv"
	"github.com/ivyrail/conductor/internal/logger"
	"github.com/ivyrail/conductor/internal/payment"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/ratelimit"
	"github.com/ivyrail/conductor/internal/runtime"
	"github.com/ivyrail/conductor/internal/scheduler"
	"github.com/ivyrail/conductor/internal/store"
	"github.com/ivyrail/conductor/internal/tasks"
	"github.com/ivyrail/conductor/internal/triggers"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	log.Info().Str("env", cfg.AppEnv).Msg("conductor worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	limiter := ratelimit.New(kvClient, cfg)

	creditEngine, err := credit.New(st.Credit, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("credit engine init failed")
	}

	cipher, err := crypto.NewTokenCipher(cfg.EncryptionKeyB64)
	if err != nil {
		log.Fatal().Err(err).Msg("token cipher init failed")
	}

	pixClient := clients.NewPIX(cfg.PIXAPIBase, cfg.PIXAPIKey, cfg.GatewayTimeout, cfg.CircuitBreakerFailMax, cfg.CircuitBreakerTimeout)
	llmClient := clients.NewLLM(cfg.LLMAPIBase, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout, cfg.CircuitBreakerFailMax, cfg.CircuitBreakerTimeout)
	triggersEngine := triggers.New(st, pixClient)

	noGeneralPromptOverride := func(botID int64) string { return "" }
	registry := runtime.New(st, transport, limiter, creditEngine, triggersEngine, llmClient, cipher, cfg, noGeneralPromptOverride)

	var managerTelegram *clients.Telegram
	if cfg.ManagerBotToken != "" {
		managerTelegram, err = clients.NewTelegram(cfg.ManagerBotToken, cfg.TelegramTimeout, cfg.CircuitBreakerFailMax, cfg.CircuitBreakerTimeout)
		if err != nil {
			log.Error().Err(err).Msg("manager telegram client init failed — sale notifications disabled")
		}
	}

	paymentEngine := payment.New(st, registry, limiter, transport, cfg)

	pool := queue.NewPool(transport, log)
	tasks.Register(pool, tasks.Deps{
		Store:     st,
		Registry:  registry,
		Payment:   paymentEngine,
		Manager:   managerTelegram,
		Transport: transport,
		Log:       log,
	})

	for queueName, concurrency := range cfg.QueueConcurrency {
		pool.Start(ctx, queueName, concurrency)
	}

	sched := scheduler.New(st, transport, cfg, log)
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("scheduler start failed")
	}

	log.Info().Msg("worker ready")
	<-ctx.Done()

	log.Info().Msg("shutdown signal received")
	sched.Stop()
	pool.Stop()
	log.Info().Msg("worker stopped gracefully")
}
