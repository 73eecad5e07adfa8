// Package runtime assembles the per-bot wiring a worker needs to run
// the conversation pipeline: each bot has its own Telegram token and
// therefore its own *clients.Telegram and *blocks.Sender, but shares
// the process-wide store, credit ledger, rate limiter, trigger engine
// and queue transport. Registry builds and caches that per-bot wiring
// lazily, keeping one client instance per bot instead of rebuilding on
// every request.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ivyrail/conductor/internal/blocks"
	"github.com/ivyrail/conductor/internal/clients"
	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/credit"
	"github.com/ivyrail/conductor/internal/crypto"
	"github.com/ivyrail/conductor/internal/payment"
	"github.com/ivyrail/conductor/internal/queue"
	"github.com/ivyrail/conductor/internal/ratelimit"
	"github.com/ivyrail/conductor/internal/session"
	"github.com/ivyrail/conductor/internal/store"
	"github.com/ivyrail/conductor/internal/triggers"
)

var _ payment.SenderResolver = (*Registry)(nil)

// Registry lazily builds and caches one *session.Engine per bot.
type Registry struct {
	store     *store.Store
	transport *queue.Transport
	limiter   *ratelimit.Limiter
	credit    *credit.Engine
	triggers  *triggers.Engine
	llm       session.LLMClient
	cipher    *crypto.TokenCipher
	cfg       *config.Config

	generalPrompt func(botID int64) string

	mu   sync.Mutex
	bots map[int64]*wiredBot
}

type wiredBot struct {
	engine   *session.Engine
	telegram *clients.Telegram
	sender   *blocks.Sender
}

// New builds a Registry. generalPrompt resolves a bot's default system
// prompt; callers typically back it with a small in-process cache over
// store.Bots, since the session pipeline calls it on every message.
func New(st *store.Store, transport *queue.Transport, limiter *ratelimit.Limiter, creditEngine *credit.Engine, triggersEngine *triggers.Engine, llm session.LLMClient, cipher *crypto.TokenCipher, cfg *config.Config, generalPrompt func(botID int64) string) *Registry {
	return &Registry{
		store:         st,
		transport:     transport,
		limiter:       limiter,
		credit:        creditEngine,
		triggers:      triggersEngine,
		llm:           llm,
		cipher:        cipher,
		cfg:           cfg,
		generalPrompt: generalPrompt,
		bots:          make(map[int64]*wiredBot),
	}
}

// EngineFor returns the cached session.Engine for botID, building it
// (decrypting the bot's token and constructing its own Telegram client
// and block sender) on first use.
func (r *Registry) EngineFor(ctx context.Context, botID int64) (*session.Engine, error) {
	wired, err := r.wiredBotFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	return wired.engine, nil
}

// TelegramFor returns the cached per-bot Telegram client, used by task
// handlers (e.g. delete_message) that need to act on Telegram directly
// rather than through the block sender.
func (r *Registry) TelegramFor(ctx context.Context, botID int64) (*clients.Telegram, error) {
	wired, err := r.wiredBotFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	return wired.telegram, nil
}

// SenderFor returns the cached per-bot block sender, used by callers
// outside the session pipeline (payment fan-out, recovery dispatch,
// upsell dispatch) that need to push blocks to a specific bot's chat
// without going through session.Engine.
func (r *Registry) SenderFor(ctx context.Context, botID int64) (*blocks.Sender, error) {
	wired, err := r.wiredBotFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	return wired.sender, nil
}

func (r *Registry) wiredBotFor(ctx context.Context, botID int64) (*wiredBot, error) {
	r.mu.Lock()
	if wired, ok := r.bots[botID]; ok {
		r.mu.Unlock()
		return wired, nil
	}
	r.mu.Unlock()

	bot, err := r.store.Bots.GetByID(ctx, botID)
	if err != nil {
		return nil, fmt.Errorf("load bot %d: %w", botID, err)
	}

	token, err := r.cipher.Decrypt(bot.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt bot %d token: %w", botID, err)
	}

	telegram, err := clients.NewTelegram(token, r.cfg.TelegramTimeout, r.cfg.CircuitBreakerFailMax, r.cfg.CircuitBreakerTimeout)
	if err != nil {
		return nil, fmt.Errorf("init telegram client for bot %d: %w", botID, err)
	}
	sender := blocks.New(telegram, r.store.Media, r.transport)

	eng := session.New(session.Deps{
		Store:         r.store,
		Credit:        r.credit,
		Limiter:       r.limiter,
		LLM:           r.llm,
		Triggers:      r.triggers,
		Blocks:        sender,
		Transport:     r.transport,
		GeneralPrompt: r.generalPrompt,
	})

	wired := &wiredBot{engine: eng, telegram: telegram, sender: sender}
	r.mu.Lock()
	r.bots[botID] = wired
	r.mu.Unlock()
	return wired, nil
}

// Invalidate drops a cached bot's engine and Telegram client, forcing
// the next lookup to rebuild both — used after an admin rotates a
// bot's token.
func (r *Registry) Invalidate(botID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, botID)
}
