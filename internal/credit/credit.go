// Package credit implements the reserve-then-settle admission flow for
// text/audio usage: a pre-check reserves an estimated cost before the
// LLM/Whisper call, then a post-debit settles it against the actual
// usage once the response is known.
//
// Reserve/settle/refund runs over BRL text+audio pricing. Open
// reservations are held in an in-process map and are lost if the worker
// restarts; only settlement debits and top-ups are written durably, to
// internal/store's wallet and ledger.
package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/ivyrail/conductor/internal/config"
	"github.com/ivyrail/conductor/internal/errs"
	"github.com/ivyrail/conductor/internal/model"
	"github.com/ivyrail/conductor/internal/store"
)

var ErrReservationNotFound = errors.New("credit: reservation not found")

// WalletStore is the subset of store.CreditRepo the engine needs,
// narrowed to an interface so tests can swap in a fake instead of a
// live Postgres pool.
type WalletStore interface {
	GetWallet(ctx context.Context, adminID int64) (*model.CreditWallet, error)
	EnsureWallet(ctx context.Context, adminID int64) error
	ApplyDelta(ctx context.Context, adminID int64, deltaCents int64, category model.CreditCategory, ref string) (newBalance int64, err error)
	RecomputeBalance(ctx context.Context, adminID int64) (int64, error)
}

var _ WalletStore = (*store.CreditRepo)(nil)

// Reservation tracks an estimated debit until it is settled or refunded.
type Reservation struct {
	ID            string
	AdminID       int64
	EstimatedCost int64
	Status        string // always "reserved"; Settle and Refund delete the entry
}

// Engine admits usage against an admin's wallet, estimates token cost
// via tiktoken rather than a char/4 approximation, and keeps an
// in-memory reservation table backed by durable settlement.
type Engine struct {
	wallets WalletStore
	cfg     *config.Config

	mu           sync.Mutex
	reservations map[string]*Reservation

	encoding *tiktoken.Tiktoken
}

func New(wallets WalletStore, cfg *config.Config) (*Engine, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding: %w", err)
	}
	return &Engine{
		wallets:      wallets,
		cfg:          cfg,
		reservations: map[string]*Reservation{},
		encoding:     enc,
	}, nil
}

// EstimateTextTokens counts tokens the way the provider will bill them.
func (e *Engine) EstimateTextTokens(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// PreCheck admits a request if the wallet can cover estimatedCostCents,
// reserving that amount. Unlimited admins always pass and are never
// reserved against.
func (e *Engine) PreCheck(ctx context.Context, adminID int64, reservationID string, estimatedCostCents int64) error {
	if e.cfg.IsUnlimitedAdmin(adminID) {
		return nil
	}

	wallet, err := e.wallets.GetWallet(ctx, adminID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.InsufficientCredits("no wallet provisioned")
		}
		return fmt.Errorf("load wallet: %w", err)
	}
	if wallet.Unlimited {
		return nil
	}
	if wallet.BalanceCents < estimatedCostCents {
		return errs.InsufficientCredits("balance below estimated cost")
	}

	e.mu.Lock()
	e.reservations[reservationID] = &Reservation{ID: reservationID, AdminID: adminID, EstimatedCost: estimatedCostCents, Status: "reserved"}
	e.mu.Unlock()
	return nil
}

// Settle debits the admin's wallet for the actual cost and removes the
// reservation. If the admin is unlimited and so was never reserved
// (PreCheck short-circuited), it still records the ledger entry for
// audit purposes but never blocks on balance.
func (e *Engine) Settle(ctx context.Context, adminID int64, reservationID string, actualCostCents int64, category model.CreditCategory, ref string) error {
	e.mu.Lock()
	_, ok := e.reservations[reservationID]
	delete(e.reservations, reservationID)
	e.mu.Unlock()

	if !ok && !e.cfg.IsUnlimitedAdmin(adminID) {
		wallet, err := e.wallets.GetWallet(ctx, adminID)
		if err != nil {
			return fmt.Errorf("load wallet: %w", err)
		}
		if !wallet.Unlimited {
			return ErrReservationNotFound
		}
	}

	_, err := e.wallets.ApplyDelta(ctx, adminID, -actualCostCents, category, ref)
	if err != nil {
		return fmt.Errorf("settle debit: %w", err)
	}
	return nil
}

// Refund cancels a reservation without debiting anything, for when the
// downstream call failed after PreCheck passed.
func (e *Engine) Refund(reservationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reservations, reservationID)
}

// TopUp credits an admin's wallet, e.g. from an admin command.
func (e *Engine) TopUp(ctx context.Context, adminID int64, amountCents int64, ref string) (int64, error) {
	if err := e.wallets.EnsureWallet(ctx, adminID); err != nil {
		return 0, fmt.Errorf("ensure wallet: %w", err)
	}
	return e.wallets.ApplyDelta(ctx, adminID, amountCents, model.CategoryTopup, ref)
}

// SelfHeal recomputes an admin's balance from the ledger, correcting
// any drift.
func (e *Engine) SelfHeal(ctx context.Context, adminID int64) (int64, error) {
	return e.wallets.RecomputeBalance(ctx, adminID)
}

// EstimateWhisperCostCents prices an audio transcription by duration.
func (e *Engine) EstimateWhisperCostCents(duration time.Duration) int64 {
	minutes := duration.Minutes()
	usd := minutes * e.cfg.WhisperCostPerMinuteUSD
	return usdToCents(usd, e.cfg.USDToBRLRate)
}

// EstimateTextCostCents prices a text turn from input/output token
// counts using the configured per-million-token pricing.
func (e *Engine) EstimateTextCostCents(inputTokens, outputTokens int, cached bool) int64 {
	inRate := e.cfg.PriceTextInputPerMTokUSD
	if cached {
		inRate = e.cfg.PriceTextCachedPerMTokUSD
	}
	usd := (float64(inputTokens)/1_000_000)*inRate + (float64(outputTokens)/1_000_000)*e.cfg.PriceTextOutputPerMTokUSD
	return usdToCents(usd, e.cfg.USDToBRLRate)
}

func usdToCents(usd, rate float64) int64 {
	return int64(usd * rate * 100)
}
