package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivyrail/conductor/internal/model"
)

// CreditRepo persists wallets and the append-only ledger as a
// Postgres-backed balance (internal/credit owns the reserve/settle
// orchestration; this repo only does the durable writes).
type CreditRepo struct{ pool *pgxpool.Pool }

func (r *CreditRepo) GetWallet(ctx context.Context, adminID int64) (*model.CreditWallet, error) {
	w := &model.CreditWallet{}
	err := r.pool.QueryRow(ctx, `
		SELECT admin_id, balance_cents, unlimited FROM credit_wallets WHERE admin_id = $1`, adminID,
	).Scan(&w.AdminID, &w.BalanceCents, &w.Unlimited)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (r *CreditRepo) EnsureWallet(ctx context.Context, adminID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credit_wallets (admin_id, balance_cents, unlimited) VALUES ($1, 0, false)
		ON CONFLICT (admin_id) DO NOTHING`, adminID)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

// ApplyDelta atomically adjusts balance_cents and appends a ledger row
// in one transaction, so the wallet and its ledger never drift (spec
// §4.9's append-only-ledger invariant).
func (r *CreditRepo) ApplyDelta(ctx context.Context, adminID int64, deltaCents int64, category model.CreditCategory, ref string) (newBalance int64, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin credit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		UPDATE credit_wallets SET balance_cents = balance_cents + $2 WHERE admin_id = $1
		RETURNING balance_cents`, adminID, deltaCents).Scan(&newBalance)
	if err != nil {
		return 0, fmt.Errorf("update wallet balance: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger (admin_id, delta_cents, category, ref, ts)
		VALUES ($1,$2,$3,$4, now())`, adminID, deltaCents, string(category), ref); err != nil {
		return 0, fmt.Errorf("append ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit credit tx: %w", err)
	}
	return newBalance, nil
}

// RecomputeBalance sums the ledger and overwrites balance_cents,
// self-healing any drift.
func (r *CreditRepo) RecomputeBalance(ctx context.Context, adminID int64) (int64, error) {
	var sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(delta_cents), 0) FROM credit_ledger WHERE admin_id = $1`, adminID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	if _, err := r.pool.Exec(ctx, `UPDATE credit_wallets SET balance_cents = $2 WHERE admin_id = $1`, adminID, sum); err != nil {
		return 0, fmt.Errorf("recompute balance: %w", err)
	}
	return sum, nil
}

// TrackerRepo persists trackers, attributions and daily stats.
type TrackerRepo struct{ pool *pgxpool.Pool }

func (r *TrackerRepo) GetByCode(ctx context.Context, botID int64, code string) (*model.Tracker, error) {
	t := &model.Tracker{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, code, name, is_active FROM trackers WHERE bot_id = $1 AND code = $2`,
		botID, code).Scan(&t.ID, &t.BotID, &t.Code, &t.Name, &t.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tracker: %w", err)
	}
	return t, nil
}

// RecordAttribution persists the first tracker a user started with.
// The primary key on (bot, user) means a second /start with a
// different tracker never overwrites the original attribution.
func (r *TrackerRepo) RecordAttribution(ctx context.Context, a model.TrackerAttribution) (recorded bool, err error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO tracker_attributions (bot_id, user_telegram_id, tracker_id, ts)
		VALUES ($1,$2,$3, now())
		ON CONFLICT (bot_id, user_telegram_id) DO NOTHING`,
		a.BotID, a.UserTelegramID, a.TrackerID)
	if err != nil {
		return false, fmt.Errorf("record attribution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TrackerRepo) IncrementDailyStat(ctx context.Context, botID, trackerID int64, starts, sales, revenueCents int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tracker_daily_stats (bot_id, tracker_id, day, starts, sales, revenue_cents)
		VALUES ($1, $2, CURRENT_DATE, $3, $4, $5)
		ON CONFLICT (bot_id, tracker_id, day) DO UPDATE SET
		  starts = tracker_daily_stats.starts + EXCLUDED.starts,
		  sales = tracker_daily_stats.sales + EXCLUDED.sales,
		  revenue_cents = tracker_daily_stats.revenue_cents + EXCLUDED.revenue_cents`,
		botID, trackerID, starts, sales, revenueCents)
	if err != nil {
		return fmt.Errorf("increment tracker daily stat: %w", err)
	}
	return nil
}
