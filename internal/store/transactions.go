package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivyrail/conductor/internal/model"
)

// TransactionRepo persists model.PixTransaction rows and drives the
// payment state machine transitions.
type TransactionRepo struct{ pool *pgxpool.Pool }

func (r *TransactionRepo) Create(ctx context.Context, tx *model.PixTransaction) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO pix_transactions (bot_id, user_id, offer_id, upsell_id, tracker_id, amount_cents, currency, status, external_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		tx.BotID, tx.UserID, tx.OfferID, tx.UpsellID, tx.TrackerID, tx.Amount.AmountCents, tx.Amount.Currency, string(tx.Status), tx.ExternalID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create transaction: %w", err)
	}
	return id, nil
}

func (r *TransactionRepo) GetByID(ctx context.Context, id int64) (*model.PixTransaction, error) {
	return r.scanOne(ctx, `
		SELECT id, bot_id, user_id, offer_id, upsell_id, tracker_id, amount_cents, currency, status, external_id, created_at, paid_at
		FROM pix_transactions WHERE id = $1`, id)
}

func (r *TransactionRepo) GetByExternalID(ctx context.Context, externalID string) (*model.PixTransaction, error) {
	return r.scanOne(ctx, `
		SELECT id, bot_id, user_id, offer_id, upsell_id, tracker_id, amount_cents, currency, status, external_id, created_at, paid_at
		FROM pix_transactions WHERE external_id = $1`, externalID)
}

// LatestPendingForUser returns the most recent created/pending
// transaction for (bot, user) opened within the last `within` window,
// the scope manual verification is allowed to re-check.
func (r *TransactionRepo) LatestPendingForUser(ctx context.Context, botID, userID int64, within time.Duration) (*model.PixTransaction, error) {
	tx := &model.PixTransaction{}
	var statusStr string
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, user_id, offer_id, upsell_id, tracker_id, amount_cents, currency, status, external_id, created_at, paid_at
		FROM pix_transactions
		WHERE bot_id = $1 AND user_id = $2 AND status IN ('created', 'pending') AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`,
		botID, userID, time.Now().Add(-within),
	).Scan(&tx.ID, &tx.BotID, &tx.UserID, &tx.OfferID, &tx.UpsellID, &tx.TrackerID,
		&tx.Amount.AmountCents, &tx.Amount.Currency, &statusStr, &tx.ExternalID, &tx.CreatedAt, &tx.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest pending transaction: %w", err)
	}
	tx.Status = model.TransactionStatus(statusStr)
	return tx, nil
}

// ListStalePending returns created/pending transactions opened more
// than olderThan ago, for the scheduler's expiry sweep.
func (r *TransactionRepo) ListStalePending(ctx context.Context, olderThan time.Duration) ([]*model.PixTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, bot_id, user_id, offer_id, upsell_id, tracker_id, amount_cents, currency, status, external_id, created_at, paid_at
		FROM pix_transactions
		WHERE status IN ('created', 'pending') AND created_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stale pending transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.PixTransaction
	for rows.Next() {
		tx := &model.PixTransaction{}
		var statusStr string
		if err := rows.Scan(&tx.ID, &tx.BotID, &tx.UserID, &tx.OfferID, &tx.UpsellID, &tx.TrackerID,
			&tx.Amount.AmountCents, &tx.Amount.Currency, &statusStr, &tx.ExternalID, &tx.CreatedAt, &tx.PaidAt); err != nil {
			return nil, fmt.Errorf("scan stale transaction: %w", err)
		}
		tx.Status = model.TransactionStatus(statusStr)
		out = append(out, tx)
	}
	return out, rows.Err()
}

// HasPriorDelivered reports whether (bot, user) already has a
// transaction in status=delivered other than excludeTxID, the "first
// paid transaction" check upsell activation gates on.
func (r *TransactionRepo) HasPriorDelivered(ctx context.Context, botID, userID, excludeTxID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pix_transactions
			WHERE bot_id = $1 AND user_id = $2 AND status = $3 AND id != $4
		)`,
		botID, userID, string(model.TxDelivered), excludeTxID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check prior delivered transaction: %w", err)
	}
	return exists, nil
}

func (r *TransactionRepo) scanOne(ctx context.Context, query string, arg any) (*model.PixTransaction, error) {
	tx := &model.PixTransaction{}
	var statusStr string
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&tx.ID, &tx.BotID, &tx.UserID, &tx.OfferID, &tx.UpsellID, &tx.TrackerID,
		&tx.Amount.AmountCents, &tx.Amount.Currency, &statusStr, &tx.ExternalID, &tx.CreatedAt, &tx.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Status = model.TransactionStatus(statusStr)
	return tx, nil
}

// TransitionToPaid moves a transaction from pending to paid exactly
// once: the WHERE clause only matches rows still in "pending", so a
// duplicated webhook delivery is a no-op on the second call (reports
// transitioned=false), which is what makes the downstream fan-out
// exactly-once.
func (r *TransactionRepo) TransitionToPaid(ctx context.Context, id int64, paidAt time.Time) (transitioned bool, err error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE pix_transactions SET status = $2, paid_at = $3
		WHERE id = $1 AND status IN ('created', 'pending')`,
		id, string(model.TxPaid), paidAt)
	if err != nil {
		return false, fmt.Errorf("transition to paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *TransactionRepo) TransitionTo(ctx context.Context, id int64, status model.TransactionStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE pix_transactions SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("transition transaction: %w", err)
	}
	return nil
}

// NotificationRepo persists model.SaleNotification rows, whose primary
// key on transaction_id enforces exactly-once admin notification.
type NotificationRepo struct{ pool *pgxpool.Pool }

// CreateIfAbsent inserts the notification row; returns inserted=false
// when one already exists for this transaction (the fan-out already ran).
func (r *NotificationRepo) CreateIfAbsent(ctx context.Context, n model.SaleNotification) (inserted bool, err error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO sale_notifications (transaction_id, owner_admin_id, channel_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4, now(), now())
		ON CONFLICT (transaction_id) DO NOTHING`,
		n.TransactionID, n.OwnerAdminID, n.ChannelID, string(n.Status))
	if err != nil {
		return false, fmt.Errorf("create sale notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationRepo) MarkStatus(ctx context.Context, transactionID int64, status model.NotificationStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sale_notifications SET status = $2, updated_at = now() WHERE transaction_id = $1`,
		transactionID, string(status))
	if err != nil {
		return fmt.Errorf("mark sale notification status: %w", err)
	}
	return nil
}
