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

// StartRepo persists the per-bot start-template tracking config and the
// per-user start-template delivery record that the require-tracked-start
// gate and the version-bump resend both key off.
type StartRepo struct{ pool *pgxpool.Pool }

// GetTrackingConfig returns the bot's tracking config, defaulting to a
// permissive config (no gate, version 1) when none has been configured.
func (r *StartRepo) GetTrackingConfig(ctx context.Context, botID int64) (model.BotTrackingConfig, error) {
	cfg := model.BotTrackingConfig{BotID: botID, CurrentVersion: 1}
	err := r.pool.QueryRow(ctx, `
		SELECT require_tracked_start, current_version, last_forced_at
		FROM bot_tracking_configs WHERE bot_id = $1`, botID,
	).Scan(&cfg.RequireTrackedStart, &cfg.CurrentVersion, &cfg.LastForcedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return model.BotTrackingConfig{}, fmt.Errorf("get bot tracking config: %w", err)
	}
	return cfg, nil
}

// GetDelivery returns the user's last recorded start-template delivery.
func (r *StartRepo) GetDelivery(ctx context.Context, botID, userTelegramID int64) (*model.StartTemplateDelivery, error) {
	d := &model.StartTemplateDelivery{}
	var statusStr string
	err := r.pool.QueryRow(ctx, `
		SELECT bot_id, user_telegram_id, version, status, sent_at
		FROM start_template_deliveries WHERE bot_id = $1 AND user_telegram_id = $2`,
		botID, userTelegramID,
	).Scan(&d.BotID, &d.UserTelegramID, &d.Version, &statusStr, &d.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get start template delivery: %w", err)
	}
	d.Status = model.DeliveryStatus(statusStr)
	return d, nil
}

// RecordDelivery upserts the user's start-template delivery row to the
// given version/status, stamping sent_at when status is sent.
func (r *StartRepo) RecordDelivery(ctx context.Context, botID, userTelegramID, version int64, status model.DeliveryStatus) error {
	var sentAt *time.Time
	if status == model.DeliverySent {
		now := time.Now()
		sentAt = &now
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO start_template_deliveries (bot_id, user_telegram_id, version, status, sent_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (bot_id, user_telegram_id) DO UPDATE
			SET version = EXCLUDED.version, status = EXCLUDED.status, sent_at = EXCLUDED.sent_at`,
		botID, userTelegramID, version, string(status), sentAt)
	if err != nil {
		return fmt.Errorf("record start template delivery: %w", err)
	}
	return nil
}

// MarkForced stamps last_forced_at, used when the require-tracked-start
// gate drops an unattributed /start so dashboards can surface how often
// the gate fires.
func (r *StartRepo) MarkForced(ctx context.Context, botID int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bot_tracking_configs (bot_id, last_forced_at)
		VALUES ($1, now())
		ON CONFLICT (bot_id) DO UPDATE SET last_forced_at = now()`, botID)
	if err != nil {
		return fmt.Errorf("mark tracking gate forced: %w", err)
	}
	return nil
}
