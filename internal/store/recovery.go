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

// RecoveryRepo persists recovery campaigns, steps and deliveries.
type RecoveryRepo struct{ pool *pgxpool.Pool }

func (r *RecoveryRepo) GetCampaign(ctx context.Context, botID int64) (*model.RecoveryCampaign, error) {
	c := &model.RecoveryCampaign{}
	var thresholdS int
	err := r.pool.QueryRow(ctx, `
		SELECT bot_id, inactivity_threshold_s, timezone, ignore_paying_users, is_active, version
		FROM recovery_campaigns WHERE bot_id = $1`, botID,
	).Scan(&c.BotID, &thresholdS, &c.Timezone, &c.IgnorePayingUsers, &c.IsActive, &c.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery campaign: %w", err)
	}
	c.InactivityThreshold = time.Duration(thresholdS) * time.Second
	return c, nil
}

func (r *RecoveryRepo) UpsertCampaign(ctx context.Context, c *model.RecoveryCampaign) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO recovery_campaigns (bot_id, inactivity_threshold_s, timezone, ignore_paying_users, is_active, version)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (bot_id) DO UPDATE SET
		  inactivity_threshold_s = EXCLUDED.inactivity_threshold_s,
		  timezone = EXCLUDED.timezone,
		  ignore_paying_users = EXCLUDED.ignore_paying_users,
		  is_active = EXCLUDED.is_active,
		  version = recovery_campaigns.version + 1`,
		c.BotID, int(c.InactivityThreshold.Seconds()), c.Timezone, c.IgnorePayingUsers, c.IsActive, c.Version)
	if err != nil {
		return fmt.Errorf("upsert recovery campaign: %w", err)
	}
	return nil
}

func (r *RecoveryRepo) ListSteps(ctx context.Context, botID int64) ([]model.RecoveryStep, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT campaign_bot_id, ordinal, kind, relative_amount, relative_unit, clock_hour, clock_minute, offset_days
		FROM recovery_steps WHERE campaign_bot_id = $1 ORDER BY ordinal`, botID)
	if err != nil {
		return nil, fmt.Errorf("list recovery steps: %w", err)
	}
	defer rows.Close()

	var out []model.RecoveryStep
	for rows.Next() {
		var s model.RecoveryStep
		var kindStr string
		if err := rows.Scan(&s.CampaignBotID, &s.Ordinal, &kindStr, &s.RelativeAmount, &s.RelativeUnit, &s.ClockHour, &s.ClockMinute, &s.OffsetDays); err != nil {
			return nil, fmt.Errorf("scan recovery step: %w", err)
		}
		s.Kind = model.ScheduleKind(kindStr)
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordDelivery inserts a delivery row idempotently: the unique key is
// (bot, user, campaign_version, episode, step), so a retried sweep or a
// duplicated scheduler tick never double-sends a recovery step.
func (r *RecoveryRepo) RecordDelivery(ctx context.Context, d model.RecoveryDelivery) (inserted bool, err error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO recovery_deliveries (bot_id, user_id, campaign_version, episode_id, step_ordinal, status, scheduled_for, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (bot_id, user_id, campaign_version, episode_id, step_ordinal) DO NOTHING`,
		d.BotID, d.UserID, d.CampaignVersion, d.EpisodeID, d.StepOrdinal, string(d.Status), d.ScheduledFor, d.SentAt)
	if err != nil {
		return false, fmt.Errorf("record recovery delivery: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *RecoveryRepo) MarkSent(ctx context.Context, d model.RecoveryDelivery, sentAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE recovery_deliveries SET status = $6, sent_at = $7
		WHERE bot_id = $1 AND user_id = $2 AND campaign_version = $3 AND episode_id = $4 AND step_ordinal = $5`,
		d.BotID, d.UserID, d.CampaignVersion, d.EpisodeID, d.StepOrdinal, string(model.DeliverySent), sentAt)
	if err != nil {
		return fmt.Errorf("mark recovery delivery sent: %w", err)
	}
	return nil
}
