package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivyrail/conductor/internal/model"
)

// PhaseRepo persists model.Phase rows.
type PhaseRepo struct{ pool *pgxpool.Pool }

func (r *PhaseRepo) ListByBot(ctx context.Context, botID int64) ([]model.Phase, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, bot_id, name, prompt_text, trigger_terms, ordering, is_general
		FROM phases WHERE bot_id = $1 ORDER BY ordering`, botID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var out []model.Phase
	for rows.Next() {
		var p model.Phase
		if err := rows.Scan(&p.ID, &p.BotID, &p.Name, &p.PromptText, &p.TriggerTerms, &p.Ordering, &p.IsGeneral); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// BlockRepo persists ordered model.Block rows for any ContainerKind.
type BlockRepo struct{ pool *pgxpool.Pool }

func (r *BlockRepo) ListByContainer(ctx context.Context, kind model.ContainerKind, containerID int64) ([]model.Block, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, container_kind, container_id, ordering, text, media_ref, media_kind, delay_seconds, auto_delete_seconds
		FROM blocks WHERE container_kind = $1 AND container_id = $2 ORDER BY ordering`, string(kind), containerID)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()

	var out []model.Block
	for rows.Next() {
		var b model.Block
		var kindStr, mediaKindStr string
		if err := rows.Scan(&b.ID, &kindStr, &b.ContainerID, &b.Order, &b.Text, &b.MediaRef, &mediaKindStr, &b.DelaySeconds, &b.AutoDeleteSeconds); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.ContainerKind = model.ContainerKind(kindStr)
		b.MediaKind = model.MediaKind(mediaKindStr)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BlockRepo) Insert(ctx context.Context, b model.Block) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO blocks (container_kind, container_id, ordering, text, media_ref, media_kind, delay_seconds, auto_delete_seconds)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		string(b.ContainerKind), b.ContainerID, b.Order, b.Text, b.MediaRef, string(b.MediaKind), b.DelaySeconds, b.AutoDeleteSeconds,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert block: %w", err)
	}
	return id, nil
}

// MediaCacheRepo persists model.MediaCacheEntry rows.
type MediaCacheRepo struct{ pool *pgxpool.Pool }

func (r *MediaCacheRepo) Lookup(ctx context.Context, botID int64, originalMediaID string) (string, error) {
	var cached string
	err := r.pool.QueryRow(ctx, `
		SELECT cached_media_id FROM media_cache WHERE bot_id = $1 AND original_media_id = $2`,
		botID, originalMediaID).Scan(&cached)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup media cache: %w", err)
	}
	return cached, nil
}

func (r *MediaCacheRepo) Store(ctx context.Context, botID int64, originalMediaID, cachedMediaID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO media_cache (bot_id, original_media_id, cached_media_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (bot_id, original_media_id) DO UPDATE SET cached_media_id = EXCLUDED.cached_media_id, updated_at = now()`,
		botID, originalMediaID, cachedMediaID)
	if err != nil {
		return fmt.Errorf("store media cache: %w", err)
	}
	return nil
}

func (r *MediaCacheRepo) Invalidate(ctx context.Context, botID int64, originalMediaID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM media_cache WHERE bot_id = $1 AND original_media_id = $2`, botID, originalMediaID)
	if err != nil {
		return fmt.Errorf("invalidate media cache: %w", err)
	}
	return nil
}

// OfferRepo persists model.Offer rows.
type OfferRepo struct{ pool *pgxpool.Pool }

func (r *OfferRepo) GetByID(ctx context.Context, id int64) (*model.Offer, error) {
	o := &model.Offer{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, name, price_cents, currency, manual_verify_trigger, discount_trigger, is_active
		FROM offers WHERE id = $1`, id,
	).Scan(&o.ID, &o.BotID, &o.Name, &o.Price.AmountCents, &o.Price.Currency, &o.ManualVerifyTrigger, &o.DiscountTrigger, &o.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (r *OfferRepo) GetActiveForBot(ctx context.Context, botID int64) (*model.Offer, error) {
	o := &model.Offer{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, name, price_cents, currency, manual_verify_trigger, discount_trigger, is_active
		FROM offers WHERE bot_id = $1 AND is_active = true LIMIT 1`, botID,
	).Scan(&o.ID, &o.BotID, &o.Name, &o.Price.AmountCents, &o.Price.Currency, &o.ManualVerifyTrigger, &o.DiscountTrigger, &o.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active offer: %w", err)
	}
	return o, nil
}

// ActionRepo persists model.Action rows (the blocks are loaded
// separately through BlockRepo's tagged-container design).
type ActionRepo struct{ pool *pgxpool.Pool }

func (r *ActionRepo) ListByBot(ctx context.Context, botID int64) ([]model.Action, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, bot_id, name, track_usage FROM actions WHERE bot_id = $1`, botID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []model.Action
	for rows.Next() {
		var a model.Action
		if err := rows.Scan(&a.ID, &a.BotID, &a.Name, &a.TrackUsage); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsellRepo persists model.Upsell rows.
type UpsellRepo struct{ pool *pgxpool.Pool }

func (r *UpsellRepo) GetByID(ctx context.Context, id int64) (*model.Upsell, error) {
	u := &model.Upsell{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, ordinal, is_preset, trigger_term, phase_prompt, price_cents, currency,
		       sched_immediate, sched_days, sched_hours, sched_minutes
		FROM upsells WHERE id = $1`, id,
	).Scan(&u.ID, &u.BotID, &u.Ordinal, &u.IsPreset, &u.TriggerTerm, &u.PhasePrompt,
		&u.Price.AmountCents, &u.Price.Currency, &u.Schedule.Immediate, &u.Schedule.Days, &u.Schedule.Hours, &u.Schedule.Minutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upsell: %w", err)
	}
	return u, nil
}

func (r *UpsellRepo) ListByBot(ctx context.Context, botID int64) ([]model.Upsell, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, bot_id, ordinal, is_preset, trigger_term, phase_prompt, price_cents, currency,
		       sched_immediate, sched_days, sched_hours, sched_minutes
		FROM upsells WHERE bot_id = $1 ORDER BY ordinal`, botID)
	if err != nil {
		return nil, fmt.Errorf("list upsells: %w", err)
	}
	defer rows.Close()

	var out []model.Upsell
	for rows.Next() {
		var u model.Upsell
		if err := rows.Scan(&u.ID, &u.BotID, &u.Ordinal, &u.IsPreset, &u.TriggerTerm, &u.PhasePrompt,
			&u.Price.AmountCents, &u.Price.Currency, &u.Schedule.Immediate, &u.Schedule.Days, &u.Schedule.Hours, &u.Schedule.Minutes); err != nil {
			return nil, fmt.Errorf("scan upsell: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
