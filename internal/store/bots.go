package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivyrail/conductor/internal/model"
)

// ErrNotFound is returned by repo lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// BotRepo persists model.Bot rows.
type BotRepo struct{ pool *pgxpool.Pool }

func (r *BotRepo) Create(ctx context.Context, b *model.Bot) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO bots (owner_admin_id, encrypted_token, username, webhook_secret, is_active, associated_offer)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		b.OwnerAdminID, b.EncryptedToken, b.Username, b.WebhookSecret, b.IsActive, b.AssociatedOffer,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert bot: %w", err)
	}
	return id, nil
}

func (r *BotRepo) GetByID(ctx context.Context, id int64) (*model.Bot, error) {
	b := &model.Bot{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_admin_id, encrypted_token, username, webhook_secret, is_active, associated_offer, created_at
		FROM bots WHERE id = $1`, id,
	).Scan(&b.ID, &b.OwnerAdminID, &b.EncryptedToken, &b.Username, &b.WebhookSecret, &b.IsActive, &b.AssociatedOffer, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bot %d: %w", id, err)
	}
	return b, nil
}

func (r *BotRepo) ListActive(ctx context.Context) ([]*model.Bot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_admin_id, encrypted_token, username, webhook_secret, is_active, associated_offer, created_at
		FROM bots WHERE is_active = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active bots: %w", err)
	}
	defer rows.Close()

	var out []*model.Bot
	for rows.Next() {
		b := &model.Bot{}
		if err := rows.Scan(&b.ID, &b.OwnerAdminID, &b.EncryptedToken, &b.Username, &b.WebhookSecret, &b.IsActive, &b.AssociatedOffer, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BotRepo) SetActive(ctx context.Context, botID int64, active bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE bots SET is_active = $2 WHERE id = $1`, botID, active)
	if err != nil {
		return fmt.Errorf("set bot active: %w", err)
	}
	return nil
}

// UserRepo persists model.User rows.
type UserRepo struct{ pool *pgxpool.Pool }

// Upsert records first/last interaction for a (bot, telegram user),
// returning the internal user id.
func (r *UserRepo) Upsert(ctx context.Context, botID, telegramUserID int64) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users (bot_id, telegram_user_id, first_interaction, last_interaction)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (bot_id, telegram_user_id) DO UPDATE SET last_interaction = now()
		RETURNING id`, botID, telegramUserID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	return id, nil
}

func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, telegram_user_id, first_interaction, last_interaction
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.BotID, &u.TelegramUserID, &u.FirstInteraction, &u.LastInteraction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by id: %w", err)
	}
	return u, nil
}

func (r *UserRepo) GetByTelegramID(ctx context.Context, botID, telegramUserID int64) (*model.User, error) {
	u := &model.User{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, bot_id, telegram_user_id, first_interaction, last_interaction
		FROM users WHERE bot_id = $1 AND telegram_user_id = $2`, botID, telegramUserID,
	).Scan(&u.ID, &u.BotID, &u.TelegramUserID, &u.FirstInteraction, &u.LastInteraction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}
