package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivyrail/conductor/internal/model"
)

// ErrVersionConflict is returned by SessionRepo.CompareAndSwap when the
// stored history_version no longer matches the caller's expected value.
var ErrVersionConflict = errors.New("store: session history version conflict")

// SessionRepo persists model.Session rows.
type SessionRepo struct{ pool *pgxpool.Pool }

func (r *SessionRepo) GetOrCreate(ctx context.Context, botID, userTelegramID int64) (*model.Session, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO sessions (bot_id, user_telegram_id)
		VALUES ($1, $2)
		ON CONFLICT (bot_id, user_telegram_id) DO UPDATE SET bot_id = EXCLUDED.bot_id
		RETURNING bot_id, user_telegram_id, current_phase_id, history, last_active_at, inactivity_version, history_version, action_statuses`,
		botID, userTelegramID)
	return scanSession(row)
}

func scanSession(row pgx.Row) (*model.Session, error) {
	s := &model.Session{}
	var historyJSON, statusesJSON []byte
	var phaseID *int64
	if err := row.Scan(&s.BotID, &s.UserTelegramID, &phaseID, &historyJSON, &s.LastActiveAt, &s.InactivityVersion, &s.HistoryVersion, &statusesJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if phaseID != nil {
		s.CurrentPhaseID = *phaseID
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &s.History); err != nil {
			return nil, fmt.Errorf("unmarshal session history: %w", err)
		}
	}
	s.ActionStatuses = map[string]model.ActionStatus{}
	if len(statusesJSON) > 0 {
		if err := json.Unmarshal(statusesJSON, &s.ActionStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal action statuses: %w", err)
		}
	}
	return s, nil
}

// CompareAndSwap writes the session back only if history_version in the
// database still equals expectedVersion, then bumps it by one. Returns
// ErrVersionConflict on a lost race.
func (r *SessionRepo) CompareAndSwap(ctx context.Context, s *model.Session, expectedVersion int64) error {
	historyJSON, err := json.Marshal(s.History)
	if err != nil {
		return fmt.Errorf("marshal session history: %w", err)
	}
	statusesJSON, err := json.Marshal(s.ActionStatuses)
	if err != nil {
		return fmt.Errorf("marshal action statuses: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions
		SET current_phase_id = $3, history = $4, last_active_at = $5,
		    inactivity_version = $6, history_version = history_version + 1,
		    action_statuses = $7
		WHERE bot_id = $1 AND user_telegram_id = $2 AND history_version = $8`,
		s.BotID, s.UserTelegramID, nullableID(s.CurrentPhaseID), historyJSON, s.LastActiveAt,
		s.InactivityVersion, statusesJSON, expectedVersion)
	if err != nil {
		return fmt.Errorf("cas session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// BumpInactivityVersion invalidates any in-flight recovery episode tied
// to the previous activity version.
func (r *SessionRepo) BumpInactivityVersion(ctx context.Context, botID, userTelegramID int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE sessions SET inactivity_version = inactivity_version + 1, last_active_at = now()
		WHERE bot_id = $1 AND user_telegram_id = $2`, botID, userTelegramID)
	if err != nil {
		return fmt.Errorf("bump inactivity version: %w", err)
	}
	return nil
}

// ListInactiveSince returns (bot, user) pairs whose last_active_at is
// older than threshold, for the recovery watchdog sweep.
func (r *SessionRepo) ListInactiveSince(ctx context.Context, olderThanSeconds int) ([]model.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT bot_id, user_telegram_id, current_phase_id, history, last_active_at, inactivity_version, history_version, action_statuses
		FROM sessions
		WHERE last_active_at < now() - make_interval(secs => $1)`, olderThanSeconds)
	if err != nil {
		return nil, fmt.Errorf("list inactive sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
