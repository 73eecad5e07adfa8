// Package store persists Conductor's entities to Postgres through pgx,
// used directly (no ORM/code generation) since the schema is a flat set
// of tables keyed by (bot, user) rather than a graph.
//
// The connection-pool-from-config plus embedded-migrations shape is
// grounded on codeready-toolchain-tarsy's pkg/database/client.go; unlike
// that teacher (ent + golang-migrate on top of database/sql), Conductor
// drives pgxpool directly and applies its single embedded migration file
// with a plain exec, since there is no schema-evolution history to
// replay yet.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ivyrail/conductor/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a pgx connection pool and exposes per-entity repositories.
type Store struct {
	Pool *pgxpool.Pool

	Bots     *BotRepo
	Users    *UserRepo
	Sessions *SessionRepo
	Phases   *PhaseRepo
	Blocks   *BlockRepo
	Media    *MediaCacheRepo
	Offers   *OfferRepo
	Upsells  *UpsellRepo
	Actions  *ActionRepo
	Recovery *RecoveryRepo
	Tx       *TransactionRepo
	Notif    *NotificationRepo
	Credit   *CreditRepo
	Trackers *TrackerRepo
	Start    *StartRepo
}

// Open connects to cfg.DBURL, sizes the pool from cfg, and applies the
// embedded schema.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("parse DB_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBPoolSize + cfg.DBMaxOverflow)
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{
		Pool:     pool,
		Bots:     &BotRepo{pool: pool},
		Users:    &UserRepo{pool: pool},
		Sessions: &SessionRepo{pool: pool},
		Phases:   &PhaseRepo{pool: pool},
		Blocks:   &BlockRepo{pool: pool},
		Media:    &MediaCacheRepo{pool: pool},
		Offers:   &OfferRepo{pool: pool},
		Upsells:  &UpsellRepo{pool: pool},
		Actions:  &ActionRepo{pool: pool},
		Recovery: &RecoveryRepo{pool: pool},
		Tx:       &TransactionRepo{pool: pool},
		Notif:    &NotificationRepo{pool: pool},
		Credit:   &CreditRepo{pool: pool},
		Trackers: &TrackerRepo{pool: pool},
		Start:    &StartRepo{pool: pool},
	}
	return s, nil
}

// Migrate applies the embedded schema. Idempotent: every statement uses
// CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		sql, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := s.Pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Close() { s.Pool.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.Pool.Ping(ctx) }
