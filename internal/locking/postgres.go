package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres backs the lock facade with a single table so multiple courier
// nodes agree on ownership. Acquire is one atomic upsert guarded by the
// previous lease's owner and expiry.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS locks (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);`)
	if err != nil {
		return nil, fmt.Errorf("init lock schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO locks (key, owner, expires_at) VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE locks.expires_at <= now() OR locks.owner = EXCLUDED.owner`,
		key, owner, ttl,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) Release(ctx context.Context, key, owner string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM locks WHERE key = $1 AND (owner = $2 OR expires_at <= now())`,
		key, owner,
	)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		// Either never held or taken over after expiry.
		var exists bool
		if err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM locks WHERE key = $1)`, key).Scan(&exists); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		if exists {
			return ErrNotOwner
		}
	}
	return nil
}
