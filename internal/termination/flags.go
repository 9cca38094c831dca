// Package termination holds the per-task stop flags. Presence of a flag means
// no further sandbox output for that task may be processed; the pipeline
// checks it at the top of each unit of work. Flags expire by TTL and are
// never explicitly cleared, since a follow-up task runs under a fresh id.
package termination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FlagStore marks tasks whose remaining output must be discarded.
type FlagStore interface {
	Set(ctx context.Context, taskID string, ttl time.Duration) error
	IsSet(ctx context.Context, taskID string) (bool, error)
}

func flagKey(taskID string) string { return "task-termination:" + taskID }

// Memory is a process-local FlagStore.
type Memory struct {
	mu    sync.Mutex
	flags map[string]time.Time
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		flags: make(map[string]time.Time),
		now:   time.Now,
	}
}

func (m *Memory) Set(_ context.Context, taskID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[flagKey(taskID)] = m.now().Add(ttl)
	return nil
}

func (m *Memory) IsSet(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := flagKey(taskID)
	expiry, ok := m.flags[key]
	if !ok {
		return false, nil
	}
	if m.now().After(expiry) {
		delete(m.flags, key)
		return false, nil
	}
	return true, nil
}

// Postgres backs the flag store with a table shared across nodes.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS termination_flags (
		key TEXT PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	);`)
	if err != nil {
		return nil, fmt.Errorf("init termination schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Set(ctx context.Context, taskID string, ttl time.Duration) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO termination_flags (key, expires_at) VALUES ($1, now() + $2)
		 ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		flagKey(taskID), ttl,
	)
	if err != nil {
		return fmt.Errorf("set termination flag for task %s: %w", taskID, err)
	}
	return nil
}

func (p *Postgres) IsSet(ctx context.Context, taskID string) (bool, error) {
	var expiresAt time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT expires_at FROM termination_flags WHERE key = $1`,
		flagKey(taskID),
	).Scan(&expiresAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read termination flag for task %s: %w", taskID, err)
	}
	return time.Now().Before(expiresAt), nil
}
