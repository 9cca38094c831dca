// Package locking provides named mutual exclusion with TTL and owner tokens.
// Every shared-key mutation in the service (sandbox delivery, topic batch,
// file ingest) goes through a Facade; there is no implicit per-key
// serialization anywhere else.
package locking

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotOwner = errors.New("lock not held by this owner")

// Facade acquires and releases named locks. Acquire is a compare-and-swap:
// it succeeds only if the key is free or its previous lease has expired.
// Release requires the owner token handed to Acquire.
type Facade interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// Lock key forms shared with external tooling.
func SandboxKey(sandboxID string) string { return "sandbox-lock:" + sandboxID }
func TopicKey(topicID string) string     { return "topic-lock:" + topicID }
func FileKey(fileKey string) string      { return "file-lock:" + fileKey }

const spinInterval = 50 * time.Millisecond

// SpinAcquire polls Acquire until it succeeds or the wait budget is spent.
// It returns false rather than blocking forever; callers treat that as a
// soft failure of the current operation.
func SpinAcquire(ctx context.Context, f Facade, key, owner string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := f.Acquire(ctx, key, owner, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(spinInterval):
		}
	}
}

type lease struct {
	owner  string
	expiry time.Time
}

// Memory is a process-local Facade for tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (m *Memory) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[key]; ok && now.Before(l.expiry) && l.owner != owner {
		return false, nil
	}
	m.leases[key] = lease{owner: owner, expiry: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[key]
	if !ok {
		return nil
	}
	if l.owner != owner && m.now().Before(l.expiry) {
		return ErrNotOwner
	}
	delete(m.leases, key)
	return nil
}
