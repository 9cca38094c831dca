package task

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStoreNotFound = errors.New("record not found")

// Store persists tasks and topics.
type Store interface {
	SaveTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	SaveTopic(ctx context.Context, tp Topic) error
	GetTopic(ctx context.Context, topicID string) (Topic, error)
	GetTopicBySandbox(ctx context.Context, sandboxID string) (Topic, error)
	Close() error
}

// MemoryStore keeps tasks and topics in process.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	topics map[string]Topic
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]Task),
		topics: make(map[string]Topic),
	}
}

func (s *MemoryStore) SaveTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return t, nil
}

func (s *MemoryStore) SaveTopic(_ context.Context, tp Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp.UpdatedAt = time.Now().UTC()
	s.topics[tp.ID] = tp
	return nil
}

func (s *MemoryStore) GetTopic(_ context.Context, topicID string) (Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tp, ok := s.topics[topicID]
	if !ok {
		return Topic{}, ErrStoreNotFound
	}
	return tp, nil
}

func (s *MemoryStore) GetTopicBySandbox(_ context.Context, sandboxID string) (Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tp := range s.topics {
		if tp.SandboxID == sandboxID {
			return tp, nil
		}
	}
	return Topic{}, ErrStoreNotFound
}

func (s *MemoryStore) Close() error { return nil }
