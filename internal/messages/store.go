package messages

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrStoreNotFound = errors.New("message not found")
	ErrNotEligible   = errors.New("message not eligible for processing")
)

// Store is the message ledger. Upsert keys on (TopicID, MessageID); the
// Mark* methods enforce the processing-status transition guard that gives
// the pipeline its at-most-once side effect property.
type Store interface {
	Upsert(ctx context.Context, msg Message) (Message, bool, error)
	Get(ctx context.Context, id string) (Message, error)
	NextSeq(ctx context.Context, topicID, taskID string) (int64, error)
	FetchPending(ctx context.Context, topicID, taskID string, limit, maxRetries int) ([]Message, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errText string) error
	ListByTopic(ctx context.Context, topicID string, limit int) ([]Message, error)
	CountContent(ctx context.Context, topicID, taskID string) (int, int, error)
	Close() error
}

// MemoryStore keeps the ledger in process. Used in tests and when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]*Message
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]*Message),
		now:  time.Now,
	}
}

func (s *MemoryStore) findLocked(topicID, messageID string) *Message {
	for _, m := range s.byID {
		if m.TopicID == topicID && m.MessageID == messageID {
			return m
		}
	}
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, msg Message) (Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	if existing := s.findLocked(msg.TopicID, msg.MessageID); existing != nil {
		// Redelivery: update payload fields in place, keep the assigned seq
		// and whatever processing progress was already made.
		existing.Type = msg.Type
		existing.Status = msg.Status
		existing.Content = msg.Content
		existing.Steps = msg.Steps
		existing.Tool = msg.Tool
		existing.Attachments = msg.Attachments
		existing.Event = msg.Event
		existing.ShowInUI = msg.ShowInUI
		existing.CorrelationID = msg.CorrelationID
		existing.Raw = msg.Raw
		existing.UpdatedAt = now
		return existing.Clone(), false, nil
	}

	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.ProcessingStatus == "" {
		stored.ProcessingStatus = StatusPending
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.byID[stored.ID] = &stored
	return stored.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, ErrStoreNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) NextSeq(_ context.Context, topicID, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, m := range s.byID {
		if m.TopicID == topicID && m.TaskID == taskID && m.SeqID > max {
			max = m.SeqID
		}
	}
	return max + 1, nil
}

func (s *MemoryStore) FetchPending(_ context.Context, topicID, taskID string, limit, maxRetries int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, limit)
	for _, m := range s.byID {
		if m.TopicID != topicID {
			continue
		}
		if taskID != "" && m.TaskID != taskID {
			continue
		}
		if !eligible(m, maxRetries) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func eligible(m *Message, maxRetries int) bool {
	switch m.ProcessingStatus {
	case StatusPending:
		return true
	case StatusFailed:
		return m.RetryCount < maxRetries
	default:
		return false
	}
}

func (s *MemoryStore) MarkProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false, ErrStoreNotFound
	}
	switch m.ProcessingStatus {
	case StatusPending, StatusFailed:
		m.ProcessingStatus = StatusProcessing
		m.UpdatedAt = s.now().UTC()
		return true, nil
	default:
		return false, nil
	}
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrStoreNotFound
	}
	m.ProcessingStatus = StatusCompleted
	m.ProcessingError = ""
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return ErrStoreNotFound
	}
	m.ProcessingStatus = StatusFailed
	m.ProcessingError = errText
	m.RetryCount++
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListByTopic(_ context.Context, topicID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, limit)
	for _, m := range s.byID {
		if m.TopicID == topicID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqID < out[j].SeqID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountContent(_ context.Context, topicID, taskID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count, bytes int
	for _, m := range s.byID {
		if m.TopicID != topicID || m.TaskID != taskID {
			continue
		}
		count++
		bytes += len(m.Content)
	}
	return count, bytes, nil
}

func (s *MemoryStore) Close() error { return nil }
