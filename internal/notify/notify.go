// Package notify defines the outbound boundaries of the pipeline: the client
// notification sink and the completion callback dispatcher. Both are external
// collaborators; courier only specifies their contract and ships log-backed
// and in-memory implementations.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/antoniostano/courier/internal/usage"
)

// FileRef points at an ingested attachment.
type FileRef struct {
	FileID  string `json:"file_id,omitempty"`
	FileKey string `json:"file_key"`
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Notification is one message forwarded to the client.
type Notification struct {
	TopicID            string          `json:"topic_id"`
	TaskID             string          `json:"task_id"`
	ChatTopicID        string          `json:"chat_topic_id,omitempty"`
	ChatConversationID string          `json:"chat_conversation_id,omitempty"`
	Content            string          `json:"content,omitempty"`
	MessageType        string          `json:"message_type"`
	Status             string          `json:"status,omitempty"`
	Event              string          `json:"event,omitempty"`
	Steps              json.RawMessage `json:"steps,omitempty"`
	Tool               json.RawMessage `json:"tool,omitempty"`
	Attachments        []FileRef       `json:"attachments,omitempty"`
	CorrelationID      string          `json:"correlation_id,omitempty"`
	Usage              *usage.Summary  `json:"usage,omitempty"`
}

type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// CallbackEvent reports a task that reached a terminal status.
type CallbackEvent struct {
	OrganizationCode string          `json:"organization_code,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	TopicID          string          `json:"topic_id"`
	TopicName        string          `json:"topic_name,omitempty"`
	TaskID           string          `json:"task_id"`
	Message          json.RawMessage `json:"message,omitempty"`
	Language         string          `json:"language,omitempty"`
	Usage            usage.Summary   `json:"usage"`
}

type CallbackDispatcher interface {
	DispatchCompletion(ctx context.Context, ev CallbackEvent) error
}

// LogSink writes notifications to the process log. Default when no real
// client channel is configured.
type LogSink struct{}

func (LogSink) Notify(_ context.Context, n Notification) error {
	log.Printf("notify client: topic=%s task=%s type=%s status=%s", n.TopicID, n.TaskID, n.MessageType, n.Status)
	return nil
}

type LogDispatcher struct{}

func (LogDispatcher) DispatchCompletion(_ context.Context, ev CallbackEvent) error {
	log.Printf("completion callback: topic=%s task=%s cost=%.4f", ev.TopicID, ev.TaskID, ev.Usage.EstimatedCostUSD)
	return nil
}

// MemorySink records notifications for inspection in tests.
type MemorySink struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, n)
	return nil
}

func (s *MemorySink) Sent() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.sent))
	copy(out, s.sent)
	return out
}

type MemoryDispatcher struct {
	mu     sync.Mutex
	events []CallbackEvent
}

func NewMemoryDispatcher() *MemoryDispatcher { return &MemoryDispatcher{} }

func (d *MemoryDispatcher) DispatchCompletion(_ context.Context, ev CallbackEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *MemoryDispatcher) Events() []CallbackEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CallbackEvent, len(d.events))
	copy(out, d.events)
	return out
}
