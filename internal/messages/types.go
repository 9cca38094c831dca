package messages

import (
	"encoding/json"
	"time"
)

// Type identifies sandbox payload variants recorded in the ledger.
type Type string

const (
	TypeInit           Type = "init"
	TypeChat           Type = "chat"
	TypeInterrupt      Type = "interrupt"
	TypeToolProgress   Type = "tool-progress"
	TypeError          Type = "error"
	TypeProjectArchive Type = "project-archive"
	TypeUnknown        Type = "unknown"
)

// ProcessingStatus tracks a message through the batch processor. Transitions
// are guarded: pending -> processing -> completed|failed, and completed is
// never re-entered.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// EventSuspended marks sandbox-initiated suspension; such messages complete
// as no-ops in the batch processor.
const EventSuspended = "suspended"

// Attachment is one file reference carried by a message.
type Attachment struct {
	FileID  string `json:"file_id,omitempty"`
	FileKey string `json:"file_key"`
	Name    string `json:"name,omitempty"`
	Size    int64  `json:"size,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Message is the per-task event record. Exactly one row exists per
// (TopicID, MessageID); redeliveries update fields in place.
type Message struct {
	ID               string           `json:"id"`
	MessageID        string           `json:"message_id"`
	SeqID            int64            `json:"seq_id"`
	TopicID          string           `json:"topic_id"`
	TaskID           string           `json:"task_id"`
	Type             Type             `json:"type"`
	Status           string           `json:"status,omitempty"`
	Content          string           `json:"content,omitempty"`
	Steps            json.RawMessage  `json:"steps,omitempty"`
	Tool             json.RawMessage  `json:"tool,omitempty"`
	Attachments      []Attachment     `json:"attachments,omitempty"`
	Event            string           `json:"event,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	RetryCount       int              `json:"retry_count"`
	ProcessingError  string           `json:"processing_error,omitempty"`
	ShowInUI         bool             `json:"show_in_ui"`
	CorrelationID    string           `json:"correlation_id,omitempty"`
	Raw              json.RawMessage  `json:"raw,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		copy(out.Attachments, m.Attachments)
	}
	return out
}
