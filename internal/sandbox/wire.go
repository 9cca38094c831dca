// Package sandbox speaks the wire protocol of remote sandbox workers: a
// persistent bidirectional websocket carrying JSON envelopes in both
// directions.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PayloadType identifies envelope payload variants.
type PayloadType string

const (
	TypeInit           PayloadType = "init"
	TypeChat           PayloadType = "chat"
	TypeInterrupt      PayloadType = "interrupt"
	TypeToolProgress   PayloadType = "tool-progress"
	TypeError          PayloadType = "error"
	TypeProjectArchive PayloadType = "project-archive"
	// TypeUnknown is the catch-all for forward compatibility; the raw
	// payload is preserved on the envelope.
	TypeUnknown PayloadType = "unknown"
)

var ErrInvalidEnvelope = errors.New("invalid sandbox envelope")

// Metadata identifies the tenant, conversation and task an envelope belongs to.
type Metadata struct {
	OrganizationCode   string `json:"organizationCode,omitempty"`
	UserID             string `json:"userId,omitempty"`
	ChatConversationID string `json:"chatConversationId,omitempty"`
	ChatTopicID        string `json:"chatTopicId,omitempty"`
	Instruction        string `json:"instruction,omitempty"`
	SandboxID          string `json:"sandboxId,omitempty"`
	CourierTaskID      string `json:"courierTaskId,omitempty"`
	AgentUserID        string `json:"agentUserId,omitempty"`
	Language           string `json:"language,omitempty"`
}

// Attachment is a file reference carried on the wire.
type Attachment struct {
	FileKey     string `json:"fileKey"`
	Filename    string `json:"filename,omitempty"`
	FileSize    int64  `json:"fileSize,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// InitParams carry the once-per-sandbox handshake data.
type InitParams struct {
	UploadToken string `json:"uploadToken,omitempty"`
	TaskMode    string `json:"taskMode,omitempty"`
	FirstTask   bool   `json:"firstTask,omitempty"`
}

// Payload is the variant part of an envelope, tagged by Type.
type Payload struct {
	Type           PayloadType     `json:"type"`
	Status         string          `json:"status,omitempty"`
	TaskID         string          `json:"taskId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	SeqID          int64           `json:"seqId,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Content        string          `json:"content,omitempty"`
	Tool           json.RawMessage `json:"tool,omitempty"`
	Steps          json.RawMessage `json:"steps,omitempty"`
	Event          string          `json:"event,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	ShowInUI       *bool           `json:"showInUi,omitempty"`
	ProjectArchive json.RawMessage `json:"projectArchive,omitempty"`
	Init           *InitParams     `json:"init,omitempty"`
}

type Envelope struct {
	Metadata Metadata `json:"metadata"`
	Payload  Payload  `json:"payload"`
	// Raw is the original bytes, retained for unknown payload types and
	// for the completion callback's message DTO.
	Raw json.RawMessage `json:"-"`
}

func (e Envelope) ShowInUI() bool {
	if e.Payload.ShowInUI == nil {
		return true
	}
	return *e.Payload.ShowInUI
}

// knownTypes lists payload types the pipeline understands.
var knownTypes = map[PayloadType]bool{
	TypeInit:           true,
	TypeChat:           true,
	TypeInterrupt:      true,
	TypeToolProgress:   true,
	TypeError:          true,
	TypeProjectArchive: true,
}

// ParseEnvelope decodes raw bytes into an Envelope. Unknown payload types
// are not an error: the type collapses to TypeUnknown and the raw payload
// is kept so nothing is lost. A missing type is a validation error.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	env.Raw = append(json.RawMessage(nil), raw...)

	env.Payload.Type = PayloadType(strings.TrimSpace(string(env.Payload.Type)))
	if env.Payload.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing payload.type", ErrInvalidEnvelope)
	}
	if !knownTypes[env.Payload.Type] {
		env.Payload.Type = TypeUnknown
	}
	return env, nil
}

// StatusKnown reports whether the payload status is a member of the task
// lifecycle enum. Unknown statuses are tolerated with a warning upstream.
func StatusKnown(status string) bool {
	switch status {
	case "", "WAITING", "RUNNING", "FINISHED", "ERROR", "SUSPENDED":
		return true
	default:
		return false
	}
}
