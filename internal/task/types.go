package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusFinished  Status = "FINISHED"
	StatusError     Status = "ERROR"
	StatusSuspended Status = "SUSPENDED"
)

// Terminal reports whether no further transition may leave the status.
// SUSPENDED is not terminal here: a follow-up task may resume the topic.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// Known reports whether s is a member of the lifecycle enum. Sandbox
// payloads may carry statuses outside it; those are tolerated upstream
// with a warning and never reach the state machine.
func (s Status) Known() bool {
	switch s {
	case StatusWaiting, StatusRunning, StatusFinished, StatusError, StatusSuspended:
		return true
	default:
		return false
	}
}

// successors is the legal transition table. Absence means rejection.
var successors = map[Status][]Status{
	StatusWaiting:   {StatusRunning, StatusError, StatusSuspended},
	StatusRunning:   {StatusFinished, StatusError, StatusSuspended},
	StatusFinished:  {},
	StatusError:     {},
	StatusSuspended: {StatusRunning},
}

// CanTransition reports whether to is a permitted successor of from.
func CanTransition(from, to Status) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one execution attempt of a prompt within a Topic. Tasks are never
// deleted, only superseded by a new Task under the same Topic.
type Task struct {
	ID            string          `json:"id"`
	TopicID       string          `json:"topic_id"`
	ProjectID     string          `json:"project_id,omitempty"`
	Status        Status          `json:"status"`
	SandboxID     string          `json:"sandbox_id,omitempty"`
	SandboxTaskID string          `json:"sandbox_task_id,omitempty"`
	Prompt        string          `json:"prompt"`
	Attachments   json.RawMessage `json:"attachments,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
}

// Topic is a conversation thread owning at most one active sandbox and a
// pointer to its current task.
type Topic struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name,omitempty"`
	CurrentTaskID      string    `json:"current_task_id,omitempty"`
	SandboxID          string    `json:"sandbox_id,omitempty"`
	SandboxInitialized bool      `json:"sandbox_initialized"`
	ChatConversationID string    `json:"chat_conversation_id,omitempty"`
	ChatTopicID        string    `json:"chat_topic_id,omitempty"`
	OrganizationCode   string    `json:"organization_code,omitempty"`
	UserID             string    `json:"user_id,omitempty"`
	Language           string    `json:"language,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// New creates a WAITING task for a topic.
func New(topicID, projectID, prompt string, attachments json.RawMessage) Task {
	now := time.Now().UTC()
	return Task{
		ID:          uuid.NewString(),
		TopicID:     topicID,
		ProjectID:   projectID,
		Status:      StatusWaiting,
		Prompt:      prompt,
		Attachments: attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
