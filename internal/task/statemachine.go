package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/courier/internal/notify"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/usage"
)

// TransitionRequest asks the state machine to move a task to a new status.
// MessageDriven marks requests that originate from a stored sandbox message;
// those may never resume a SUSPENDED task, only an explicit follow-up can.
type TransitionRequest struct {
	TaskID        string
	To            Status
	SandboxID     string
	Reason        string
	RawMessage    json.RawMessage
	MessageDriven bool
}

// StateMachine owns every mutation of task status. Illegal transitions are
// rejected silently: the request is logged and counted, the persisted status
// is left untouched, and no error is surfaced. This is the safety net that
// keeps a late-arriving RUNNING from resurrecting a FINISHED task.
type StateMachine struct {
	store     Store
	usage     usage.Calculator
	callbacks notify.CallbackDispatcher
	metrics   *observability.Metrics
}

func NewStateMachine(store Store, calc usage.Calculator, callbacks notify.CallbackDispatcher, metrics *observability.Metrics) *StateMachine {
	if calc == nil {
		calc = usage.Zero{}
	}
	if callbacks == nil {
		callbacks = notify.LogDispatcher{}
	}
	return &StateMachine{
		store:     store,
		usage:     calc,
		callbacks: callbacks,
		metrics:   metrics,
	}
}

// Transition applies req if the persisted status permits it. The bool result
// reports acceptance; a rejected transition is not an error.
func (sm *StateMachine) Transition(ctx context.Context, req TransitionRequest) (Task, bool, error) {
	t, err := sm.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return Task{}, false, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}

	if !req.To.Known() {
		log.Printf("task %s: ignoring transition to unknown status %q", t.ID, req.To)
		sm.metrics.ObserveTransition(string(req.To), false)
		return t, false, nil
	}
	if !CanTransition(t.Status, req.To) {
		log.Printf("task %s: rejected transition %s -> %s", t.ID, t.Status, req.To)
		sm.metrics.ObserveTransition(string(req.To), false)
		return t, false, nil
	}
	if req.MessageDriven && t.Status == StatusSuspended && req.To == StatusRunning {
		// A late sandbox message must not undo a suspension.
		log.Printf("task %s: rejected message-driven resume from SUSPENDED", t.ID)
		sm.metrics.ObserveTransition(string(req.To), false)
		return t, false, nil
	}

	now := time.Now().UTC()
	t.Status = req.To
	t.UpdatedAt = now
	if req.SandboxID != "" {
		t.SandboxID = req.SandboxID
	}
	switch req.To {
	case StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		t.EndedAt = nil
	case StatusError, StatusSuspended:
		t.Error = req.Reason
		t.EndedAt = &now
	case StatusFinished:
		t.EndedAt = &now
	}

	if err := sm.store.SaveTask(ctx, t); err != nil {
		return Task{}, false, fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	sm.metrics.ObserveTransition(string(req.To), true)

	topic := sm.propagateToTopic(ctx, t, req.To)

	if req.To.Terminal() {
		sm.emitCompletion(ctx, t, topic, req.RawMessage)
	}
	return t, true, nil
}

// BindSandboxTask records the sandbox-assigned correlation id once the chat
// ack arrives. Not a status transition.
func (sm *StateMachine) BindSandboxTask(ctx context.Context, taskID, sandboxID, sandboxTaskID string) (Task, error) {
	t, err := sm.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	t.SandboxID = sandboxID
	t.SandboxTaskID = sandboxTaskID
	t.UpdatedAt = time.Now().UTC()
	if err := sm.store.SaveTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("persist task %s: %w", taskID, err)
	}
	return t, nil
}

func (sm *StateMachine) propagateToTopic(ctx context.Context, t Task, to Status) Topic {
	topic, err := sm.store.GetTopic(ctx, t.TopicID)
	if err != nil {
		if !errors.Is(err, ErrStoreNotFound) {
			log.Printf("task %s: load topic %s failed: %v", t.ID, t.TopicID, err)
		}
		return Topic{ID: t.TopicID}
	}

	changed := false
	if t.SandboxID != "" && topic.SandboxID != t.SandboxID {
		topic.SandboxID = t.SandboxID
		changed = true
	}
	if to == StatusRunning && topic.CurrentTaskID != t.ID {
		topic.CurrentTaskID = t.ID
		changed = true
	}
	if changed {
		if err := sm.store.SaveTopic(ctx, topic); err != nil {
			log.Printf("task %s: persist topic %s failed: %v", t.ID, t.TopicID, err)
		}
	}
	return topic
}

func (sm *StateMachine) emitCompletion(ctx context.Context, t Task, topic Topic, raw json.RawMessage) {
	summary, err := sm.usage.Summarize(ctx, t.TopicID, t.ID)
	if err != nil {
		log.Printf("task %s: usage summary failed: %v", t.ID, err)
	}
	if t.StartedAt != nil && t.EndedAt != nil {
		summary.Duration = t.EndedAt.Sub(*t.StartedAt)
	}
	ev := notify.CallbackEvent{
		OrganizationCode: topic.OrganizationCode,
		UserID:           topic.UserID,
		TopicID:          t.TopicID,
		TopicName:        topic.Name,
		TaskID:           t.ID,
		Message:          raw,
		Language:         topic.Language,
		Usage:            summary,
	}
	if err := sm.callbacks.DispatchCompletion(ctx, ev); err != nil {
		log.Printf("task %s: completion callback failed: %v", t.ID, err)
	}
}
