// Package app coordinates the pieces: it owns live sandbox sessions, drives
// the task lifecycle from start to terminal status, and feeds everything a
// sandbox says into the delivery pipeline.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/antoniostano/courier/internal/config"
	"github.com/antoniostano/courier/internal/notify"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/pipeline"
	"github.com/antoniostano/courier/internal/sandbox"
	"github.com/antoniostano/courier/internal/task"
	"github.com/antoniostano/courier/internal/termination"
)

var (
	ErrTopicNotFound = errors.New("topic not found")
	ErrTaskNotFound  = errors.New("task not found")
)

// Service is the application facade used by the HTTP API and the scheduler.
type Service struct {
	cfg     config.Config
	dialer  sandbox.Dialer
	tasks   task.Store
	machine *task.StateMachine
	pipe    *pipeline.Pipeline
	flags   termination.FlagStore
	sink    notify.Sink
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*sandbox.Session // task id -> live session
}

func NewService(cfg config.Config, dialer sandbox.Dialer, tasks task.Store, machine *task.StateMachine,
	pipe *pipeline.Pipeline, flags termination.FlagStore, sink notify.Sink, metrics *observability.Metrics) *Service {
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Service{
		cfg:      cfg,
		dialer:   dialer,
		tasks:    tasks,
		machine:  machine,
		pipe:     pipe,
		flags:    flags,
		sink:     sink,
		metrics:  metrics,
		sessions: map[string]*sandbox.Session{},
	}
}

// CreateTopic registers a new conversation topic.
func (s *Service) CreateTopic(ctx context.Context, name, userID, orgCode, language string) (task.Topic, error) {
	tp := task.Topic{
		ID:               uuid.NewString(),
		Name:             name,
		UserID:           userID,
		OrganizationCode: orgCode,
		Language:         language,
	}
	if err := s.tasks.SaveTopic(ctx, tp); err != nil {
		return task.Topic{}, fmt.Errorf("save topic: %w", err)
	}
	return tp, nil
}

// StartTask creates a WAITING task under the topic and runs its sandbox
// session in the background. The returned task is the persisted WAITING
// record; status changes arrive through the pipeline.
func (s *Service) StartTask(ctx context.Context, topicID, projectID, prompt string, attachments json.RawMessage) (task.Task, error) {
	tp, err := s.tasks.GetTopic(ctx, topicID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Task{}, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
		}
		return task.Task{}, err
	}

	t := task.New(topicID, projectID, prompt, attachments)
	if err := s.tasks.SaveTask(ctx, t); err != nil {
		return task.Task{}, fmt.Errorf("save task: %w", err)
	}

	// One sandbox per topic for its whole life; claim one on first use.
	if tp.SandboxID == "" {
		tp.SandboxID = "sbx-" + uuid.NewString()
		if err := s.tasks.SaveTopic(ctx, tp); err != nil {
			return task.Task{}, fmt.Errorf("claim sandbox for topic: %w", err)
		}
	}

	go s.runTask(context.WithoutCancel(ctx), tp, t)
	return t, nil
}

// runTask owns the whole session lifecycle for one task. Whatever happens,
// the session is closed and unregistered on the way out.
func (s *Service) runTask(ctx context.Context, tp task.Topic, t task.Task) {
	meta := sandbox.Metadata{
		OrganizationCode:   tp.OrganizationCode,
		UserID:             tp.UserID,
		ChatConversationID: tp.ChatConversationID,
		ChatTopicID:        tp.ChatTopicID,
		SandboxID:          tp.SandboxID,
		CourierTaskID:      t.ID,
		Language:           tp.Language,
	}

	sess, err := s.dialer.Dial(ctx, tp.SandboxID)
	if err != nil {
		s.abort(ctx, t.ID, fmt.Errorf("dial sandbox: %w", err))
		return
	}
	defer sess.Close()
	s.metrics.ObserveSessionEvent("dialed")

	s.register(t.ID, sess)
	defer s.unregister(t.ID)

	if !tp.SandboxInitialized {
		if err := sess.Init(ctx, meta, sandbox.InitParams{FirstTask: true}); err != nil {
			s.abort(ctx, t.ID, fmt.Errorf("init sandbox: %w", err))
			return
		}
		tp.SandboxInitialized = true
		if err := s.tasks.SaveTopic(ctx, tp); err != nil {
			log.Printf("app: persist sandbox init for topic %s: %v", tp.ID, err)
		}
		s.metrics.ObserveSessionEvent("initialized")
	}

	sandboxTaskID, err := sess.Chat(ctx, meta, t.Prompt, wireAttachments(t.Attachments), t.ID)
	if err != nil {
		s.abort(ctx, t.ID, fmt.Errorf("chat ack: %w", err))
		return
	}
	if _, err := s.machine.BindSandboxTask(ctx, t.ID, tp.SandboxID, sandboxTaskID); err != nil {
		log.Printf("app: bind sandbox task for %s: %v", t.ID, err)
	}
	if _, _, err := s.machine.Transition(ctx, task.TransitionRequest{
		TaskID:    t.ID,
		To:        task.StatusRunning,
		SandboxID: tp.SandboxID,
	}); err != nil {
		s.abort(ctx, t.ID, fmt.Errorf("mark running: %w", err))
		return
	}
	s.metrics.ObserveSessionEvent("running")

	err = sess.Stream(ctx, func(env sandbox.Envelope) error {
		if _, derr := s.pipe.Deliver(ctx, env); derr != nil {
			// Delivery failures are per message; the stream goes on.
			log.Printf("app: deliver message from sandbox %s: %v", tp.SandboxID, derr)
		}
		return s.streamDone(ctx, t.ID)
	})
	s.finishStream(ctx, t.ID, err)
}

// errStreamDone stops the stream loop once the task reached a terminal
// status through the pipeline.
var errStreamDone = errors.New("task reached terminal status")

func (s *Service) streamDone(ctx context.Context, taskID string) error {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil
	}
	if t.Status.Terminal() || t.Status == task.StatusSuspended {
		return errStreamDone
	}
	return nil
}

func (s *Service) finishStream(ctx context.Context, taskID string, streamErr error) {
	if streamErr == nil || errors.Is(streamErr, errStreamDone) {
		s.metrics.ObserveSessionEvent("closed")
		return
	}
	s.abort(ctx, taskID, streamErr)
}

// abort moves the task to ERROR (if the transition table allows it) and
// flags it so queued messages drain without side effects.
func (s *Service) abort(ctx context.Context, taskID string, cause error) {
	log.Printf("app: task %s aborted: %v", taskID, cause)
	s.metrics.ObserveSessionEvent("aborted")
	if _, _, err := s.machine.Transition(ctx, task.TransitionRequest{
		TaskID: taskID,
		To:     task.StatusError,
		Reason: cause.Error(),
	}); err != nil {
		log.Printf("app: mark task %s errored: %v", taskID, err)
	}
	if err := s.flags.Set(ctx, taskID, s.cfg.TerminationTTL); err != nil {
		log.Printf("app: set termination flag for %s: %v", taskID, err)
	}
}

// InterruptTask asks the live session to stop. When the session is gone or
// the sandbox does not acknowledge, the task is suspended and flagged so the
// client is not left waiting on a dead sandbox.
func (s *Service) InterruptTask(ctx context.Context, taskID, reason string) (task.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return task.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return task.Task{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	if sess := s.session(taskID); sess != nil {
		meta := sandbox.Metadata{SandboxID: t.SandboxID, CourierTaskID: t.ID}
		if err := sess.Interrupt(ctx, meta, reason); err == nil {
			s.metrics.ObserveSessionEvent("interrupted")
			return t, nil
		} else {
			log.Printf("app: interrupt via session failed for task %s: %v", taskID, err)
		}
	}

	// Unreachable sandbox: suspend, flag, and tell the client directly.
	suspended, _, err := s.machine.Transition(ctx, task.TransitionRequest{
		TaskID: taskID,
		To:     task.StatusSuspended,
		Reason: reason,
	})
	if err != nil {
		return task.Task{}, err
	}
	if err := s.flags.Set(ctx, taskID, s.cfg.TerminationTTL); err != nil {
		log.Printf("app: set termination flag for %s: %v", taskID, err)
	}
	if err := s.sink.Notify(ctx, notify.Notification{
		TopicID:     t.TopicID,
		TaskID:      t.ID,
		MessageType: "interrupt",
		Status:      string(task.StatusSuspended),
		Content:     reason,
	}); err != nil {
		log.Printf("app: notify suspension for %s: %v", taskID, err)
	}
	return suspended, nil
}

// InterruptSession is the best-effort stop signal used by the pipeline when
// the sandbox itself reports a suspension. No session means nothing to stop.
func (s *Service) InterruptSession(ctx context.Context, taskID, reason string) error {
	sess := s.session(taskID)
	if sess == nil {
		return nil
	}
	t, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	meta := sandbox.Metadata{SandboxID: t.SandboxID, CourierTaskID: t.ID}
	if err := sess.Interrupt(ctx, meta, reason); err != nil {
		return err
	}
	s.metrics.ObserveSessionEvent("interrupted")
	return nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (task.Task, error) {
	t, err := s.tasks.GetTask(ctx, taskID)
	if errors.Is(err, task.ErrStoreNotFound) {
		return task.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t, err
}

func (s *Service) GetTopic(ctx context.Context, topicID string) (task.Topic, error) {
	tp, err := s.tasks.GetTopic(ctx, topicID)
	if errors.Is(err, task.ErrStoreNotFound) {
		return task.Topic{}, fmt.Errorf("%w: %s", ErrTopicNotFound, topicID)
	}
	return tp, err
}

func (s *Service) register(taskID string, sess *sandbox.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[taskID] = sess
}

func (s *Service) unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, taskID)
}

func (s *Service) session(taskID string) *sandbox.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[taskID]
}

func wireAttachments(raw json.RawMessage) []sandbox.Attachment {
	if len(raw) == 0 {
		return nil
	}
	var atts []sandbox.Attachment
	if err := json.Unmarshal(raw, &atts); err != nil {
		log.Printf("app: task attachments not parseable, sending none: %v", err)
		return nil
	}
	return atts
}
