package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/courier/internal/locking"
	"github.com/antoniostano/courier/internal/messages"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/sandbox"
	"github.com/antoniostano/courier/internal/task"
)

var (
	ErrSandboxBusy    = errors.New("sandbox delivery lock busy")
	ErrUnknownSandbox = errors.New("no topic bound to sandbox")
)

// Config bounds the delivery path.
type Config struct {
	SandboxLockTTL time.Duration
	SpinWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.SandboxLockTTL <= 0 {
		c.SandboxLockTTL = 10 * time.Second
	}
	if c.SpinWait <= 0 {
		c.SpinWait = 5 * time.Second
	}
	return c
}

// Pipeline ingests sandbox envelopes. Deliver serializes all writes for one
// sandbox behind its lock, which makes the sequence assignment safe and the
// upsert free of duplicate rows.
type Pipeline struct {
	locks   locking.Facade
	tasks   task.Store
	msgs    messages.Store
	queue   *Queue
	metrics *observability.Metrics
	cfg     Config
}

func New(locks locking.Facade, tasks task.Store, msgs messages.Store, queue *Queue, metrics *observability.Metrics, cfg Config) *Pipeline {
	return &Pipeline{
		locks:   locks,
		tasks:   tasks,
		msgs:    msgs,
		queue:   queue,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// Deliver stores one envelope and enqueues its (topic, task) pair for batch
// processing. Redelivery of a (topic, messageId) pair updates the stored row
// and keeps its sequence id; processing progress is never reset.
func (p *Pipeline) Deliver(ctx context.Context, env sandbox.Envelope) (messages.Message, error) {
	stored, err := p.store(ctx, env)
	if err != nil {
		return messages.Message{}, err
	}

	// The row is durable at this point; enqueue outside the sandbox lock so
	// a full queue cannot stall the delivery path past the lock TTL.
	if err := p.queue.Enqueue(ctx, Item{TopicID: stored.TopicID, TaskID: stored.TaskID}); err != nil {
		return stored, fmt.Errorf("enqueue work for topic %s: %w", stored.TopicID, err)
	}
	return stored, nil
}

// store runs the critical section: everything between sequence assignment
// and the upsert happens under the sandbox lock.
func (p *Pipeline) store(ctx context.Context, env sandbox.Envelope) (messages.Message, error) {
	sandboxID := env.Metadata.SandboxID
	if sandboxID == "" {
		return messages.Message{}, fmt.Errorf("envelope missing metadata.sandboxId")
	}

	owner := uuid.NewString()
	key := locking.SandboxKey(sandboxID)
	acquired, err := locking.SpinAcquire(ctx, p.locks, key, owner, p.cfg.SandboxLockTTL, p.cfg.SpinWait)
	if err != nil {
		return messages.Message{}, fmt.Errorf("acquire sandbox lock %s: %w", sandboxID, err)
	}
	p.metrics.ObserveLock("sandbox", acquired)
	if !acquired {
		return messages.Message{}, fmt.Errorf("%w: %s", ErrSandboxBusy, sandboxID)
	}
	defer func() {
		if err := p.locks.Release(ctx, key, owner); err != nil {
			log.Printf("pipeline: release sandbox lock %s: %v", sandboxID, err)
		}
	}()

	topicID, taskID, err := p.resolve(ctx, env)
	if err != nil {
		return messages.Message{}, err
	}

	msg, err := p.toMessage(ctx, env, topicID, taskID)
	if err != nil {
		return messages.Message{}, err
	}

	stored, inserted, err := p.msgs.Upsert(ctx, msg)
	if err != nil {
		return messages.Message{}, fmt.Errorf("upsert message %s: %w", msg.MessageID, err)
	}
	if p.metrics != nil {
		if inserted {
			p.metrics.MessagesDelivered.WithLabelValues("inserted").Inc()
		} else {
			p.metrics.MessagesDelivered.WithLabelValues("redelivered").Inc()
		}
	}
	return stored, nil
}

// resolve maps an envelope to its (topic, task). The courier task id in the
// metadata wins; without it the topic's current task is assumed.
func (p *Pipeline) resolve(ctx context.Context, env sandbox.Envelope) (topicID, taskID string, err error) {
	if env.Metadata.CourierTaskID != "" {
		t, err := p.tasks.GetTask(ctx, env.Metadata.CourierTaskID)
		if err == nil {
			return t.TopicID, t.ID, nil
		}
		if !errors.Is(err, task.ErrStoreNotFound) {
			return "", "", fmt.Errorf("resolve task %s: %w", env.Metadata.CourierTaskID, err)
		}
	}

	tp, err := p.tasks.GetTopicBySandbox(ctx, env.Metadata.SandboxID)
	if err != nil {
		if errors.Is(err, task.ErrStoreNotFound) {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownSandbox, env.Metadata.SandboxID)
		}
		return "", "", fmt.Errorf("resolve sandbox %s: %w", env.Metadata.SandboxID, err)
	}
	if tp.CurrentTaskID == "" {
		return "", "", fmt.Errorf("%w: topic %s has no current task", ErrUnknownSandbox, tp.ID)
	}
	return tp.ID, tp.CurrentTaskID, nil
}

// toMessage converts an envelope into a ledger row with the next sequence
// id. A sender-declared seqId that disagrees with the server-assigned one is
// tolerated with a warning; the server assignment is authoritative.
func (p *Pipeline) toMessage(ctx context.Context, env sandbox.Envelope, topicID, taskID string) (messages.Message, error) {
	next, err := p.msgs.NextSeq(ctx, topicID, taskID)
	if err != nil {
		return messages.Message{}, fmt.Errorf("next seq for topic %s: %w", topicID, err)
	}
	if env.Payload.SeqID > 0 && env.Payload.SeqID != next {
		log.Printf("pipeline: seq mismatch on topic=%s task=%s: sandbox declared %d, assigning %d",
			topicID, taskID, env.Payload.SeqID, next)
		if p.metrics != nil {
			p.metrics.SequenceGaps.Inc()
		}
	}

	if !sandbox.StatusKnown(env.Payload.Status) {
		log.Printf("pipeline: unknown status %q on message %s, storing as-is",
			env.Payload.Status, env.Payload.MessageID)
	}

	messageID := env.Payload.MessageID
	if messageID == "" {
		// No idempotency key from the sandbox; mint one so the row is
		// unique but redelivery cannot be detected.
		messageID = uuid.NewString()
	}

	atts := make([]messages.Attachment, 0, len(env.Payload.Attachments))
	for _, a := range env.Payload.Attachments {
		atts = append(atts, messages.Attachment{
			FileKey: a.FileKey,
			Name:    a.Filename,
			Size:    a.FileSize,
			URL:     a.URL,
		})
	}

	return messages.Message{
		MessageID:     messageID,
		SeqID:         next,
		TopicID:       topicID,
		TaskID:        taskID,
		Type:          messages.Type(env.Payload.Type),
		Status:        env.Payload.Status,
		Content:       env.Payload.Content,
		Steps:         env.Payload.Steps,
		Tool:          env.Payload.Tool,
		Attachments:   atts,
		Event:         env.Payload.Event,
		ShowInUI:      env.ShowInUI(),
		CorrelationID: env.Payload.CorrelationID,
		Raw:           env.Raw,
	}, nil
}
