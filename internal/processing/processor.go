package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/courier/internal/locking"
	"github.com/antoniostano/courier/internal/messages"
	"github.com/antoniostano/courier/internal/notify"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/sandbox"
)

// Processor applies the side effects of one stored message.
type Processor interface {
	Process(ctx context.Context, msg messages.Message) (Outcome, error)
}

// Core is the default processor. It ingests attachments under a per-file
// lock, translates project archives into structured tool output, forwards
// client-visible messages to the notification sink, and classifies error
// payloads as fatal or not.
type Core struct {
	files       FileStore
	locks       locking.Facade
	sink        notify.Sink
	metrics     *observability.Metrics
	fileLockTTL time.Duration
	spinWait    time.Duration
}

type CoreConfig struct {
	FileLockTTL time.Duration
	SpinWait    time.Duration
}

func NewCore(files FileStore, locks locking.Facade, sink notify.Sink, metrics *observability.Metrics, cfg CoreConfig) *Core {
	if cfg.FileLockTTL <= 0 {
		cfg.FileLockTTL = 2 * time.Second
	}
	if cfg.SpinWait <= 0 {
		cfg.SpinWait = 5 * time.Second
	}
	return &Core{
		files:       files,
		locks:       locks,
		sink:        sink,
		metrics:     metrics,
		fileLockTTL: cfg.FileLockTTL,
		spinWait:    cfg.SpinWait,
	}
}

func (c *Core) Process(ctx context.Context, msg messages.Message) (Outcome, error) {
	if msg.Event == messages.EventSuspended {
		// Tell the client the task stopped on the sandbox's initiative;
		// everything else queued for this task is discarded by the worker.
		if err := c.sink.Notify(ctx, notify.Notification{
			TopicID:     msg.TopicID,
			TaskID:      msg.TaskID,
			MessageType: string(msg.Type),
			Status:      "SUSPENDED",
			Event:       messages.EventSuspended,
			Content:     msg.Content,
		}); err != nil {
			log.Printf("processor: notify suspension for task %s: %v", msg.TaskID, err)
		}
		return OutcomeSuspended, nil
	}

	switch msg.Type {
	case messages.TypeError:
		if sandbox.IsFatalSignature(msg.Content) {
			return OutcomeFatal, fmt.Errorf("sandbox reported fatal error: %s", msg.Content)
		}
		return c.forward(ctx, msg, nil)

	case messages.TypeProjectArchive:
		return c.processArchive(ctx, msg)

	case messages.TypeChat, messages.TypeToolProgress, messages.TypeInterrupt:
		refs, err := c.ingestAttachments(ctx, msg)
		if err != nil {
			return OutcomeOk, err
		}
		return c.forward(ctx, msg, refs)

	case messages.TypeInit, messages.TypeUnknown:
		// Nothing to do; completing the message keeps the ledger moving.
		return OutcomeOk, nil

	default:
		log.Printf("processor: unhandled message type %q for message %s", msg.Type, msg.ID)
		return OutcomeOk, nil
	}
}

// ingestAttachments saves every attachment under its file lock so concurrent
// redeliveries of the same file key cannot interleave writes.
func (c *Core) ingestAttachments(ctx context.Context, msg messages.Message) ([]notify.FileRef, error) {
	if len(msg.Attachments) == 0 {
		return nil, nil
	}
	refs := make([]notify.FileRef, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		if att.FileKey == "" {
			continue
		}
		f, err := c.saveAttachment(ctx, msg, att)
		if err != nil {
			return nil, fmt.Errorf("ingest attachment %s: %w", att.FileKey, err)
		}
		refs = append(refs, notify.FileRef{FileID: f.ID, FileKey: f.FileKey, Name: f.Name, URL: f.URL})
	}
	return refs, nil
}

func (c *Core) saveAttachment(ctx context.Context, msg messages.Message, att messages.Attachment) (File, error) {
	owner := uuid.NewString()
	key := locking.FileKey(att.FileKey)
	ok, err := locking.SpinAcquire(ctx, c.locks, key, owner, c.fileLockTTL, c.spinWait)
	if err != nil {
		return File{}, err
	}
	c.metrics.ObserveLock("file", ok)
	if !ok {
		return File{}, fmt.Errorf("file lock %s busy", att.FileKey)
	}
	defer func() {
		if err := c.locks.Release(ctx, key, owner); err != nil {
			log.Printf("processor: release file lock %s: %v", att.FileKey, err)
		}
	}()

	return c.files.SaveOrUpdate(ctx, File{
		FileKey: att.FileKey,
		Name:    att.Name,
		Size:    att.Size,
		URL:     att.URL,
		TopicID: msg.TopicID,
		TaskID:  msg.TaskID,
	})
}

// processArchive rewrites a project archive payload as structured tool
// output so clients render it like any other tool result.
func (c *Core) processArchive(ctx context.Context, msg messages.Message) (Outcome, error) {
	tool, err := json.Marshal(map[string]any{
		"tool_name": "project-archive",
		"status":    "completed",
		"archive":   json.RawMessage(nonEmptyRaw(msg.Raw)),
	})
	if err != nil {
		return OutcomeOk, fmt.Errorf("encode archive tool output: %w", err)
	}
	msg.Tool = tool
	msg.Content = ""
	return c.forward(ctx, msg, nil)
}

func (c *Core) forward(ctx context.Context, msg messages.Message, refs []notify.FileRef) (Outcome, error) {
	if !msg.ShowInUI {
		return OutcomeOk, nil
	}
	n := notify.Notification{
		TopicID:       msg.TopicID,
		TaskID:        msg.TaskID,
		Content:       msg.Content,
		MessageType:   string(msg.Type),
		Status:        msg.Status,
		Event:         msg.Event,
		Steps:         msg.Steps,
		Tool:          msg.Tool,
		Attachments:   refs,
		CorrelationID: msg.CorrelationID,
	}
	if err := c.sink.Notify(ctx, n); err != nil {
		return OutcomeOk, fmt.Errorf("notify client: %w", err)
	}
	if c.metrics != nil {
		c.metrics.Notifications.Inc()
	}
	return OutcomeOk, nil
}

func nonEmptyRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`null`)
	}
	return raw
}
