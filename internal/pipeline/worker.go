package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/courier/internal/locking"
	"github.com/antoniostano/courier/internal/messages"
	"github.com/antoniostano/courier/internal/observability"
	"github.com/antoniostano/courier/internal/processing"
	"github.com/antoniostano/courier/internal/task"
	"github.com/antoniostano/courier/internal/termination"
)

// WorkerConfig bounds batch processing.
type WorkerConfig struct {
	BatchSize      int
	MaxRetries     int
	TopicLockTTL   time.Duration
	SpinWait       time.Duration
	TerminationTTL time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.TopicLockTTL <= 0 {
		c.TopicLockTTL = 15 * time.Second
	}
	if c.SpinWait <= 0 {
		c.SpinWait = 5 * time.Second
	}
	if c.TerminationTTL <= 0 {
		c.TerminationTTL = 10 * time.Minute
	}
	return c
}

// SessionInterrupter asks a live sandbox session, if one exists, to stop
// producing output for a task.
type SessionInterrupter interface {
	InterruptSession(ctx context.Context, taskID, reason string) error
}

// Worker drains the queue and processes batches. Each batch runs under the
// topic lock in sequence order; the MarkProcessing guard gives every message
// at-most-once side effects even when two workers race on the same item.
type Worker struct {
	queue       *Queue
	locks       locking.Facade
	msgs        messages.Store
	flags       termination.FlagStore
	machine     *task.StateMachine
	proc        processing.Processor
	metrics     *observability.Metrics
	interrupter SessionInterrupter
	cfg         WorkerConfig
}

func NewWorker(queue *Queue, locks locking.Facade, msgs messages.Store, flags termination.FlagStore,
	machine *task.StateMachine, proc processing.Processor, metrics *observability.Metrics, cfg WorkerConfig) *Worker {
	return &Worker{
		queue:   queue,
		locks:   locks,
		msgs:    msgs,
		flags:   flags,
		machine: machine,
		proc:    proc,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
	}
}

// WithInterrupter wires a best-effort sandbox stop signal used when the
// sandbox itself reports a suspension mid-stream.
func (w *Worker) WithInterrupter(i SessionInterrupter) *Worker {
	w.interrupter = i
	return w
}

// Run drains queue items until ctx is canceled or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-w.queue.Items():
			if !ok {
				return
			}
			if err := w.ProcessBatch(ctx, item); err != nil {
				log.Printf("worker: batch for topic=%s task=%s: %v", item.TopicID, item.TaskID, err)
			}
		}
	}
}

// Start launches n worker goroutines sharing one queue.
func Start(ctx context.Context, n int, newWorker func() *Worker) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go newWorker().Run(ctx)
	}
}

// ProcessBatch handles one queue item: fetch eligible messages in sequence
// order under the topic lock and apply each one's side effects exactly when
// its processing-status claim succeeds.
func (w *Worker) ProcessBatch(ctx context.Context, item Item) error {
	owner := uuid.NewString()
	key := locking.TopicKey(item.TopicID)
	acquired, err := locking.SpinAcquire(ctx, w.locks, key, owner, w.cfg.TopicLockTTL, w.cfg.SpinWait)
	if err != nil {
		return fmt.Errorf("acquire topic lock %s: %w", item.TopicID, err)
	}
	w.metrics.ObserveLock("topic", acquired)
	if !acquired {
		// Another worker holds the topic; its batch will pick up our
		// messages.
		return nil
	}
	defer func() {
		if err := w.locks.Release(ctx, key, owner); err != nil {
			log.Printf("worker: release topic lock %s: %v", item.TopicID, err)
		}
	}()

	batch, err := w.msgs.FetchPending(ctx, item.TopicID, item.TaskID, w.cfg.BatchSize, w.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("fetch pending for topic %s: %w", item.TopicID, err)
	}
	if w.metrics != nil {
		w.metrics.BatchSize.Observe(float64(len(batch)))
	}

	for _, msg := range batch {
		halt, err := w.processOne(ctx, msg)
		if err != nil {
			log.Printf("worker: message %s (seq %d): %v", msg.ID, msg.SeqID, err)
		}
		if halt {
			break
		}
	}
	return nil
}

// processOne returns halt=true when the rest of the batch must not run.
func (w *Worker) processOne(ctx context.Context, msg messages.Message) (halt bool, err error) {
	claimed, err := w.msgs.MarkProcessing(ctx, msg.ID)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if !claimed {
		// Lost the claim race or already completed; side effects must not
		// run twice.
		return false, nil
	}

	terminated, err := w.flags.IsSet(ctx, msg.TaskID)
	if err != nil {
		return false, w.fail(ctx, msg, fmt.Errorf("check termination flag: %w", err))
	}
	if terminated {
		// The task was torn down; drain its messages without side effects.
		if w.metrics != nil {
			w.metrics.MessagesProcessed.WithLabelValues("terminated").Inc()
		}
		return false, w.msgs.MarkCompleted(ctx, msg.ID)
	}

	w.applyStatus(ctx, msg)

	outcome, perr := w.proc.Process(ctx, msg)
	switch outcome {
	case processing.OutcomeFatal:
		if ferr := w.msgs.MarkFailed(ctx, msg.ID, perr.Error()); ferr != nil {
			log.Printf("worker: mark failed %s: %v", msg.ID, ferr)
		}
		if serr := w.flags.Set(ctx, msg.TaskID, w.cfg.TerminationTTL); serr != nil {
			log.Printf("worker: set termination flag for task %s: %v", msg.TaskID, serr)
		} else if w.metrics != nil {
			w.metrics.TerminationsSet.Inc()
		}
		if w.metrics != nil {
			w.metrics.MessagesProcessed.WithLabelValues("fatal").Inc()
		}
		return true, perr

	case processing.OutcomeSuspended:
		w.suspend(ctx, msg)
		if w.metrics != nil {
			w.metrics.MessagesProcessed.WithLabelValues("suspended").Inc()
		}
		return false, w.msgs.MarkCompleted(ctx, msg.ID)

	default:
		if perr != nil {
			return false, w.fail(ctx, msg, perr)
		}
		if w.metrics != nil {
			w.metrics.MessagesProcessed.WithLabelValues("ok").Inc()
		}
		return false, w.msgs.MarkCompleted(ctx, msg.ID)
	}
}

// applyStatus feeds lifecycle payloads to the state machine. Illegal
// transitions are its problem, not ours; it rejects them silently.
func (w *Worker) applyStatus(ctx context.Context, msg messages.Message) {
	to := task.Status(msg.Status)
	if msg.Status == "" || !to.Known() {
		return
	}
	req := task.TransitionRequest{
		TaskID:        msg.TaskID,
		To:            to,
		Reason:        msg.Content,
		RawMessage:    msg.Raw,
		MessageDriven: true,
	}
	if _, _, err := w.machine.Transition(ctx, req); err != nil {
		log.Printf("worker: transition task %s to %s: %v", msg.TaskID, msg.Status, err)
	}
}

// suspend tears the task down after a sandbox-initiated suspension: the task
// moves to SUSPENDED, its termination flag drains everything still queued,
// and the live session (if any) is told to stop producing output.
func (w *Worker) suspend(ctx context.Context, msg messages.Message) {
	if _, _, err := w.machine.Transition(ctx, task.TransitionRequest{
		TaskID:        msg.TaskID,
		To:            task.StatusSuspended,
		Reason:        msg.Content,
		RawMessage:    msg.Raw,
		MessageDriven: true,
	}); err != nil {
		log.Printf("worker: suspend task %s: %v", msg.TaskID, err)
	}
	if err := w.flags.Set(ctx, msg.TaskID, w.cfg.TerminationTTL); err != nil {
		log.Printf("worker: set termination flag for task %s: %v", msg.TaskID, err)
	} else if w.metrics != nil {
		w.metrics.TerminationsSet.Inc()
	}
	if w.interrupter != nil {
		if err := w.interrupter.InterruptSession(ctx, msg.TaskID, msg.Content); err != nil {
			log.Printf("worker: interrupt session for task %s: %v", msg.TaskID, err)
		}
	}
}

func (w *Worker) fail(ctx context.Context, msg messages.Message, cause error) error {
	if w.metrics != nil {
		w.metrics.MessagesProcessed.WithLabelValues("failed").Inc()
	}
	if err := w.msgs.MarkFailed(ctx, msg.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark failed after %v: %w", cause, err)
	}
	return cause
}
