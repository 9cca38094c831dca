package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/courier/internal/locking"
	"github.com/antoniostano/courier/internal/messages"
	"github.com/antoniostano/courier/internal/processing"
	"github.com/antoniostano/courier/internal/sandbox"
	"github.com/antoniostano/courier/internal/task"
	"github.com/antoniostano/courier/internal/termination"
)

// scriptProcessor records the order messages reach it and answers with a
// scripted outcome.
type scriptProcessor struct {
	mu      sync.Mutex
	seen    []messages.Message
	outcome func(m messages.Message) (processing.Outcome, error)
}

func (p *scriptProcessor) Process(_ context.Context, m messages.Message) (processing.Outcome, error) {
	p.mu.Lock()
	p.seen = append(p.seen, m)
	p.mu.Unlock()
	if p.outcome == nil {
		return processing.OutcomeOk, nil
	}
	return p.outcome(m)
}

func (p *scriptProcessor) calls() []messages.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]messages.Message, len(p.seen))
	copy(out, p.seen)
	return out
}

type fixture struct {
	pipe    *Pipeline
	worker  *Worker
	queue   *Queue
	msgs    *messages.MemoryStore
	tasks   *task.MemoryStore
	flags   *termination.Memory
	machine *task.StateMachine
	proc    *scriptProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	tasks := task.NewMemoryStore()
	if err := tasks.SaveTopic(ctx, task.Topic{ID: "topic-1", SandboxID: "sb-1", CurrentTaskID: "task-1"}); err != nil {
		t.Fatalf("SaveTopic() error = %v", err)
	}
	if err := tasks.SaveTask(ctx, task.Task{ID: "task-1", TopicID: "topic-1", Status: task.StatusRunning}); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	msgs := messages.NewMemoryStore()
	locks := locking.NewMemory()
	queue := NewQueue(64)
	flags := termination.NewMemory()
	machine := task.NewStateMachine(tasks, nil, nil, nil)
	proc := &scriptProcessor{}

	return &fixture{
		pipe:  New(locks, tasks, msgs, queue, nil, Config{SpinWait: 200 * time.Millisecond}),
		worker: NewWorker(queue, locks, msgs, flags, machine, proc, nil, WorkerConfig{
			BatchSize:  50,
			MaxRetries: 3,
			SpinWait:   200 * time.Millisecond,
		}),
		queue:   queue,
		msgs:    msgs,
		tasks:   tasks,
		flags:   flags,
		machine: machine,
		proc:    proc,
	}
}

func chatEnvelope(messageID, content string) sandbox.Envelope {
	return sandbox.Envelope{
		Metadata: sandbox.Metadata{SandboxID: "sb-1"},
		Payload: sandbox.Payload{
			Type:      sandbox.TypeChat,
			MessageID: messageID,
			Content:   content,
		},
	}
}

func TestDeliverAssignsMonotonicSequence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		stored, err := f.pipe.Deliver(ctx, chatEnvelope(fmt.Sprintf("m-%d", i), "x"))
		if err != nil {
			t.Fatalf("Deliver() #%d error = %v", i, err)
		}
		if stored.SeqID != int64(i) {
			t.Errorf("Deliver() #%d SeqID = %d, want %d", i, stored.SeqID, i)
		}
		if stored.TopicID != "topic-1" || stored.TaskID != "task-1" {
			t.Errorf("Deliver() resolved (%s, %s), want (topic-1, task-1)", stored.TopicID, stored.TaskID)
		}
	}

	if got := len(f.queue.Items()); got != 3 {
		t.Errorf("queue holds %d items, want 3", got)
	}
}

func TestDeliverIdempotentByMessageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.pipe.Deliver(ctx, chatEnvelope("m-1", "original"))
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	redelivered, err := f.pipe.Deliver(ctx, chatEnvelope("m-1", "updated"))
	if err != nil {
		t.Fatalf("Deliver() redelivery error = %v", err)
	}

	if redelivered.ID != first.ID {
		t.Errorf("redelivery created a new row: %q != %q", redelivered.ID, first.ID)
	}
	if redelivered.SeqID != first.SeqID {
		t.Errorf("redelivery SeqID = %d, want kept %d", redelivered.SeqID, first.SeqID)
	}
	if redelivered.Content != "updated" {
		t.Errorf("redelivery Content = %q, want %q", redelivered.Content, "updated")
	}

	all, err := f.msgs.ListByTopic(ctx, "topic-1", 0)
	if err != nil {
		t.Fatalf("ListByTopic() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ledger holds %d rows, want 1", len(all))
	}
}

func TestDeliverUnknownSandbox(t *testing.T) {
	f := newFixture(t)

	env := chatEnvelope("m-1", "x")
	env.Metadata.SandboxID = "sb-unbound"
	if _, err := f.pipe.Deliver(context.Background(), env); !errors.Is(err, ErrUnknownSandbox) {
		t.Fatalf("Deliver() error = %v, want ErrUnknownSandbox", err)
	}
}

func TestDeliverConcurrentKeepsSequencesUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.pipe.Deliver(ctx, chatEnvelope(fmt.Sprintf("m-%d", i), "x")); err != nil {
				t.Errorf("Deliver() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := f.msgs.ListByTopic(ctx, "topic-1", 0)
	if err != nil {
		t.Fatalf("ListByTopic() error = %v", err)
	}
	if len(all) != n {
		t.Fatalf("ledger holds %d rows, want %d", len(all), n)
	}
	seen := map[int64]bool{}
	for _, m := range all {
		if m.SeqID < 1 || m.SeqID > n || seen[m.SeqID] {
			t.Fatalf("SeqID %d duplicated or out of range 1..%d", m.SeqID, n)
		}
		seen[m.SeqID] = true
	}
}

func TestProcessBatchInSequenceOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if _, err := f.pipe.Deliver(ctx, chatEnvelope(fmt.Sprintf("m-%d", i), "x")); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}

	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	calls := f.proc.calls()
	if len(calls) != 4 {
		t.Fatalf("processor saw %d messages, want 4", len(calls))
	}
	for i, m := range calls {
		if m.SeqID != int64(i+1) {
			t.Errorf("call %d SeqID = %d, want %d", i, m.SeqID, i+1)
		}
	}

	all, _ := f.msgs.ListByTopic(ctx, "topic-1", 0)
	for _, m := range all {
		if m.ProcessingStatus != messages.StatusCompleted {
			t.Errorf("message %s status = %q, want completed", m.MessageID, m.ProcessingStatus)
		}
	}
}

func TestProcessBatchSideEffectsAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.pipe.Deliver(ctx, chatEnvelope("m-1", "x")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	item := Item{TopicID: "topic-1", TaskID: "task-1"}
	for i := 0; i < 3; i++ {
		if err := f.worker.ProcessBatch(ctx, item); err != nil {
			t.Fatalf("ProcessBatch() #%d error = %v", i, err)
		}
	}

	if got := len(f.proc.calls()); got != 1 {
		t.Errorf("processor ran %d times, want exactly 1", got)
	}
}

func TestProcessBatchFatalHaltsAndTerminates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.outcome = func(m messages.Message) (processing.Outcome, error) {
		if m.MessageID == "m-1" {
			return processing.OutcomeFatal, errors.New("sandbox connection reset")
		}
		return processing.OutcomeOk, nil
	}

	for i := 1; i <= 3; i++ {
		if _, err := f.pipe.Deliver(ctx, chatEnvelope(fmt.Sprintf("m-%d", i), "x")); err != nil {
			t.Fatalf("Deliver() error = %v", err)
		}
	}

	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if got := len(f.proc.calls()); got != 1 {
		t.Fatalf("processor saw %d messages after fatal halt, want 1", got)
	}
	set, err := f.flags.IsSet(ctx, "task-1")
	if err != nil {
		t.Fatalf("IsSet() error = %v", err)
	}
	if !set {
		t.Error("termination flag not set after fatal outcome")
	}

	// The next batch drains the remaining messages without side effects.
	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() drain error = %v", err)
	}
	if got := len(f.proc.calls()); got != 1 {
		t.Errorf("processor ran %d times after termination, want still 1", got)
	}
	m2, _ := f.msgs.ListByTopic(ctx, "topic-1", 0)
	for _, m := range m2 {
		if m.MessageID != "m-1" && m.ProcessingStatus != messages.StatusCompleted {
			t.Errorf("message %s status = %q, want drained to completed", m.MessageID, m.ProcessingStatus)
		}
	}
}

func TestProcessBatchRetriesAreBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.outcome = func(messages.Message) (processing.Outcome, error) {
		return processing.OutcomeOk, errors.New("transient downstream failure")
	}

	if _, err := f.pipe.Deliver(ctx, chatEnvelope("m-1", "x")); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	item := Item{TopicID: "topic-1", TaskID: "task-1"}
	for i := 0; i < 5; i++ {
		if err := f.worker.ProcessBatch(ctx, item); err != nil {
			t.Fatalf("ProcessBatch() #%d error = %v", i, err)
		}
	}

	// 1 initial attempt + retries up to the bound of 3.
	if got := len(f.proc.calls()); got != 3 {
		t.Errorf("processor ran %d times, want 3 (retry bound)", got)
	}

	all, _ := f.msgs.ListByTopic(ctx, "topic-1", 0)
	if len(all) != 1 {
		t.Fatalf("ledger holds %d rows, want 1", len(all))
	}
	if all[0].ProcessingStatus != messages.StatusFailed {
		t.Errorf("exhausted message status = %q, want failed", all[0].ProcessingStatus)
	}
	if all[0].RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", all[0].RetryCount)
	}
	if all[0].ProcessingError == "" {
		t.Error("ProcessingError empty, want last failure recorded")
	}
}

func TestProcessBatchAppliesStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := chatEnvelope("m-1", "all done")
	env.Payload.Status = "FINISHED"
	if _, err := f.pipe.Deliver(ctx, env); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	got, err := f.tasks.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusFinished {
		t.Errorf("task status = %q, want %q", got.Status, task.StatusFinished)
	}
}

func TestProcessBatchIgnoresIllegalStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Finish the task, then replay a stale RUNNING payload.
	fin := chatEnvelope("m-1", "done")
	fin.Payload.Status = "FINISHED"
	if _, err := f.pipe.Deliver(ctx, fin); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	stale := chatEnvelope("m-2", "late progress")
	stale.Payload.Status = "RUNNING"
	if _, err := f.pipe.Deliver(ctx, stale); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	got, err := f.tasks.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusFinished {
		t.Errorf("task status = %q after stale RUNNING, want kept %q", got.Status, task.StatusFinished)
	}
}

// stopRecorder captures best-effort session interrupts.
type stopRecorder struct {
	mu    sync.Mutex
	tasks []string
}

func (r *stopRecorder) InterruptSession(_ context.Context, taskID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, taskID)
	return nil
}

func (r *stopRecorder) stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	copy(out, r.tasks)
	return out
}

func TestProcessBatchSandboxSuspensionDiscardsRest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stops := &stopRecorder{}
	f.worker.WithInterrupter(stops)
	f.proc.outcome = func(m messages.Message) (processing.Outcome, error) {
		if m.Event == messages.EventSuspended {
			return processing.OutcomeSuspended, nil
		}
		return processing.OutcomeOk, nil
	}

	susp := chatEnvelope("m-1", "paused by sandbox")
	susp.Payload.Event = messages.EventSuspended
	if _, err := f.pipe.Deliver(ctx, susp); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	set, err := f.flags.IsSet(ctx, "task-1")
	if err != nil {
		t.Fatalf("IsSet() error = %v", err)
	}
	if !set {
		t.Error("termination flag not set after sandbox-initiated suspension")
	}
	got, err := f.tasks.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusSuspended {
		t.Errorf("task status = %q, want %q", got.Status, task.StatusSuspended)
	}
	if stopped := stops.stopped(); len(stopped) != 1 || stopped[0] != "task-1" {
		t.Errorf("interrupted sessions = %v, want [task-1]", stopped)
	}

	// A stray late RUNNING message drains without side effects and cannot
	// resume the task.
	stale := chatEnvelope("m-2", "late output")
	stale.Payload.Status = "RUNNING"
	if _, err := f.pipe.Deliver(ctx, stale); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := f.worker.ProcessBatch(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	if got := len(f.proc.calls()); got != 1 {
		t.Errorf("processor ran %d times after suspension, want still 1", got)
	}
	got, err = f.tasks.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != task.StatusSuspended {
		t.Errorf("task status = %q after stray RUNNING, want kept %q", got.Status, task.StatusSuspended)
	}
	all, _ := f.msgs.ListByTopic(ctx, "topic-1", 0)
	for _, m := range all {
		if m.ProcessingStatus != messages.StatusCompleted {
			t.Errorf("message %s status = %q, want drained to completed", m.MessageID, m.ProcessingStatus)
		}
	}
}

func TestDeliverReleasesSandboxLockBeforeEnqueue(t *testing.T) {
	ctx := context.Background()

	tasks := task.NewMemoryStore()
	if err := tasks.SaveTopic(ctx, task.Topic{ID: "topic-1", SandboxID: "sb-1", CurrentTaskID: "task-1"}); err != nil {
		t.Fatalf("SaveTopic() error = %v", err)
	}
	if err := tasks.SaveTask(ctx, task.Task{ID: "task-1", TopicID: "topic-1", Status: task.StatusRunning}); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	locks := locking.NewMemory()
	queue := NewQueue(1)
	pipe := New(locks, tasks, messages.NewMemoryStore(), queue, nil, Config{SpinWait: 200 * time.Millisecond})

	// Fill the queue so the delivery blocks on enqueue.
	if err := queue.Enqueue(ctx, Item{TopicID: "topic-1", TaskID: "task-1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := pipe.Deliver(ctx, chatEnvelope("m-1", "x"))
		done <- err
	}()

	// The sandbox lock must come free while Deliver still waits on the
	// queue; otherwise the lease can lapse inside the critical section.
	key := locking.SandboxKey("sb-1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		ok, err := locks.Acquire(ctx, key, "other-owner", time.Second)
		if err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if ok {
			if err := locks.Release(ctx, key, "other-owner"); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sandbox lock still held while Deliver blocked on a full queue")
		}
		time.Sleep(10 * time.Millisecond)
	}

	<-queue.Items()
	if err := <-done; err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
}
