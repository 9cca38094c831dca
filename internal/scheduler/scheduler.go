// Package scheduler starts recurring tasks from cron expressions. Jobs are
// skipped while their topic still has a live task, so a slow run never
// stacks a second one behind it.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/antoniostano/courier/internal/task"
)

// JobSpec is one recurring prompt bound to a topic.
type JobSpec struct {
	ID        string `json:"id" yaml:"id"`
	TopicID   string `json:"topic_id" yaml:"topic_id"`
	ProjectID string `json:"project_id" yaml:"project_id"`
	Prompt    string `json:"prompt" yaml:"prompt"`
	Schedule  string `json:"schedule" yaml:"schedule"`
}

// TaskStarter is the slice of the application service the scheduler needs.
type TaskStarter interface {
	StartTask(ctx context.Context, topicID, projectID, prompt string, attachments json.RawMessage) (task.Task, error)
}

type Scheduler struct {
	starter TaskStarter
	tasks   task.Store
	cron    *cron.Cron

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

func New(starter TaskStarter, tasks task.Store) *Scheduler {
	return &Scheduler{
		starter: starter,
		tasks:   tasks,
		cron:    cron.New(),
		jobs:    map[string]cron.EntryID{},
	}
}

// Add registers spec; a job with the same id replaces the old entry.
func (s *Scheduler) Add(spec JobSpec) error {
	if spec.ID == "" || spec.TopicID == "" || spec.Prompt == "" || spec.Schedule == "" {
		return fmt.Errorf("job spec needs id, topic_id, prompt and schedule")
	}

	entryID, err := s.cron.AddFunc(spec.Schedule, func() {
		s.runJob(context.Background(), spec)
	})
	if err != nil {
		return fmt.Errorf("schedule %q for job %s: %w", spec.Schedule, spec.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[spec.ID]; ok {
		s.cron.Remove(old)
	}
	s.jobs[spec.ID] = entryID
	return nil
}

func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.jobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, id)
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running job callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// runJob starts one task unless the topic is still busy with the last one.
func (s *Scheduler) runJob(ctx context.Context, spec JobSpec) {
	busy, err := s.topicBusy(ctx, spec.TopicID)
	if err != nil {
		log.Printf("scheduler: job %s: check topic %s: %v", spec.ID, spec.TopicID, err)
		return
	}
	if busy {
		log.Printf("scheduler: job %s skipped, topic %s still has a live task", spec.ID, spec.TopicID)
		return
	}

	t, err := s.starter.StartTask(ctx, spec.TopicID, spec.ProjectID, spec.Prompt, nil)
	if err != nil {
		log.Printf("scheduler: job %s: start task: %v", spec.ID, err)
		return
	}
	log.Printf("scheduler: job %s started task %s on topic %s", spec.ID, t.ID, spec.TopicID)
}

func (s *Scheduler) topicBusy(ctx context.Context, topicID string) (bool, error) {
	tp, err := s.tasks.GetTopic(ctx, topicID)
	if err != nil {
		return false, err
	}
	if tp.CurrentTaskID == "" {
		return false, nil
	}
	cur, err := s.tasks.GetTask(ctx, tp.CurrentTaskID)
	if err != nil {
		if err == task.ErrStoreNotFound {
			return false, nil
		}
		return false, err
	}
	// SUSPENDED does not block: the next scheduled run may resume the topic.
	return cur.Status == task.StatusWaiting || cur.Status == task.StatusRunning, nil
}
