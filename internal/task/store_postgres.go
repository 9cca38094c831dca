package task

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initTaskSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			topic_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			sandbox_id TEXT NOT NULL DEFAULT '',
			sandbox_task_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			attachments JSONB NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			ended_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_topic_created ON tasks (topic_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			current_task_id TEXT NOT NULL DEFAULT '',
			sandbox_id TEXT NOT NULL DEFAULT '',
			sandbox_initialized BOOLEAN NOT NULL DEFAULT FALSE,
			chat_conversation_id TEXT NOT NULL DEFAULT '',
			chat_topic_id TEXT NOT NULL DEFAULT '',
			organization_code TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_topics_sandbox ON topics (sandbox_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, t Task) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (
			id, topic_id, project_id, status, sandbox_id, sandbox_task_id, prompt,
			attachments, error, created_at, updated_at, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			sandbox_id=EXCLUDED.sandbox_id,
			sandbox_task_id=EXCLUDED.sandbox_task_id,
			error=EXCLUDED.error,
			updated_at=EXCLUDED.updated_at,
			started_at=EXCLUDED.started_at,
			ended_at=EXCLUDED.ended_at`,
		t.ID, t.TopicID, t.ProjectID, string(t.Status), t.SandboxID, t.SandboxTaskID,
		t.Prompt, nullableRaw(t.Attachments), t.Error, t.CreatedAt, t.UpdatedAt, t.StartedAt, t.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, topic_id, project_id, status, sandbox_id, sandbox_task_id, prompt,
		        attachments, error, created_at, updated_at, started_at, ended_at
		   FROM tasks WHERE id=$1`,
		taskID,
	)
	var (
		t           Task
		status      string
		attachments []byte
	)
	err := row.Scan(
		&t.ID, &t.TopicID, &t.ProjectID, &status, &t.SandboxID, &t.SandboxTaskID,
		&t.Prompt, &attachments, &t.Error, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.EndedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	t.Status = Status(status)
	t.Attachments = attachments
	return t, nil
}

func (s *PostgresStore) SaveTopic(ctx context.Context, tp Topic) error {
	tp.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO topics (
			id, name, current_task_id, sandbox_id, sandbox_initialized,
			chat_conversation_id, chat_topic_id, organization_code, user_id, language,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			current_task_id=EXCLUDED.current_task_id,
			sandbox_id=EXCLUDED.sandbox_id,
			sandbox_initialized=EXCLUDED.sandbox_initialized,
			chat_conversation_id=EXCLUDED.chat_conversation_id,
			chat_topic_id=EXCLUDED.chat_topic_id,
			updated_at=EXCLUDED.updated_at`,
		tp.ID, tp.Name, tp.CurrentTaskID, tp.SandboxID, tp.SandboxInitialized,
		tp.ChatConversationID, tp.ChatTopicID, tp.OrganizationCode, tp.UserID, tp.Language,
		tp.CreatedAt, tp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert topic: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTopic(ctx context.Context, topicID string) (Topic, error) {
	return s.topicRow(ctx, `WHERE id=$1`, topicID)
}

func (s *PostgresStore) GetTopicBySandbox(ctx context.Context, sandboxID string) (Topic, error) {
	return s.topicRow(ctx, `WHERE sandbox_id=$1 ORDER BY updated_at DESC LIMIT 1`, sandboxID)
}

func (s *PostgresStore) topicRow(ctx context.Context, where string, arg any) (Topic, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, current_task_id, sandbox_id, sandbox_initialized,
		        chat_conversation_id, chat_topic_id, organization_code, user_id, language,
		        created_at, updated_at
		   FROM topics `+where,
		arg,
	)
	var tp Topic
	err := row.Scan(
		&tp.ID, &tp.Name, &tp.CurrentTaskID, &tp.SandboxID, &tp.SandboxInitialized,
		&tp.ChatConversationID, &tp.ChatTopicID, &tp.OrganizationCode, &tp.UserID, &tp.Language,
		&tp.CreatedAt, &tp.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Topic{}, ErrStoreNotFound
		}
		return Topic{}, fmt.Errorf("get topic: %w", err)
	}
	return tp, nil
}

func (s *PostgresStore) Close() error { return nil }

func nullableRaw(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
