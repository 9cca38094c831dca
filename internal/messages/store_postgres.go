package messages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if err := initMessageSchema(ctx, pool); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initMessageSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			seq_id BIGINT NOT NULL,
			topic_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			steps JSONB NULL,
			tool JSONB NULL,
			attachments JSONB NULL,
			event TEXT NOT NULL DEFAULT '',
			processing_status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			processing_error TEXT NOT NULL DEFAULT '',
			show_in_ui BOOLEAN NOT NULL DEFAULT TRUE,
			correlation_id TEXT NOT NULL DEFAULT '',
			raw JSONB NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (topic_id, message_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_topic_task_seq ON messages (topic_id, task_id, seq_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_processing ON messages (topic_id, processing_status, seq_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init message schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, msg Message) (Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ProcessingStatus == "" {
		msg.ProcessingStatus = StatusPending
	}
	attachments, err := marshalAttachments(msg.Attachments)
	if err != nil {
		return Message{}, false, err
	}

	// On conflict the payload fields are replaced but seq_id and processing
	// progress are kept; xmax tells inserts from updates.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO messages (
			id, message_id, seq_id, topic_id, task_id, type, status, content, steps, tool,
			attachments, event, processing_status, retry_count, processing_error, show_in_ui,
			correlation_id, raw, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,0,'',$14,$15,$16,now(),now()
		)
		ON CONFLICT (topic_id, message_id) DO UPDATE SET
			type=EXCLUDED.type,
			status=EXCLUDED.status,
			content=EXCLUDED.content,
			steps=EXCLUDED.steps,
			tool=EXCLUDED.tool,
			attachments=EXCLUDED.attachments,
			event=EXCLUDED.event,
			show_in_ui=EXCLUDED.show_in_ui,
			correlation_id=EXCLUDED.correlation_id,
			raw=EXCLUDED.raw,
			updated_at=now()
		RETURNING id, seq_id, processing_status, retry_count, created_at, updated_at, (xmax = 0) AS inserted`,
		msg.ID, msg.MessageID, msg.SeqID, msg.TopicID, msg.TaskID, string(msg.Type), msg.Status,
		msg.Content, nullableJSON(msg.Steps), nullableJSON(msg.Tool), attachments, msg.Event,
		string(msg.ProcessingStatus), msg.ShowInUI, msg.CorrelationID, nullableJSON(msg.Raw),
	)

	var (
		inserted bool
		status   string
	)
	if err := row.Scan(&msg.ID, &msg.SeqID, &status, &msg.RetryCount, &msg.CreatedAt, &msg.UpdatedAt, &inserted); err != nil {
		return Message{}, false, fmt.Errorf("upsert message: %w", err)
	}
	msg.ProcessingStatus = ProcessingStatus(status)
	return msg, inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Message, error) {
	row := s.pool.QueryRow(ctx, selectMessageSQL+` WHERE id=$1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Message{}, ErrStoreNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) NextSeq(ctx context.Context, topicID, taskID string) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq_id), 0) FROM messages WHERE topic_id=$1 AND task_id=$2`,
		topicID, taskID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return max + 1, nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, topicID, taskID string, limit, maxRetries int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := selectMessageSQL + ` WHERE topic_id=$1
		AND (processing_status = 'pending' OR (processing_status = 'failed' AND retry_count < $2))`
	args := []any{topicID, maxRetries}
	if taskID != "" {
		query += ` AND task_id=$3 ORDER BY seq_id ASC LIMIT $4`
		args = append(args, taskID, limit)
	} else {
		query += ` ORDER BY seq_id ASC LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch pending messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET processing_status='processing', updated_at=now()
		 WHERE id=$1 AND processing_status IN ('pending','failed')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET processing_status='completed', processing_error='', updated_at=now() WHERE id=$1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errText string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET processing_status='failed', processing_error=$2,
		 retry_count=retry_count+1, updated_at=now() WHERE id=$1`,
		id, errText,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTopic(ctx context.Context, topicID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		selectMessageSQL+` WHERE topic_id=$1 ORDER BY seq_id ASC LIMIT $2`,
		topicID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) CountContent(ctx context.Context, topicID, taskID string) (int, int, error) {
	var count, bytes int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0) FROM messages WHERE topic_id=$1 AND task_id=$2`,
		topicID, taskID,
	).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("count content: %w", err)
	}
	return count, bytes, nil
}

func (s *PostgresStore) Close() error { return nil }

const selectMessageSQL = `SELECT id, message_id, seq_id, topic_id, task_id, type, status, content,
	steps, tool, attachments, event, processing_status, retry_count, processing_error,
	show_in_ui, correlation_id, raw, created_at, updated_at FROM messages`

func collectMessages(rows pgx.Rows) ([]Message, error) {
	out := make([]Message, 0, 8)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg         Message
		msgType     string
		procStatus  string
		steps       []byte
		tool        []byte
		attachments []byte
		raw         []byte
	)
	if err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&msg.SeqID,
		&msg.TopicID,
		&msg.TaskID,
		&msgType,
		&msg.Status,
		&msg.Content,
		&steps,
		&tool,
		&attachments,
		&msg.Event,
		&procStatus,
		&msg.RetryCount,
		&msg.ProcessingError,
		&msg.ShowInUI,
		&msg.CorrelationID,
		&raw,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	); err != nil {
		return Message{}, err
	}
	msg.Type = Type(msgType)
	msg.ProcessingStatus = ProcessingStatus(procStatus)
	msg.Steps = steps
	msg.Tool = tool
	msg.Raw = raw
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return Message{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return msg, nil
}

func marshalAttachments(in []Attachment) ([]byte, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
