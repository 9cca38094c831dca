package processing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrFileNotFound = errors.New("file not found")

// File is one ingested attachment. FileKey is the idempotency key: saving
// the same key twice updates the record instead of duplicating it.
type File struct {
	ID          string
	FileKey     string
	Name        string
	Size        int64
	URL         string
	ContentType string
	TopicID     string
	TaskID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FileStore persists attachment records. SaveOrUpdate must be idempotent
// per FileKey; the processor additionally serializes calls per key with a
// file lock, so implementations never see concurrent writers for one key.
type FileStore interface {
	SaveOrUpdate(ctx context.Context, f File) (File, error)
	Get(ctx context.Context, fileKey string) (File, error)
}

// MemoryFiles keeps attachment records in process.
type MemoryFiles struct {
	mu    sync.Mutex
	byKey map[string]File
	now   func() time.Time
}

func NewMemoryFiles() *MemoryFiles {
	return &MemoryFiles{byKey: map[string]File{}, now: time.Now}
}

func (s *MemoryFiles) SaveOrUpdate(_ context.Context, f File) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[f.FileKey]; ok {
		f.ID = existing.ID
		f.CreatedAt = existing.CreatedAt
	} else {
		f.ID = uuid.NewString()
		f.CreatedAt = s.now()
	}
	f.UpdatedAt = s.now()
	s.byKey[f.FileKey] = f
	return f, nil
}

func (s *MemoryFiles) Get(_ context.Context, fileKey string) (File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.byKey[fileKey]
	if !ok {
		return File{}, ErrFileNotFound
	}
	return f, nil
}

// PostgresFiles stores attachment records in Postgres, one row per file key.
type PostgresFiles struct {
	pool *pgxpool.Pool
}

const filesSchema = `
CREATE TABLE IF NOT EXISTS files (
	id           TEXT PRIMARY KEY,
	file_key     TEXT NOT NULL UNIQUE,
	name         TEXT NOT NULL DEFAULT '',
	size         BIGINT NOT NULL DEFAULT 0,
	url          TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	topic_id     TEXT NOT NULL DEFAULT '',
	task_id      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func NewPostgresFiles(ctx context.Context, pool *pgxpool.Pool) (*PostgresFiles, error) {
	if _, err := pool.Exec(ctx, filesSchema); err != nil {
		return nil, err
	}
	return &PostgresFiles{pool: pool}, nil
}

func (s *PostgresFiles) SaveOrUpdate(ctx context.Context, f File) (File, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO files (id, file_key, name, size, url, content_type, topic_id, task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (file_key) DO UPDATE SET
			name = EXCLUDED.name,
			size = EXCLUDED.size,
			url = EXCLUDED.url,
			content_type = EXCLUDED.content_type,
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		f.ID, f.FileKey, f.Name, f.Size, f.URL, f.ContentType, f.TopicID, f.TaskID)
	if err := row.Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return File{}, err
	}
	return f, nil
}

func (s *PostgresFiles) Get(ctx context.Context, fileKey string) (File, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, file_key, name, size, url, content_type, topic_id, task_id, created_at, updated_at
		FROM files WHERE file_key = $1`, fileKey)
	var f File
	err := row.Scan(&f.ID, &f.FileKey, &f.Name, &f.Size, &f.URL, &f.ContentType,
		&f.TopicID, &f.TaskID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return File{}, ErrFileNotFound
		}
		return File{}, err
	}
	return f, nil
}
