package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/task"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id         UUID PRIMARY KEY,
    task_id    TEXT NOT NULL,
    stage      TEXT NOT NULL,
    seq        INT NOT NULL,
    state      JSONB NOT NULL,
    terminal   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (task_id, seq)
);
CREATE INDEX IF NOT EXISTS checkpoints_task_created_idx
    ON checkpoints (task_id, created_at DESC);
`

// PostgresStore persists checkpoints in PostgreSQL for shared durability
// across processes.
type PostgresStore struct {
	pool      *pgxpool.Pool
	retention time.Duration
	logger    *zap.Logger
}

// NewPostgresStore connects to dsn and ensures the schema exists.
// retention <= 0 uses DefaultRetention.
func NewPostgresStore(ctx context.Context, dsn string, retention time.Duration, logger *zap.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool, retention: retention, logger: logger}, nil
}

// Save snapshots state after stage completed.
func (s *PostgresStore) Save(ctx context.Context, taskID, stage string, state *task.State) (string, error) {
	data, err := json.Marshal(state.Clone())
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, task_id, stage, seq, state, terminal)
		VALUES ($1, $2, $3,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE task_id = $2),
		        $4, $5)`,
		id, taskID, stage, data, state.Terminal,
	)
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}

	s.logger.Debug("saved checkpoint",
		zap.String("task_id", taskID),
		zap.String("stage", stage),
	)
	return id, nil
}

// LoadLatest returns the newest checkpoint for a task.
func (s *PostgresStore) LoadLatest(ctx context.Context, taskID string) (*Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, stage, seq, state, created_at
		FROM checkpoints
		WHERE task_id = $1
		ORDER BY seq DESC
		LIMIT 1`,
		taskID,
	)

	var (
		cp   Checkpoint
		data []byte
	)
	if err := row.Scan(&cp.ID, &cp.Stage, &cp.Seq, &data, &cp.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}

	cp.TaskID = taskID
	cp.State = &task.State{}
	if err := json.Unmarshal(data, cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &cp, nil
}

// ListResumable returns non-terminal tasks checkpointed within retention.
func (s *PostgresStore) ListResumable(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (task_id) task_id, terminal, created_at
		FROM checkpoints
		ORDER BY task_id, seq DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query resumable: %w", err)
	}
	defer rows.Close()

	cutoff := time.Now().Add(-s.retention)
	var ids []string
	for rows.Next() {
		var (
			id        string
			terminal  bool
			createdAt time.Time
		)
		if err := rows.Scan(&id, &terminal, &createdAt); err != nil {
			return nil, fmt.Errorf("scan resumable: %w", err)
		}
		if terminal || createdAt.Before(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes all checkpoints for a task.
func (s *PostgresStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE task_id = $1`, taskID)
	return err
}

// Sweep removes tasks whose newest checkpoint is outside retention.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM checkpoints
		WHERE task_id IN (
			SELECT task_id FROM checkpoints
			GROUP BY task_id
			HAVING MAX(created_at) < $1
		)`,
		time.Now().Add(-s.retention),
	)
	if err != nil {
		return 0, fmt.Errorf("sweep checkpoints: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
