package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/stewardai/steward/internal/agent"
)

// PostgresConfig configures the connection pool for the Postgres store.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// DefaultPostgresConfig returns pool settings suitable for a small service.
func DefaultPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:             dsn,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	status      TEXT NOT NULL,
	priority    INT NOT NULL DEFAULT 0,
	autonomy    TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	options     JSONB NOT NULL DEFAULT '{}',
	provider    TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 0,
	parent_id   TEXT NOT NULL DEFAULT '',
	child_ids   JSONB NOT NULL DEFAULT '[]',
	result      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);

CREATE TABLE IF NOT EXISTS task_events (
	id       BIGSERIAL PRIMARY KEY,
	task_id  TEXT NOT NULL REFERENCES tasks(id),
	sequence BIGINT NOT NULL,
	event    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, sequence);
`

// PostgresStore implements Store on PostgreSQL for multi-node deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection, verifies it, and migrates the
// schema.
func NewPostgresStore(ctx context.Context, config PostgresConfig) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases database resources.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTask persists a new task.
func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}
	options, children, err := encodeTaskJSON(task)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, type, title, prompt, status, priority, autonomy, target,
			options, provider, model, retry_count, max_retries, parent_id,
			child_ids, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18)
	`,
		task.ID, string(task.Type), task.Title, task.Prompt,
		string(task.Status), task.Priority, string(task.Autonomy), task.Target,
		options, task.Provider, task.Model, task.RetryCount, task.MaxRetries,
		task.ParentID, children, task.Error, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// LinkChild appends a child task ID to the parent's child list.
func (s *PostgresStore) LinkChild(ctx context.Context, parentID, childID string) error {
	payload, err := json.Marshal([]string{childID})
	if err != nil {
		return fmt.Errorf("marshal child ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET child_ids = child_ids || $1::jsonb, updated_at = $2
		WHERE id = $3
	`, string(payload), time.Now(), parentID)
	if err != nil {
		return fmt.Errorf("link child: %w", err)
	}
	return requireRow(res)
}

// UpdateStatus sets the task status, stamping start/finish times.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	now := time.Now()
	var res sql.Result
	var err error
	switch status {
	case StatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2,
				started_at = COALESCE(started_at, $3)
			WHERE id = $4
		`, string(status), now, now, id)
	case StatusCompleted, StatusFailed, StatusCancelled:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2, finished_at = $3
			WHERE id = $4
		`, string(status), now, now, id)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3
		`, string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

// RecordResult attaches a terminal result to the task.
func (s *PostgresStore) RecordResult(ctx context.Context, id string, result *agent.AgentResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errMsg := ""
	if result != nil && !result.Success {
		errMsg = result.Error
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET result = $1, error = $2, updated_at = $3 WHERE id = $4
	`, string(payload), errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return requireRow(res)
}

// RecordError sets the task's last failure message and retry count.
func (s *PostgresStore) RecordError(ctx context.Context, id string, message string, retryCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET error = $1, retry_count = $2, updated_at = $3 WHERE id = $4
	`, message, retryCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return requireRow(res)
}

// RecordEvent appends an agent event to the task's event log.
func (s *PostgresStore) RecordEvent(ctx context.Context, id string, event agent.AgentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, sequence, event) VALUES ($1, $2, $3)
	`, id, event.Sequence, string(payload))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// GetTaskEvents returns the task's event log in sequence order.
func (s *PostgresStore) GetTaskEvents(ctx context.Context, id string) ([]agent.AgentEvent, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event FROM task_events WHERE task_id = $1 ORDER BY sequence, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get task events: %w", err)
	}
	defer rows.Close()

	var events []agent.AgentEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event agent.AgentEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetRecentTasks returns the most recently updated tasks.
func (s *PostgresStore) GetRecentTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksByStatus returns all tasks in the given status.
func (s *PostgresStore) GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}
