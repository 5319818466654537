package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stewardai/steward/internal/agent"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	title       TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	status      TEXT NOT NULL,
	priority    INTEGER NOT NULL DEFAULT 0,
	autonomy    TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	options     TEXT NOT NULL DEFAULT '{}',
	provider    TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	parent_id   TEXT NOT NULL DEFAULT '',
	child_ids   TEXT NOT NULL DEFAULT '[]',
	result      TEXT,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);

CREATE TABLE IF NOT EXISTS task_events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id  TEXT NOT NULL REFERENCES tasks(id),
	sequence INTEGER NOT NULL,
	event    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, sequence);
`

// SQLiteStore implements Store on an embedded SQLite database. It is the
// default persistence for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite task store at path. Use
// ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite handles one writer; keep the pool at a single connection so
	// the in-memory mode shares state too.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTask persists a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
func (s *SQLiteStore) LinkChild(ctx context.Context, parentID, childID string) error {
	parent, err := s.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(append(parent.ChildTaskIDs, childID))
	if err != nil {
		return fmt.Errorf("marshal child ids: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET child_ids = ?, updated_at = ? WHERE id = ?
	`, string(payload), time.Now(), parentID)
	if err != nil {
		return fmt.Errorf("link child: %w", err)
	}
	return requireRow(res)
}

// UpdateStatus sets the task status, stamping start/finish times.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	now := time.Now()
	var res sql.Result
	var err error
	switch status {
	case StatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ?
		`, string(status), now, now, id)
	case StatusCompleted, StatusFailed, StatusCancelled:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?, finished_at = ?
			WHERE id = ?
		`, string(status), now, now, id)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
		`, string(status), now, id)
	}
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

// RecordResult attaches a terminal result to the task.
func (s *SQLiteStore) RecordResult(ctx context.Context, id string, result *agent.AgentResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	errMsg := ""
	if result != nil && !result.Success {
		errMsg = result.Error
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET result = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(payload), errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return requireRow(res)
}

// RecordError sets the task's last failure message and retry count.
func (s *SQLiteStore) RecordError(ctx context.Context, id string, message string, retryCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET error = ?, retry_count = ?, updated_at = ? WHERE id = ?
	`, message, retryCount, time.Now(), id)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return requireRow(res)
}

// RecordEvent appends an agent event to the task's event log.
func (s *SQLiteStore) RecordEvent(ctx context.Context, id string, event agent.AgentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_events (task_id, sequence, event) VALUES (?, ?, ?)
	`, id, event.Sequence, string(payload))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
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
func (s *SQLiteStore) GetTaskEvents(ctx context.Context, id string) ([]agent.AgentEvent, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event FROM task_events WHERE task_id = ? ORDER BY sequence, id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get task events: %w", err)
	}
	defer rows.Close()

	var events []agent.AgentEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var event agent.AgentEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// GetRecentTasks returns the most recently updated tasks.
func (s *SQLiteStore) GetRecentTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, taskSelect+` ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTasksByStatus returns all tasks in the given status.
func (s *SQLiteStore) GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

const taskSelect = `
	SELECT id, type, title, prompt, status, priority, autonomy, target,
	       options, provider, model, retry_count, max_retries, parent_id,
	       child_ids, result, error,
	       created_at, updated_at, started_at, finished_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

// encodeTaskJSON marshals the options and child-id columns.
func encodeTaskJSON(task *Task) (options, children string, err error) {
	optPayload, err := json.Marshal(task.Options)
	if err != nil {
		return "", "", fmt.Errorf("marshal options: %w", err)
	}
	ids := task.ChildTaskIDs
	if ids == nil {
		ids = []string{}
	}
	childPayload, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("marshal child ids: %w", err)
	}
	return string(optPayload), string(childPayload), nil
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var taskType, status, autonomy string
	var options, children string
	var result sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&task.ID, &taskType, &task.Title, &task.Prompt, &status,
		&task.Priority, &autonomy, &task.Target, &options,
		&task.Provider, &task.Model, &task.RetryCount, &task.MaxRetries,
		&task.ParentID, &children, &result, &task.Error,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Type = TaskType(taskType)
	task.Status = Status(status)
	task.Autonomy = AutonomyLevel(autonomy)
	if options != "" && options != "null" {
		if err := json.Unmarshal([]byte(options), &task.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if children != "" && children != "null" {
		if err := json.Unmarshal([]byte(children), &task.ChildTaskIDs); err != nil {
			return nil, fmt.Errorf("decode child ids: %w", err)
		}
		if len(task.ChildTaskIDs) == 0 {
			task.ChildTaskIDs = nil
		}
	}
	if result.Valid && result.String != "" && result.String != "null" {
		var r agent.AgentResult
		if err := json.Unmarshal([]byte(result.String), &r); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		task.Result = &r
	}
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		task.FinishedAt = &finishedAt.Time
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}
