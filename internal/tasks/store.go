package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stewardai/steward/internal/agent"
)

// ErrTaskNotFound indicates the task does not exist in the store.
var ErrTaskNotFound = errors.New("task not found")

// Store defines the interface for task persistence. Stores persist state
// only; the Manager owns transition validation and retry policy.
type Store interface {
	// CreateTask persists a new task.
	CreateTask(ctx context.Context, task *Task) error

	// UpdateStatus sets the task status. The store applies whatever it
	// is told; callers go through the Manager for validation.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// RecordResult attaches a terminal result to the task.
	RecordResult(ctx context.Context, id string, result *agent.AgentResult) error

	// RecordError sets the task's last failure message and retry count.
	RecordError(ctx context.Context, id string, message string, retryCount int) error

	// RecordEvent appends an agent event to the task's event log.
	RecordEvent(ctx context.Context, id string, event agent.AgentEvent) error

	// LinkChild appends a child task ID to the parent's child list.
	LinkChild(ctx context.Context, parentID, childID string) error

	// GetTask retrieves a task by ID.
	GetTask(ctx context.Context, id string) (*Task, error)

	// GetTaskEvents returns the task's event log in sequence order.
	GetTaskEvents(ctx context.Context, id string) ([]agent.AgentEvent, error)

	// GetRecentTasks returns the most recently updated tasks.
	GetRecentTasks(ctx context.Context, limit int) ([]*Task, error)

	// GetTasksByStatus returns all tasks in the given status.
	GetTasksByStatus(ctx context.Context, status Status) ([]*Task, error)
}

// Closer is implemented by stores that need cleanup.
type Closer interface {
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	events map[string][]agent.AgentEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		events: make(map[string][]agent.AgentEvent),
	}
}

// cloneTask copies a task so callers never alias stored state. The child
// list gets its own backing array; LinkChild appends to the stored one.
func cloneTask(task *Task) *Task {
	copied := *task
	copied.ChildTaskIDs = append([]string(nil), task.ChildTaskIDs...)
	return &copied
}

// CreateTask persists a new task.
func (s *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return errors.New("task already exists: " + task.ID)
	}
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// UpdateStatus sets the task status.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	switch status {
	case StatusRunning:
		if task.StartedAt == nil {
			now := time.Now()
			task.StartedAt = &now
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		now := time.Now()
		task.FinishedAt = &now
	}
	return nil
}

// RecordResult attaches a terminal result to the task.
func (s *MemoryStore) RecordResult(_ context.Context, id string, result *agent.AgentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Result = result
	if result != nil && !result.Success {
		task.Error = result.Error
	}
	task.UpdatedAt = time.Now()
	return nil
}

// RecordError sets the task's last failure message and retry count.
func (s *MemoryStore) RecordError(_ context.Context, id string, message string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Error = message
	task.RetryCount = retryCount
	task.UpdatedAt = time.Now()
	return nil
}

// RecordEvent appends an agent event to the task's event log.
func (s *MemoryStore) RecordEvent(_ context.Context, id string, event agent.AgentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	s.events[id] = append(s.events[id], event)
	return nil
}

// LinkChild appends a child task ID to the parent's child list.
func (s *MemoryStore) LinkChild(_ context.Context, parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, ok := s.tasks[parentID]
	if !ok {
		return ErrTaskNotFound
	}
	parent.ChildTaskIDs = append(parent.ChildTaskIDs, childID)
	parent.UpdatedAt = time.Now()
	return nil
}

// GetTask retrieves a task by ID.
func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// GetTaskEvents returns the task's event log in sequence order.
func (s *MemoryStore) GetTaskEvents(_ context.Context, id string) ([]agent.AgentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	return append([]agent.AgentEvent(nil), s.events[id]...), nil
}

// GetRecentTasks returns the most recently updated tasks.
func (s *MemoryStore) GetRecentTasks(_ context.Context, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// GetTasksByStatus returns all tasks in the given status.
func (s *MemoryStore) GetTasksByStatus(_ context.Context, status Status) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []*Task
	for _, task := range s.tasks {
		if task.Status == status {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}
