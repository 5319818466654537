package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/steward/internal/agent"
)

// ErrNotSwept indicates the crash-recovery sweep has not run yet. No task
// is accepted before the sweep completes.
var ErrNotSwept = errors.New("crash-recovery sweep has not run")

// ErrNoPendingApproval indicates the task has no approval waiting.
var ErrNoPendingApproval = errors.New("no pending approval for task")

// Manager owns the task state machine: it validates every transition,
// applies the retry policy, runs the startup crash-recovery sweep, and
// brokers human approvals back to in-flight agent loops.
type Manager struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
	swept   bool
}

// pendingApproval is one parked gate request awaiting a human decision.
type pendingApproval struct {
	call     agent.ToolCall
	decision chan bool
	cancel   context.CancelFunc
}

// NewManager creates a manager over the given store. RecoverInterrupted
// must be called before any task is created.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		pending: make(map[string]*pendingApproval),
	}
}

// RecoverInterrupted force-fails every task observed in running state with
// the standard interrupted error. It must run at process startup before
// new tasks are accepted, and returns the number of tasks swept.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	running, err := m.store.GetTasksByStatus(ctx, StatusRunning)
	if err != nil {
		return 0, err
	}

	for _, task := range running {
		if err := m.store.UpdateStatus(ctx, task.ID, StatusFailed); err != nil {
			return 0, err
		}
		if err := m.store.RecordError(ctx, task.ID, InterruptedMessage, task.RetryCount); err != nil {
			return 0, err
		}
		m.logger.Warn("recovered interrupted task", "task_id", task.ID, "type", task.Type)
	}

	m.mu.Lock()
	m.swept = true
	m.mu.Unlock()
	return len(running), nil
}

// Create persists a new task in pending state, filling defaults. The type
// must be one of the known task types. A task with a ParentID is linked
// into the parent's child list; the parent must already exist, so children
// are always created after their parent.
func (m *Manager) Create(ctx context.Context, task *Task) error {
	m.mu.Lock()
	swept := m.swept
	m.mu.Unlock()
	if !swept {
		return ErrNotSwept
	}

	if !task.Type.Valid() {
		return fmt.Errorf("unknown task type %q", task.Type)
	}
	if task.ParentID != "" {
		if _, err := m.store.GetTask(ctx, task.ParentID); err != nil {
			return fmt.Errorf("parent task %s: %w", task.ParentID, err)
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Autonomy == "" {
		task.Autonomy = AutonomySupervised
	}
	task.Status = StatusPending
	task.RetryCount = 0
	task.ChildTaskIDs = nil
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := m.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if task.ParentID != "" {
		if err := m.store.LinkChild(ctx, task.ParentID, task.ID); err != nil {
			return err
		}
	}
	return nil
}

// Transition validates and applies a status change. Illegal transitions
// are rejected with a TransitionError, never silently coerced.
func (m *Manager) Transition(ctx context.Context, id string, to Status) error {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.CanTransitionTo(to) {
		return &TransitionError{TaskID: id, From: task.Status, To: to}
	}
	return m.store.UpdateStatus(ctx, id, to)
}

// HandleFailure applies the retry policy to a failed run. Retryable
// failures with retry budget left return the task to pending with its
// retry count incremented; everything else is terminal failed. Returns
// the status the task ended in.
func (m *Manager) HandleFailure(ctx context.Context, id string, message string, retryable bool) (Status, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return "", err
	}

	if retryable && task.RetryCount < task.MaxRetries {
		if err := m.Transition(ctx, id, StatusPending); err != nil {
			return "", err
		}
		if err := m.store.RecordError(ctx, id, message, task.RetryCount+1); err != nil {
			return "", err
		}
		m.logger.Info("task re-queued after retryable failure",
			"task_id", id,
			"retry", task.RetryCount+1,
			"max_retries", task.MaxRetries)
		return StatusPending, nil
	}

	if err := m.Transition(ctx, id, StatusFailed); err != nil {
		return "", err
	}
	if err := m.store.RecordError(ctx, id, message, task.RetryCount); err != nil {
		return "", err
	}
	return StatusFailed, nil
}

// Complete records the result and moves the task to its terminal state.
func (m *Manager) Complete(ctx context.Context, id string, result *agent.AgentResult) (Status, error) {
	if err := m.store.RecordResult(ctx, id, result); err != nil {
		return "", err
	}
	if result.Success {
		if err := m.Transition(ctx, id, StatusCompleted); err != nil {
			return "", err
		}
		return StatusCompleted, nil
	}
	return m.HandleFailure(ctx, id, result.Error, result.Retryable)
}

// Gate returns an approval gate bound to one task run. The cancel func is
// invoked when an approval is denied, aborting the run at the next
// iteration boundary.
func (m *Manager) Gate(taskID string, cancel context.CancelFunc) agent.ApprovalGate {
	return &taskGate{manager: m, taskID: taskID, cancel: cancel}
}

// Approve resumes a task parked in awaiting_approval. The transition goes
// through approved back to running, and the blocked loop picks up from the
// same conversation state without replaying executed tool calls.
func (m *Manager) Approve(ctx context.Context, taskID string) error {
	m.mu.Lock()
	pa, ok := m.pending[taskID]
	if ok {
		delete(m.pending, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}

	if err := m.Transition(ctx, taskID, StatusApproved); err != nil {
		return err
	}
	if err := m.Transition(ctx, taskID, StatusRunning); err != nil {
		return err
	}
	pa.decision <- true
	return nil
}

// Deny rejects a pending approval and cancels the task.
func (m *Manager) Deny(ctx context.Context, taskID string) error {
	m.mu.Lock()
	pa, ok := m.pending[taskID]
	if ok {
		delete(m.pending, taskID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNoPendingApproval
	}

	if err := m.Transition(ctx, taskID, StatusCancelled); err != nil {
		return err
	}
	pa.decision <- false
	if pa.cancel != nil {
		pa.cancel()
	}
	return nil
}

// PendingApproval returns the tool call awaiting approval for a task.
func (m *Manager) PendingApproval(taskID string) (agent.ToolCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pa, ok := m.pending[taskID]; ok {
		return pa.call, true
	}
	return agent.ToolCall{}, false
}

// Store exposes the underlying store for read paths.
func (m *Manager) Store() Store {
	return m.store
}

// taskGate parks the loop while a human decides about a gated tool call.
type taskGate struct {
	manager *Manager
	taskID  string
	cancel  context.CancelFunc
}

// RequestApproval moves the task to awaiting_approval and blocks until
// Approve/Deny or context cancellation.
func (g *taskGate) RequestApproval(ctx context.Context, call agent.ToolCall) (bool, error) {
	if err := g.manager.Transition(ctx, g.taskID, StatusAwaitingApproval); err != nil {
		return false, err
	}

	pa := &pendingApproval{
		call:     call,
		decision: make(chan bool, 1),
		cancel:   g.cancel,
	}
	g.manager.mu.Lock()
	g.manager.pending[g.taskID] = pa
	g.manager.mu.Unlock()

	g.manager.logger.Info("task awaiting approval",
		"task_id", g.taskID,
		"tool", call.Name,
		"call_id", call.ID)

	select {
	case approved := <-pa.decision:
		return approved, nil
	case <-ctx.Done():
		g.manager.mu.Lock()
		delete(g.manager.pending, g.taskID)
		g.manager.mu.Unlock()
		return false, ctx.Err()
	}
}
