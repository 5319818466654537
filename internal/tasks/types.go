// Package tasks implements the persisted task lifecycle driving autonomous
// agent work: creation, the status state machine, retry policy, approval
// gating, and crash recovery.
package tasks

import (
	"fmt"
	"time"

	"github.com/stewardai/steward/internal/agent"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"
	StatusQueued           Status = "queued"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// validTransitions is the task state machine. Terminal states have no
// outgoing edges; illegal transitions are rejected, never coerced.
var validTransitions = map[Status][]Status{
	StatusPending:          {StatusQueued, StatusCancelled},
	StatusQueued:           {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusAwaitingApproval: {StatusApproved, StatusFailed, StatusCancelled},
	StatusApproved:         {StatusRunning, StatusCancelled},
	StatusCompleted:        {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

// IsTerminal reports whether no transitions leave this status.
func (s Status) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// CanTransitionTo reports whether the edge s → next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// TaskType classifies the kind of work a task represents.
type TaskType string

const (
	TypeTest     TaskType = "test"
	TypeQA       TaskType = "qa"
	TypeFeature  TaskType = "feature"
	TypeRefactor TaskType = "refactor"
	TypeDocs     TaskType = "docs"
	TypeSecurity TaskType = "security"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TypeTest, TypeQA, TypeFeature, TypeRefactor, TypeDocs, TypeSecurity:
		return true
	}
	return false
}

// AutonomyLevel controls whether gated actions proceed automatically,
// need approval, or are manual-only.
type AutonomyLevel string

const (
	// AutonomyFull executes all tools without approval gates.
	AutonomyFull AutonomyLevel = "full"

	// AutonomySupervised pauses on tools that require approval.
	AutonomySupervised AutonomyLevel = "supervised"

	// AutonomyManual pauses on every mutating tool.
	AutonomyManual AutonomyLevel = "manual"
)

// InterruptedMessage is the standard error attached to tasks force-failed
// by the crash-recovery sweep at startup.
const InterruptedMessage = "task interrupted by process restart"

// TaskOptions tunes how a task is executed.
type TaskOptions struct {
	// DryRun plans the work without letting tools mutate the workspace.
	DryRun bool `json:"dry_run,omitempty"`

	// Filters restricts the work to matching paths or symbols.
	Filters []string `json:"filters,omitempty"`

	// Thresholds carries per-type numeric knobs, such as a coverage
	// floor for test tasks or a finding budget for security tasks.
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// IsZero reports whether no option is set.
func (o TaskOptions) IsZero() bool {
	return !o.DryRun && len(o.Filters) == 0 && len(o.Thresholds) == 0
}

// Task is the persisted unit of autonomous agent work.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`

	// Type classifies the work.
	Type TaskType `json:"type"`

	// Title is a short human-readable summary.
	Title string `json:"title"`

	// Prompt is the instruction given to the agent.
	Prompt string `json:"prompt"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Priority orders pending work; higher runs first.
	Priority int `json:"priority,omitempty"`

	// Autonomy controls approval gating during execution.
	Autonomy AutonomyLevel `json:"autonomy"`

	// Target scopes the work to a path or component in the workspace.
	Target string `json:"target,omitempty"`

	// Options tunes execution: dry-run, filters, thresholds.
	Options TaskOptions `json:"options,omitempty"`

	// Provider and Model pin the backend; empty means route by intent.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// RetryCount is how many times the task has been re-queued after a
	// retryable failure. Never exceeds MaxRetries.
	RetryCount int `json:"retry_count"`

	// MaxRetries bounds RetryCount.
	MaxRetries int `json:"max_retries"`

	// ParentID links a subtask to the task that spawned it. The parent
	// must already exist, so a child is always created after its parent.
	ParentID string `json:"parent_id,omitempty"`

	// ChildTaskIDs lists subtasks spawned from this task, in creation
	// order. Maintained by the manager when a child is created.
	ChildTaskIDs []string `json:"child_task_ids,omitempty"`

	// Result is the terminal outcome, set via RecordResult.
	Result *agent.AgentResult `json:"result,omitempty"`

	// Error is the last failure message.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the task has reached a terminal state.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}
