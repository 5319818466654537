package tasks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stewardai/steward/internal/agent"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSweptManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(NewMemoryStore(), quietLogger())
	if _, err := m.RecoverInterrupted(context.Background()); err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	return m
}

func mustCreate(t *testing.T, m *Manager, task *Task) *Task {
	t.Helper()
	if err := m.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func mustStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	task, err := m.Store().GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != want {
		t.Fatalf("status = %s, want %s", task.Status, want)
	}
}

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusQueued},
		{StatusQueued, StatusRunning},
		{StatusRunning, StatusAwaitingApproval},
		{StatusAwaitingApproval, StatusApproved},
		{StatusApproved, StatusRunning},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusPending},
		{StatusRunning, StatusCancelled},
		{StatusAwaitingApproval, StatusCancelled},
	}
	for _, tc := range legal {
		if !tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCompleted},
		{StatusQueued, StatusCompleted},
		{StatusAwaitingApproval, StatusRunning},
		{StatusRunning, StatusApproved},
	}
	for _, tc := range illegal {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}

	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		if !terminal.IsTerminal() {
			t.Errorf("%s should be terminal", terminal)
		}
		for _, to := range []Status{StatusPending, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled} {
			if terminal.CanTransitionTo(to) {
				t.Errorf("terminal %s must not transition to %s", terminal, to)
			}
		}
	}
}

func TestManager_TransitionRejectsIllegal(t *testing.T) {
	m := newSweptManager(t)
	task := mustCreate(t, m, &Task{Type: TypeTest, Title: "t", Prompt: "p"})

	err := m.Transition(context.Background(), task.ID, StatusCompleted)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransitionError", err)
	}
	if te.From != StatusPending || te.To != StatusCompleted {
		t.Fatalf("TransitionError = %s -> %s, want pending -> completed", te.From, te.To)
	}

	// The rejected transition must not change stored state.
	mustStatus(t, m, task.ID, StatusPending)
}

func TestManager_CreateRejectedBeforeSweep(t *testing.T) {
	m := NewManager(NewMemoryStore(), quietLogger())
	err := m.Create(context.Background(), &Task{Type: TypeTest, Title: "t", Prompt: "p"})
	if !errors.Is(err, ErrNotSwept) {
		t.Fatalf("err = %v, want ErrNotSwept", err)
	}
}

func TestManager_CreateDefaults(t *testing.T) {
	m := newSweptManager(t)
	task := mustCreate(t, m, &Task{Type: TypeFeature, Title: "t", Prompt: "p"})

	if task.ID == "" {
		t.Error("ID should be generated")
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %s, want pending", task.Status)
	}
	if task.Autonomy != AutonomySupervised {
		t.Errorf("Autonomy = %s, want supervised", task.Autonomy)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestManager_CreateRejectsUnknownType(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()

	err := m.Create(ctx, &Task{Type: "deploy", Title: "t", Prompt: "p"})
	if err == nil {
		t.Fatal("unknown task type should be rejected")
	}
	if !strings.Contains(err.Error(), "unknown task type") {
		t.Errorf("err = %v", err)
	}

	if err := m.Create(ctx, &Task{Title: "t", Prompt: "p"}); err == nil {
		t.Fatal("empty task type should be rejected")
	}
}

func TestManager_CreatePreservesScope(t *testing.T) {
	m := newSweptManager(t)
	task := mustCreate(t, m, &Task{
		Type: TypeSecurity, Title: "audit auth", Prompt: "p",
		Priority: 7,
		Target:   "internal/auth",
		Options: TaskOptions{
			DryRun:     true,
			Filters:    []string{"*.go"},
			Thresholds: map[string]float64{"max_findings": 0},
		},
	})

	stored, err := m.Store().GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Priority != 7 {
		t.Errorf("Priority = %d, want 7", stored.Priority)
	}
	if stored.Target != "internal/auth" {
		t.Errorf("Target = %q", stored.Target)
	}
	if !stored.Options.DryRun {
		t.Error("Options.DryRun lost")
	}
	if len(stored.Options.Filters) != 1 || stored.Options.Filters[0] != "*.go" {
		t.Errorf("Options.Filters = %v", stored.Options.Filters)
	}
	if stored.Options.Thresholds["max_findings"] != 0 {
		t.Errorf("Options.Thresholds = %v", stored.Options.Thresholds)
	}
}

func TestManager_CreateLinksChildAfterParent(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()

	parent := mustCreate(t, m, &Task{Type: TypeFeature, Title: "parent", Prompt: "p"})
	child := mustCreate(t, m, &Task{Type: TypeTest, Title: "child", Prompt: "p", ParentID: parent.ID})

	stored, err := m.Store().GetTask(ctx, parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.ChildTaskIDs) != 1 || stored.ChildTaskIDs[0] != child.ID {
		t.Fatalf("ChildTaskIDs = %v, want [%s]", stored.ChildTaskIDs, child.ID)
	}
	if child.CreatedAt.Before(parent.CreatedAt) {
		t.Error("child must be created after its parent")
	}

	// A second child appends in creation order.
	second := mustCreate(t, m, &Task{Type: TypeDocs, Title: "child2", Prompt: "p", ParentID: parent.ID})
	stored, _ = m.Store().GetTask(ctx, parent.ID)
	if len(stored.ChildTaskIDs) != 2 || stored.ChildTaskIDs[1] != second.ID {
		t.Fatalf("ChildTaskIDs = %v, want second %s", stored.ChildTaskIDs, second.ID)
	}
}

func TestManager_CreateRejectsMissingParent(t *testing.T) {
	m := newSweptManager(t)
	err := m.Create(context.Background(), &Task{
		Type: TypeTest, Title: "orphan", Prompt: "p", ParentID: "no-such-task",
	})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestManager_RecoverInterrupted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := func(id string, status Status) {
		now := time.Now()
		if err := store.CreateTask(ctx, &Task{
			ID: id, Type: TypeTest, Title: id, Prompt: "p",
			Status: status, Autonomy: AutonomyFull,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("run-1", StatusRunning)
	seed("run-2", StatusRunning)
	seed("done-1", StatusCompleted)
	seed("pend-1", StatusPending)

	m := NewManager(store, quietLogger())
	n, err := m.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted: %v", err)
	}
	if n != 2 {
		t.Fatalf("swept %d tasks, want 2", n)
	}

	for _, id := range []string{"run-1", "run-2"} {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask(%s): %v", id, err)
		}
		if task.Status != StatusFailed {
			t.Errorf("%s status = %s, want failed", id, task.Status)
		}
		if task.Error != InterruptedMessage {
			t.Errorf("%s error = %q, want %q", id, task.Error, InterruptedMessage)
		}
	}

	if task, _ := store.GetTask(ctx, "done-1"); task.Status != StatusCompleted {
		t.Errorf("done-1 status = %s, want completed", task.Status)
	}
	if task, _ := store.GetTask(ctx, "pend-1"); task.Status != StatusPending {
		t.Errorf("pend-1 status = %s, want pending", task.Status)
	}

	// Sweep complete: creation is accepted now.
	if err := m.Create(ctx, &Task{Type: TypeTest, Title: "new", Prompt: "p"}); err != nil {
		t.Fatalf("Create after sweep: %v", err)
	}
}

func TestManager_HandleFailureRetryPolicy(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()
	task := mustCreate(t, m, &Task{Type: TypeTest, Title: "t", Prompt: "p", MaxRetries: 2})

	toRunning := func() {
		if err := m.Transition(ctx, task.ID, StatusQueued); err != nil {
			t.Fatalf("to queued: %v", err)
		}
		if err := m.Transition(ctx, task.ID, StatusRunning); err != nil {
			t.Fatalf("to running: %v", err)
		}
	}

	// First two retryable failures re-queue with an incremented count.
	for want := 1; want <= 2; want++ {
		toRunning()
		status, err := m.HandleFailure(ctx, task.ID, "connection reset", true)
		if err != nil {
			t.Fatalf("HandleFailure: %v", err)
		}
		if status != StatusPending {
			t.Fatalf("status = %s, want pending", status)
		}
		stored, _ := m.Store().GetTask(ctx, task.ID)
		if stored.RetryCount != want {
			t.Fatalf("RetryCount = %d, want %d", stored.RetryCount, want)
		}
	}

	// Budget exhausted: the third retryable failure is terminal.
	toRunning()
	status, err := m.HandleFailure(ctx, task.ID, "connection reset", true)
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	stored, _ := m.Store().GetTask(ctx, task.ID)
	if stored.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", stored.RetryCount)
	}
}

func TestManager_HandleFailureNonRetryable(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()
	task := mustCreate(t, m, &Task{Type: TypeTest, Title: "t", Prompt: "p", MaxRetries: 5})

	if err := m.Transition(ctx, task.ID, StatusQueued); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, task.ID, StatusRunning); err != nil {
		t.Fatal(err)
	}

	status, err := m.HandleFailure(ctx, task.ID, "schema mismatch", false)
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}
	stored, _ := m.Store().GetTask(ctx, task.ID)
	if stored.RetryCount != 0 {
		t.Fatalf("RetryCount = %d, want 0", stored.RetryCount)
	}
}

func TestManager_Complete(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()
	task := mustCreate(t, m, &Task{Type: TypeTest, Title: "t", Prompt: "p"})

	if err := m.Transition(ctx, task.ID, StatusQueued); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, task.ID, StatusRunning); err != nil {
		t.Fatal(err)
	}

	status, err := m.Complete(ctx, task.ID, &agent.AgentResult{Success: true, Summary: "done", Iterations: 1})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}

	stored, _ := m.Store().GetTask(ctx, task.ID)
	if stored.Result == nil || stored.Result.Summary != "done" {
		t.Fatalf("stored result = %+v, want summary %q", stored.Result, "done")
	}
	if stored.FinishedAt == nil {
		t.Error("FinishedAt should be stamped on completion")
	}
}

func TestManager_ApproveResumesGate(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()
	task := mustCreate(t, m, &Task{Type: TypeFeature, Title: "t", Prompt: "p"})

	if err := m.Transition(ctx, task.ID, StatusQueued); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, task.ID, StatusRunning); err != nil {
		t.Fatal(err)
	}

	gate := m.Gate(task.ID, func() {})
	decided := make(chan bool, 1)
	go func() {
		ok, err := gate.RequestApproval(ctx, agent.ToolCall{ID: "c1", Name: "write_file"})
		if err != nil {
			t.Errorf("RequestApproval: %v", err)
		}
		decided <- ok
	}()

	waitForPending(t, m, task.ID)
	mustStatus(t, m, task.ID, StatusAwaitingApproval)

	if call, ok := m.PendingApproval(task.ID); !ok || call.Name != "write_file" {
		t.Fatalf("PendingApproval = %+v, %v", call, ok)
	}

	if err := m.Approve(ctx, task.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if ok := <-decided; !ok {
		t.Fatal("gate should report approval")
	}
	mustStatus(t, m, task.ID, StatusRunning)

	// The decision is consumed; a second approval has nothing to act on.
	if err := m.Approve(ctx, task.ID); !errors.Is(err, ErrNoPendingApproval) {
		t.Fatalf("second Approve err = %v, want ErrNoPendingApproval", err)
	}
}

func TestManager_DenyCancelsTask(t *testing.T) {
	m := newSweptManager(t)
	ctx := context.Background()
	task := mustCreate(t, m, &Task{Type: TypeFeature, Title: "t", Prompt: "p"})

	if err := m.Transition(ctx, task.ID, StatusQueued); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(ctx, task.ID, StatusRunning); err != nil {
		t.Fatal(err)
	}

	cancelled := make(chan struct{})
	gate := m.Gate(task.ID, func() { close(cancelled) })
	decided := make(chan bool, 1)
	go func() {
		ok, _ := gate.RequestApproval(ctx, agent.ToolCall{ID: "c1", Name: "delete_file"})
		decided <- ok
	}()

	waitForPending(t, m, task.ID)
	if err := m.Deny(ctx, task.ID); err != nil {
		t.Fatalf("Deny: %v", err)
	}
	if ok := <-decided; ok {
		t.Fatal("gate should report denial")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("denial should cancel the run context")
	}
	mustStatus(t, m, task.ID, StatusCancelled)
}

func TestMemoryStore_RecentAndEvents(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := store.CreateTask(ctx, &Task{
			ID: id, Type: TypeTest, Title: id, Prompt: "p",
			Status:    StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := store.GetRecentTasks(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Fatalf("recent = %v, want [c b]", ids(recent))
	}

	for seq := 0; seq < 3; seq++ {
		if err := store.RecordEvent(ctx, "a", agent.AgentEvent{Type: agent.EventThinking, Sequence: uint64(seq)}); err != nil {
			t.Fatal(err)
		}
	}
	events, err := store.GetTaskEvents(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
	if err := store.RecordEvent(ctx, "missing", agent.AgentEvent{}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}

func waitForPending(t *testing.T, m *Manager, taskID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.PendingApproval(taskID); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for pending approval")
}

func ids(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
