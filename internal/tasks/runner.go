package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/observability"
	"github.com/stewardai/steward/internal/routing"
)

// systemPrompts are the per-type instructions prepended to every run.
var systemPrompts = map[TaskType]string{
	TypeTest:     "You are an autonomous engineer. Write or repair tests for the described behavior, run them, and report the outcome.",
	TypeQA:       "You are an autonomous QA engineer. Verify the described behavior, exercising edge cases, and report defects precisely.",
	TypeFeature:  "You are an autonomous engineer. Implement the described feature with tests, keeping changes minimal and focused.",
	TypeRefactor: "You are an autonomous engineer. Refactor the described code without changing behavior; keep the test suite green.",
	TypeDocs:     "You are an autonomous technical writer. Update the described documentation to match the code.",
	TypeSecurity: "You are an autonomous security engineer. Audit the described surface and fix or report vulnerabilities.",
}

// fullAutonomyGate approves every gated call without pausing.
type fullAutonomyGate struct{}

func (fullAutonomyGate) RequestApproval(context.Context, agent.ToolCall) (bool, error) {
	return true, nil
}

// manualApprovalPolicy gates every mutating tool, not just those that
// declare RequiresApproval: anything executing commands or touching git is
// paused regardless of the tool's own flag.
func manualApprovalPolicy(tool agent.Tool) bool {
	switch tool.Category() {
	case agent.CategoryExec, agent.CategoryGit, agent.CategoryTest, agent.CategoryLint:
		return true
	}
	return tool.RequiresApproval()
}

// RunnerOptions carries the runner's collaborators.
type RunnerOptions struct {
	// Router resolves provider/model when the task does not pin them.
	Router *routing.Router

	// LoopConfig configures each run's loop controller.
	LoopConfig *agent.LoopConfig

	// EventBufSize sizes the per-run event bus. Default: 256
	EventBufSize int

	// Metrics records run outcomes when set.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Runner executes one task at a time through the agent loop: it advances
// the task's status, wires the approval gate for the task's autonomy
// level, records every loop event, and applies the terminal transition.
type Runner struct {
	manager   *Manager
	providers map[string]agent.Provider
	registry  *agent.Registry
	router    *routing.Router
	loop      *agent.LoopConfig
	bufSize   int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRunner creates a runner over the given providers and tool registry.
func NewRunner(manager *Manager, providers map[string]agent.Provider, registry *agent.Registry, opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bufSize := opts.EventBufSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Runner{
		manager:   manager,
		providers: providers,
		registry:  registry,
		router:    opts.Router,
		loop:      opts.LoopConfig,
		bufSize:   bufSize,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Run drives a pending task to a terminal state and returns the task's
// final status. The call blocks for the whole run, including any approval
// waits.
func (r *Runner) Run(ctx context.Context, taskID string) (status Status, err error) {
	task, err := r.manager.Store().GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != StatusPending {
		return "", fmt.Errorf("task %s is %s, want pending", taskID, task.Status)
	}

	start := time.Now()
	defer func() {
		if r.metrics != nil && err == nil && status != "" {
			r.metrics.RecordTaskRun(string(task.Type), string(status), time.Since(start).Seconds())
		}
	}()

	if err := r.manager.Transition(ctx, taskID, StatusQueued); err != nil {
		return "", err
	}
	if err := r.manager.Transition(ctx, taskID, StatusRunning); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var gate agent.ApprovalGate
	var policy func(agent.Tool) bool
	switch task.Autonomy {
	case AutonomyFull:
		gate = fullAutonomyGate{}
	case AutonomyManual:
		gate = r.manager.Gate(taskID, cancel)
		policy = manualApprovalPolicy
	default:
		gate = r.manager.Gate(taskID, cancel)
	}

	provider, model, err := r.resolveBackend(task)
	if err != nil {
		status, herr := r.manager.HandleFailure(ctx, taskID, err.Error(), false)
		if herr != nil {
			return "", herr
		}
		return status, nil
	}

	bus := agent.NewEventBus(r.bufSize)
	events, unsub := bus.Subscribe()
	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for event := range events {
			// Event persistence survives run cancellation.
			if err := r.manager.Store().RecordEvent(context.Background(), taskID, event); err != nil {
				r.logger.Warn("failed to record task event", "task_id", taskID, "error", err)
			}
		}
	}()

	controller := agent.NewController(provider, r.registry, r.loop, agent.ControllerOptions{
		Gate:           gate,
		ApprovalPolicy: policy,
		Bus:            bus,
		Logger:         r.logger,
	})

	result, err := controller.Run(runCtx, &agent.CompletionRequest{
		Model:  model,
		System: systemPrompts[task.Type],
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: task.Prompt},
		},
	})

	unsub()
	bus.Close()
	drained.Wait()

	if err != nil {
		status, herr := r.manager.HandleFailure(context.Background(), taskID, err.Error(), false)
		if herr != nil {
			return "", herr
		}
		return status, nil
	}

	status, err = r.manager.Complete(context.Background(), taskID, result)
	if err != nil {
		// A denial cancels the task mid-run; the terminal state wins
		// over the run's own outcome.
		var te *TransitionError
		if errors.As(err, &te) && te.From.IsTerminal() {
			return te.From, nil
		}
		return "", err
	}
	return status, nil
}

// resolveBackend picks the provider and model for a task, preferring the
// task's pinned choice and falling back to intent routing.
func (r *Runner) resolveBackend(task *Task) (agent.Provider, string, error) {
	providerName := task.Provider
	model := task.Model

	if r.router != nil {
		route := r.router.RouteForRequest(routing.RouteRequest{
			Messages: []agent.CompletionMessage{{Role: "user", Content: task.Prompt}},
			Provider: task.Provider,
			Model:    task.Model,
		})
		providerName = route.Provider
		model = route.Model
		r.logger.Debug("resolved task backend",
			"task_id", task.ID,
			"provider", providerName,
			"model", model,
			"auto", route.WasAutoRouted)
	}

	provider, ok := r.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("no such provider: %s", providerName)
	}
	return provider, model, nil
}
