package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardai/steward/internal/retry"
)

// MaxResponseTextSize caps accumulated response text per stream (5MB).
const MaxResponseTextSize = 5 << 20

// MaxToolCallsPerIteration caps tool calls requested in one iteration.
const MaxToolCallsPerIteration = 32

// ApprovalGate decides whether a gated tool call may proceed. Implementations
// typically park the task in an awaiting-approval state and block until a
// human decides or the context is cancelled.
type ApprovalGate interface {
	// RequestApproval blocks until the call is approved (true), denied
	// (false), or the context ends.
	RequestApproval(ctx context.Context, call ToolCall) (bool, error)
}

// LoopConfig configures the loop controller.
type LoopConfig struct {
	// MaxIterations is the iteration budget. The loop terminates within
	// this many iterations, never more.
	// Default: 10
	MaxIterations int `yaml:"max_iterations"`

	// MaxTokens is the default max tokens for model responses.
	// Default: 4096
	MaxTokens int `yaml:"max_tokens"`

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig `yaml:"executor"`
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxIterations:  10,
		MaxTokens:      4096,
		ExecutorConfig: DefaultExecutorConfig(),
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaults.MaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	return &cfg
}

// ControllerOptions carries the controller's collaborators.
type ControllerOptions struct {
	// Gate is consulted for tools that require approval. When nil, gated
	// tools are denied.
	Gate ApprovalGate

	// ApprovalPolicy overrides which tools are gated. When nil, tools
	// that declare RequiresApproval are gated.
	ApprovalPolicy func(tool Tool) bool

	// Bus receives lifecycle events. When nil, events are not emitted.
	Bus *EventBus

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Controller drives the iterative agent loop: send prompt, stream the
// response, execute requested tools, feed results back, repeat until the
// model stops requesting tools or the iteration budget is exhausted.
//
// The loop is an explicit state machine (init → stream → execute_tools →
// continue → complete) with the conversation held in an accumulator, so
// long tool-call chains cost no stack growth and cancellation is checked
// at well-defined iteration boundaries.
type Controller struct {
	provider Provider
	registry *Registry
	executor *Executor
	config   *LoopConfig
	gate     ApprovalGate
	policy   func(tool Tool) bool
	bus      *EventBus
	logger   *slog.Logger
}

// NewController creates a loop controller. If config is nil,
// DefaultLoopConfig is used.
func NewController(provider Provider, registry *Registry, config *LoopConfig, opts ControllerOptions) *Controller {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, config.ExecutorConfig),
		config:   config,
		gate:     opts.Gate,
		policy:   opts.ApprovalPolicy,
		bus:      opts.Bus,
		logger:   logger,
	}
}

// Registry returns the controller's tool registry.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// ExecutorMetrics returns a snapshot of the tool executor metrics.
func (c *Controller) ExecutorMetrics() ExecutorMetricsSnapshot {
	return c.executor.Metrics()
}

// loopState tracks one run of the loop.
type loopState struct {
	runID     string
	phase     LoopPhase
	iteration int
	messages  []CompletionMessage
	records   []ToolExecutionRecord
	changes   []Mutation
	toolsUsed map[string]struct{}
	usage     Usage
	lastText  string
}

// Run executes the loop to completion. The returned result is always
// non-nil when err is nil; fatal errors inside the loop come back as a
// failed result, not a Go error.
func (c *Controller) Run(ctx context.Context, req *CompletionRequest) (result *AgentResult, err error) {
	if c.provider == nil {
		return nil, ErrNoProvider
	}
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("request has no messages")
	}

	state := &loopState{
		runID:     uuid.NewString(),
		phase:     PhaseInit,
		messages:  append([]CompletionMessage(nil), req.Messages...),
		toolsUsed: make(map[string]struct{}),
	}

	// A panicking tool handler is already recovered by the executor; this
	// guards the loop machinery itself.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("loop panic",
				"run_id", state.runID,
				"phase", state.phase,
				"panic", r,
				"stack", string(debug.Stack()))
			result = c.failed(state, fmt.Errorf("loop panic: %v", r))
			err = nil
		}
	}()

	c.emit(state, AgentEvent{Type: EventStarted})

	for state.iteration < c.config.MaxIterations {
		// Cancellation is honored at iteration boundaries only; an
		// in-flight tool call is allowed to finish.
		if ctx.Err() != nil {
			return c.failed(state, &LoopError{
				Phase:     state.phase,
				Iteration: state.iteration,
				Cause:     ctx.Err(),
			}), nil
		}

		c.emit(state, AgentEvent{Type: EventIterationStart})

		state.phase = PhaseStream
		toolCalls, err := c.streamPhase(ctx, req, state)
		if err != nil {
			return c.failed(state, &LoopError{
				Phase:     PhaseStream,
				Iteration: state.iteration,
				Cause:     err,
			}), nil
		}

		if len(toolCalls) == 0 {
			state.phase = PhaseComplete
			return c.completed(state), nil
		}

		state.phase = PhaseExecuteTools
		records := c.executeToolsPhase(ctx, toolCalls, state)

		state.phase = PhaseContinue
		c.continuePhase(state, toolCalls, records)

		state.iteration++
	}

	// Budget exhausted.
	return c.failed(state, &LoopError{
		Phase:     state.phase,
		Iteration: state.iteration,
		Cause:     ErrBudgetExceeded,
		Message:   fmt.Sprintf("reached iteration budget: %d", c.config.MaxIterations),
	}), nil
}

// streamPhase calls the model and collects text plus any tool calls.
func (c *Controller) streamPhase(ctx context.Context, req *CompletionRequest, state *loopState) ([]ToolCall, error) {
	completion, err := c.provider.Complete(ctx, &CompletionRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  state.messages,
		Tools:     c.registry.Tools(),
		MaxTokens: c.config.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	// Providers send on an unbuffered channel; abandoning it mid-stream
	// would park the producer goroutine and its HTTP stream forever. Any
	// early exit hands the remainder to a draining goroutine, which runs
	// until the producer closes the channel.
	abort := func(err error) ([]ToolCall, error) {
		go func() {
			for range completion {
			}
		}()
		return nil, err
	}

	var toolCalls []ToolCall
	var text strings.Builder

	for chunk := range completion {
		if chunk.Error != nil {
			return abort(chunk.Error)
		}
		if chunk.Text != "" {
			if text.Len()+len(chunk.Text) > MaxResponseTextSize {
				return abort(fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize))
			}
			text.WriteString(chunk.Text)
			c.emit(state, AgentEvent{Type: EventThinking, Text: chunk.Text})
		}
		if chunk.ToolCall != nil {
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return abort(fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration))
			}
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			state.usage.Add(chunk.InputTokens, chunk.OutputTokens)
		}
	}

	state.lastText = text.String()
	return toolCalls, nil
}

// executeToolsPhase runs the batch, routing gated calls through the
// approval gate first. Every call in the batch yields exactly one record,
// including denied and unknown ones.
func (c *Controller) executeToolsPhase(ctx context.Context, calls []ToolCall, state *loopState) []ToolExecutionRecord {
	records := make([]ToolExecutionRecord, len(calls))
	allowed := make([]ToolCall, 0, len(calls))
	allowedIdx := make([]int, 0, len(calls))

	for i, call := range calls {
		c.emit(state, AgentEvent{
			Type:     EventToolCall,
			ToolName: call.Name,
			CallID:   call.ID,
			Payload:  call.Input,
		})

		if !c.needsApproval(call.Name) {
			allowed = append(allowed, call)
			allowedIdx = append(allowedIdx, i)
			continue
		}

		records[i] = c.gateCall(ctx, call, state)
		if !records[i].Result.IsError {
			// Approved: queue for execution, replacing the placeholder.
			allowed = append(allowed, call)
			allowedIdx = append(allowedIdx, i)
		}
	}

	executed := c.executor.ExecuteAll(ctx, allowed)
	for i, record := range executed {
		records[allowedIdx[i]] = record
	}

	for i := range records {
		c.emit(state, AgentEvent{
			Type:     EventToolResult,
			ToolName: records[i].Call.Name,
			CallID:   records[i].Call.ID,
			Text:     records[i].Result.Content,
		})
	}
	return records
}

// needsApproval routes the decision through the configured policy, falling
// back to the tool's own RequiresApproval flag. Unknown tools are never
// gated; they fail validation instead.
func (c *Controller) needsApproval(name string) bool {
	if c.policy == nil {
		return c.registry.RequiresApproval(name)
	}
	tool, ok := c.registry.Get(name)
	if !ok {
		return false
	}
	return c.policy(tool)
}

// gateCall asks the approval gate about one call. The returned record is a
// placeholder on approval (Result zero) and a denial record otherwise.
func (c *Controller) gateCall(ctx context.Context, call ToolCall, state *loopState) ToolExecutionRecord {
	started := time.Now()
	record := ToolExecutionRecord{Call: call, StartedAt: started}

	deny := func(msg string) ToolExecutionRecord {
		record.Result = ToolResult{
			ToolCallID: call.ID,
			Content:    msg,
			IsError:    true,
		}
		record.FinishedAt = time.Now()
		record.Duration = record.FinishedAt.Sub(started)
		return record
	}

	if c.gate == nil {
		return deny("tool requires approval but no approval gate is configured: " + call.Name)
	}

	c.emit(state, AgentEvent{
		Type:     EventApprovalRequired,
		ToolName: call.Name,
		CallID:   call.ID,
		Payload:  call.Input,
	})

	ok, err := c.gate.RequestApproval(ctx, call)
	if err != nil {
		return deny("approval request failed: " + err.Error())
	}
	if !ok {
		return deny("tool denied by approval: " + call.Name)
	}
	return record
}

// continuePhase appends the assistant turn and tool results to the
// conversation accumulator and folds records into the run totals.
func (c *Controller) continuePhase(state *loopState, calls []ToolCall, records []ToolExecutionRecord) {
	state.messages = append(state.messages, CompletionMessage{
		Role:      "assistant",
		Content:   state.lastText,
		ToolCalls: calls,
	})
	state.messages = append(state.messages, CompletionMessage{
		Role:        "tool",
		ToolResults: RecordsToResults(records),
	})

	for _, record := range records {
		state.records = append(state.records, record)
		state.toolsUsed[record.Call.Name] = struct{}{}
		state.changes = append(state.changes, record.Result.Mutations...)
	}
	state.lastText = ""
}

func (c *Controller) completed(state *loopState) *AgentResult {
	c.emit(state, AgentEvent{Type: EventCompleted, Text: state.lastText})
	return &AgentResult{
		Success:    true,
		Summary:    state.lastText,
		Iterations: state.iteration + 1,
		ToolsUsed:  toolNames(state.toolsUsed),
		Records:    state.records,
		Changes:    state.changes,
		Usage:      state.usage,
	}
}

func (c *Controller) failed(state *loopState, cause error) *AgentResult {
	c.emit(state, AgentEvent{Type: EventFailed, Error: cause.Error()})
	c.logger.Warn("agent run failed",
		"run_id", state.runID,
		"phase", state.phase,
		"iteration", state.iteration,
		"error", cause)
	return &AgentResult{
		Success:    false,
		Summary:    state.lastText,
		Error:      cause.Error(),
		Retryable:  retry.IsTransient(cause),
		Iterations: state.iteration,
		ToolsUsed:  toolNames(state.toolsUsed),
		Records:    state.records,
		Changes:    state.changes,
		Usage:      state.usage,
	}
}

func (c *Controller) emit(state *loopState, event AgentEvent) {
	if c.bus == nil {
		return
	}
	event.RunID = state.runID
	event.Iteration = state.iteration
	c.bus.Publish(event)
}

func toolNames(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}
