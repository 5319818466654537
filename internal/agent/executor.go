package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// ExecutorConfig configures parallel tool execution.
type ExecutorConfig struct {
	// MaxConcurrency limits the number of parallel tool executions.
	// Default: 4
	MaxConcurrency int `yaml:"max_concurrency"`

	// DefaultTimeout is the default timeout for a single tool execution.
	// Default: 60s
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxConcurrency: 4,
		DefaultTimeout: 60 * time.Second,
	}
}

// Executor runs tool call batches with bounded parallelism. Failures are
// isolated: one call's error never cancels its siblings, and a batch of K
// calls always produces exactly K records.
type Executor struct {
	registry *Registry
	config   *ExecutorConfig

	// Semaphore for concurrency limiting.
	sem chan struct{}

	metrics *ExecutorMetrics
}

// ExecutorMetrics tracks execution counts, failures, timeouts, and panics.
type ExecutorMetrics struct {
	mu              sync.Mutex
	TotalExecutions int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// ExecutorMetricsSnapshot is a copy of executor metrics at a point in time.
type ExecutorMetricsSnapshot struct {
	TotalExecutions int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// NewExecutor creates an executor over the given registry. If config is
// nil, DefaultExecutorConfig is used.
func NewExecutor(registry *Registry, config *ExecutorConfig) *Executor {
	if config == nil {
		config = DefaultExecutorConfig()
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultExecutorConfig().MaxConcurrency
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultExecutorConfig().DefaultTimeout
	}

	return &Executor{
		registry: registry,
		config:   config,
		sem:      make(chan struct{}, config.MaxConcurrency),
		metrics:  &ExecutorMetrics{},
	}
}

// ExecuteAll executes a batch of tool calls in parallel with bounded
// fan-out. Records are returned in the same order as the input calls, one
// per call, and the batch is fully awaited before returning.
func (e *Executor) ExecuteAll(ctx context.Context, calls []ToolCall) []ToolExecutionRecord {
	if len(calls) == 0 {
		return nil
	}

	records := make([]ToolExecutionRecord, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc ToolCall) {
			defer wg.Done()
			records[idx] = e.Execute(ctx, tc)
		}(i, call)
	}

	wg.Wait()
	return records
}

// Execute runs a single tool call, acquiring a semaphore slot for
// backpressure before execution. Errors are folded into the record's
// ToolResult with IsError=true.
func (e *Executor) Execute(ctx context.Context, call ToolCall) ToolExecutionRecord {
	record := ToolExecutionRecord{
		Call:      call,
		StartedAt: time.Now(),
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		record.Result = errorResult(call, NewToolError(call.Name, ctx.Err()).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID))
		record.FinishedAt = time.Now()
		record.Duration = record.FinishedAt.Sub(record.StartedAt)
		return record
	}

	result, err := e.executeWithTimeout(ctx, call)
	if err != nil {
		record.Result = errorResult(call, err)
		e.recordFailure(err)
	} else {
		result.ToolCallID = call.ID
		record.Result = *result
		e.metrics.mu.Lock()
		e.metrics.TotalExecutions++
		if result.IsError {
			e.metrics.TotalFailures++
		}
		e.metrics.mu.Unlock()
	}

	record.FinishedAt = time.Now()
	record.Duration = record.FinishedAt.Sub(record.StartedAt)
	return record
}

// executeWithTimeout executes a tool call under the configured timeout,
// recovering panics into structured errors.
func (e *Executor) executeWithTimeout(ctx context.Context, call ToolCall) (*ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.config.DefaultTimeout)
	defer cancel()

	type execResult struct {
		result *ToolResult
		err    error
	}
	resultCh := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				err := NewToolError(call.Name, fmt.Errorf("panic: %v\n%s", r, stack)).
					WithType(ToolErrorPanic).
					WithToolCallID(call.ID)
				resultCh <- execResult{err: err}
			}
		}()

		result, err := e.registry.Execute(execCtx, call.Name, call.Input)
		if err != nil {
			resultCh <- execResult{err: NewToolError(call.Name, err).WithToolCallID(call.ID)}
			return
		}
		resultCh <- execResult{result: result}
	}()

	select {
	case res := <-resultCh:
		return res.result, res.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, NewToolError(call.Name, ctx.Err()).
				WithType(ToolErrorTimeout).
				WithToolCallID(call.ID).
				WithMessage("context cancelled")
		}
		return nil, NewToolError(call.Name, ErrToolTimeout).
			WithType(ToolErrorTimeout).
			WithToolCallID(call.ID).
			WithMessage(fmt.Sprintf("execution timed out after %s", e.config.DefaultTimeout))
	}
}

func (e *Executor) recordFailure(err error) {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	e.metrics.TotalExecutions++
	e.metrics.TotalFailures++
	if toolErr, ok := GetToolError(err); ok {
		switch toolErr.Type {
		case ToolErrorTimeout:
			e.metrics.TotalTimeouts++
		case ToolErrorPanic:
			e.metrics.TotalPanics++
		}
	}
}

// Metrics returns a copy-safe snapshot of the executor metrics.
func (e *Executor) Metrics() ExecutorMetricsSnapshot {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return ExecutorMetricsSnapshot{
		TotalExecutions: e.metrics.TotalExecutions,
		TotalFailures:   e.metrics.TotalFailures,
		TotalTimeouts:   e.metrics.TotalTimeouts,
		TotalPanics:     e.metrics.TotalPanics,
	}
}

func errorResult(call ToolCall, err error) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Content:    err.Error(),
		IsError:    true,
	}
}

// RecordsToResults extracts the ToolResults from a batch of records for
// inclusion in conversation history.
func RecordsToResults(records []ToolExecutionRecord) []ToolResult {
	results := make([]ToolResult, len(records))
	for i, r := range records {
		results[i] = r.Result
	}
	return results
}
