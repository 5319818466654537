package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// turn scripts one provider response: some text followed by tool calls.
type turn struct {
	text  string
	calls []ToolCall
	err   error
}

// scriptedProvider replays a fixed sequence of turns, one per Complete call.
type scriptedProvider struct {
	mu    sync.Mutex
	turns []turn
	calls int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	ch := make(chan *CompletionChunk, 8)
	go func() {
		defer close(ch)
		if idx >= len(p.turns) {
			// Script exhausted: behave like a model that just stops.
			ch <- &CompletionChunk{Done: true, StopReason: StopEndTurn}
			return
		}
		t := p.turns[idx]
		if t.err != nil {
			ch <- &CompletionChunk{Error: t.err}
			return
		}
		if t.text != "" {
			ch <- &CompletionChunk{Text: t.text}
		}
		for i := range t.calls {
			ch <- &CompletionChunk{ToolCall: &t.calls[i]}
		}
		reason := StopEndTurn
		if len(t.calls) > 0 {
			reason = StopToolUse
		}
		ch <- &CompletionChunk{Done: true, StopReason: reason, InputTokens: 10, OutputTokens: 5}
	}()
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) Models() []Model     { return nil }
func (p *scriptedProvider) SupportsTools() bool { return true }

func userRequest() *CompletionRequest {
	return &CompletionRequest{
		Messages: []CompletionMessage{{Role: "user", Content: "fix the failing test"}},
	}
}

func newController(t *testing.T, provider Provider, config *LoopConfig, opts ControllerOptions, tools ...*fakeTool) *Controller {
	t.Helper()
	registry := NewRegistry()
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			t.Fatalf("Register %s: %v", tool.name, err)
		}
	}
	return NewController(provider, registry, config, opts)
}

func call(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Input: json.RawMessage(`{}`)}
}

func TestController_CompletesWithoutTools(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{{text: "all done"}}}
	c := newController(t, provider, nil, ControllerOptions{})

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if result.Summary != "all done" {
		t.Errorf("summary = %q", result.Summary)
	}
	if result.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", result.Iterations)
	}
	if result.Usage.TotalTokens() != 15 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestController_ToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{text: "reading file", calls: []ToolCall{call("c1", "ok")}},
		{text: "fixed it"},
	}}
	c := newController(t, provider, nil, ControllerOptions{}, freeformTool("ok", nil))

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if len(result.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(result.Records))
	}
	if result.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", result.Iterations)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "ok" {
		t.Errorf("tools used = %v", result.ToolsUsed)
	}
}

func TestController_TerminatesAtBudgetNeverBeyond(t *testing.T) {
	// A model that always requests another tool call.
	turns := make([]turn, 20)
	for i := range turns {
		turns[i] = turn{calls: []ToolCall{call("c", "ok")}}
	}
	provider := &scriptedProvider{turns: turns}
	c := newController(t, provider, &LoopConfig{MaxIterations: 3}, ControllerOptions{}, freeformTool("ok", nil))

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("budget exhaustion must be a failure")
	}
	if !strings.Contains(result.Error, "iteration budget") {
		t.Errorf("error = %q", result.Error)
	}
	if provider.calls != 3 {
		t.Errorf("provider called %d times, want exactly 3", provider.calls)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", result.Iterations)
	}
}

func TestController_UnknownToolFedBack(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{
		{calls: []ToolCall{call("c1", "nonexistent")}},
		{text: "recovered"},
	}}
	c := newController(t, provider, nil, ControllerOptions{})

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The unknown tool must not kill the run: the error result goes back
	// to the model which then finishes normally.
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if len(result.Records) != 1 {
		t.Fatalf("records = %d, want 1", len(result.Records))
	}
	if !result.Records[0].Result.IsError {
		t.Error("unknown tool record must be an error result")
	}
	if !strings.Contains(result.Records[0].Result.Content, "unknown tool") {
		t.Errorf("content = %q", result.Records[0].Result.Content)
	}
}

func TestController_StreamErrorFailsRun(t *testing.T) {
	provider := &scriptedProvider{turns: []turn{{err: errors.New("connection reset")}}}
	c := newController(t, provider, nil, ControllerOptions{})

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("stream error must fail the run")
	}
	if !strings.Contains(result.Error, "connection reset") {
		t.Errorf("error = %q", result.Error)
	}
}

// floodProvider streams more tool calls than one iteration accepts, on an
// unbuffered channel like the real providers, and reports when its producer
// goroutine has run to completion.
type floodProvider struct {
	calls int
	done  chan struct{}
}

func (p *floodProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	ch := make(chan *CompletionChunk)
	go func() {
		defer close(p.done)
		defer close(ch)
		for i := 0; i < p.calls; i++ {
			tc := call(fmt.Sprintf("c%d", i), "ok")
			ch <- &CompletionChunk{ToolCall: &tc}
		}
		ch <- &CompletionChunk{Done: true, StopReason: StopToolUse}
	}()
	return ch, nil
}

func (p *floodProvider) Name() string        { return "flood" }
func (p *floodProvider) Models() []Model     { return nil }
func (p *floodProvider) SupportsTools() bool { return true }

func TestController_ToolCallFloodUnblocksProducer(t *testing.T) {
	provider := &floodProvider{calls: MaxToolCallsPerIteration + 5, done: make(chan struct{})}
	c := newController(t, provider, nil, ControllerOptions{}, freeformTool("ok", nil))

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("exceeding the per-iteration tool call cap must fail the run")
	}
	if !strings.Contains(result.Error, "tool calls exceed maximum") {
		t.Errorf("error = %q", result.Error)
	}

	// The provider goroutine must not stay parked on its channel send
	// after the loop stops consuming.
	select {
	case <-provider.done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer goroutine still blocked after the run ended")
	}
}

func TestController_CancellationAtIterationBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	provider := &scriptedProvider{turns: []turn{{text: "never reached"}}}
	c := newController(t, provider, nil, ControllerOptions{})

	result, err := c.Run(ctx, userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatal("cancelled run must fail")
	}
	if provider.calls != 0 {
		t.Error("provider should not be called after cancellation")
	}
}

type scriptedGate struct {
	mu       sync.Mutex
	decision bool
	requests []ToolCall
}

func (g *scriptedGate) RequestApproval(ctx context.Context, call ToolCall) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, call)
	return g.decision, nil
}

func TestController_ApprovalGateDenied(t *testing.T) {
	gated := freeformTool("delete_file", nil)
	gated.approval = true
	provider := &scriptedProvider{turns: []turn{
		{calls: []ToolCall{call("c1", "delete_file")}},
		{text: "understood, will not delete"},
	}}
	gate := &scriptedGate{decision: false}
	c := newController(t, provider, nil, ControllerOptions{Gate: gate}, gated)

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if len(gate.requests) != 1 {
		t.Fatalf("gate consulted %d times, want 1", len(gate.requests))
	}
	if len(result.Records) != 1 || !result.Records[0].Result.IsError {
		t.Error("denied call must yield an error record")
	}
}

func TestController_ApprovalGateApproved(t *testing.T) {
	executed := 0
	gated := freeformTool("delete_file", func(context.Context, json.RawMessage) (*ToolResult, error) {
		executed++
		return &ToolResult{Content: "deleted", Mutations: []Mutation{{Kind: MutationDeleted, Path: "tmp.go"}}}, nil
	})
	gated.approval = true
	provider := &scriptedProvider{turns: []turn{
		{calls: []ToolCall{call("c1", "delete_file")}},
		{text: "done"},
	}}
	gate := &scriptedGate{decision: true}
	c := newController(t, provider, nil, ControllerOptions{Gate: gate}, gated)

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("run failed: %s", result.Error)
	}
	if executed != 1 {
		t.Errorf("tool executed %d times, want 1", executed)
	}
	if len(result.Changes) != 1 || result.Changes[0].Kind != MutationDeleted {
		t.Errorf("change manifest = %+v", result.Changes)
	}
}

func TestController_NoGateDeniesGatedTools(t *testing.T) {
	gated := freeformTool("delete_file", nil)
	gated.approval = true
	provider := &scriptedProvider{turns: []turn{
		{calls: []ToolCall{call("c1", "delete_file")}},
		{text: "ok"},
	}}
	c := newController(t, provider, nil, ControllerOptions{}, gated)

	result, err := c.Run(context.Background(), userRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Records) != 1 || !result.Records[0].Result.IsError {
		t.Error("gated tool without a gate must be denied")
	}
}

func TestController_EventsEmitted(t *testing.T) {
	bus := NewEventBus(64)
	defer bus.Close()
	ch, unsub := bus.Subscribe()
	defer unsub()

	provider := &scriptedProvider{turns: []turn{
		{text: "working", calls: []ToolCall{call("c1", "ok")}},
		{text: "done"},
	}}
	c := newController(t, provider, nil, ControllerOptions{Bus: bus}, freeformTool("ok", nil))

	if _, err := c.Run(context.Background(), userRequest()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := make(map[EventType]bool)
	for len(ch) > 0 {
		seen[(<-ch).Type] = true
	}
	for _, want := range []EventType{EventStarted, EventIterationStart, EventToolCall, EventToolResult, EventCompleted} {
		if !seen[want] {
			t.Errorf("missing event %s", want)
		}
	}
}
