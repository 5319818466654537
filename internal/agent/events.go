package agent

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a loop lifecycle event.
type EventType string

const (
	EventStarted          EventType = "started"
	EventIterationStart   EventType = "iteration_start"
	EventThinking         EventType = "thinking"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequired EventType = "approval_required"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
)

// AgentEvent is one observable moment in an agent run. Events carry a
// monotonic sequence number so consumers can detect drops.
type AgentEvent struct {
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Sequence  uint64          `json:"sequence"`
	Iteration int             `json:"iteration"`
	Time      time.Time       `json:"time"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventBus fans out agent events to subscribers over buffered channels.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event rather than stalling the loop.
type EventBus struct {
	mu       sync.RWMutex
	subs     map[int]chan AgentEvent
	nextID   int
	bufSize  int
	sequence uint64
	closed   bool
}

// NewEventBus creates a bus whose subscriber channels hold bufSize events.
func NewEventBus(bufSize int) *EventBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &EventBus{
		subs:    make(map[int]chan AgentEvent),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber and returns its channel along with
// an unsubscribe function. The channel is closed on unsubscribe or bus
// close.
func (b *EventBus) Subscribe() (<-chan AgentEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan AgentEvent, b.bufSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish stamps the event with the next sequence number and delivers it
// to every subscriber that has buffer space.
func (b *EventBus) Publish(event AgentEvent) {
	event.Sequence = atomic.AddUint64(&b.sequence, 1)
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop rather than stall the loop.
		}
	}
}

// Close closes every subscriber channel. Further publishes are ignored.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
