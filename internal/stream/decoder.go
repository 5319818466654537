// Package stream decodes server-sent-event style model output into typed
// protocol events, enforcing overall and inter-chunk timeouts.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// Named liveness errors surfaced through the error callback.
var (
	// ErrStreamTimeout indicates the whole stream exceeded its ceiling.
	ErrStreamTimeout = errors.New("stream: overall timeout exceeded")

	// ErrChunkTimeout indicates no bytes arrived within the chunk interval.
	ErrChunkTimeout = errors.New("stream: chunk timeout exceeded")
)

// EventType identifies a protocol event block.
type EventType string

const (
	EventStart EventType = "start"
	EventDelta EventType = "delta"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Usage reports token consumption for a completed stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Metadata describes the response on a done event.
type Metadata struct {
	Model        string `json:"model,omitempty"`
	Provider     string `json:"provider,omitempty"`
	ProcessingMs int64  `json:"processing_ms,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// ToolCall is a fully reconstructed tool invocation request.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallDelta carries an incremental fragment of a tool call, keyed by
// call index. Fragments accumulate until the done event.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// payload is the JSON body carried by every event block.
type payload struct {
	ID            string         `json:"id,omitempty"`
	Delta         string         `json:"delta,omitempty"`
	Content       string         `json:"content,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
	Error         string         `json:"error,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
	ToolCalls     []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallDelta *ToolCallDelta `json:"tool_call_delta,omitempty"`
}

// Done is delivered in one shot when the stream completes successfully.
type Done struct {
	ID        string
	Content   string
	Usage     Usage
	Metadata  Metadata
	ToolCalls []ToolCall
}

// Callbacks receive decoded events. Any callback may be nil.
type Callbacks struct {
	OnStart func(id string)
	OnDelta func(text string)
	OnDone  func(done Done)
	OnError func(err error)
}

// Config configures decoder liveness guards.
type Config struct {
	// OverallTimeout aborts the whole stream when total time exceeds it.
	OverallTimeout time.Duration `yaml:"overall_timeout"`
	// ChunkTimeout aborts when no bytes arrive for this interval.
	// The timer resets on every read that returns bytes.
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
	// ReadSize is the read buffer size per read call.
	ReadSize int `yaml:"read_size"`
}

// DefaultConfig returns the default decoder configuration.
func DefaultConfig() Config {
	return Config{
		OverallTimeout: 5 * time.Minute,
		ChunkTimeout:   30 * time.Second,
		ReadSize:       4 << 10,
	}
}

// Decoder parses a blank-line-framed event stream. A Decoder is single-use.
type Decoder struct {
	config Config
	cb     Callbacks

	buf     bytes.Buffer
	calls   map[int]*pendingCall
	content strings.Builder
	errored bool
	failure error
	done    bool
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// NewDecoder creates a decoder with the given guards and callbacks.
func NewDecoder(config Config, cb Callbacks) *Decoder {
	if config.OverallTimeout <= 0 {
		config.OverallTimeout = DefaultConfig().OverallTimeout
	}
	if config.ChunkTimeout <= 0 {
		config.ChunkTimeout = DefaultConfig().ChunkTimeout
	}
	if config.ReadSize <= 0 {
		config.ReadSize = DefaultConfig().ReadSize
	}
	return &Decoder{
		config: config,
		cb:     cb,
		calls:  make(map[int]*pendingCall),
	}
}

type readResult struct {
	data []byte
	err  error
}

// Decode consumes the reader until done, error, or timeout. On timeout the
// stream's cancellation primitive fires (context cancel, reader close) and a
// named error reaches OnError exactly once. The returned error mirrors what
// was delivered to OnError, remote error events included; nil on clean
// completion.
func (d *Decoder) Decode(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reads := make(chan readResult)
	go func() {
		defer close(reads)
		for {
			chunk := make([]byte, d.config.ReadSize)
			n, err := r.Read(chunk)
			var out readResult
			if n > 0 {
				out.data = chunk[:n]
			}
			out.err = err
			select {
			case reads <- out:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	overall := time.NewTimer(d.config.OverallTimeout)
	defer overall.Stop()
	chunkTimer := time.NewTimer(d.config.ChunkTimeout)
	defer chunkTimer.Stop()

	abort := func(cause error) error {
		cancel()
		if closer, ok := r.(io.Closer); ok {
			_ = closer.Close()
		}
		d.fail(cause)
		return cause
	}

	for {
		select {
		case <-ctx.Done():
			return abort(ctx.Err())
		case <-overall.C:
			return abort(ErrStreamTimeout)
		case <-chunkTimer.C:
			return abort(ErrChunkTimeout)
		case res, ok := <-reads:
			if !ok {
				// Reader goroutine exited without a terminal event.
				return abort(io.ErrUnexpectedEOF)
			}
			if len(res.data) > 0 {
				if !chunkTimer.Stop() {
					select {
					case <-chunkTimer.C:
					default:
					}
				}
				chunkTimer.Reset(d.config.ChunkTimeout)

				if err := d.feed(res.data); err != nil {
					return abort(err)
				}
				if d.done {
					cancel()
					return nil
				}
				if d.errored {
					cancel()
					return d.failure
				}
			}
			if res.err != nil {
				if res.err == io.EOF {
					if d.done {
						return nil
					}
					if d.errored {
						return d.failure
					}
					return abort(io.ErrUnexpectedEOF)
				}
				return abort(res.err)
			}
		}
	}
}

// feed appends bytes and drains every complete block. A trailing partial
// block stays buffered until more bytes arrive.
func (d *Decoder) feed(data []byte) error {
	d.buf.Write(data)

	for {
		raw := d.buf.Bytes()
		idx := bytes.Index(raw, []byte("\n\n"))
		if idx < 0 {
			return nil
		}
		block := make([]byte, idx)
		copy(block, raw[:idx])
		d.buf.Next(idx + 2)

		if len(bytes.TrimSpace(block)) == 0 {
			continue
		}
		if err := d.handleBlock(block); err != nil {
			return err
		}
		if d.done || d.errored {
			return nil
		}
	}
}

// handleBlock parses one complete event block and dispatches it.
func (d *Decoder) handleBlock(block []byte) error {
	eventType, data, err := parseBlock(block)
	if err != nil {
		return err
	}

	var p payload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("stream: decode %s payload: %w", eventType, err)
		}
	}

	switch eventType {
	case EventStart:
		if d.cb.OnStart != nil {
			d.cb.OnStart(p.ID)
		}
	case EventDelta:
		if p.ToolCallDelta != nil {
			d.accumulate(p.ToolCallDelta)
		}
		if p.Delta != "" {
			d.content.WriteString(p.Delta)
			if d.cb.OnDelta != nil {
				d.cb.OnDelta(p.Delta)
			}
		}
	case EventDone:
		d.finish(p)
	case EventError:
		d.fail(fmt.Errorf("stream: remote error: %s", p.Error))
	default:
		return fmt.Errorf("stream: unknown event type %q", eventType)
	}
	return nil
}

func (d *Decoder) accumulate(delta *ToolCallDelta) {
	call := d.calls[delta.Index]
	if call == nil {
		call = &pendingCall{}
		d.calls[delta.Index] = call
	}
	if delta.ID != "" {
		call.id = delta.ID
	}
	if delta.Name != "" {
		call.name = delta.Name
	}
	call.args.WriteString(delta.ArgumentsDelta)
}

// finish reconstructs accumulated tool calls and delivers the done event.
func (d *Decoder) finish(p payload) {
	if d.done || d.errored {
		return
	}
	d.done = true

	content := p.Content
	if content == "" {
		content = d.content.String()
	}

	calls := append([]ToolCall(nil), p.ToolCalls...)
	indices := make([]int, 0, len(d.calls))
	for idx := range d.calls {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		pc := d.calls[idx]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}

	out := Done{
		ID:        p.ID,
		Content:   content,
		ToolCalls: calls,
	}
	if p.Usage != nil {
		out.Usage = *p.Usage
	}
	if p.Metadata != nil {
		out.Metadata = *p.Metadata
	}
	if d.cb.OnDone != nil {
		d.cb.OnDone(out)
	}
}

// fail delivers at most one error to the caller and records it so Decode
// can return the same error.
func (d *Decoder) fail(err error) {
	if d.done || d.errored {
		return
	}
	d.errored = true
	d.failure = err
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}

// parseBlock splits a block into its event type and joined data payload.
// Lines are "event: <type>" and one or more "data: <json>" lines.
func parseBlock(block []byte) (EventType, []byte, error) {
	var eventType EventType
	var data [][]byte

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = EventType(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		case len(bytes.TrimSpace(line)) == 0:
			// padding between fields
		case bytes.HasPrefix(line, []byte(":")):
			// comment line, ignored
		default:
			return "", nil, fmt.Errorf("stream: malformed line %q", line)
		}
	}

	if eventType == "" {
		return "", nil, errors.New("stream: block missing event type")
	}
	return eventType, bytes.Join(data, []byte("\n")), nil
}
