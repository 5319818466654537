package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Provider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of each vendor API (Anthropic,
// OpenAI, relay endpoints) while presenting a unified streaming interface
// to the loop controller.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different requests.
type Provider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt that sets the assistant's behavior.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines available tools the model can request to execute.
	Tools []Tool `json:"-"`

	// MaxTokens limits the maximum length of the generated response.
	// If 0 or negative, the provider's default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
// Role values: "user", "assistant", "tool".
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Attachments carries images or files for vision-capable models.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is an image or file included with a message.
type Attachment struct {
	Type     string `json:"type"` // "image" or "file"
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// StopReason tags why a model response terminated.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// CompletionChunk represents a single chunk in a streaming model response.
//
// Chunks are delivered through channels as the model generates its
// response. Each chunk may contain partial text, a complete tool call, a
// done signal with usage, or an error.
type CompletionChunk struct {
	// Text contains partial response text.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// StopReason is populated on the final chunk.
	StopReason StopReason `json:"stop_reason,omitempty"`

	// Error contains any error that occurred (streaming is terminated).
	Error error `json:"-"`

	// InputTokens and OutputTokens are populated in the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	// ID is the API identifier for the model.
	ID string `json:"id"`

	// Name is the human-readable model name.
	Name string `json:"name"`

	// ContextSize is the maximum token context window.
	ContextSize int `json:"context_size"`

	// SupportsVision indicates if the model can process images.
	SupportsVision bool `json:"supports_vision"`
}

// ToolCall is a tool execution request produced by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolCategory is the closed set of tool capability classes. Keeping the
// set closed makes dispatch and policy checks exhaustive.
type ToolCategory string

const (
	CategoryFile   ToolCategory = "file"
	CategoryTest   ToolCategory = "test"
	CategoryLint   ToolCategory = "lint"
	CategoryGit    ToolCategory = "git"
	CategorySearch ToolCategory = "search"
	CategoryExec   ToolCategory = "exec"
)

// Tool defines the interface for executable agent tools.
//
// Tools extend the agent's capabilities: reading and editing files, running
// tests, searching the workspace, invoking git. Input is validated against
// Schema() before Execute is called.
type Tool interface {
	// Name returns the tool name for model function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the
	// tool does. This helps the model decide when to use the tool.
	Description() string

	// Category classifies the tool's capability class.
	Category() ToolCategory

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// RequiresApproval reports whether invocations must pass a human
	// approval gate under supervised autonomy.
	RequiresApproval() bool

	// Execute runs the tool with the given JSON parameters. The params
	// have already been validated against Schema(). Returns the tool
	// output or an error.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// MutationKind classifies a state change made by a tool.
type MutationKind string

const (
	MutationCreated  MutationKind = "created"
	MutationModified MutationKind = "modified"
	MutationDeleted  MutationKind = "deleted"
)

// Mutation records a state change so the controller can build a change
// manifest without re-inspecting the filesystem.
type Mutation struct {
	Kind MutationKind `json:"kind"`
	Path string       `json:"path"`
}

// ToolResult contains the output from a tool execution.
//
// Errors are also communicated via ToolResult with IsError=true, allowing
// the model to handle failures gracefully rather than aborting the run.
type ToolResult struct {
	// ToolCallID correlates the result with its originating call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Content is the tool's output (text, JSON, etc.)
	Content string `json:"content"`

	// IsError indicates this result represents an error condition.
	IsError bool `json:"is_error,omitempty"`

	// Mutations lists state changes made by the tool, if any.
	Mutations []Mutation `json:"mutations,omitempty"`
}

// ToolExecutionRecord captures one tool call with its result and timing.
// A batch of K calls always yields exactly K records.
type ToolExecutionRecord struct {
	Call       ToolCall      `json:"call"`
	Result     ToolResult    `json:"result"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Usage accumulates token consumption across loop iterations.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(in, out int) {
	u.InputTokens += in
	u.OutputTokens += out
}

// TotalTokens returns the combined token count.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// AgentResult is the terminal outcome of one agent run.
type AgentResult struct {
	// Success is true when the run completed without a fatal error.
	Success bool `json:"success"`

	// Summary is the model's final text response.
	Summary string `json:"summary,omitempty"`

	// Error holds the raw error string when Success is false.
	Error string `json:"error,omitempty"`

	// Retryable is true when the failure was transient (transport or
	// rate-limit class) and the task may be re-queued.
	Retryable bool `json:"retryable,omitempty"`

	// Iterations is the number of loop iterations consumed.
	Iterations int `json:"iterations"`

	// ToolsUsed lists the distinct tool names invoked during the run.
	ToolsUsed []string `json:"tools_used,omitempty"`

	// Records holds every tool execution in order.
	Records []ToolExecutionRecord `json:"records,omitempty"`

	// Changes is the manifest of state mutations made by tools.
	Changes []Mutation `json:"changes,omitempty"`

	// Usage is the accumulated token consumption.
	Usage Usage `json:"usage"`
}
