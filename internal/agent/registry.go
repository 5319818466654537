package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and
// lookup. Schemas are compiled once at registration so execution-time
// validation is a pure lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool to the registry, compiling its schema up front.
// A tool with the same name replaces the previous registration.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name %q exceeds maximum length of %d", name[:32], MaxToolNameLength)
	}

	var compiled *jsonschema.Schema
	if schema := tool.Schema(); len(schema) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(schema))
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	r.schemas[name] = compiled
	return nil
}

// MustRegister registers a tool and panics on schema compile failure.
// Intended for wiring static tool sets at startup.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tools returns all registered tools for passing to model providers.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Validate checks params against the tool's compiled schema. A nil return
// means the arguments conform (or the tool declared no schema).
func (r *Registry) Validate(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return &UnknownToolError{ToolName: name}
	}
	if schema == nil {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(emptyToObject(params), &decoded); err != nil {
		return &ValidationError{ToolName: name, Detail: "arguments are not valid JSON", Cause: err}
	}
	if err := schema.Validate(decoded); err != nil {
		return &ValidationError{ToolName: name, Cause: err}
	}
	return nil
}

// Execute runs a tool by name with the given JSON parameters. Lookup and
// validation failures come back as error ToolResults, never as a returned
// error, so the model can observe and self-correct.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: (&UnknownToolError{ToolName: name}).Error(),
			IsError: true,
		}, nil
	}

	if err := r.Validate(name, params); err != nil {
		return &ToolResult{
			Content: err.Error(),
			IsError: true,
		}, nil
	}

	return tool.Execute(ctx, emptyToObject(params))
}

// RequiresApproval reports whether the named tool is gated behind human
// approval. Unknown tools never require approval; they fail validation.
func (r *Registry) RequiresApproval(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool.RequiresApproval()
	}
	return false
}

func emptyToObject(params json.RawMessage) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage("{}")
	}
	return params
}
