package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stewardai/steward/internal/agent"
)

// WriteTool writes files in the workspace, creating parent directories
// as needed.
type WriteTool struct {
	resolver Resolver
}

// NewWriteTool creates a write tool scoped to the workspace.
func NewWriteTool(cfg Config) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *WriteTool) Name() string {
	return "write_file"
}

// Description returns the tool description.
func (t *WriteTool) Description() string {
	return "Write content to a file in the workspace, creating it if it does not exist."
}

// Category classifies the tool.
func (t *WriteTool) Category() agent.ToolCategory {
	return agent.CategoryFile
}

// RequiresApproval reports whether the tool is gated.
func (t *WriteTool) RequiresApproval() bool {
	return true
}

// Schema returns the JSON schema for the tool parameters.
func (t *WriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full content to write.",
			},
		},
		"required": []string{"path", "content"},
	})
}

// Execute writes the file and reports whether it was created or modified.
func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	// Existence decides the mutation kind before the write lands.
	kind := agent.MutationModified
	if _, statErr := os.Stat(resolved); os.IsNotExist(statErr) {
		kind = agent.MutationCreated
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create parent directory: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"path":  input.Path,
		"bytes": len(input.Content),
		"kind":  string(kind),
	}, []agent.Mutation{{Kind: kind, Path: input.Path}}), nil
}
