package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/stewardai/steward/internal/agent"
)

// DeleteTool removes files from the workspace. Directories are refused;
// removing a tree is never something the model should do in one call.
type DeleteTool struct {
	resolver Resolver
}

// NewDeleteTool creates a delete tool scoped to the workspace.
func NewDeleteTool(cfg Config) *DeleteTool {
	return &DeleteTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *DeleteTool) Name() string {
	return "delete_file"
}

// Description returns the tool description.
func (t *DeleteTool) Description() string {
	return "Delete a single file from the workspace."
}

// Category classifies the tool.
func (t *DeleteTool) Category() agent.ToolCategory {
	return agent.CategoryFile
}

// RequiresApproval reports whether the tool is gated.
func (t *DeleteTool) RequiresApproval() bool {
	return true
}

// Schema returns the JSON schema for the tool parameters.
func (t *DeleteTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
		},
		"required": []string{"path"},
	})
}

// Execute deletes the file and reports the deletion.
func (t *DeleteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = ctx
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	resolved, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("stat file: %v", err)), nil
	}
	if info.IsDir() {
		return toolError("path is a directory, not a file"), nil
	}
	if err := os.Remove(resolved); err != nil {
		return toolError(fmt.Sprintf("delete file: %v", err)), nil
	}

	return jsonResult(map[string]interface{}{
		"path":    input.Path,
		"deleted": true,
	}, []agent.Mutation{{Kind: agent.MutationDeleted, Path: input.Path}}), nil
}
