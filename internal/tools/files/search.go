package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/stewardai/steward/internal/agent"
)

const defaultSearchLimit = 100

// SearchTool finds substring matches across workspace files.
type SearchTool struct {
	resolver Resolver
}

// NewSearchTool creates a search tool scoped to the workspace.
func NewSearchTool(cfg Config) *SearchTool {
	return &SearchTool{resolver: Resolver{Root: cfg.Workspace}}
}

// Name returns the tool name.
func (t *SearchTool) Name() string {
	return "search_files"
}

// Description returns the tool description.
func (t *SearchTool) Description() string {
	return "Search workspace files for a substring and return matching lines with locations."
}

// Category classifies the tool.
func (t *SearchTool) Category() agent.ToolCategory {
	return agent.CategorySearch
}

// RequiresApproval reports whether the tool is gated. Searching is read-only.
func (t *SearchTool) RequiresApproval() bool {
	return false
}

// Schema returns the JSON schema for the tool parameters.
func (t *SearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Substring to search for.",
			},
			"dir": map[string]interface{}{
				"type":        "string",
				"description": "Directory to search under (default: workspace root).",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum matches to return (default: 100).",
				"minimum":     1,
			},
		},
		"required": []string{"query"},
	})
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Execute walks the directory and collects matching lines.
func (t *SearchTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Query      string `json:"query"`
		Dir        string `json:"dir"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if input.Query == "" {
		return toolError("query is required"), nil
	}
	dir := input.Dir
	if dir == "" {
		dir = "."
	}
	root, err := t.resolver.Resolve(dir)
	if err != nil {
		return toolError(err.Error()), nil
	}

	limit := input.MaxResults
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var matches []searchMatch
	truncated := false
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if strings.ContainsRune(string(raw), 0) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		for i, line := range strings.Split(string(raw), "\n") {
			if !strings.Contains(line, input.Query) {
				continue
			}
			if len(matches) >= limit {
				truncated = true
				return filepath.SkipAll
			}
			matches = append(matches, searchMatch{Path: rel, Line: i + 1, Text: strings.TrimSpace(line)})
		}
		return nil
	})
	if walkErr != nil {
		return toolError(fmt.Sprintf("search: %v", walkErr)), nil
	}

	return jsonResult(map[string]interface{}{
		"query":     input.Query,
		"matches":   matches,
		"count":     len(matches),
		"truncated": truncated,
	}, nil), nil
}
