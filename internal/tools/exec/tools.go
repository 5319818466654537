package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stewardai/steward/internal/agent"
)

// ExecTool runs arbitrary shell commands in the workspace.
type ExecTool struct {
	runner *Runner
}

// NewExecTool creates a shell exec tool.
func NewExecTool(runner *Runner) *ExecTool {
	return &ExecTool{runner: runner}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its output and exit code."
}

func (t *ExecTool) Category() agent.ToolCategory { return agent.CategoryExec }

// RequiresApproval reports whether the tool is gated. Arbitrary shell is
// always gated.
func (t *ExecTool) RequiresApproval() bool { return true }

func (t *ExecTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (0 = tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	})
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	result, err := t.runner.Run(ctx, input.Command, input.Cwd, time.Duration(input.TimeoutSeconds)*time.Second)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return resultPayload(result), nil
}

// TestTool runs the configured test command.
type TestTool struct {
	runner  *Runner
	command string
}

// NewTestTool creates a test-runner tool.
func NewTestTool(runner *Runner, cfg Config) *TestTool {
	command := cfg.TestCommand
	if command == "" {
		command = "go test ./..."
	}
	return &TestTool{runner: runner, command: command}
}

func (t *TestTool) Name() string { return "run_tests" }

func (t *TestTool) Description() string {
	return "Run the project test suite, optionally scoped to a package or test name pattern."
}

func (t *TestTool) Category() agent.ToolCategory { return agent.CategoryTest }

func (t *TestTool) RequiresApproval() bool { return false }

func (t *TestTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"package": map[string]interface{}{
				"type":        "string",
				"description": "Package path to test (default: whole module).",
			},
			"run": map[string]interface{}{
				"type":        "string",
				"description": "Test name pattern passed to -run.",
			},
		},
	})
}

func (t *TestTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Package string `json:"package"`
		Run     string `json:"run"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := t.command
	if pkg := strings.TrimSpace(input.Package); pkg != "" {
		if err := rejectShellMeta(pkg); err != nil {
			return toolError(err.Error()), nil
		}
		command = "go test " + pkg
	}
	if pattern := strings.TrimSpace(input.Run); pattern != "" {
		if err := rejectShellMeta(pattern); err != nil {
			return toolError(err.Error()), nil
		}
		command += " -run '" + pattern + "'"
	}
	result, err := t.runner.Run(ctx, command, "", 0)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return resultPayload(result), nil
}

// LintTool runs the configured lint command.
type LintTool struct {
	runner  *Runner
	command string
}

// NewLintTool creates a lint tool.
func NewLintTool(runner *Runner, cfg Config) *LintTool {
	command := cfg.LintCommand
	if command == "" {
		command = "go vet ./..."
	}
	return &LintTool{runner: runner, command: command}
}

func (t *LintTool) Name() string { return "lint" }

func (t *LintTool) Description() string {
	return "Run the project linter and return its findings."
}

func (t *LintTool) Category() agent.ToolCategory { return agent.CategoryLint }

func (t *LintTool) RequiresApproval() bool { return false }

func (t *LintTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{"type": "object", "properties": map[string]interface{}{}})
}

func (t *LintTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	_ = params
	result, err := t.runner.Run(ctx, t.command, "", 0)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return resultPayload(result), nil
}

// gitSubcommands is the closed set the git tool accepts. Anything else
// goes through the gated exec tool instead.
var gitSubcommands = map[string]bool{
	"status":   true,
	"diff":     true,
	"log":      true,
	"show":     true,
	"branch":   true,
	"add":      true,
	"commit":   true,
	"checkout": true,
	"stash":    true,
	"restore":  true,
}

// GitTool runs a whitelisted set of git subcommands in the workspace.
type GitTool struct {
	runner *Runner
}

// NewGitTool creates a git tool.
func NewGitTool(runner *Runner) *GitTool {
	return &GitTool{runner: runner}
}

func (t *GitTool) Name() string { return "git" }

func (t *GitTool) Description() string {
	return "Run a git subcommand (status, diff, log, show, branch, add, commit, checkout, stash, restore) in the workspace."
}

func (t *GitTool) Category() agent.ToolCategory { return agent.CategoryGit }

// RequiresApproval reports whether the tool is gated. The whitelist
// includes history-mutating subcommands, so the whole tool is gated.
func (t *GitTool) RequiresApproval() bool { return true }

func (t *GitTool) Schema() json.RawMessage {
	return mustSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"subcommand": map[string]interface{}{
				"type":        "string",
				"description": "Git subcommand to run.",
				"enum":        []string{"status", "diff", "log", "show", "branch", "add", "commit", "checkout", "stash", "restore"},
			},
			"args": map[string]interface{}{
				"type":        "array",
				"description": "Arguments passed to the subcommand.",
				"items":       map[string]interface{}{"type": "string"},
			},
		},
		"required": []string{"subcommand"},
	})
}

func (t *GitTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Subcommand string   `json:"subcommand"`
		Args       []string `json:"args"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	sub := strings.TrimSpace(input.Subcommand)
	if !gitSubcommands[sub] {
		return toolError(fmt.Sprintf("unsupported git subcommand %q", sub)), nil
	}

	parts := []string{"git", sub}
	for _, arg := range input.Args {
		if err := rejectShellMeta(arg); err != nil {
			return toolError(err.Error()), nil
		}
		parts = append(parts, "'"+arg+"'")
	}
	result, err := t.runner.Run(ctx, strings.Join(parts, " "), "", 0)
	if err != nil {
		return toolError(err.Error()), nil
	}
	return resultPayload(result), nil
}

// rejectShellMeta refuses arguments that could break out of single quotes
// or chain commands. Tools that need full shell go through exec.
func rejectShellMeta(arg string) error {
	if strings.ContainsAny(arg, "'`$;|&<>\n") {
		return fmt.Errorf("argument contains shell metacharacters: %q", arg)
	}
	return nil
}

func resultPayload(result Result) *agent.ToolResult {
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err))
	}
	return &agent.ToolResult{Content: string(payload), IsError: result.ExitCode != 0}
}

func mustSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}
