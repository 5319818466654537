package exec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stewardai/steward/internal/agent"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.DefaultTimeout = 5 * time.Second
	return cfg
}

func TestRunner_CapturesOutputAndExitCode(t *testing.T) {
	runner := NewRunner(testConfig(t))

	result, err := runner.Run(context.Background(), "echo out; echo err >&2; exit 3", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result.Stdout) != "out" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "err" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.TimedOut {
		t.Error("unexpected timeout")
	}
}

func TestRunner_Timeout(t *testing.T) {
	runner := NewRunner(testConfig(t))

	result, err := runner.Run(context.Background(), "sleep 5", "", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !result.TimedOut {
		t.Error("expected timed_out=true")
	}
	if result.ExitCode == 0 {
		t.Error("timed-out command should not exit 0")
	}
}

func TestRunner_OutputCap(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxOutputBytes = 10
	runner := NewRunner(cfg)

	result, err := runner.Run(context.Background(), "printf '0123456789abcdef'", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stdout != "0123456789" {
		t.Errorf("stdout = %q, want capped to 10 bytes", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
}

func TestRunner_RejectsCwdEscape(t *testing.T) {
	runner := NewRunner(testConfig(t))
	if _, err := runner.Run(context.Background(), "true", "../outside", 0); err == nil {
		t.Fatal("cwd escape should fail")
	}
}

func TestRunner_RequiresCommand(t *testing.T) {
	runner := NewRunner(testConfig(t))
	if _, err := runner.Run(context.Background(), "   ", "", 0); err == nil {
		t.Fatal("empty command should fail")
	}
}

func execute(t *testing.T, tool agent.Tool, params map[string]interface{}) *agent.ToolResult {
	t.Helper()
	payload, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	result, err := tool.Execute(context.Background(), payload)
	if err != nil {
		t.Fatalf("Execute returned Go error: %v", err)
	}
	return result
}

func TestExecTool(t *testing.T) {
	cfg := testConfig(t)
	tool := NewExecTool(NewRunner(cfg))

	if !tool.RequiresApproval() {
		t.Error("exec must require approval")
	}
	if tool.Category() != agent.CategoryExec {
		t.Errorf("category = %s", tool.Category())
	}

	result := execute(t, tool, map[string]interface{}{"command": "echo hi"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	var decoded Result
	if err := json.Unmarshal([]byte(result.Content), &decoded); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(decoded.Stdout) != "hi" {
		t.Errorf("stdout = %q", decoded.Stdout)
	}

	failing := execute(t, tool, map[string]interface{}{"command": "exit 1"})
	if !failing.IsError {
		t.Error("non-zero exit should set IsError")
	}
}

func TestTestTool_ScopedRun(t *testing.T) {
	cfg := testConfig(t)
	// Substitute an inspectable command for the real test runner.
	cfg.TestCommand = "echo default-suite"
	tool := NewTestTool(NewRunner(cfg), cfg)

	if tool.RequiresApproval() {
		t.Error("run_tests must not require approval")
	}
	if tool.Category() != agent.CategoryTest {
		t.Errorf("category = %s", tool.Category())
	}

	result := execute(t, tool, map[string]interface{}{})
	var decoded Result
	if err := json.Unmarshal([]byte(result.Content), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Command != "echo default-suite" {
		t.Errorf("command = %q", decoded.Command)
	}

	scoped := execute(t, tool, map[string]interface{}{"package": "./internal/agent", "run": "TestLoop"})
	if err := json.Unmarshal([]byte(scoped.Content), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Command != "go test ./internal/agent -run 'TestLoop'" {
		t.Errorf("scoped command = %q", decoded.Command)
	}

	hostile := execute(t, tool, map[string]interface{}{"package": "./x; rm -rf /"})
	if !hostile.IsError {
		t.Error("shell metacharacters must be rejected")
	}
}

func TestLintTool(t *testing.T) {
	cfg := testConfig(t)
	cfg.LintCommand = "echo lint-clean"
	tool := NewLintTool(NewRunner(cfg), cfg)

	if tool.Category() != agent.CategoryLint {
		t.Errorf("category = %s", tool.Category())
	}
	result := execute(t, tool, map[string]interface{}{})
	var decoded Result
	if err := json.Unmarshal([]byte(result.Content), &decoded); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(decoded.Stdout) != "lint-clean" {
		t.Errorf("stdout = %q", decoded.Stdout)
	}
}

func TestGitTool_Whitelist(t *testing.T) {
	cfg := testConfig(t)
	tool := NewGitTool(NewRunner(cfg))

	if !tool.RequiresApproval() {
		t.Error("git must require approval")
	}
	if tool.Category() != agent.CategoryGit {
		t.Errorf("category = %s", tool.Category())
	}

	rejected := execute(t, tool, map[string]interface{}{"subcommand": "push"})
	if !rejected.IsError {
		t.Error("push is not whitelisted")
	}
	hostile := execute(t, tool, map[string]interface{}{
		"subcommand": "log",
		"args":       []string{"--oneline; rm -rf /"},
	})
	if !hostile.IsError {
		t.Error("shell metacharacters in args must be rejected")
	}
}
