package files

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stewardai/steward/internal/agent"
)

func workspace(t *testing.T) Config {
	t.Helper()
	return Config{Workspace: t.TempDir()}
}

func seed(t *testing.T, cfg Config, path, content string) string {
	t.Helper()
	full := filepath.Join(cfg.Workspace, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return full
}

func run(t *testing.T, tool agent.Tool, params map[string]interface{}) *agent.ToolResult {
	t.Helper()
	payload, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	result, err := tool.Execute(context.Background(), payload)
	if err != nil {
		t.Fatalf("Execute returned Go error: %v", err)
	}
	if result == nil {
		t.Fatal("Execute returned nil result")
	}
	return result
}

func decode(t *testing.T, result *agent.ToolResult) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("result content is not JSON: %v\n%s", err, result.Content)
	}
	return out
}

func TestResolver_RejectsEscape(t *testing.T) {
	r := Resolver{Root: t.TempDir()}
	for _, path := range []string{"../outside.txt", "a/../../outside.txt", "   "} {
		if _, err := r.Resolve(path); err == nil {
			t.Errorf("Resolve(%q) should fail", path)
		}
	}
	if _, err := r.Resolve("inside/ok.txt"); err != nil {
		t.Errorf("Resolve(inside/ok.txt) = %v", err)
	}
}

func TestResolver_RejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	r := Resolver{Root: root}

	// Existing file behind a link that leaves the workspace.
	if _, err := r.Resolve(filepath.Join("link", "secret.txt")); err == nil {
		t.Error("file behind an outside symlink must be rejected")
	}
	// Write target that does not exist yet, behind the same link.
	if _, err := r.Resolve(filepath.Join("link", "new.txt")); err == nil {
		t.Error("write target behind an outside symlink must be rejected")
	}

	// A link staying inside the workspace resolves normally.
	inside := filepath.Join(root, "real.txt")
	if err := os.WriteFile(inside, []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(inside, filepath.Join(root, "alias.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve("alias.txt"); err != nil {
		t.Errorf("Resolve(alias.txt) = %v", err)
	}
}

func TestReadTool(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "notes.txt", "hello world")
	tool := NewReadTool(cfg)

	if tool.RequiresApproval() {
		t.Error("read must not require approval")
	}
	if tool.Category() != agent.CategoryFile {
		t.Errorf("category = %s", tool.Category())
	}

	result := run(t, tool, map[string]interface{}{"path": "notes.txt"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content)
	}
	payload := decode(t, result)
	if payload["content"] != "hello world" {
		t.Errorf("content = %v", payload["content"])
	}
	if len(result.Mutations) != 0 {
		t.Errorf("read reported mutations: %+v", result.Mutations)
	}
}

func TestReadTool_OffsetAndLimit(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "big.txt", "0123456789")
	tool := NewReadTool(cfg)

	result := run(t, tool, map[string]interface{}{"path": "big.txt", "offset": 2, "max_bytes": 3})
	payload := decode(t, result)
	if payload["content"] != "234" {
		t.Errorf("content = %v, want 234", payload["content"])
	}
	if payload["truncated"] != true {
		t.Error("expected truncated=true")
	}
}

func TestReadTool_Errors(t *testing.T) {
	cfg := workspace(t)
	tool := NewReadTool(cfg)

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"missing path", map[string]interface{}{}},
		{"escape", map[string]interface{}{"path": "../secret"}},
		{"absent file", map[string]interface{}{"path": "nope.txt"}},
		{"negative offset", map[string]interface{}{"path": "x", "offset": -1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := run(t, tool, tc.params)
			if !result.IsError {
				t.Errorf("expected error result, got %s", result.Content)
			}
			payload := decode(t, result)
			if payload["error"] == "" {
				t.Error("error result missing error field")
			}
		})
	}
}

func TestWriteTool_CreateThenModify(t *testing.T) {
	cfg := workspace(t)
	tool := NewWriteTool(cfg)

	if !tool.RequiresApproval() {
		t.Error("write must require approval")
	}

	created := run(t, tool, map[string]interface{}{"path": "pkg/main.go", "content": "package main\n"})
	if created.IsError {
		t.Fatalf("create failed: %s", created.Content)
	}
	if len(created.Mutations) != 1 || created.Mutations[0].Kind != agent.MutationCreated {
		t.Fatalf("mutations = %+v, want one created", created.Mutations)
	}
	if created.Mutations[0].Path != "pkg/main.go" {
		t.Errorf("mutation path = %s", created.Mutations[0].Path)
	}

	modified := run(t, tool, map[string]interface{}{"path": "pkg/main.go", "content": "package main\n\nfunc main() {}\n"})
	if len(modified.Mutations) != 1 || modified.Mutations[0].Kind != agent.MutationModified {
		t.Fatalf("mutations = %+v, want one modified", modified.Mutations)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.Workspace, "pkg/main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "func main()") {
		t.Errorf("file content = %s", raw)
	}
}

func TestWriteTool_RejectsEscape(t *testing.T) {
	cfg := workspace(t)
	result := run(t, NewWriteTool(cfg), map[string]interface{}{"path": "../evil.txt", "content": "x"})
	if !result.IsError {
		t.Fatal("expected escape rejection")
	}
	if len(result.Mutations) != 0 {
		t.Errorf("failed write reported mutations: %+v", result.Mutations)
	}
}

func TestWriteTool_RejectsSymlinkEscape(t *testing.T) {
	cfg := workspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(cfg.Workspace, "vendor")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	result := run(t, NewWriteTool(cfg), map[string]interface{}{"path": "vendor/evil.txt", "content": "x"})
	if !result.IsError {
		t.Fatal("expected escape rejection")
	}
	if _, err := os.Stat(filepath.Join(outside, "evil.txt")); !os.IsNotExist(err) {
		t.Error("file was written outside the workspace")
	}
}

func TestEditTool_SingleReplacement(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "app.go", "var debug = false\n")
	tool := NewEditTool(cfg)

	result := run(t, tool, map[string]interface{}{
		"path":       "app.go",
		"old_string": "debug = false",
		"new_string": "debug = true",
	})
	if result.IsError {
		t.Fatalf("edit failed: %s", result.Content)
	}
	if len(result.Mutations) != 1 || result.Mutations[0].Kind != agent.MutationModified {
		t.Fatalf("mutations = %+v", result.Mutations)
	}

	raw, _ := os.ReadFile(filepath.Join(cfg.Workspace, "app.go"))
	if string(raw) != "var debug = true\n" {
		t.Errorf("content = %q", raw)
	}
}

func TestEditTool_AmbiguousNeedsReplaceAll(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "dup.txt", "aa aa aa")
	tool := NewEditTool(cfg)

	ambiguous := run(t, tool, map[string]interface{}{
		"path": "dup.txt", "old_string": "aa", "new_string": "bb",
	})
	if !ambiguous.IsError {
		t.Fatal("ambiguous match should fail without replace_all")
	}

	all := run(t, tool, map[string]interface{}{
		"path": "dup.txt", "old_string": "aa", "new_string": "bb", "replace_all": true,
	})
	if all.IsError {
		t.Fatalf("replace_all failed: %s", all.Content)
	}
	payload := decode(t, all)
	if payload["replacements"] != float64(3) {
		t.Errorf("replacements = %v, want 3", payload["replacements"])
	}
	raw, _ := os.ReadFile(filepath.Join(cfg.Workspace, "dup.txt"))
	if string(raw) != "bb bb bb" {
		t.Errorf("content = %q", raw)
	}
}

func TestEditTool_MissingString(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "f.txt", "content")
	result := run(t, NewEditTool(cfg), map[string]interface{}{
		"path": "f.txt", "old_string": "absent", "new_string": "x",
	})
	if !result.IsError {
		t.Fatal("expected missing-string error")
	}
}

func TestDeleteTool(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "stale.txt", "old")
	tool := NewDeleteTool(cfg)

	if !tool.RequiresApproval() {
		t.Error("delete must require approval")
	}

	result := run(t, tool, map[string]interface{}{"path": "stale.txt"})
	if result.IsError {
		t.Fatalf("delete failed: %s", result.Content)
	}
	if len(result.Mutations) != 1 || result.Mutations[0].Kind != agent.MutationDeleted {
		t.Fatalf("mutations = %+v", result.Mutations)
	}
	if _, err := os.Stat(filepath.Join(cfg.Workspace, "stale.txt")); !os.IsNotExist(err) {
		t.Error("file still exists after delete")
	}
}

func TestDeleteTool_RefusesDirectory(t *testing.T) {
	cfg := workspace(t)
	if err := os.MkdirAll(filepath.Join(cfg.Workspace, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	result := run(t, NewDeleteTool(cfg), map[string]interface{}{"path": "dir"})
	if !result.IsError {
		t.Fatal("deleting a directory should fail")
	}
}

func TestSearchTool(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "a/one.go", "package a\n\nfunc Needle() {}\n")
	seed(t, cfg, "b/two.go", "package b\n// needle is lowercase here\n")
	tool := NewSearchTool(cfg)

	if tool.Category() != agent.CategorySearch {
		t.Errorf("category = %s", tool.Category())
	}
	if tool.RequiresApproval() {
		t.Error("search must not require approval")
	}

	result := run(t, tool, map[string]interface{}{"query": "Needle"})
	if result.IsError {
		t.Fatalf("search failed: %s", result.Content)
	}
	payload := decode(t, result)
	if payload["count"] != float64(1) {
		t.Errorf("count = %v, want 1", payload["count"])
	}
	matches := payload["matches"].([]interface{})
	first := matches[0].(map[string]interface{})
	if first["path"] != filepath.Join("a", "one.go") {
		t.Errorf("match path = %v", first["path"])
	}
	if first["line"] != float64(3) {
		t.Errorf("match line = %v", first["line"])
	}
}

func TestSearchTool_LimitTruncates(t *testing.T) {
	cfg := workspace(t)
	seed(t, cfg, "many.txt", "x\nx\nx\nx\nx\n")
	result := run(t, NewSearchTool(cfg), map[string]interface{}{"query": "x", "max_results": 2})
	payload := decode(t, result)
	if payload["count"] != float64(2) {
		t.Errorf("count = %v, want 2", payload["count"])
	}
	if payload["truncated"] != true {
		t.Error("expected truncated=true")
	}
}
