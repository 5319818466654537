// Package exec implements command-running tools: arbitrary shell commands,
// test runs, lint runs, and a whitelisted git wrapper. Every command runs
// inside the workspace with capped output and a hard timeout.
package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/stewardai/steward/internal/tools/files"
)

// Config controls exec tool behavior.
type Config struct {
	// Workspace is the root every command runs under.
	Workspace string `yaml:"workspace"`

	// MaxOutputBytes caps captured stdout and stderr. Default: 64000
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// DefaultTimeout bounds commands that do not set their own. Default: 2m
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// TestCommand is what run_tests executes. Default: "go test ./..."
	TestCommand string `yaml:"test_command"`

	// LintCommand is what lint executes. Default: "go vet ./..."
	LintCommand string `yaml:"lint_command"`
}

// DefaultConfig returns exec defaults for a Go workspace.
func DefaultConfig(workspace string) Config {
	return Config{
		Workspace:      workspace,
		MaxOutputBytes: 64000,
		DefaultTimeout: 2 * time.Minute,
		TestCommand:    "go test ./...",
		LintCommand:    "go vet ./...",
	}
}

// Runner executes shell commands scoped to the workspace.
type Runner struct {
	resolver       files.Resolver
	maxOutput      int
	defaultTimeout time.Duration
}

// NewRunner creates a runner from the config, filling unset fields.
func NewRunner(cfg Config) *Runner {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64000
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	return &Runner{
		resolver:       files.Resolver{Root: cfg.Workspace},
		maxOutput:      cfg.MaxOutputBytes,
		defaultTimeout: cfg.DefaultTimeout,
	}
}

// Result summarizes one command run.
type Result struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
	TimedOut bool   `json:"timed_out"`
	Error    string `json:"error,omitempty"`
}

// Run executes one command synchronously. Non-zero exits are reported in
// the result, not as an error; only setup failures return an error.
func (r *Runner) Run(ctx context.Context, command, cwd string, timeout time.Duration) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, fmt.Errorf("command is required")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, err := r.resolveDir(cwd)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	stdout := newLimitedBuffer(r.maxOutput)
	stderr := newLimitedBuffer(r.maxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()

	result := Result{
		Command:  command,
		Cwd:      dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(runErr),
		Duration: time.Since(start).Round(time.Millisecond).String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}
	return result, nil
}

func (r *Runner) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		cwd = "."
	}
	return r.resolver.Resolve(cwd)
}

// limitedBuffer accumulates output up to a byte cap, dropping the tail.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
