// Package main provides the CLI entry point for steward, an autonomous
// coding agent runner.
//
// Steward drives LLM providers (Anthropic, OpenAI, or a self-hosted relay)
// through an iterative agent loop with workspace-scoped tools, persists
// every task through a strict lifecycle state machine, and gates mutating
// tool calls behind human approval in supervised mode.
//
// # Basic Usage
//
// Run a one-shot task:
//
//	steward run "add input validation to the signup handler" --type feature
//
// Start the scheduler and metrics endpoint:
//
//	steward serve --config steward.yaml
//
// Inspect tasks:
//
//	steward tasks list
//	steward tasks show <id>
//	steward tasks events <id>
//
// # Environment Variables
//
//   - STEWARD_CONFIG: Path to configuration file (default: steward.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"log/slog"
	"os"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
