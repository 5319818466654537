package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/stewardai/steward/internal/agent"
	"github.com/stewardai/steward/internal/config"
	"github.com/stewardai/steward/internal/tasks"
)

var configPath string

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "steward",
		Short:         "Autonomous coding agent runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (default: $STEWARD_CONFIG or steward.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newTasksCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig resolves the config path and loads it. A missing default file
// is not an error; built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path := configPath
	explicit := path != ""
	if path == "" {
		path = os.Getenv("STEWARD_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "steward.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return config.Load(path)
}

func newRunCmd() *cobra.Command {
	var (
		taskType   string
		title      string
		provider   string
		model      string
		autonomy   string
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run a one-shot task to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{withMetrics: true})
			if err != nil {
				return err
			}
			defer a.Close()

			swept, err := a.manager.RecoverInterrupted(ctx)
			if err != nil {
				return fmt.Errorf("crash recovery: %w", err)
			}
			if swept > 0 {
				a.logger.Warn("swept interrupted tasks", "count", swept)
			}

			task := &tasks.Task{
				Type:       tasks.TaskType(taskType),
				Title:      title,
				Prompt:     args[0],
				Provider:   provider,
				Model:      model,
				Autonomy:   tasks.AutonomyLevel(autonomy),
				MaxRetries: maxRetries,
			}
			if err := a.manager.Create(ctx, task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %s created\n", task.ID)

			// Supervised runs park on gated tools; answer prompts from
			// the terminal until the run finishes.
			promptDone := make(chan struct{})
			go promptForApprovals(ctx, a, task.ID, promptDone)

			status, err := a.runner.Run(ctx, task.ID)
			close(promptDone)
			if err != nil {
				return err
			}

			final, err := a.manager.Store().GetTask(ctx, task.ID)
			if err != nil {
				return err
			}
			return printTaskOutcome(cmd, final, status)
		},
	}

	cmd.Flags().StringVar(&taskType, "type", "feature", "task type (test|qa|feature|refactor|docs|security)")
	cmd.Flags().StringVar(&title, "title", "", "short task title")
	cmd.Flags().StringVar(&provider, "provider", "", "pin a provider (default: route by intent)")
	cmd.Flags().StringVar(&model, "model", "", "pin a model (default: route by intent)")
	cmd.Flags().StringVar(&autonomy, "autonomy", "supervised", "autonomy level (full|supervised|manual)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 2, "retry budget for transient failures")
	return cmd
}

// promptForApprovals polls for a parked approval and asks on the terminal.
func promptForApprovals(ctx context.Context, a *app, taskID string, done <-chan struct{}) {
	reader := bufio.NewReader(os.Stdin)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		call, ok := a.manager.PendingApproval(taskID)
		if !ok {
			continue
		}

		fmt.Fprintf(os.Stderr, "\napproval required: %s %s\napprove? [y/N]: ", call.Name, string(call.Input))
		line, err := reader.ReadString('\n')
		if err != nil {
			_ = a.manager.Deny(ctx, taskID)
			return
		}
		approved := false
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			approved = true
		}
		if a.metrics != nil {
			a.metrics.RecordApproval(approved)
		}
		if approved {
			if err := a.manager.Approve(ctx, taskID); err != nil && !errors.Is(err, tasks.ErrNoPendingApproval) {
				a.logger.Error("approve failed", "task_id", taskID, "error", err)
			}
		} else {
			if err := a.manager.Deny(ctx, taskID); err != nil && !errors.Is(err, tasks.ErrNoPendingApproval) {
				a.logger.Error("deny failed", "task_id", taskID, "error", err)
			}
		}
	}
}

func printTaskOutcome(cmd *cobra.Command, task *tasks.Task, status tasks.Status) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "status: %s\n", status)
	if task.Result != nil {
		if task.Result.Summary != "" {
			fmt.Fprintf(out, "\n%s\n", task.Result.Summary)
		}
		if len(task.Result.Changes) > 0 {
			fmt.Fprintln(out, "\nchanges:")
			for _, change := range task.Result.Changes {
				fmt.Fprintf(out, "  %s %s\n", change.Kind, change.Path)
			}
		}
		fmt.Fprintf(out, "\niterations: %d, tokens: %d in / %d out\n",
			task.Result.Iterations,
			task.Result.Usage.InputTokens,
			task.Result.Usage.OutputTokens)
	}
	if task.Error != "" {
		fmt.Fprintf(out, "error: %s\n", task.Error)
	}
	if status != tasks.StatusCompleted {
		return fmt.Errorf("task finished %s", status)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task worker, scheduler, and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{withMetrics: true})
			if err != nil {
				return err
			}
			defer a.Close()

			swept, err := a.manager.RecoverInterrupted(ctx)
			if err != nil {
				return fmt.Errorf("crash recovery: %w", err)
			}
			a.logger.Info("worker starting",
				"swept", swept,
				"store", cfg.Store.Driver,
				"workspace", cfg.Workspace)

			if cfg.Metrics.Enabled {
				go serveMetrics(a, cfg.Metrics.Addr)
			}

			scheduler := tasks.NewScheduler(a.manager, a.runner, tasks.SchedulerConfig{
				MaxConcurrency: cfg.Scheduler.MaxConcurrency,
				Logger:         a.logger,
			})
			for _, rec := range cfg.Scheduler.Recurrences {
				if err := scheduler.Add(rec); err != nil {
					return fmt.Errorf("recurrence %s: %w", rec.Name, err)
				}
			}
			scheduler.Start()
			defer scheduler.Stop()

			workPending(ctx, a)
			a.logger.Info("worker stopping")
			return nil
		},
	}
	return cmd
}

// workPending drains pending tasks one at a time until the context ends.
// Supervised tasks have no terminal attached here, so only full-autonomy
// tasks are picked up; the rest stay pending for an interactive run.
func workPending(ctx context.Context, a *app) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := a.manager.Store().GetTasksByStatus(ctx, tasks.StatusPending)
		if err != nil {
			a.logger.Error("failed to list pending tasks", "error", err)
			continue
		}
		for _, task := range pending {
			if ctx.Err() != nil {
				return
			}
			if task.Autonomy != tasks.AutonomyFull {
				continue
			}
			status, err := a.runner.Run(ctx, task.ID)
			if err != nil {
				a.logger.Error("task run failed", "task_id", task.ID, "error", err)
				continue
			}
			a.logger.Info("task finished", "task_id", task.ID, "status", status)
		}
	}
}

func serveMetrics(a *app, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.logger.Info("metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		a.logger.Error("metrics endpoint failed", "error", err)
	}
}

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect stored tasks",
	}
	cmd.AddCommand(newTasksListCmd(), newTasksShowCmd(), newTasksEventsCmd())
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			recent, err := a.manager.Store().GetRecentTasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-36s  %-10s  %-18s  %-8s  %s\n", "ID", "TYPE", "STATUS", "RETRIES", "TITLE")
			for _, task := range recent {
				title := task.Title
				if title == "" {
					title = truncate(task.Prompt, 50)
				}
				fmt.Fprintf(out, "%-36s  %-10s  %-18s  %d/%d      %s\n",
					task.ID, task.Type, task.Status, task.RetryCount, task.MaxRetries, title)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum tasks to list")
	return cmd
}

func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			task, err := a.manager.Store().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			payload, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
}

func newTasksEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events <id>",
		Short: "Show a task's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			events, err := a.manager.Store().GetTaskEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, event := range events {
				printEvent(out, event)
			}
			return nil
		},
	}
}

func printEvent(out io.Writer, event agent.AgentEvent) {
	line := fmt.Sprintf("%s  #%-3d %-18s", event.Time.Format(time.RFC3339), event.Iteration, event.Type)
	if event.ToolName != "" {
		line += " " + event.ToolName
	}
	if event.Text != "" {
		line += " " + truncate(event.Text, 80)
	}
	if event.Error != "" {
		line += " error=" + event.Error
	}
	fmt.Fprintln(out, line)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "steward %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
