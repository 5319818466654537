package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports standard (5-field) and extended (6-field with
// seconds) cron expressions plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// RecurringTask is a template that submits a fresh Task on a schedule.
type RecurringTask struct {
	// Name identifies the recurrence in logs.
	Name string `yaml:"name"`

	// Schedule is the cron expression.
	Schedule string `yaml:"schedule"`

	// Template is copied into each submitted task.
	Template Task `yaml:"template"`

	// AllowOverlap permits a new submission while the previous one is
	// still running. Default: false.
	AllowOverlap bool `yaml:"allow_overlap"`
}

// SchedulerConfig configures the recurring-task scheduler.
type SchedulerConfig struct {
	// MaxConcurrency limits simultaneous scheduled runs. Default: 2
	MaxConcurrency int `yaml:"max_concurrency"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// Scheduler submits recurring tasks on cron schedules and drives them
// through a Runner. Overlap control is per recurrence: unless allowed, a
// firing is skipped while the previous run is still in flight.
type Scheduler struct {
	manager *Manager
	runner  *Runner
	cron    *cron.Cron
	logger  *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu      sync.Mutex
	inFlight map[string]bool
	started  bool
}

// NewScheduler creates a scheduler over the given manager and runner.
func NewScheduler(manager *Manager, runner *Runner, config SchedulerConfig) *Scheduler {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 2
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		manager:  manager,
		runner:   runner,
		cron:     cron.New(cron.WithParser(cronParser)),
		logger:   logger,
		sem:      make(chan struct{}, config.MaxConcurrency),
		inFlight: make(map[string]bool),
	}
}

// Add registers a recurring task. Returns an error for invalid schedules.
func (s *Scheduler) Add(rec RecurringTask) error {
	if rec.Name == "" {
		return fmt.Errorf("recurring task needs a name")
	}
	if _, err := cronParser.Parse(rec.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", rec.Schedule, rec.Name, err)
	}
	if !rec.Template.Type.Valid() {
		return fmt.Errorf("unknown task type %q for %s", rec.Template.Type, rec.Name)
	}

	_, err := s.cron.AddFunc(rec.Schedule, func() {
		s.fire(rec)
	})
	return err
}

// Start begins firing schedules. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) fire(rec RecurringTask) {
	s.mu.Lock()
	if s.inFlight[rec.Name] && !rec.AllowOverlap {
		s.mu.Unlock()
		s.logger.Info("skipping overlapping run", "recurrence", rec.Name)
		return
	}
	s.inFlight[rec.Name] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.inFlight[rec.Name] = false
			s.mu.Unlock()
		}()

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		ctx := context.Background()
		task := rec.Template
		task.ID = ""
		if task.Title == "" {
			task.Title = rec.Name + " @ " + time.Now().Format(time.RFC3339)
		}
		if err := s.manager.Create(ctx, &task); err != nil {
			s.logger.Error("failed to create scheduled task", "recurrence", rec.Name, "error", err)
			return
		}

		status, err := s.runner.Run(ctx, task.ID)
		if err != nil {
			s.logger.Error("scheduled run failed", "recurrence", rec.Name, "task_id", task.ID, "error", err)
			return
		}
		s.logger.Info("scheduled run finished", "recurrence", rec.Name, "task_id", task.ID, "status", status)
	}()
}
