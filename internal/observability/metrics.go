// Package observability provides Prometheus metrics for task runs, model
// calls, tool executions, and rate-limit decisions.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide metric set.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTaskRun("feature", "completed", time.Since(start).Seconds())
type Metrics struct {
	// TaskRunCounter counts task runs by type and terminal status.
	// Labels: type, status (completed|failed|cancelled|pending)
	TaskRunCounter *prometheus.CounterVec

	// TaskRunDuration measures task run time in seconds.
	// Labels: type
	TaskRunDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls by provider, model, and status.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// RateLimitCounter counts admission decisions.
	// Labels: key, outcome (allowed|rejected)
	RateLimitCounter *prometheus.CounterVec

	// ApprovalCounter counts human approval decisions.
	// Labels: decision (approved|denied)
	ApprovalCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at process startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set with a specific registerer,
// mainly for tests.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TaskRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_task_runs_total",
				Help: "Total number of task runs by type and terminal status",
			},
			[]string{"type", "status"},
		),

		TaskRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_task_run_duration_seconds",
				Help:    "Duration of task runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"type"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_llm_requests_total",
				Help: "Total number of model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_llm_request_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		RateLimitCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_rate_limit_decisions_total",
				Help: "Total number of rate-limit admission decisions by key and outcome",
			},
			[]string{"key", "outcome"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_approvals_total",
				Help: "Total number of human approval decisions",
			},
			[]string{"decision"},
		),
	}
}

// RecordTaskRun records a finished task run.
func (m *Metrics) RecordTaskRun(taskType, status string, durationSeconds float64) {
	m.TaskRunCounter.WithLabelValues(taskType, status).Inc()
	m.TaskRunDuration.WithLabelValues(taskType).Observe(durationSeconds)
}

// RecordLLMRequest records one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordRateLimit records an admission decision.
func (m *Metrics) RecordRateLimit(key string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.RateLimitCounter.WithLabelValues(key, outcome).Inc()
}

// RecordApproval records a human approval decision.
func (m *Metrics) RecordApproval(approved bool) {
	decision := "approved"
	if !approved {
		decision = "denied"
	}
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}
