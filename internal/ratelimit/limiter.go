// Package ratelimit provides per-key sliding-window admission control for
// outbound model calls.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures sliding-window rate limiting.
type Config struct {
	// MaxRequests is the number of requests allowed per window.
	MaxRequests int `yaml:"max_requests"`
	// Window is the sliding window duration.
	Window time.Duration `yaml:"window"`
	// CleanupInterval is how often expired timestamps are swept.
	// Sweeping happens on a background ticker, not per-request.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRequests:     60,
		Window:          time.Minute,
		CleanupInterval: 30 * time.Second,
		Enabled:         true,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool `json:"allowed"`
	// Remaining is the number of requests left in the current window.
	Remaining int `json:"remaining"`
	// ResetMs is how long until a slot frees up, in milliseconds.
	// Positive when the request was rejected.
	ResetMs int64 `json:"reset_ms"`
}

// Limiter tracks request timestamps per key in a sliding window.
// It owns a background sweeper goroutine; callers must Close it when done.
type Limiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	config  Config

	done chan struct{}
	once sync.Once

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewLimiter creates a limiter and starts its background sweeper.
func NewLimiter(config Config) *Limiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = DefaultConfig().MaxRequests
	}
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	l := &Limiter{
		entries: make(map[string][]time.Time),
		config:  config,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.sweepLoop()
	return l
}

// Allow records and admits a request for key if the window has capacity.
func (l *Limiter) Allow(key string) Decision {
	if !l.config.Enabled {
		return Decision{Allowed: true, Remaining: l.config.MaxRequests}
	}

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.entries[key]
	live := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			live = append(live, ts)
		}
	}

	if len(live) >= l.config.MaxRequests {
		l.entries[key] = live
		// The oldest live stamp leaving the window frees the next slot.
		reset := live[0].Add(l.config.Window).Sub(now)
		if reset <= 0 {
			reset = time.Millisecond
		}
		return Decision{Allowed: false, Remaining: 0, ResetMs: reset.Milliseconds() + 1}
	}

	live = append(live, now)
	l.entries[key] = live
	return Decision{Allowed: true, Remaining: l.config.MaxRequests - len(live)}
}

// Reset clears the window for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close stops the background sweeper. Safe to call more than once.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep drops expired timestamps and removes keys whose windows are empty.
func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, stamps := range l.entries {
		live := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}
		if len(live) == 0 {
			delete(l.entries, key)
			continue
		}
		l.entries[key] = live
	}
}

// CompositeKey builds a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
