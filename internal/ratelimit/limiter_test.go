package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func newTestLimiter(config Config) (*Limiter, *time.Time) {
	l := NewLimiter(config)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_AllowUpToMax(t *testing.T) {
	config := Config{
		MaxRequests: 5,
		Window:      time.Minute,
		Enabled:     true,
	}
	l, _ := newTestLimiter(config)
	defer l.Close()

	for i := 0; i < 5; i++ {
		d := l.Allow("user-1")
		if !d.Allowed {
			t.Errorf("request %d should be allowed", i)
		}
	}

	d := l.Allow("user-1")
	if d.Allowed {
		t.Error("request beyond max should be rejected")
	}
	if d.ResetMs <= 0 {
		t.Errorf("rejected decision must carry positive ResetMs, got %d", d.ResetMs)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, Enabled: true})
	defer l.Close()

	if d := l.Allow("a"); !d.Allowed {
		t.Error("first request for key a should be allowed")
	}
	if d := l.Allow("b"); !d.Allowed {
		t.Error("first request for key b should be allowed")
	}
	if d := l.Allow("a"); d.Allowed {
		t.Error("second request for key a should be rejected")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, now := newTestLimiter(Config{MaxRequests: 2, Window: time.Minute, Enabled: true})
	defer l.Close()

	l.Allow("k")
	l.Allow("k")
	if d := l.Allow("k"); d.Allowed {
		t.Fatal("window full, expected rejection")
	}

	*now = now.Add(61 * time.Second)
	if d := l.Allow("k"); !d.Allowed {
		t.Error("expected allowance after the window slid past old stamps")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 1, Window: time.Minute, Enabled: false})
	defer l.Close()

	for i := 0; i < 10; i++ {
		if d := l.Allow("k"); !d.Allowed {
			t.Fatal("disabled limiter must allow everything")
		}
	}
}

func TestLimiter_SweepRemovesEmptyKeys(t *testing.T) {
	l, now := newTestLimiter(Config{MaxRequests: 3, Window: time.Minute, Enabled: true})
	defer l.Close()

	l.Allow("gone")
	l.Allow("kept")

	*now = now.Add(2 * time.Minute)
	l.Allow("kept") // fresh stamp survives the sweep
	l.sweep()

	if l.Len() != 1 {
		t.Errorf("expected 1 tracked key after sweep, got %d", l.Len())
	}
}

func TestLimiter_ConcurrentSameKey(t *testing.T) {
	l, _ := newTestLimiter(Config{MaxRequests: 50, Window: time.Minute, Enabled: true})
	defer l.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("expected exactly 50 admissions, got %d", allowed)
	}
}

func TestCompositeKey(t *testing.T) {
	if got := CompositeKey("provider", "anthropic", "user-1"); got != "provider:anthropic:user-1" {
		t.Errorf("CompositeKey = %q", got)
	}
}
