package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newLimiter(t *testing.T, limit int, window time.Duration) *Limiter {
	t.Helper()
	l, err := New(Config{Limit: limit, Window: window})
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l
}

func TestLimiterRejectsOverLimit(t *testing.T) {
	l := newLimiter(t, 3, time.Hour)
	for i := 0; i < 3; i++ {
		if err := l.CheckAndRecord("alice", base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	err := l.CheckAndRecord("alice", base.Add(10*time.Minute))
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if exceeded.Limit != 3 || exceeded.Window != time.Hour {
		t.Fatalf("unexpected error fields: %+v", exceeded)
	}
	if exceeded.RetryAfter != 50*time.Minute {
		t.Fatalf("expected retry after 50m, got %s", exceeded.RetryAfter)
	}
	if got := l.Remaining("alice", base.Add(10*time.Minute)); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
	// Other identities are unaffected.
	if err := l.CheckAndRecord("bob", base.Add(10*time.Minute)); err != nil {
		t.Fatalf("bob: %v", err)
	}
}

func TestLimiterRejectionIsNotRecorded(t *testing.T) {
	l := newLimiter(t, 1, time.Hour)
	if err := l.CheckAndRecord("alice", base); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		if err := l.CheckAndRecord("alice", base.Add(time.Duration(i)*time.Minute)); err == nil {
			t.Fatalf("request %d should be rejected", i)
		}
	}
	// Only the first request counts, so the quota frees one window after it.
	if err := l.CheckAndRecord("alice", base.Add(time.Hour)); err != nil {
		t.Fatalf("expected quota to free after window: %v", err)
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	l := newLimiter(t, 2, time.Hour)
	_ = l.CheckAndRecord("alice", base)
	_ = l.CheckAndRecord("alice", base.Add(30*time.Minute))

	if err := l.CheckAndRecord("alice", base.Add(59*time.Minute)); err == nil {
		t.Fatal("expected rejection inside window")
	}
	if err := l.CheckAndRecord("alice", base.Add(60*time.Minute)); err != nil {
		t.Fatalf("oldest entry exactly one window old should have expired: %v", err)
	}
	if got := l.Remaining("alice", base.Add(60*time.Minute)); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
	if got := l.Remaining("alice", base.Add(3*time.Hour)); got != 2 {
		t.Fatalf("expected full quota, got %d", got)
	}
}

func TestLimiterRemainingUnknownIdentity(t *testing.T) {
	l := newLimiter(t, 0, 0)
	if got := l.Remaining("nobody", base); got != DefaultLimit {
		t.Fatalf("expected %d, got %d", DefaultLimit, got)
	}
	if l.Window() != DefaultWindow {
		t.Fatalf("expected default window, got %s", l.Window())
	}
}

func TestLimiterConcurrentAdmissions(t *testing.T) {
	l := newLimiter(t, 50, time.Hour)
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.CheckAndRecord("shared", base) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 50 {
		t.Fatalf("expected exactly 50 admissions, got %d", admitted)
	}
}

func TestLimiterSweep(t *testing.T) {
	l := newLimiter(t, 5, time.Hour)
	_ = l.CheckAndRecord("old", base)
	_ = l.CheckAndRecord("recent", base.Add(50*time.Minute))

	if removed := l.Sweep(base.Add(70 * time.Minute)); removed != 1 {
		t.Fatalf("expected 1 identity removed, got %d", removed)
	}
	if l.Identities() != 1 {
		t.Fatalf("expected 1 identity tracked, got %d", l.Identities())
	}
}

func TestLimiterIdentityTableBounded(t *testing.T) {
	l, err := New(Config{Limit: 5, Window: time.Hour, MaxIdentities: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b", "c"} {
		_ = l.CheckAndRecord(id, base)
	}
	if l.Identities() != 2 {
		t.Fatalf("expected table capped at 2, got %d", l.Identities())
	}
}

func TestSweeperSchedule(t *testing.T) {
	l := newLimiter(t, 5, time.Hour)
	s, err := NewSweeper(l, "", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if next := s.Next(base.Add(time.Minute)); !next.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("unexpected next run %s", next)
	}

	_ = l.CheckAndRecord("old", base)
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if removed := s.RunOnce(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	if _, err := NewSweeper(l, "not a schedule", nil); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	l := newLimiter(t, 5, time.Hour)
	s, err := NewSweeper(l, "* * * * *", zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
