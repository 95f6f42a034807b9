// Package ratelimit implements the per-identity sliding window limiter shared
// by every front-end.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultLimit      = 100
	DefaultWindow     = time.Hour
	DefaultIdentities = 100000
)

// ExceededError is returned when an identity has used its quota for the
// current window.
type ExceededError struct {
	Identity   string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s, retry after %s",
		e.Limit, e.Window, e.RetryAfter.Round(time.Second))
}

type Config struct {
	Limit  int
	Window time.Duration
	// MaxIdentities bounds the identity table; least recently seen
	// identities are dropped first.
	MaxIdentities int
}

// Limiter tracks request timestamps per identity. All operations take one
// lock, so check-and-record is atomic per identity.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history *lru.Cache[string, []time.Time]
}

func New(config Config) (*Limiter, error) {
	if config.Limit <= 0 {
		config.Limit = DefaultLimit
	}
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.MaxIdentities <= 0 {
		config.MaxIdentities = DefaultIdentities
	}
	history, err := lru.New[string, []time.Time](config.MaxIdentities)
	if err != nil {
		return nil, fmt.Errorf("create identity table: %w", err)
	}
	return &Limiter{limit: config.Limit, window: config.Window, history: history}, nil
}

func (l *Limiter) Limit() int { return l.limit }

func (l *Limiter) Window() time.Duration { return l.window }

// CheckAndRecord admits one request for identity at now, or returns an
// *ExceededError without recording it.
func (l *Limiter) CheckAndRecord(identity string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.live(identity, now)
	if len(times) >= l.limit {
		l.history.Add(identity, times)
		return &ExceededError{
			Identity:   identity,
			Limit:      l.limit,
			Window:     l.window,
			RetryAfter: times[0].Add(l.window).Sub(now),
		}
	}
	l.history.Add(identity, append(times, now))
	return nil
}

// Remaining reports how many requests identity may still make at now.
func (l *Limiter) Remaining(identity string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	times, ok := l.history.Peek(identity)
	if !ok {
		return l.limit
	}
	n := len(expire(times, now, l.window))
	if n >= l.limit {
		return 0
	}
	return l.limit - n
}

// Sweep drops identities with no requests left inside the window and returns
// how many were removed.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, identity := range l.history.Keys() {
		times, ok := l.history.Peek(identity)
		if !ok {
			continue
		}
		if len(expire(times, now, l.window)) == 0 {
			l.history.Remove(identity)
			removed++
		}
	}
	return removed
}

// Identities is the number of identities currently tracked.
func (l *Limiter) Identities() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.history.Len()
}

func (l *Limiter) live(identity string, now time.Time) []time.Time {
	times, _ := l.history.Get(identity)
	return expire(times, now, l.window)
}

// expire returns the suffix of times still inside the window ending at now.
// A timestamp exactly window old has expired.
func expire(times []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= window {
		i++
	}
	if i == 0 {
		return times
	}
	return append([]time.Time(nil), times[i:]...)
}
