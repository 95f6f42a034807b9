package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the sweep every five minutes.
const DefaultSweepSchedule = "*/5 * * * *"

// Sweeper periodically removes idle identities from a Limiter on a standard
// 5-field cron schedule.
type Sweeper struct {
	limiter  *Limiter
	schedule cron.Schedule
	spec     string
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(limiter *Limiter, schedule string, logger *zap.Logger) (*Sweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{limiter: limiter, schedule: sched, spec: schedule, logger: logger, now: time.Now}, nil
}

// Next reports when the sweep after t will run.
func (s *Sweeper) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce sweeps immediately and returns the number of identities removed.
func (s *Sweeper) RunOnce() int {
	removed := s.limiter.Sweep(s.now())
	s.logger.Debug("rate limiter sweep",
		zap.Int("removed", removed),
		zap.Int("tracked", s.limiter.Identities()))
	return removed
}

// Run blocks, sweeping on schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("rate limiter sweep scheduled", zap.String("cron", s.spec))
	for {
		now := s.now()
		timer := time.NewTimer(s.schedule.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce()
		}
	}
}
