package markethours

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler invokes a reset at every session start.
type Scheduler struct {
	cal    *Calendar
	logger *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	// OnReset is called after each reset with the session start it served.
	OnReset func(session time.Time)
}

// NewScheduler creates a scheduler over cal (Default when nil).
func NewScheduler(cal *Calendar, logger *zap.Logger) *Scheduler {
	if cal == nil {
		cal = Default
	}
	return &Scheduler{cal: cal, logger: logger, now: time.Now, after: time.After}
}

// Next returns the session start the scheduler will fire at next.
func (s *Scheduler) Next() time.Time {
	return s.cal.NextSessionStart(s.now())
}

// Run calls reset at each pre-open until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, reset func()) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.now()
		next := s.cal.NextSessionStart(now)
		s.logger.Info("next session reset scheduled",
			zap.Time("at", next),
			zap.Duration("in", next.Sub(now).Truncate(time.Second)),
			zap.String("status", s.cal.StatusString(now)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.after(next.Sub(now)):
		}

		reset()
		s.logger.Info("session reset", zap.Time("session", next))
		if s.OnReset != nil {
			s.OnReset(next)
		}
	}
}
