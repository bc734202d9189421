package pipeline

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nightwatchci/nightwatch/config"
	"github.com/nightwatchci/nightwatch/errors"
)

// Schedule wraps a parsed five-field cron expression.
type Schedule struct {
	Expr     string
	schedule cron.Schedule
}

// ParseSchedule parses and validates a standard five-field cron expression.
// An empty expression falls back to the daily default (00:00 UTC).
func ParseSchedule(expr string) (*Schedule, error) {
	if expr == "" {
		expr = config.DefaultSchedule
	}

	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidSpec,
			errors.Wrapf(err, "bad cron expression %q", expr).Error())
	}

	return &Schedule{Expr: expr, schedule: sched}, nil
}

// Next returns the next activation time strictly after t.
//
// Next is always computed from the caller's "now", never from the previous
// next_run_at: a daemon that was down across several windows catches up with
// a single run instead of replaying every missed occurrence.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}
