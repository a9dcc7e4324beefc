// Package schedule computes trigger times for five-field cron expressions.
// It never dispatches anything.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/supporttools/dbsavr/pkg/errdefs"
)

// Parse validates a standard cron expression (minute hour dom month dow).
// A CRON_TZ= or TZ= prefix selects the evaluation time zone.
func Parse(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errdefs.NewConfigurationError("cron_expression", "invalid cron expression %q: %v", expr, err)
	}
	return sched, nil
}

// Next returns the first trigger strictly after now. When both day-of-month
// and day-of-week are restricted, a day matching either field triggers.
func Next(expr string, now time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

// NextN returns up to n consecutive trigger times after now. n < 1 yields
// no times.
func NextN(expr string, now time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, nil
	}
	times := make([]time.Time, 0, n)
	t := now
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		times = append(times, t)
	}
	return times, nil
}
