package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronDescriptor wraps the five-field Unix cron form (minute hour
// day-of-month month day-of-week), with `*/n`, ranges, and comma-lists.
// Location defaults to UTC when nil, per the engine's standardized default;
// callers needing host-local cron must set it explicitly.
type CronDescriptor struct {
	Expression string
	Location   *time.Location

	schedule cron.Schedule
}

// NewCron parses expr immediately so malformed expressions fail at
// registration time rather than at the first scheduling attempt.
func NewCron(expr string, loc *time.Location) (*CronDescriptor, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return &CronDescriptor{Expression: expr, Location: loc, schedule: sched}, nil
}

// Next implements Descriptor.
func (c *CronDescriptor) Next(from time.Time) (time.Time, bool) {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	next := c.schedule.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}
