package schedule

import "time"

// MaxSkips bounds the skip-ahead loop in NextValid against a misconfigured
// descriptor (e.g. a cadence shorter than the engine's downtime) spinning
// forever.
const MaxSkips = 1000

// ErrZeroPeriod is returned when a descriptor's Next is not strictly
// greater than the instant it was given — source behavior here is
// undefined; the engine treats it as misconfiguration and fails the task.
type ErrZeroPeriod struct{ At time.Time }

func (e ErrZeroPeriod) Error() string {
	return "schedule: descriptor did not advance past " + e.At.Format(time.RFC3339)
}

// NextValid computes a recurring task's next occurrence from the
// *scheduled* (not actual completion) time of the run that just finished,
// eliminating cumulative drift. When resuming after downtime it skips past
// every occurrence that has already elapsed, recording them in the
// returned slice so the caller can emit a skipped-occurrence audit entry.
//
// fromScheduled is the task's scheduled_execution_utc for the run that just
// completed (or now, if there was none — e.g. the registration's first
// occurrence). now is the current instant. Returns ok=false once the
// descriptor itself is exhausted (stop conditions are layered on top by
// the caller via maxRuns/runUntil).
func NextValid(d Descriptor, fromScheduled time.Time, now time.Time) (next time.Time, skipped []time.Time, ok bool, err error) {
	candidate, exists := d.Next(fromScheduled)
	if !exists {
		return time.Time{}, nil, false, nil
	}
	if !candidate.After(fromScheduled) {
		return time.Time{}, nil, false, ErrZeroPeriod{At: fromScheduled}
	}

	skips := 0
	for candidate.Before(now) && skips < MaxSkips {
		skipped = append(skipped, candidate)
		next, exists := d.Next(candidate)
		if !exists {
			return time.Time{}, skipped, false, nil
		}
		if !next.After(candidate) {
			return time.Time{}, skipped, false, ErrZeroPeriod{At: candidate}
		}
		candidate = next
		skips++
	}
	return candidate, skipped, true, nil
}

// WithinStopConditions reports whether next satisfies the task's max_runs
// and run_until_utc stop conditions, given the run count the task will
// have after the run that just finished.
func WithinStopConditions(next time.Time, nextRunCount int, maxRuns *int, runUntilUTC *time.Time) bool {
	if maxRuns != nil && nextRunCount > *maxRuns {
		return false
	}
	if runUntilUTC != nil && next.After(*runUntilUTC) {
		return false
	}
	return true
}
