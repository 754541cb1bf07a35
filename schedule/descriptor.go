// Package schedule implements EverTask's recurring schedule descriptors —
// cron expressions and fluent interval builders — plus the drift-free
// rescheduling algorithm the executor uses to compute a recurring task's
// next occurrence.
package schedule

import "time"

// Descriptor is a pure, deterministic, side-effect-free function mapping a
// reference instant to the next occurrence strictly after it. ok is false
// only when the descriptor's own stop conditions (if any) are exhausted;
// task-level max_runs/run_until_utc are enforced by the caller, not here.
type Descriptor interface {
	Next(from time.Time) (next time.Time, ok bool)
}

// TimeOfDay is a wall-clock time within a day, used by the day/week/month
// granularity descriptors.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func (t TimeOfDay) addTo(day time.Time) time.Time {
	return day.Add(time.Duration(t.Hour)*time.Hour +
		time.Duration(t.Minute)*time.Minute +
		time.Duration(t.Second)*time.Second)
}

func sortedTimes(times []TimeOfDay) []TimeOfDay {
	if len(times) == 0 {
		return []TimeOfDay{{}}
	}
	out := make([]TimeOfDay, len(times))
	copy(out, times)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && toSeconds(out[j]) < toSeconds(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func toSeconds(t TimeOfDay) int { return t.Hour*3600 + t.Minute*60 + t.Second }

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// dayIndex is the count of whole days since the Unix epoch, used to anchor
// "every N days/weeks" cadences to a fixed, deterministic reference point
// rather than the arbitrary instant a task happened to be first dispatched.
func dayIndex(t time.Time) int64 {
	return t.Unix() / 86400
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}
