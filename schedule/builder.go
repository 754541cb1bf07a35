package schedule

import "time"

// FirstRun selects how a recurring registration's very first occurrence is
// computed, independent of the recurring cadence that follows it.
type FirstRun int

const (
	// FirstRunFromSchedule computes the first occurrence via the
	// descriptor's own Next(now), same as every later occurrence.
	FirstRunFromSchedule FirstRun = iota
	// FirstRunNow runs once immediately, then continues on the cadence.
	FirstRunNow
	// FirstRunDelayed runs once after a fixed delay, then continues on the
	// cadence.
	FirstRunDelayed
	// FirstRunAt runs once at a fixed instant, then continues on the
	// cadence.
	FirstRunAt
)

// Builder assembles a recurring registration fluently: a descriptor plus
// first-run override and stop conditions.
type Builder struct {
	descriptor Descriptor

	firstRun      FirstRun
	delayedBy     time.Duration
	at            time.Time
	maxRuns       *int
	runUntilUTC   *time.Time
}

func NewBuilder(d Descriptor) *Builder {
	return &Builder{descriptor: d, firstRun: FirstRunFromSchedule}
}

func (b *Builder) RunNow() *Builder {
	b.firstRun = FirstRunNow
	return b
}

func (b *Builder) RunDelayed(d time.Duration) *Builder {
	b.firstRun = FirstRunDelayed
	b.delayedBy = d
	return b
}

func (b *Builder) RunAt(t time.Time) *Builder {
	b.firstRun = FirstRunAt
	b.at = t
	return b
}

func (b *Builder) MaxRuns(n int) *Builder {
	b.maxRuns = &n
	return b
}

func (b *Builder) RunUntil(t time.Time) *Builder {
	b.runUntilUTC = &t
	return b
}

// Descriptor returns the underlying schedule descriptor.
func (b *Builder) Descriptor() Descriptor { return b.descriptor }

// MaxRunsValue returns the configured max-runs stop condition, if any.
func (b *Builder) MaxRunsValue() *int { return b.maxRuns }

// RunUntilValue returns the configured run-until stop condition, if any.
func (b *Builder) RunUntilValue() *time.Time { return b.runUntilUTC }

// FirstOccurrence computes the first scheduled time for this registration,
// given the current instant now.
func (b *Builder) FirstOccurrence(now time.Time) (time.Time, bool) {
	switch b.firstRun {
	case FirstRunNow:
		return now, true
	case FirstRunDelayed:
		return now.Add(b.delayedBy), true
	case FirstRunAt:
		return b.at, true
	default:
		return b.descriptor.Next(now)
	}
}
