package schedule

import "testing"
import "time"

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

// S1 — drift-free: Hourly schedule EveryHours(1, at_minute=0), base =
// 2024-01-01T02:00:00Z, execution completes at 02:45:00Z. Expect next =
// 03:00:00Z; no skip audit.
func TestNextValid_DriftFree(t *testing.T) {
	d := EveryHours(1, 0)
	base := mustUTC(t, "2024-01-01T02:00:00Z")
	now := mustUTC(t, "2024-01-01T02:45:00Z")

	next, skipped, ok, err := NextValid(d, base, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	want := mustUTC(t, "2024-01-01T03:00:00Z")
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if len(skipped) != 0 {
		t.Fatalf("expected no skips, got %v", skipped)
	}
}

// S2 — skip after downtime: same schedule, base = 02:00:00Z, now =
// 05:30:00Z. Expect next = 06:00:00Z, skip audit = [03:00, 04:00, 05:00].
func TestNextValid_SkipAfterDowntime(t *testing.T) {
	d := EveryHours(1, 0)
	base := mustUTC(t, "2024-01-01T02:00:00Z")
	now := mustUTC(t, "2024-01-01T05:30:00Z")

	next, skipped, ok, err := NextValid(d, base, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true")
	}
	want := mustUTC(t, "2024-01-01T06:00:00Z")
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	wantSkipped := []time.Time{
		mustUTC(t, "2024-01-01T03:00:00Z"),
		mustUTC(t, "2024-01-01T04:00:00Z"),
		mustUTC(t, "2024-01-01T05:00:00Z"),
	}
	if len(skipped) != len(wantSkipped) {
		t.Fatalf("skipped = %v, want %v", skipped, wantSkipped)
	}
	for i := range wantSkipped {
		if !skipped[i].Equal(wantSkipped[i]) {
			t.Fatalf("skipped[%d] = %v, want %v", i, skipped[i], wantSkipped[i])
		}
	}
}

func TestNextValid_ZeroPeriodIsMisconfiguration(t *testing.T) {
	zero := staticDescriptor{fixed: mustUTC(t, "2024-01-01T02:00:00Z")}
	base := mustUTC(t, "2024-01-01T02:00:00Z")

	_, _, ok, err := NextValid(zero, base, base)
	if ok {
		t.Fatalf("expected ok=false for zero-period descriptor")
	}
	if err == nil {
		t.Fatalf("expected error for zero-period descriptor")
	}
}

type staticDescriptor struct{ fixed time.Time }

func (s staticDescriptor) Next(from time.Time) (time.Time, bool) { return s.fixed, true }

func TestWithinStopConditions(t *testing.T) {
	maxRuns := 3
	runUntil := mustUTC(t, "2024-01-01T00:00:00Z")

	if WithinStopConditions(mustUTC(t, "2023-12-31T23:00:00Z"), 4, &maxRuns, nil) {
		t.Fatalf("expected false once run count exceeds max_runs")
	}
	if WithinStopConditions(mustUTC(t, "2024-01-02T00:00:00Z"), 1, nil, &runUntil) {
		t.Fatalf("expected false once next occurrence is past run_until_utc")
	}
	if !WithinStopConditions(mustUTC(t, "2023-12-31T00:00:00Z"), 1, &maxRuns, &runUntil) {
		t.Fatalf("expected true when within both bounds")
	}
}
