package schedule

import (
	"testing"
	"time"
)

func TestCronDescriptor_EveryFiveMinutes(t *testing.T) {
	d, err := NewCron("*/5 * * * *", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2024, 1, 1, 2, 3, 0, 0, time.UTC)
	next, ok := d.Next(from)
	if !ok {
		t.Fatalf("expected ok")
	}
	want := time.Date(2024, 1, 1, 2, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestCronDescriptor_DefaultsToUTC(t *testing.T) {
	d, err := NewCron("0 9 * * 1-5", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Location != nil {
		t.Fatalf("expected nil Location to mean UTC default")
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // a Monday
	next, ok := d.Next(from)
	if !ok {
		t.Fatalf("expected ok")
	}
	if next.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", next.Location())
	}
	if next.Hour() != 9 || next.Weekday() != time.Monday {
		t.Fatalf("next = %v, want Monday 09:00", next)
	}
}

func TestCronDescriptor_InvalidExpression(t *testing.T) {
	if _, err := NewCron("not a cron", nil); err == nil {
		t.Fatalf("expected error for invalid cron expression")
	}
}
