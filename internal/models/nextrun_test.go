package models

import (
	"testing"
	"time"
)

func TestNextRunOneTime(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	runAt := now.Add(time.Hour)
	sched := Schedule{Type: TypeOneTime, Definition: Definition{RunAt: &runAt}}

	next, err := sched.NextRun(now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if next == nil || !next.Equal(runAt) {
		t.Fatalf("next = %v, want %s", next, runAt)
	}

	next, err = sched.NextRun(runAt)
	if err != nil {
		t.Fatalf("next run at boundary: %v", err)
	}
	if next != nil {
		t.Fatalf("fulfilled one_time returned %s", next)
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sched := Schedule{Type: TypeInterval, Definition: Definition{Every: 45, Unit: UnitMinutes}}

	next, err := sched.NextRun(now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := now.Add(45 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestNextRunCalendarRuleHonorsTimezone(t *testing.T) {
	// Saturday 09:00 UTC. The rule fires weekday mornings in New York, which
	// is UTC-4 in mid-March, so the next fire is Monday 13:00 UTC.
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sched := Schedule{
		Type:       TypeCalendarRule,
		Timezone:   "America/New_York",
		Definition: Definition{CronExpr: "0 9 * * 1-5"},
	}

	next, err := sched.NextRun(now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 16, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}

	sched.Timezone = "Not/AZone"
	if _, err := sched.NextRun(now); err == nil {
		t.Fatalf("expected error for unknown timezone")
	}
}

func TestNextRunConditionalCadence(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	sched := Schedule{
		Type:       TypeConditional,
		Definition: Definition{CadenceEvery: 10, CadenceUnit: UnitMinutes},
	}

	next, err := sched.NextRun(now)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := now.Add(10 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}

func TestIntervalUnitDuration(t *testing.T) {
	cases := []struct {
		unit  IntervalUnit
		count int
		want  time.Duration
	}{
		{UnitSeconds, 30, 30 * time.Second},
		{UnitMinutes, 5, 5 * time.Minute},
		{UnitHours, 2, 2 * time.Hour},
		{UnitDays, 1, 24 * time.Hour},
		{UnitWeeks, 2, 14 * 24 * time.Hour},
	}
	for _, tc := range cases {
		got, err := tc.unit.Duration(tc.count)
		if err != nil {
			t.Fatalf("%s: %v", tc.unit, err)
		}
		if got != tc.want {
			t.Fatalf("%s x%d = %s, want %s", tc.unit, tc.count, got, tc.want)
		}
	}
	if _, err := IntervalUnit("months").Duration(1); err == nil {
		t.Fatalf("expected error for unknown unit")
	}
}
