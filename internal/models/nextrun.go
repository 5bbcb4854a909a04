package models

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes the next trigger time strictly after the given instant.
// Calendar rules are evaluated in the schedule's timezone. A nil time with a
// nil error means the schedule has no further runs (a fulfilled one_time).
func (s *Schedule) NextRun(after time.Time) (*time.Time, error) {
	switch s.Type {
	case TypeOneTime:
		if s.Definition.RunAt == nil {
			return nil, Invalid("definition.run_at", "required for one_time schedules")
		}
		if s.Definition.RunAt.After(after) {
			t := s.Definition.RunAt.UTC()
			return &t, nil
		}
		return nil, nil

	case TypeInterval:
		d, err := s.Definition.Unit.Duration(s.Definition.Every)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, Invalid("definition.every", "must be positive")
		}
		t := after.Add(d).UTC()
		return &t, nil

	case TypeCalendarRule:
		loc := time.UTC
		if s.Timezone != "" {
			var err error
			loc, err = time.LoadLocation(s.Timezone)
			if err != nil {
				return nil, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
			}
		}
		sched, err := cron.ParseStandard(s.Definition.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse calendar rule %q: %w", s.Definition.CronExpr, err)
		}
		t := sched.Next(after.In(loc)).UTC()
		return &t, nil

	case TypeConditional:
		d, err := s.Definition.CadenceUnit.Duration(s.Definition.CadenceEvery)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, Invalid("definition.cadence_every", "must be positive")
		}
		t := after.Add(d).UTC()
		return &t, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", s.Type)
}

// ValidateCalendarRule checks a cron expression without building a schedule.
func ValidateCalendarRule(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}
