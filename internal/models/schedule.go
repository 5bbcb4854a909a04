package models

import (
	"fmt"
	"time"
)

// ScheduleType selects which definition fields are required.
type ScheduleType string

const (
	TypeOneTime      ScheduleType = "one_time"
	TypeInterval     ScheduleType = "interval"
	TypeCalendarRule ScheduleType = "calendar_rule"
	TypeConditional  ScheduleType = "conditional"
)

// ScheduleState enumerates schedule lifecycle states persisted in Postgres.
type ScheduleState string

const (
	StateActive    ScheduleState = "active"
	StatePaused    ScheduleState = "paused"
	StateCanceled  ScheduleState = "canceled"
	StateArchived  ScheduleState = "archived"
	StateCompleted ScheduleState = "completed"
)

// Terminal reports whether a schedule state is one-way.
func (s ScheduleState) Terminal() bool {
	switch s {
	case StateCanceled, StateArchived, StateCompleted:
		return true
	}
	return false
}

// IntervalUnit is the unit for interval and conditional-cadence definitions.
type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitWeeks   IntervalUnit = "weeks"
)

// Duration converts a count of units into a time.Duration.
func (u IntervalUnit) Duration(count int) (time.Duration, error) {
	var base time.Duration
	switch u {
	case UnitSeconds:
		base = time.Second
	case UnitMinutes:
		base = time.Minute
	case UnitHours:
		base = time.Hour
	case UnitDays:
		base = 24 * time.Hour
	case UnitWeeks:
		base = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown interval unit %q", u)
	}
	return time.Duration(count) * base, nil
}

// Definition holds the type-specific trigger fields. Exactly one group is
// populated, selected by the schedule's Type: RunAt for one_time, Every+Unit
// for interval, CronExpr for calendar_rule, Predicate+Cadence for conditional.
type Definition struct {
	RunAt        *time.Time           `json:"run_at,omitempty"`
	Every        int                  `json:"every,omitempty"`
	Unit         IntervalUnit         `json:"unit,omitempty"`
	CronExpr     string               `json:"cron_expr,omitempty"`
	Predicate    *PredicateDefinition `json:"predicate,omitempty"`
	CadenceEvery int                  `json:"cadence_every,omitempty"`
	CadenceUnit  IntervalUnit         `json:"cadence_unit,omitempty"`
}

// Schedule is the mutable record of when a TaskIntent should run.
type Schedule struct {
	ID                   string           `json:"id"`
	TaskIntentID         string           `json:"task_intent_id"`
	Type                 ScheduleType     `json:"schedule_type"`
	Definition           Definition       `json:"definition"`
	Timezone             string           `json:"timezone,omitempty"`
	State                ScheduleState    `json:"state"`
	NextRunAt            *time.Time       `json:"next_run_at,omitempty"`
	LastRunAt            *time.Time       `json:"last_run_at,omitempty"`
	LastRunStatus        *ExecutionStatus `json:"last_run_status,omitempty"`
	LastEvaluationStatus *PredicateStatus `json:"last_evaluation_status,omitempty"`
	FailureCount         int              `json:"failure_count"`
	NextExecutionID      *string          `json:"next_execution_id,omitempty"`
	Version              int              `json:"version"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// CanTransition reports whether a schedule state change is allowed.
// active and paused toggle freely; canceled, archived and completed are
// terminal and never re-enter active.
func CanTransition(from, to ScheduleState) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	switch to {
	case StateActive:
		return from == StatePaused
	case StatePaused:
		return from == StateActive
	case StateCanceled, StateArchived, StateCompleted:
		return from == StateActive || from == StatePaused
	}
	return false
}
