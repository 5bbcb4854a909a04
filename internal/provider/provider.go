// Package provider defines the adapter boundary between the scheduling domain
// and a concrete timer/queue backend. Domain code holds no backend handles;
// task IDs, queue names and ETA semantics live entirely inside an adapter.
package provider

import (
	"context"
	"time"

	"automation-scheduler/internal/models"
)

// Adapter translates provider-agnostic schedule operations into one backend's
// primitives. All operations are idempotent. Failures are retriable transport
// errors; an adapter never translates them into domain state changes and
// never decides retry policy for the underlying task.
type Adapter interface {
	Name() string
	RegisterSchedule(ctx context.Context, scheduleID string, fireAt time.Time) error
	UpdateSchedule(ctx context.Context, scheduleID string, fireAt time.Time) error
	PauseSchedule(ctx context.Context, scheduleID string) error
	ResumeSchedule(ctx context.Context, scheduleID string, fireAt time.Time) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	// ScheduleRetry asks the backend to fire again at retryAt for a deferred
	// attempt. The due time identifying the execution stays scheduledFor.
	ScheduleRetry(ctx context.Context, scheduleID string, scheduledFor, retryAt time.Time) error
}

// Handler consumes canonical callbacks when the backend fires. Returned
// errors are treated as delivery failures and re-delivered by the adapter;
// they never carry domain meaning.
type Handler interface {
	HandleCallback(ctx context.Context, cb models.CallbackPayload) error
}
