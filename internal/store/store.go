package store

import (
	"context"
	"time"

	"automation-scheduler/internal/models"
)

// Store is the durable record of intents, schedules, executions and audit
// rows. The dispatcher relies on CreateExecution's create-if-absent-else-fetch
// semantics (backed by a unique constraint, not an in-process mutex) so that
// multiple dispatcher workers stay idempotent under at-least-once delivery.
type Store interface {
	CreateTaskIntent(ctx context.Context, intent models.TaskIntent) error
	GetTaskIntent(ctx context.Context, id string) (models.TaskIntent, error)

	CreateSchedule(ctx context.Context, sched models.Schedule) error
	GetSchedule(ctx context.Context, id string) (models.Schedule, error)
	// UpdateSchedule writes the full mutable row and bumps version/updated_at.
	UpdateSchedule(ctx context.Context, sched models.Schedule) error
	ListSchedules(ctx context.Context, state models.ScheduleState) ([]models.Schedule, error)

	// CreateExecution inserts the execution unless a row already exists for
	// (schedule_id, scheduled_for); the existing row is returned with
	// created=false in that case.
	CreateExecution(ctx context.Context, exec models.Execution) (models.Execution, bool, error)
	GetExecution(ctx context.Context, id string) (models.Execution, error)
	GetExecutionByKey(ctx context.Context, scheduleID string, scheduledFor time.Time) (models.Execution, bool, error)
	GetExecutionByCallback(ctx context.Context, callbackID string) (models.Execution, bool, error)
	// ClaimExecution atomically moves a queued execution to running. It
	// reports false when another worker already holds the attempt; exactly
	// one concurrent claimer wins.
	ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error)
	UpdateExecution(ctx context.Context, exec models.Execution) error
	// BindCallback maps a provider callback id onto an execution so later
	// re-deliveries resolve to the same row. Binding the same id twice is a
	// no-op.
	BindCallback(ctx context.Context, executionID, callbackID string) error
	ListExecutions(ctx context.Context, scheduleID string) ([]models.Execution, error)

	AppendScheduleAudit(ctx context.Context, rec models.ScheduleAudit) error
	AppendExecutionAudit(ctx context.Context, rec models.ExecutionAudit) error
	AppendPredicateAudit(ctx context.Context, rec models.PredicateAudit) error
	ListPredicateAudits(ctx context.Context, scheduleID string) ([]models.PredicateAudit, error)
	// TerminalExecutionAudits returns audit rows for terminal executions past
	// the (recordedAt, id) keyset cursor, ordered by recorded_at then id.
	// The id tiebreak keeps rows sharing a recorded_at resumable. Consumed by
	// the archiver.
	TerminalExecutionAudits(ctx context.Context, afterAt time.Time, afterID string, limit int) ([]models.ExecutionAudit, error)
}
