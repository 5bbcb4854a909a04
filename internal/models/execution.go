package models

import "time"

// ExecutionStatus enumerates execution lifecycle states.
const (
	ExecQueued   ExecutionStatus = "queued"
	ExecRunning  ExecutionStatus = "running"
	ExecSuccess  ExecutionStatus = "success"
	ExecFailure  ExecutionStatus = "failure"
	ExecDeferred ExecutionStatus = "deferred"
)

type ExecutionStatus string

// Terminal reports whether the execution can no longer change state.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailure
}

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffNone        BackoffStrategy = "none"
)

// Execution is one concrete, idempotent attempt to fulfill a Schedule at a
// specific due time. It is uniquely identified by (schedule_id, scheduled_for)
// and, when callback-driven, by callback_id; re-delivery of the same callback
// must resolve to the same row.
type Execution struct {
	ID            string          `json:"id"`
	ScheduleID    string          `json:"schedule_id"`
	TaskIntentID  string          `json:"task_intent_id"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	AttemptNumber int             `json:"attempt_number"`
	MaxAttempts   int             `json:"max_attempts"`
	Backoff       BackoffStrategy `json:"backoff_strategy"`
	RetryAfter    *time.Time      `json:"retry_after,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	CallbackID    *string         `json:"callback_id,omitempty"`
	Status        ExecutionStatus `json:"status"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	ResultCode    string          `json:"result_code,omitempty"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TriggerSource records what caused an execution to be created.
type TriggerSource string

const (
	TriggerSchedulerCallback TriggerSource = "scheduler_callback"
	TriggerRunNow            TriggerSource = "run_now"
)
