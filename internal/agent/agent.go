// Package agent defines the invocation boundary between the dispatcher and
// the external agent that actually performs scheduled work.
package agent

import (
	"context"
	"time"

	"automation-scheduler/internal/models"
)

// IntentRef is the task-intent slice of an invocation request.
type IntentRef struct {
	Summary         string  `json:"summary"`
	Details         *string `json:"details,omitempty"`
	OriginReference *string `json:"origin_reference,omitempty"`
}

// ScheduleRef is the schedule metadata slice of an invocation request.
type ScheduleRef struct {
	ScheduleType  models.ScheduleType     `json:"schedule_type"`
	Timezone      string                  `json:"timezone,omitempty"`
	Definition    models.Definition       `json:"definition"`
	NextRunAt     *time.Time              `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time              `json:"last_run_at,omitempty"`
	LastRunStatus *models.ExecutionStatus `json:"last_run_status,omitempty"`
}

// Metadata carries per-invocation trigger details.
type Metadata struct {
	ActualStartedAt time.Time            `json:"actual_started_at"`
	TriggerSource   models.TriggerSource `json:"trigger_source"`
	CallbackID      *string              `json:"callback_id,omitempty"`
}

// InvocationRequest binds the intent, schedule, execution attempt, and the
// constrained actor context into one envelope for the agent.
type InvocationRequest struct {
	Execution    models.Execution    `json:"execution"`
	TaskIntent   IntentRef           `json:"task_intent"`
	Schedule     ScheduleRef         `json:"schedule"`
	ActorContext models.ActorContext `json:"actor_context"`
	Metadata     Metadata            `json:"execution_metadata"`
}

// RetryHint lets the agent suggest retry timing; the dispatcher remains the
// sole authority on whether a retry happens.
type RetryHint struct {
	RetryAfter time.Time              `json:"retry_after"`
	Backoff    models.BackoffStrategy `json:"backoff_strategy,omitempty"`
}

// OutcomeError carries a typed agent-side failure.
type OutcomeError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
}

// Outcome is the agent's terminal (or deferral) response for one attempt.
type Outcome struct {
	Status             models.ExecutionStatus `json:"status"`
	ResultCode         string                 `json:"result_code"`
	Message            string                 `json:"message,omitempty"`
	AttentionRequired  bool                   `json:"attention_required"`
	SideEffectsSummary string                 `json:"side_effects_summary,omitempty"`
	RetryHint          *RetryHint             `json:"retry_hint,omitempty"`
	Error              *OutcomeError          `json:"error,omitempty"`
}

// Invoker is implemented by agent transports. Invoke blocks until the agent
// reports a terminal outcome or a deferral; transport failures are returned
// as errors and classified by the dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, req InvocationRequest) (Outcome, error)
}
