package models

import "time"

// ScheduleAudit records one command-service mutation with actor attribution.
type ScheduleAudit struct {
	ID         string    `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	Action     string    `json:"action"`
	ActorType  string    `json:"actor_type"`
	ActorID    string    `json:"actor_id"`
	Channel    string    `json:"channel"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ExecutionAudit records one dispatcher step for an execution.
type ExecutionAudit struct {
	ID                 string          `json:"id"`
	ExecutionID        string          `json:"execution_id"`
	ScheduleID         string          `json:"schedule_id"`
	TaskIntentID       string          `json:"task_intent_id"`
	CorrelationID      string          `json:"correlation_id"`
	CallbackID         *string         `json:"callback_id,omitempty"`
	ActorType          string          `json:"actor_type"`
	ActorID            string          `json:"actor_id"`
	Channel            string          `json:"channel"`
	ScheduledFor       time.Time       `json:"scheduled_for"`
	ActualStartedAt    *time.Time      `json:"actual_started_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	Status             ExecutionStatus `json:"status"`
	AttemptNumber      int             `json:"attempt_number"`
	MaxAttempts        int             `json:"max_attempts"`
	RetryBackoff       BackoffStrategy `json:"retry_backoff_strategy"`
	NextRetryAt        *time.Time      `json:"next_retry_at,omitempty"`
	ResultCode         string          `json:"result_code,omitempty"`
	ErrorCode          string          `json:"error_code,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	AttentionRequired  bool            `json:"attention_required"`
	RecordedAt         time.Time       `json:"recorded_at"`
}

// PredicateAudit records one predicate evaluation, successful or not.
type PredicateAudit struct {
	ID              string          `json:"evaluation_id"`
	ScheduleID      string          `json:"schedule_id"`
	TaskIntentID    string          `json:"task_intent_id"`
	ActorType       string          `json:"actor_type"`
	ActorID         string          `json:"actor_id"`
	Channel         string          `json:"channel"`
	Subject         string          `json:"predicate_subject"`
	Operator        Operator        `json:"predicate_operator"`
	Value           string          `json:"predicate_value,omitempty"`
	ValueType       ValueType       `json:"predicate_value_type"`
	EvaluationTime  time.Time       `json:"evaluation_time"`
	EvaluatedAt     time.Time       `json:"evaluated_at"`
	Status          PredicateStatus `json:"status"`
	ResultCode      string          `json:"result_code"`
	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ObservedValue   *string         `json:"observed_value,omitempty"`
	ProviderName    string          `json:"provider_name,omitempty"`
	ProviderAttempt int             `json:"provider_attempt,omitempty"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	RecordedAt      time.Time       `json:"recorded_at"`
}
