package models

import "time"

// Operator is a comparison applied by the predicate evaluator.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpGt      Operator = "gt"
	OpGte     Operator = "gte"
	OpLt      Operator = "lt"
	OpLte     Operator = "lte"
	OpExists  Operator = "exists"
	OpMatches Operator = "matches"
)

// ValueType declares how a predicate's value and the observed subject value
// are coerced before comparison.
type ValueType string

const (
	ValueString    ValueType = "string"
	ValueNumber    ValueType = "number"
	ValueBoolean   ValueType = "boolean"
	ValueTimestamp ValueType = "timestamp"
)

// PredicateDefinition is the condition gating a conditional schedule.
// Immutable once the schedule is created; changing it is a schedule update.
type PredicateDefinition struct {
	Subject   string            `json:"subject"`
	Operator  Operator          `json:"operator"`
	Value     string            `json:"value,omitempty"`
	ValueType ValueType         `json:"value_type"`
	Context   map[string]string `json:"context,omitempty"`
}

// PredicateStatus is the tri-state outcome of an evaluation. Errors are
// explicit and never coerced to false.
type PredicateStatus string

const (
	PredicateTrue  PredicateStatus = "true"
	PredicateFalse PredicateStatus = "false"
	PredicateError PredicateStatus = "error"
)

// Result codes emitted by the predicate evaluator.
const (
	PredicateOK               = "ok"
	ErrCodeInvalidPredicate   = "invalid_predicate"
	ErrCodeSubjectNotFound    = "subject_not_found"
	ErrCodeOperatorNotSupport = "operator_not_supported"
	ErrCodeValueTypeMismatch  = "value_type_mismatch"
	ErrCodeForbidden          = "forbidden"
	ErrCodeEvaluationFailed   = "evaluation_failed"
	ErrCodeTimeout            = "timeout"
)

// PredicateEvaluationResult is ephemeral; it is persisted only as an audit row.
type PredicateEvaluationResult struct {
	Status        PredicateStatus `json:"status"`
	ResultCode    string          `json:"result_code"`
	ObservedValue *string         `json:"observed_value,omitempty"`
	EvaluatedAt   time.Time       `json:"evaluated_at"`
	Error         string          `json:"error,omitempty"`
}
