// Package audit appends immutable records for every schedule mutation,
// dispatcher step, and predicate evaluation. Records are never updated or
// deleted by application logic.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/models"
	"automation-scheduler/internal/store"
)

// Logger records audit rows through the store. Append failures are logged and
// do not fail the operation being audited.
type Logger struct {
	store store.Store
	log   zerolog.Logger
}

func New(st store.Store, log zerolog.Logger) *Logger {
	return &Logger{store: st, log: log}
}

// ScheduleAction records one command-service mutation with actor attribution.
func (l *Logger) ScheduleAction(ctx context.Context, scheduleID, action string, actor models.ActorContext, detail string) {
	rec := models.ScheduleAudit{
		ID:         uuid.New().String(),
		ScheduleID: scheduleID,
		Action:     action,
		ActorType:  actor.ActorType,
		ActorID:    actor.ActorID,
		Channel:    actor.Channel,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
	if err := l.store.AppendScheduleAudit(ctx, rec); err != nil {
		l.log.Error().Err(err).Str("schedule_id", scheduleID).Str("action", action).Msg("append schedule audit failed")
	}
}

// ExecutionStep records one dispatcher step for an execution.
func (l *Logger) ExecutionStep(ctx context.Context, exec models.Execution, actor models.ActorContext, errorCode string, attention bool) {
	var errMsg string
	if exec.Error != nil {
		errMsg = *exec.Error
	}
	rec := models.ExecutionAudit{
		ID:                uuid.New().String(),
		ExecutionID:       exec.ID,
		ScheduleID:        exec.ScheduleID,
		TaskIntentID:      exec.TaskIntentID,
		CorrelationID:     exec.CorrelationID,
		CallbackID:        exec.CallbackID,
		ActorType:         actor.ActorType,
		ActorID:           actor.ActorID,
		Channel:           actor.Channel,
		ScheduledFor:      exec.ScheduledFor,
		ActualStartedAt:   exec.StartedAt,
		FinishedAt:        exec.FinishedAt,
		Status:            exec.Status,
		AttemptNumber:     exec.AttemptNumber,
		MaxAttempts:       exec.MaxAttempts,
		RetryBackoff:      exec.Backoff,
		NextRetryAt:       exec.RetryAfter,
		ResultCode:        exec.ResultCode,
		ErrorCode:         errorCode,
		ErrorMessage:      errMsg,
		AttentionRequired: attention,
		RecordedAt:        time.Now().UTC(),
	}
	if err := l.store.AppendExecutionAudit(ctx, rec); err != nil {
		l.log.Error().Err(err).Str("execution_id", exec.ID).Str("status", string(exec.Status)).Msg("append execution audit failed")
	}
}

// PredicateEvaluation records one evaluator call, successful or not.
func (l *Logger) PredicateEvaluation(ctx context.Context, sched models.Schedule, pred models.PredicateDefinition,
	evalTime time.Time, res models.PredicateEvaluationResult, actor models.ActorContext,
	providerName string, providerAttempt int, correlationID string) {

	errCode := ""
	if res.Status == models.PredicateError {
		errCode = res.ResultCode
	}
	rec := models.PredicateAudit{
		ID:              uuid.New().String(),
		ScheduleID:      sched.ID,
		TaskIntentID:    sched.TaskIntentID,
		ActorType:       actor.ActorType,
		ActorID:         actor.ActorID,
		Channel:         actor.Channel,
		Subject:         pred.Subject,
		Operator:        pred.Operator,
		Value:           pred.Value,
		ValueType:       pred.ValueType,
		EvaluationTime:  evalTime,
		EvaluatedAt:     res.EvaluatedAt,
		Status:          res.Status,
		ResultCode:      res.ResultCode,
		ErrorCode:       errCode,
		ErrorMessage:    res.Error,
		ObservedValue:   res.ObservedValue,
		ProviderName:    providerName,
		ProviderAttempt: providerAttempt,
		CorrelationID:   correlationID,
		RecordedAt:      time.Now().UTC(),
	}
	if err := l.store.AppendPredicateAudit(ctx, rec); err != nil {
		l.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("append predicate audit failed")
	}
}
