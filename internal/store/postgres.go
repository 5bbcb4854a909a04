package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"automation-scheduler/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Postgres) CreateTaskIntent(ctx context.Context, intent models.TaskIntent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_intents (id, summary, details, origin_reference, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, intent.ID, intent.Summary, intent.Details, intent.OriginReference, intent.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task intent: %w", err)
	}
	return nil
}

func (s *Postgres) GetTaskIntent(ctx context.Context, id string) (models.TaskIntent, error) {
	var intent models.TaskIntent
	var details, origin pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, summary, details, origin_reference, created_at
		FROM task_intents WHERE id = $1
	`, id).Scan(&intent.ID, &intent.Summary, &details, &origin, &intent.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskIntent{}, fmt.Errorf("task intent %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.TaskIntent{}, fmt.Errorf("scan task intent: %w", err)
	}
	intent.Details = textPtr(details)
	intent.OriginReference = textPtr(origin)
	return intent, nil
}

func (s *Postgres) CreateSchedule(ctx context.Context, sched models.Schedule) error {
	def, err := json.Marshal(sched.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO schedules (id, task_intent_id, schedule_type, definition, timezone, state,
			next_run_at, failure_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 1, $8, $8)
	`, sched.ID, sched.TaskIntentID, sched.Type, def, sched.Timezone, sched.State,
		tsArg(sched.NextRunAt), sched.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

const scheduleColumns = `id, task_intent_id, schedule_type, definition, timezone, state,
	next_run_at, last_run_at, last_run_status, last_evaluation_status,
	failure_count, next_execution_id, version, created_at, updated_at`

func (s *Postgres) GetSchedule(ctx context.Context, id string) (models.Schedule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, models.ErrNotFound)
	}
	return sched, err
}

func (s *Postgres) UpdateSchedule(ctx context.Context, sched models.Schedule) error {
	def, err := json.Marshal(sched.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules
		SET schedule_type = $2, definition = $3, timezone = $4, state = $5,
			next_run_at = $6, last_run_at = $7, last_run_status = $8,
			last_evaluation_status = $9, failure_count = $10, next_execution_id = $11,
			version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, sched.ID, sched.Type, def, sched.Timezone, sched.State,
		tsArg(sched.NextRunAt), tsArg(sched.LastRunAt),
		statusArg(sched.LastRunStatus), predStatusArg(sched.LastEvaluationStatus),
		sched.FailureCount, sched.NextExecutionID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", sched.ID, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) ListSchedules(ctx context.Context, state models.ScheduleState) ([]models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at`
	args := []any{}
	if state != "" {
		query = `SELECT ` + scheduleColumns + ` FROM schedules WHERE state = $1 ORDER BY created_at`
		args = append(args, state)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var out []models.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateExecution(ctx context.Context, exec models.Execution) (models.Execution, bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, schedule_id, task_intent_id, scheduled_for, attempt_number,
			max_attempts, backoff_strategy, retry_after, correlation_id, callback_id, status,
			started_at, finished_at, result_code, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		ON CONFLICT ON CONSTRAINT uq_executions_schedule_due DO NOTHING
	`, exec.ID, exec.ScheduleID, exec.TaskIntentID, exec.ScheduledFor.UTC(), exec.AttemptNumber,
		exec.MaxAttempts, exec.Backoff, tsArg(exec.RetryAfter), exec.CorrelationID, exec.CallbackID,
		exec.Status, tsArg(exec.StartedAt), tsArg(exec.FinishedAt), exec.ResultCode, exec.Error,
		exec.CreatedAt.UTC())
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another worker won the insert; fetch what it wrote.
		existing, found, err := s.GetExecutionByKey(ctx, exec.ScheduleID, exec.ScheduledFor)
		if err != nil {
			return models.Execution{}, false, err
		}
		if !found {
			return models.Execution{}, false, errors.New("execution conflict but no existing row found")
		}
		return existing, false, nil
	}
	return exec, true, nil
}

const executionColumns = `id, schedule_id, task_intent_id, scheduled_for, attempt_number,
	max_attempts, backoff_strategy, retry_after, correlation_id, callback_id, status,
	started_at, finished_at, result_code, error, created_at, updated_at`

func (s *Postgres) GetExecution(ctx context.Context, id string) (models.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	return exec, err
}

func (s *Postgres) GetExecutionByKey(ctx context.Context, scheduleID string, scheduledFor time.Time) (models.Execution, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE schedule_id = $1 AND scheduled_for = $2
	`, scheduleID, scheduledFor.UTC())
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, false, nil
	}
	if err != nil {
		return models.Execution{}, false, err
	}
	return exec, true, nil
}

func (s *Postgres) GetExecutionByCallback(ctx context.Context, callbackID string) (models.Execution, bool, error) {
	var execID string
	err := s.pool.QueryRow(ctx, `
		SELECT execution_id FROM execution_callbacks WHERE callback_id = $1
	`, callbackID).Scan(&execID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Execution{}, false, nil
	}
	if err != nil {
		return models.Execution{}, false, fmt.Errorf("query callback binding: %w", err)
	}
	exec, err := s.GetExecution(ctx, execID)
	if err != nil {
		return models.Execution{}, false, err
	}
	return exec, true, nil
}

func (s *Postgres) ClaimExecution(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $2, started_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.ExecRunning, startedAt.UTC(), models.ExecQueued)
	if err != nil {
		return false, fmt.Errorf("claim execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) UpdateExecution(ctx context.Context, exec models.Execution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET attempt_number = $2, backoff_strategy = $3, retry_after = $4, callback_id = $5,
			status = $6, started_at = $7, finished_at = $8, result_code = $9, error = $10,
			updated_at = NOW()
		WHERE id = $1
	`, exec.ID, exec.AttemptNumber, exec.Backoff, tsArg(exec.RetryAfter), exec.CallbackID,
		exec.Status, tsArg(exec.StartedAt), tsArg(exec.FinishedAt), exec.ResultCode, exec.Error)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", exec.ID, models.ErrNotFound)
	}
	return nil
}

func (s *Postgres) BindCallback(ctx context.Context, executionID, callbackID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_callbacks (callback_id, execution_id)
		VALUES ($1, $2)
		ON CONFLICT (callback_id) DO NOTHING
	`, callbackID, executionID)
	if err != nil {
		return fmt.Errorf("bind callback: %w", err)
	}
	return nil
}

func (s *Postgres) ListExecutions(ctx context.Context, scheduleID string) ([]models.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE schedule_id = $1 ORDER BY scheduled_for
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendScheduleAudit(ctx context.Context, rec models.ScheduleAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_audit (id, schedule_id, action, actor_type, actor_id, channel, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ScheduleID, rec.Action, rec.ActorType, rec.ActorID, rec.Channel, rec.Detail, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert schedule audit: %w", err)
	}
	return nil
}

func (s *Postgres) AppendExecutionAudit(ctx context.Context, rec models.ExecutionAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO execution_audit (id, execution_id, schedule_id, task_intent_id, correlation_id,
			callback_id, actor_type, actor_id, channel, scheduled_for, actual_started_at, finished_at,
			status, attempt_number, max_attempts, retry_backoff_strategy, next_retry_at, result_code,
			error_code, error_message, attention_required, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`, rec.ID, rec.ExecutionID, rec.ScheduleID, rec.TaskIntentID, rec.CorrelationID,
		rec.CallbackID, rec.ActorType, rec.ActorID, rec.Channel, rec.ScheduledFor.UTC(),
		tsArg(rec.ActualStartedAt), tsArg(rec.FinishedAt), rec.Status, rec.AttemptNumber,
		rec.MaxAttempts, rec.RetryBackoff, tsArg(rec.NextRetryAt), rec.ResultCode,
		rec.ErrorCode, rec.ErrorMessage, rec.AttentionRequired, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert execution audit: %w", err)
	}
	return nil
}

func (s *Postgres) AppendPredicateAudit(ctx context.Context, rec models.PredicateAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO predicate_audit (id, schedule_id, task_intent_id, actor_type, actor_id, channel,
			predicate_subject, predicate_operator, predicate_value, predicate_value_type,
			evaluation_time, evaluated_at, status, result_code, error_code, error_message,
			observed_value, provider_name, provider_attempt, correlation_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, rec.ID, rec.ScheduleID, rec.TaskIntentID, rec.ActorType, rec.ActorID, rec.Channel,
		rec.Subject, rec.Operator, rec.Value, rec.ValueType,
		rec.EvaluationTime.UTC(), rec.EvaluatedAt.UTC(), rec.Status, rec.ResultCode,
		rec.ErrorCode, rec.ErrorMessage, rec.ObservedValue, rec.ProviderName,
		rec.ProviderAttempt, rec.CorrelationID, rec.RecordedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert predicate audit: %w", err)
	}
	return nil
}

func (s *Postgres) ListPredicateAudits(ctx context.Context, scheduleID string) ([]models.PredicateAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, schedule_id, task_intent_id, actor_type, actor_id, channel,
			predicate_subject, predicate_operator, predicate_value, predicate_value_type,
			evaluation_time, evaluated_at, status, result_code, error_code, error_message,
			observed_value, provider_name, provider_attempt, correlation_id, recorded_at
		FROM predicate_audit WHERE schedule_id = $1 ORDER BY recorded_at
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list predicate audits: %w", err)
	}
	defer rows.Close()
	var out []models.PredicateAudit
	for rows.Next() {
		var rec models.PredicateAudit
		var observed pgtype.Text
		if err := rows.Scan(&rec.ID, &rec.ScheduleID, &rec.TaskIntentID, &rec.ActorType, &rec.ActorID,
			&rec.Channel, &rec.Subject, &rec.Operator, &rec.Value, &rec.ValueType,
			&rec.EvaluationTime, &rec.EvaluatedAt, &rec.Status, &rec.ResultCode,
			&rec.ErrorCode, &rec.ErrorMessage, &observed, &rec.ProviderName,
			&rec.ProviderAttempt, &rec.CorrelationID, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan predicate audit: %w", err)
		}
		rec.ObservedValue = textPtr(observed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Postgres) TerminalExecutionAudits(ctx context.Context, afterAt time.Time, afterID string, limit int) ([]models.ExecutionAudit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, schedule_id, task_intent_id, correlation_id, callback_id,
			actor_type, actor_id, channel, scheduled_for, actual_started_at, finished_at,
			status, attempt_number, max_attempts, retry_backoff_strategy, next_retry_at,
			result_code, error_code, error_message, attention_required, recorded_at
		FROM execution_audit
		WHERE (recorded_at > $1 OR (recorded_at = $1 AND id > $2)) AND status IN ($3, $4)
		ORDER BY recorded_at, id
		LIMIT $5
	`, afterAt.UTC(), afterID, models.ExecSuccess, models.ExecFailure, limit)
	if err != nil {
		return nil, fmt.Errorf("list terminal execution audits: %w", err)
	}
	defer rows.Close()
	var out []models.ExecutionAudit
	for rows.Next() {
		var rec models.ExecutionAudit
		var callback pgtype.Text
		var started, finished, nextRetry pgtype.Timestamptz
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.ScheduleID, &rec.TaskIntentID,
			&rec.CorrelationID, &callback, &rec.ActorType, &rec.ActorID, &rec.Channel,
			&rec.ScheduledFor, &started, &finished, &rec.Status, &rec.AttemptNumber,
			&rec.MaxAttempts, &rec.RetryBackoff, &nextRetry, &rec.ResultCode,
			&rec.ErrorCode, &rec.ErrorMessage, &rec.AttentionRequired, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan execution audit: %w", err)
		}
		rec.CallbackID = textPtr(callback)
		rec.ActualStartedAt = tsPtr(started)
		rec.FinishedAt = tsPtr(finished)
		rec.NextRetryAt = tsPtr(nextRetry)
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (models.Schedule, error) {
	var sched models.Schedule
	var def []byte
	var nextRun, lastRun pgtype.Timestamptz
	var lastStatus, lastEval, nextExec pgtype.Text

	if err := row.Scan(&sched.ID, &sched.TaskIntentID, &sched.Type, &def, &sched.Timezone,
		&sched.State, &nextRun, &lastRun, &lastStatus, &lastEval,
		&sched.FailureCount, &nextExec, &sched.Version, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Schedule{}, err
		}
		return models.Schedule{}, fmt.Errorf("scan schedule: %w", err)
	}
	if err := json.Unmarshal(def, &sched.Definition); err != nil {
		return models.Schedule{}, fmt.Errorf("unmarshal definition: %w", err)
	}
	sched.NextRunAt = tsPtr(nextRun)
	sched.LastRunAt = tsPtr(lastRun)
	if lastStatus.Valid {
		st := models.ExecutionStatus(lastStatus.String)
		sched.LastRunStatus = &st
	}
	if lastEval.Valid {
		st := models.PredicateStatus(lastEval.String)
		sched.LastEvaluationStatus = &st
	}
	sched.NextExecutionID = textPtr(nextExec)
	return sched, nil
}

func scanExecution(row rowScanner) (models.Execution, error) {
	var exec models.Execution
	var retryAfter, started, finished pgtype.Timestamptz
	var callback, execErr pgtype.Text

	if err := row.Scan(&exec.ID, &exec.ScheduleID, &exec.TaskIntentID, &exec.ScheduledFor,
		&exec.AttemptNumber, &exec.MaxAttempts, &exec.Backoff, &retryAfter,
		&exec.CorrelationID, &callback, &exec.Status, &started, &finished,
		&exec.ResultCode, &execErr, &exec.CreatedAt, &exec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Execution{}, err
		}
		return models.Execution{}, fmt.Errorf("scan execution: %w", err)
	}
	exec.RetryAfter = tsPtr(retryAfter)
	exec.CallbackID = textPtr(callback)
	exec.StartedAt = tsPtr(started)
	exec.FinishedAt = tsPtr(finished)
	exec.Error = textPtr(execErr)
	return exec, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		utc := t.Time.UTC()
		return &utc
	}
	return nil
}

func tsArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func statusArg(s *models.ExecutionStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func predStatusArg(s *models.PredicateStatus) any {
	if s == nil {
		return nil
	}
	return string(*s)
}
