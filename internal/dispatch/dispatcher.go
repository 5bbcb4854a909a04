// Package dispatch is the orchestration core: it validates inbound provider
// callbacks, creates executions idempotently, gates conditional schedules on
// their predicate, invokes the agent, and advances schedule state.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/agent"
	"automation-scheduler/internal/audit"
	"automation-scheduler/internal/models"
	"automation-scheduler/internal/predicate"
	"automation-scheduler/internal/provider"
	"automation-scheduler/internal/store"
	"automation-scheduler/internal/telemetry"
)

// Options bound the dispatcher's policy decisions.
type Options struct {
	// DriftTolerance rejects callbacks whose scheduled_for strays further
	// than this from their delivery time.
	DriftTolerance time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	AgentTimeout   time.Duration
}

// Dispatcher may run as multiple concurrent workers; idempotency comes from
// the store's unique (schedule_id, scheduled_for) constraint, not from locks
// held here.
type Dispatcher struct {
	store     store.Store
	provider  provider.Adapter
	evaluator *predicate.Evaluator
	agent     agent.Invoker
	audit     *audit.Logger
	log       zerolog.Logger
	opts      Options

	now func() time.Time
}

var _ provider.Handler = (*Dispatcher)(nil)

func New(st store.Store, prov provider.Adapter, eval *predicate.Evaluator, inv agent.Invoker, aud *audit.Logger, log zerolog.Logger, opts Options) *Dispatcher {
	if opts.DriftTolerance <= 0 {
		opts.DriftTolerance = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 10 * time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 15 * time.Minute
	}
	if opts.AgentTimeout <= 0 {
		opts.AgentTimeout = 2 * time.Minute
	}
	return &Dispatcher{
		store:     st,
		provider:  prov,
		evaluator: eval,
		agent:     inv,
		audit:     aud,
		log:       log,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetProvider breaks the construction cycle between the dispatcher and an
// adapter that delivers callbacks into it. Call before dispatching.
func (d *Dispatcher) SetProvider(prov provider.Adapter) {
	d.provider = prov
}

// HandleCallback adapts Dispatch onto the provider handler contract.
// Permanent rejections return nil so the adapter does not re-deliver; only
// transport-level failures propagate as errors.
func (d *Dispatcher) HandleCallback(ctx context.Context, cb models.CallbackPayload) error {
	_, err := d.Dispatch(ctx, cb)
	if err != nil && !permanent(err) {
		return err
	}
	if err != nil {
		d.log.Warn().Err(err).Str("schedule_id", cb.ScheduleID).Str("callback_id", cb.CallbackID).Msg("callback rejected")
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrTerminalState) ||
		errors.Is(err, models.ErrDriftExceeded)
}

// Dispatch runs the full callback pipeline. A nil execution with a nil error
// means the trigger was deliberately suppressed (paused schedule, or a
// conditional whose predicate did not hold).
func (d *Dispatcher) Dispatch(ctx context.Context, cb models.CallbackPayload) (*models.Execution, error) {
	telemetry.TriggersReceived.Inc()

	// Replay gate: a duplicate callback_id resolves to the stored outcome
	// without re-invoking anything.
	if existing, found, err := d.store.GetExecutionByCallback(ctx, cb.CallbackID); err != nil {
		return nil, fmt.Errorf("lookup callback: %w", err)
	} else if found {
		telemetry.CallbackReplays.Inc()
		d.log.Debug().Str("callback_id", cb.CallbackID).Str("execution_id", existing.ID).Msg("replayed callback")
		return &existing, nil
	}

	sched, err := d.store.GetSchedule(ctx, cb.ScheduleID)
	if err != nil {
		return nil, err
	}
	if sched.State.Terminal() {
		return nil, fmt.Errorf("schedule %s is %s: %w", sched.ID, sched.State, models.ErrTerminalState)
	}
	// Drift is measured against when this delivery was supposed to fire. A
	// retry keeps the original scheduled_for but fires at retry_after, so a
	// pending retry's execution supplies the reference time.
	expected := cb.ScheduledFor
	if pending, found, err := d.store.GetExecutionByKey(ctx, cb.ScheduleID, cb.ScheduledFor); err != nil {
		return nil, fmt.Errorf("lookup execution: %w", err)
	} else if found && !pending.Status.Terminal() && pending.RetryAfter != nil {
		expected = *pending.RetryAfter
	}
	if drift := absDuration(cb.EmittedAt.Sub(expected)); drift > d.opts.DriftTolerance {
		return nil, fmt.Errorf("callback drift %s exceeds tolerance %s: %w", drift, d.opts.DriftTolerance, models.ErrDriftExceeded)
	}
	if sched.State == models.StatePaused {
		// Pause suppresses the trigger; in-flight executions were unaffected.
		return nil, nil
	}

	actor := models.ScheduledActor(cb.ProviderTraceID)

	if sched.Type == models.TypeConditional {
		proceed, err := d.predicateGate(ctx, &sched, cb, actor)
		if err != nil {
			return nil, err
		}
		if !proceed {
			return nil, nil
		}
	}

	exec, err := d.ensureExecution(ctx, sched, cb.ScheduledFor, &cb.CallbackID, actor)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		// Duplicate natural trigger for an already-finished due time.
		return &exec, nil
	}

	meta := agent.Metadata{
		ActualStartedAt: d.now(),
		TriggerSource:   models.TriggerSchedulerCallback,
		CallbackID:      &cb.CallbackID,
	}
	return d.runExecution(ctx, sched, exec, actor, meta, true)
}

// RunNow creates an out-of-band execution immediately. It is the only path
// allowed to target a paused schedule, and it never advances next_run_at.
func (d *Dispatcher) RunNow(ctx context.Context, scheduleID string, actor models.ActorContext) (*models.Execution, error) {
	sched, err := d.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sched.State.Terminal() {
		return nil, fmt.Errorf("schedule %s is %s: %w", sched.ID, sched.State, models.ErrTerminalState)
	}

	exec, err := d.ensureExecution(ctx, sched, d.now(), nil, actor)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return &exec, nil
	}
	meta := agent.Metadata{
		ActualStartedAt: d.now(),
		TriggerSource:   models.TriggerRunNow,
	}
	return d.runExecution(ctx, sched, exec, actor, meta, false)
}

// predicateGate evaluates a conditional schedule. It reports whether an
// execution should be created; on false or error the schedule stays active
// and its cadence advances so evaluation happens again.
func (d *Dispatcher) predicateGate(ctx context.Context, sched *models.Schedule, cb models.CallbackPayload, actor models.ActorContext) (bool, error) {
	pred := sched.Definition.Predicate
	if pred == nil {
		return false, fmt.Errorf("conditional schedule %s has no predicate: %w", sched.ID, models.ErrNotFound)
	}

	evalTime := cb.ScheduledFor
	res := d.evaluator.Evaluate(ctx, *pred, evalTime, actor)
	telemetry.PredicateEvaluations.WithLabelValues(string(res.Status)).Inc()
	d.audit.PredicateEvaluation(ctx, *sched, *pred, evalTime, res, actor, cb.ProviderName, cb.ProviderAttempt, actor.TraceID)

	status := res.Status
	sched.LastEvaluationStatus = &status
	if res.Status == models.PredicateTrue {
		if err := d.store.UpdateSchedule(ctx, *sched); err != nil {
			return false, fmt.Errorf("record evaluation status: %w", err)
		}
		return true, nil
	}

	// false and error both leave the schedule active with no execution.
	if err := d.advanceSchedule(ctx, sched, nil); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Dispatcher) ensureExecution(ctx context.Context, sched models.Schedule, scheduledFor time.Time, callbackID *string, actor models.ActorContext) (models.Execution, error) {
	now := d.now()
	candidate := models.Execution{
		ID:            uuid.New().String(),
		ScheduleID:    sched.ID,
		TaskIntentID:  sched.TaskIntentID,
		ScheduledFor:  scheduledFor.UTC(),
		AttemptNumber: 1,
		MaxAttempts:   d.opts.MaxAttempts,
		Backoff:       models.BackoffExponential,
		CorrelationID: uuid.New().String(),
		CallbackID:    callbackID,
		Status:        models.ExecQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	exec, created, err := d.store.CreateExecution(ctx, candidate)
	if err != nil {
		return models.Execution{}, fmt.Errorf("create execution: %w", err)
	}
	if callbackID != nil {
		if err := d.store.BindCallback(ctx, exec.ID, *callbackID); err != nil {
			return models.Execution{}, err
		}
	}
	if created {
		sched.NextExecutionID = &exec.ID
		if err := d.store.UpdateSchedule(ctx, sched); err != nil {
			return models.Execution{}, fmt.Errorf("link execution: %w", err)
		}
		d.audit.ExecutionStep(ctx, exec, actor, "", false)
	}
	return exec, nil
}

// runExecution drives one attempt: mark running, invoke the agent under the
// dispatcher timeout, and interpret the outcome.
func (d *Dispatcher) runExecution(ctx context.Context, sched models.Schedule, exec models.Execution, actor models.ActorContext, meta agent.Metadata, advance bool) (*models.Execution, error) {
	intent, err := d.store.GetTaskIntent(ctx, exec.TaskIntentID)
	if err != nil {
		return nil, err
	}

	// Claim the attempt before invoking: under at-least-once delivery two
	// workers can reach here with distinct callback_ids for the same row, and
	// only the claim winner may call the agent.
	started := d.now()
	claimed, err := d.store.ClaimExecution(ctx, exec.ID, started)
	if err != nil {
		return nil, fmt.Errorf("claim execution: %w", err)
	}
	if !claimed {
		current, err := d.store.GetExecution(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		return &current, nil
	}
	exec.Status = models.ExecRunning
	exec.StartedAt = &started
	telemetry.ExecutionsInFlight.Inc()
	defer telemetry.ExecutionsInFlight.Dec()
	d.audit.ExecutionStep(ctx, exec, actor, "", false)

	req := agent.InvocationRequest{
		Execution: exec,
		TaskIntent: agent.IntentRef{
			Summary:         intent.Summary,
			Details:         intent.Details,
			OriginReference: intent.OriginReference,
		},
		Schedule: agent.ScheduleRef{
			ScheduleType:  sched.Type,
			Timezone:      sched.Timezone,
			Definition:    sched.Definition,
			NextRunAt:     sched.NextRunAt,
			LastRunAt:     sched.LastRunAt,
			LastRunStatus: sched.LastRunStatus,
		},
		ActorContext: actor,
		Metadata:     meta,
	}

	ictx, cancel := context.WithTimeout(ctx, d.opts.AgentTimeout)
	outcome, err := d.agent.Invoke(ictx, req)
	cancel()
	if err != nil {
		// Transport failures and timeouts are retriable up to max_attempts.
		outcome = agent.Outcome{
			Status:     models.ExecDeferred,
			ResultCode: "agent_unreachable",
			Error:      &agent.OutcomeError{Code: "transport_error", Message: err.Error()},
		}
	}

	return d.applyOutcome(ctx, sched, exec, actor, outcome, advance)
}

func (d *Dispatcher) applyOutcome(ctx context.Context, sched models.Schedule, exec models.Execution, actor models.ActorContext, outcome agent.Outcome, advance bool) (*models.Execution, error) {
	now := d.now()
	exec.ResultCode = outcome.ResultCode
	errCode := ""
	if outcome.Error != nil {
		errCode = outcome.Error.Code
		msg := outcome.Error.Message
		exec.Error = &msg
	}

	switch outcome.Status {
	case models.ExecSuccess:
		exec.Status = models.ExecSuccess
		exec.FinishedAt = &now
		exec.RetryAfter = nil
		if err := d.store.UpdateExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("mark success: %w", err)
		}
		telemetry.ExecutionOutcomes.WithLabelValues("success").Inc()
		d.audit.ExecutionStep(ctx, exec, actor, errCode, outcome.AttentionRequired)
		if err := d.settleSchedule(ctx, &sched, exec, advance); err != nil {
			return nil, err
		}
		return &exec, nil

	case models.ExecDeferred:
		if exec.AttemptNumber < exec.MaxAttempts {
			delay := retryDelay(exec.Backoff, d.opts.BackoffBase, d.opts.BackoffCap, exec.AttemptNumber)
			if outcome.RetryHint != nil && outcome.RetryHint.RetryAfter.After(now) {
				delay = outcome.RetryHint.RetryAfter.Sub(now)
			}
			retryAt := now.Add(delay)
			exec.RetryAfter = &retryAt
			// The deferred step is audit-visible even though the row
			// re-queues immediately.
			exec.Status = models.ExecDeferred
			d.audit.ExecutionStep(ctx, exec, actor, errCode, outcome.AttentionRequired)
			exec.Status = models.ExecQueued
			exec.AttemptNumber++
			if err := d.store.UpdateExecution(ctx, exec); err != nil {
				return nil, fmt.Errorf("mark deferred: %w", err)
			}
			telemetry.ExecutionOutcomes.WithLabelValues("deferred").Inc()
			telemetry.RetriesScheduled.Inc()
			d.audit.ExecutionStep(ctx, exec, actor, errCode, outcome.AttentionRequired)
			// Retry is asynchronous: hand the time to the adapter and return.
			if err := d.provider.ScheduleRetry(ctx, sched.ID, exec.ScheduledFor, retryAt); err != nil {
				d.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("schedule retry with provider")
			}
			return &exec, nil
		}
		// Attempts exhausted; the deferral becomes a terminal failure.
		exec.ResultCode = "attempts_exhausted"
		return d.failExecution(ctx, sched, exec, actor, errCode, outcome.AttentionRequired, advance, now)

	case models.ExecFailure:
		return d.failExecution(ctx, sched, exec, actor, errCode, outcome.AttentionRequired, advance, now)
	}
	return nil, fmt.Errorf("agent returned unknown outcome status %q", outcome.Status)
}

func (d *Dispatcher) failExecution(ctx context.Context, sched models.Schedule, exec models.Execution, actor models.ActorContext, errCode string, attention bool, advance bool, now time.Time) (*models.Execution, error) {
	exec.Status = models.ExecFailure
	exec.FinishedAt = &now
	exec.RetryAfter = nil
	if err := d.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("mark failure: %w", err)
	}
	telemetry.ExecutionOutcomes.WithLabelValues("failure").Inc()
	d.audit.ExecutionStep(ctx, exec, actor, errCode, attention)
	if err := d.settleSchedule(ctx, &sched, exec, advance); err != nil {
		return nil, err
	}
	return &exec, nil
}

// settleSchedule records run bookkeeping after a terminal execution and, for
// natural triggers, advances the next fire time.
func (d *Dispatcher) settleSchedule(ctx context.Context, sched *models.Schedule, exec models.Execution, advance bool) error {
	status := exec.Status
	sched.LastRunAt = &exec.ScheduledFor
	sched.LastRunStatus = &status
	sched.NextExecutionID = nil
	if status == models.ExecSuccess {
		sched.FailureCount = 0
	} else {
		sched.FailureCount++
	}
	if !advance {
		return d.store.UpdateSchedule(ctx, *sched)
	}
	return d.advanceSchedule(ctx, sched, &exec)
}

// advanceSchedule computes the next fire time and tells the adapter when to
// fire again; a one_time schedule with no further runs completes.
func (d *Dispatcher) advanceSchedule(ctx context.Context, sched *models.Schedule, _ *models.Execution) error {
	next, err := sched.NextRun(d.now())
	if err != nil {
		return fmt.Errorf("compute next run: %w", err)
	}
	if next == nil {
		sched.State = models.StateCompleted
		sched.NextRunAt = nil
		if err := d.store.UpdateSchedule(ctx, *sched); err != nil {
			return fmt.Errorf("complete schedule: %w", err)
		}
		if err := d.provider.DeleteSchedule(ctx, sched.ID); err != nil {
			d.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("delete completed schedule with provider")
		}
		return nil
	}
	sched.NextRunAt = next
	if err := d.store.UpdateSchedule(ctx, *sched); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if err := d.provider.RegisterSchedule(ctx, sched.ID, *next); err != nil {
		d.log.Error().Err(err).Str("schedule_id", sched.ID).Msg("register next run with provider")
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
