package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/agent"
	"automation-scheduler/internal/audit"
	"automation-scheduler/internal/models"
	"automation-scheduler/internal/predicate"
	"automation-scheduler/internal/store"
)

type fakeAdapter struct {
	registered map[string]time.Time
	retries    []time.Time
	deleted    []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{registered: make(map[string]time.Time)}
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) RegisterSchedule(_ context.Context, id string, fireAt time.Time) error {
	f.registered[id] = fireAt
	return nil
}
func (f *fakeAdapter) UpdateSchedule(ctx context.Context, id string, fireAt time.Time) error {
	return f.RegisterSchedule(ctx, id, fireAt)
}
func (f *fakeAdapter) PauseSchedule(_ context.Context, _ string) error { return nil }
func (f *fakeAdapter) ResumeSchedule(_ context.Context, _ string, _ time.Time) error {
	return nil
}
func (f *fakeAdapter) DeleteSchedule(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeAdapter) ScheduleRetry(_ context.Context, _ string, _ time.Time, retryAt time.Time) error {
	f.retries = append(f.retries, retryAt)
	return nil
}

type scriptedAgent struct {
	outcomes []agent.Outcome
	calls    int
}

func (a *scriptedAgent) Invoke(_ context.Context, _ agent.InvocationRequest) (agent.Outcome, error) {
	i := a.calls
	a.calls++
	if i >= len(a.outcomes) {
		i = len(a.outcomes) - 1
	}
	return a.outcomes[i], nil
}

func successOutcome() agent.Outcome {
	return agent.Outcome{Status: models.ExecSuccess, ResultCode: "done"}
}

type fixture struct {
	store      *store.Memory
	adapter    *fakeAdapter
	agent      *scriptedAgent
	registry   *predicate.Registry
	dispatcher *Dispatcher
	now        time.Time
}

func newFixture(t *testing.T, outcomes ...agent.Outcome) *fixture {
	t.Helper()
	if len(outcomes) == 0 {
		outcomes = []agent.Outcome{successOutcome()}
	}
	st := store.NewMemory()
	ad := newFakeAdapter()
	ag := &scriptedAgent{outcomes: outcomes}
	reg := predicate.NewRegistry()
	log := zerolog.Nop()
	d := New(st, ad, predicate.NewEvaluator(reg, time.Second, 256), ag, audit.New(st, log), log, Options{
		DriftTolerance: 5 * time.Minute,
		MaxAttempts:    3,
		BackoffBase:    10 * time.Second,
		BackoffCap:     15 * time.Minute,
		AgentTimeout:   time.Second,
	})
	f := &fixture{
		store:      st,
		adapter:    ad,
		agent:      ag,
		registry:   reg,
		dispatcher: d,
		now:        time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	d.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) intent(t *testing.T) models.TaskIntent {
	t.Helper()
	intent := models.TaskIntent{ID: uuid.New().String(), Summary: "water the plants", CreatedAt: f.now}
	if err := f.store.CreateTaskIntent(context.Background(), intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent
}

func (f *fixture) schedule(t *testing.T, sched models.Schedule) models.Schedule {
	t.Helper()
	intent := f.intent(t)
	sched.ID = uuid.New().String()
	sched.TaskIntentID = intent.ID
	sched.CreatedAt = f.now
	sched.UpdatedAt = f.now
	if sched.State == "" {
		sched.State = models.StateActive
	}
	if err := f.store.CreateSchedule(context.Background(), sched); err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	return sched
}

func (f *fixture) oneTime(t *testing.T, runAt time.Time) models.Schedule {
	return f.schedule(t, models.Schedule{
		Type:       models.TypeOneTime,
		Definition: models.Definition{RunAt: &runAt},
	})
}

func (f *fixture) callback(sched models.Schedule, scheduledFor time.Time) models.CallbackPayload {
	return models.CallbackPayload{
		CallbackID:      uuid.New().String(),
		ScheduleID:      sched.ID,
		ScheduledFor:    scheduledFor,
		EmittedAt:       f.now,
		ProviderName:    "fake",
		ProviderAttempt: 1,
	}
}

func TestDuplicateCallbackReplaysStoredOutcome(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(-time.Second)
	sched := f.oneTime(t, due)
	cb := f.callback(sched, due)

	ctx := context.Background()
	first, err := f.dispatcher.Dispatch(ctx, cb)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if first.Status != models.ExecSuccess {
		t.Fatalf("expected success, got %s", first.Status)
	}

	second, err := f.dispatcher.Dispatch(ctx, cb)
	if err != nil {
		t.Fatalf("replay dispatch: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay created a new execution: %s != %s", second.ID, first.ID)
	}
	if f.agent.calls != 1 {
		t.Fatalf("agent invoked %d times, want 1", f.agent.calls)
	}
	execs, _ := f.store.ListExecutions(ctx, sched.ID)
	if len(execs) != 1 {
		t.Fatalf("expected exactly one execution row, got %d", len(execs))
	}
}

func TestSingleFlightPerDueTime(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(-time.Second)
	sched := f.oneTime(t, due)
	ctx := context.Background()

	first, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	// Distinct callback_id, same due time.
	second, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second trigger created a new execution")
	}
	if f.agent.calls != 1 {
		t.Fatalf("agent invoked %d times, want 1", f.agent.calls)
	}
}

func TestExponentialBackoffAndExhaustion(t *testing.T) {
	deferred := agent.Outcome{Status: models.ExecDeferred, ResultCode: "busy"}
	f := newFixture(t, deferred, deferred, deferred)
	due := f.now.Add(-time.Second)
	sched := f.oneTime(t, due)
	ctx := context.Background()

	exec, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if exec.Status != models.ExecQueued || exec.AttemptNumber != 2 {
		t.Fatalf("after attempt 1: status=%s attempt=%d", exec.Status, exec.AttemptNumber)
	}
	if want := f.now.Add(10 * time.Second); !exec.RetryAfter.Equal(want) {
		t.Fatalf("retry_after = %s, want %s", exec.RetryAfter, want)
	}

	exec, err = f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("attempt 2: %v", err)
	}
	if want := f.now.Add(20 * time.Second); !exec.RetryAfter.Equal(want) {
		t.Fatalf("retry_after = %s, want %s", exec.RetryAfter, want)
	}

	exec, err = f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("attempt 3: %v", err)
	}
	if exec.Status != models.ExecFailure {
		t.Fatalf("expected failure after exhaustion, got %s", exec.Status)
	}
	if exec.AttemptNumber > exec.MaxAttempts {
		t.Fatalf("attempt_number %d exceeded max_attempts %d", exec.AttemptNumber, exec.MaxAttempts)
	}
	if exec.ResultCode != "attempts_exhausted" {
		t.Fatalf("result_code = %q", exec.ResultCode)
	}
	if len(f.adapter.retries) != 2 {
		t.Fatalf("provider asked to retry %d times, want 2", len(f.adapter.retries))
	}
}

func TestRetryDeliveryWithLongBackoffIsNotDrift(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	// The agent asks to come back well past the drift tolerance.
	hint := base.Add(10 * time.Minute)
	f := newFixture(t,
		agent.Outcome{Status: models.ExecDeferred, ResultCode: "busy", RetryHint: &agent.RetryHint{RetryAfter: hint}},
		successOutcome(),
	)
	due := f.now.Add(-time.Second)
	sched := f.oneTime(t, due)
	ctx := context.Background()

	exec, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("attempt 1: %v", err)
	}
	if exec.RetryAfter == nil || !exec.RetryAfter.Equal(hint) {
		t.Fatalf("retry_after = %v, want %s", exec.RetryAfter, hint)
	}

	// The provider fires again at retry_after with the original due time.
	f.now = hint
	exec, err = f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	if exec.Status != models.ExecSuccess {
		t.Fatalf("retry status = %s, want success", exec.Status)
	}
	if exec.AttemptNumber != 2 {
		t.Fatalf("attempt = %d, want 2", exec.AttemptNumber)
	}
	if f.agent.calls != 2 {
		t.Fatalf("agent invoked %d times, want 2", f.agent.calls)
	}

	var deferred bool
	for _, rec := range f.store.ExecutionAudits() {
		if rec.Status == models.ExecDeferred {
			deferred = true
		}
	}
	if !deferred {
		t.Fatalf("deferral left no deferred audit row")
	}
}

type blockingAgent struct {
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (a *blockingAgent) Invoke(context.Context, agent.InvocationRequest) (agent.Outcome, error) {
	atomic.AddInt32(&a.calls, 1)
	a.entered <- struct{}{}
	<-a.release
	return successOutcome(), nil
}

func TestConcurrentCallbacksInvokeAgentOnce(t *testing.T) {
	f := newFixture(t)
	blocking := &blockingAgent{entered: make(chan struct{}, 2), release: make(chan struct{})}
	f.dispatcher.agent = blocking
	due := f.now.Add(-time.Second)
	sched := f.oneTime(t, due)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
		done <- err
	}()
	<-blocking.entered

	// Second worker, distinct callback_id, same due time, while the first
	// holds the claim inside the agent call.
	exec, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if exec.Status != models.ExecRunning {
		t.Fatalf("second dispatch returned status %s, want running", exec.Status)
	}

	close(blocking.release)
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if n := atomic.LoadInt32(&blocking.calls); n != 1 {
		t.Fatalf("agent invoked %d times, want 1", n)
	}
	execs, _ := f.store.ListExecutions(ctx, sched.ID)
	if len(execs) != 1 {
		t.Fatalf("expected one execution row, got %d", len(execs))
	}
}

func TestPausedScheduleSuppressesTrigger(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(-time.Second)
	sched := f.schedule(t, models.Schedule{
		Type:       models.TypeInterval,
		Definition: models.Definition{Every: 1, Unit: models.UnitHours},
		State:      models.StatePaused,
	})
	ctx := context.Background()

	exec, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if exec != nil {
		t.Fatalf("paused schedule produced an execution")
	}
	if f.agent.calls != 0 {
		t.Fatalf("agent invoked for a paused schedule")
	}
	execs, _ := f.store.ListExecutions(ctx, sched.ID)
	if len(execs) != 0 {
		t.Fatalf("expected zero executions, got %d", len(execs))
	}
}

func TestConditionalFalseLeavesScheduleActive(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(predicate.Capability{
		Name:     "count_unread",
		ReadOnly: true,
		Resolve: func(context.Context, models.ActorContext, map[string]string) (string, bool, error) {
			return "5", true, nil
		},
	})
	sched := f.schedule(t, models.Schedule{
		Type:     models.TypeConditional,
		Timezone: "UTC",
		Definition: models.Definition{
			Predicate: &models.PredicateDefinition{
				Subject:   "count_unread",
				Operator:  models.OpEq,
				Value:     "0",
				ValueType: models.ValueNumber,
			},
			CadenceEvery: 10,
			CadenceUnit:  models.UnitMinutes,
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exec, err := f.dispatcher.Dispatch(ctx, f.callback(sched, f.now))
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if exec != nil {
			t.Fatalf("false predicate produced an execution")
		}
	}

	got, _ := f.store.GetSchedule(ctx, sched.ID)
	if got.State != models.StateActive {
		t.Fatalf("schedule state = %s, want active", got.State)
	}
	if got.LastEvaluationStatus == nil || *got.LastEvaluationStatus != models.PredicateFalse {
		t.Fatalf("last_evaluation_status not recorded")
	}
	execs, _ := f.store.ListExecutions(ctx, sched.ID)
	if len(execs) != 0 {
		t.Fatalf("expected zero executions, got %d", len(execs))
	}
	audits, _ := f.store.ListPredicateAudits(ctx, sched.ID)
	if len(audits) != 3 {
		t.Fatalf("expected 3 predicate audit rows, got %d", len(audits))
	}
	if f.agent.calls != 0 {
		t.Fatalf("agent invoked despite false predicate")
	}
	if _, ok := f.adapter.registered[sched.ID]; !ok {
		t.Fatalf("cadence not re-registered with provider")
	}
}

func TestConditionalTrueCreatesExecution(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(predicate.Capability{
		Name:     "count_unread",
		ReadOnly: true,
		Resolve: func(context.Context, models.ActorContext, map[string]string) (string, bool, error) {
			return "0", true, nil
		},
	})
	sched := f.schedule(t, models.Schedule{
		Type:     models.TypeConditional,
		Timezone: "UTC",
		Definition: models.Definition{
			Predicate: &models.PredicateDefinition{
				Subject:   "count_unread",
				Operator:  models.OpEq,
				Value:     "0",
				ValueType: models.ValueNumber,
			},
			CadenceEvery: 10,
			CadenceUnit:  models.UnitMinutes,
		},
	})

	exec, err := f.dispatcher.Dispatch(context.Background(), f.callback(sched, f.now))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if exec == nil || exec.Status != models.ExecSuccess {
		t.Fatalf("expected successful execution, got %+v", exec)
	}
	if f.agent.calls != 1 {
		t.Fatalf("agent invoked %d times, want 1", f.agent.calls)
	}
}

func TestRejectsUnknownAndTerminalAndDrifted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	due := f.now.Add(-time.Second)

	if _, err := f.dispatcher.Dispatch(ctx, models.CallbackPayload{
		CallbackID: uuid.New().String(), ScheduleID: "missing", ScheduledFor: due, EmittedAt: f.now,
	}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("unknown schedule: err = %v", err)
	}

	canceled := f.schedule(t, models.Schedule{
		Type:       models.TypeOneTime,
		Definition: models.Definition{RunAt: &due},
		State:      models.StateCanceled,
	})
	if _, err := f.dispatcher.Dispatch(ctx, f.callback(canceled, due)); !errors.Is(err, models.ErrTerminalState) {
		t.Fatalf("canceled schedule: err = %v", err)
	}

	sched := f.oneTime(t, due)
	stale := f.callback(sched, f.now.Add(-time.Hour))
	if _, err := f.dispatcher.Dispatch(ctx, stale); !errors.Is(err, models.ErrDriftExceeded) {
		t.Fatalf("drifted callback: err = %v", err)
	}
	if f.agent.calls != 0 {
		t.Fatalf("agent invoked for rejected callbacks")
	}
}

func TestRunNowAllowedOnPausedWithoutAdvancing(t *testing.T) {
	f := newFixture(t)
	next := f.now.Add(time.Hour)
	sched := f.schedule(t, models.Schedule{
		Type:       models.TypeInterval,
		Definition: models.Definition{Every: 1, Unit: models.UnitHours},
		State:      models.StatePaused,
		NextRunAt:  &next,
	})
	ctx := context.Background()

	exec, err := f.dispatcher.RunNow(ctx, sched.ID, models.ScheduledActor(""))
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if exec.Status != models.ExecSuccess {
		t.Fatalf("run-now execution status = %s", exec.Status)
	}

	got, _ := f.store.GetSchedule(ctx, sched.ID)
	if got.State != models.StatePaused {
		t.Fatalf("run-now changed schedule state to %s", got.State)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("run-now advanced next_run_at")
	}
	if got.LastRunStatus == nil || *got.LastRunStatus != models.ExecSuccess {
		t.Fatalf("run bookkeeping missing")
	}
}

func TestSuccessAdvancesIntervalSchedule(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(-time.Second)
	sched := f.schedule(t, models.Schedule{
		Type:       models.TypeInterval,
		Definition: models.Definition{Every: 30, Unit: models.UnitMinutes},
	})
	ctx := context.Background()

	if _, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := f.store.GetSchedule(ctx, sched.ID)
	want := f.now.Add(30 * time.Minute)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %s", got.NextRunAt, want)
	}
	if fireAt, ok := f.adapter.registered[sched.ID]; !ok || !fireAt.Equal(want) {
		t.Fatalf("provider not told to fire at %s", want)
	}
	if got.FailureCount != 0 {
		t.Fatalf("failure_count = %d after success", got.FailureCount)
	}
}

func TestOneTimeScheduleCompletesAfterRun(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(-time.Second)
	sched := f.oneTime(t, due)
	ctx := context.Background()

	if _, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got, _ := f.store.GetSchedule(ctx, sched.ID)
	if got.State != models.StateCompleted {
		t.Fatalf("state = %s, want completed", got.State)
	}
	if got.NextRunAt != nil {
		t.Fatalf("completed schedule still has next_run_at")
	}
	if len(f.adapter.deleted) != 1 || f.adapter.deleted[0] != sched.ID {
		t.Fatalf("provider not told to delete completed schedule")
	}
}

func TestFailureOutcomeIsTerminal(t *testing.T) {
	f := newFixture(t, agent.Outcome{
		Status:     models.ExecFailure,
		ResultCode: "task_error",
		Error:      &agent.OutcomeError{Code: "boom", Message: "task blew up"},
	})
	due := f.now.Add(-time.Second)
	sched := f.schedule(t, models.Schedule{
		Type:       models.TypeInterval,
		Definition: models.Definition{Every: 1, Unit: models.UnitHours},
	})
	ctx := context.Background()

	exec, err := f.dispatcher.Dispatch(ctx, f.callback(sched, due))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if exec.Status != models.ExecFailure {
		t.Fatalf("status = %s, want failure", exec.Status)
	}
	if len(f.adapter.retries) != 0 {
		t.Fatalf("failure outcome scheduled a retry")
	}
	got, _ := f.store.GetSchedule(ctx, sched.ID)
	if got.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", got.FailureCount)
	}
	// The schedule itself continues; only this execution is terminal.
	if got.State != models.StateActive {
		t.Fatalf("state = %s, want active", got.State)
	}
}
