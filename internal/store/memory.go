package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"automation-scheduler/internal/models"
)

// Memory is a mutex-guarded in-memory Store. It backs tests and local
// development; the uniqueness guarantees mirror the Postgres constraints.
type Memory struct {
	mu         sync.Mutex
	intents    map[string]models.TaskIntent
	schedules  map[string]models.Schedule
	executions map[string]models.Execution
	execByKey  map[string]string // scheduleID|scheduled_for -> execution id
	callbacks  map[string]string // callback id -> execution id

	scheduleAudits  []models.ScheduleAudit
	executionAudits []models.ExecutionAudit
	predicateAudits []models.PredicateAudit
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		intents:    make(map[string]models.TaskIntent),
		schedules:  make(map[string]models.Schedule),
		executions: make(map[string]models.Execution),
		execByKey:  make(map[string]string),
		callbacks:  make(map[string]string),
	}
}

func execKey(scheduleID string, scheduledFor time.Time) string {
	return scheduleID + "|" + scheduledFor.UTC().Format(time.RFC3339Nano)
}

func (m *Memory) CreateTaskIntent(_ context.Context, intent models.TaskIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.ID]; ok {
		return fmt.Errorf("task intent %s already exists", intent.ID)
	}
	m.intents[intent.ID] = intent
	return nil
}

func (m *Memory) GetTaskIntent(_ context.Context, id string) (models.TaskIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[id]
	if !ok {
		return models.TaskIntent{}, fmt.Errorf("task intent %s: %w", id, models.ErrNotFound)
	}
	return intent, nil
}

func (m *Memory) CreateSchedule(_ context.Context, sched models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[sched.ID]; ok {
		return fmt.Errorf("schedule %s already exists", sched.ID)
	}
	sched.Version = 1
	m.schedules[sched.ID] = sched
	return nil
}

func (m *Memory) GetSchedule(_ context.Context, id string) (models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return models.Schedule{}, fmt.Errorf("schedule %s: %w", id, models.ErrNotFound)
	}
	return sched, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, sched models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[sched.ID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", sched.ID, models.ErrNotFound)
	}
	sched.Version = cur.Version + 1
	sched.UpdatedAt = time.Now().UTC()
	m.schedules[sched.ID] = sched
	return nil
}

func (m *Memory) ListSchedules(_ context.Context, state models.ScheduleState) ([]models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Schedule
	for _, sched := range m.schedules {
		if state == "" || sched.State == state {
			out = append(out, sched)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateExecution(_ context.Context, exec models.Execution) (models.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := execKey(exec.ScheduleID, exec.ScheduledFor)
	if existingID, ok := m.execByKey[key]; ok {
		return m.executions[existingID], false, nil
	}
	m.executions[exec.ID] = exec
	m.execByKey[key] = exec.ID
	return exec, true, nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return models.Execution{}, fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	return exec, nil
}

func (m *Memory) GetExecutionByKey(_ context.Context, scheduleID string, scheduledFor time.Time) (models.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.execByKey[execKey(scheduleID, scheduledFor)]
	if !ok {
		return models.Execution{}, false, nil
	}
	return m.executions[id], true, nil
}

func (m *Memory) GetExecutionByCallback(_ context.Context, callbackID string) (models.Execution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.callbacks[callbackID]
	if !ok {
		return models.Execution{}, false, nil
	}
	return m.executions[id], true, nil
}

func (m *Memory) ClaimExecution(_ context.Context, id string, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution %s: %w", id, models.ErrNotFound)
	}
	if exec.Status != models.ExecQueued {
		return false, nil
	}
	exec.Status = models.ExecRunning
	exec.StartedAt = &startedAt
	exec.UpdatedAt = time.Now().UTC()
	m.executions[id] = exec
	return true, nil
}

func (m *Memory) UpdateExecution(_ context.Context, exec models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return fmt.Errorf("execution %s: %w", exec.ID, models.ErrNotFound)
	}
	exec.UpdatedAt = time.Now().UTC()
	m.executions[exec.ID] = exec
	return nil
}

func (m *Memory) BindCallback(_ context.Context, executionID, callbackID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.callbacks[callbackID]; ok {
		return nil
	}
	m.callbacks[callbackID] = executionID
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, scheduleID string) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, exec := range m.executions {
		if exec.ScheduleID == scheduleID {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) AppendScheduleAudit(_ context.Context, rec models.ScheduleAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleAudits = append(m.scheduleAudits, rec)
	return nil
}

func (m *Memory) AppendExecutionAudit(_ context.Context, rec models.ExecutionAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionAudits = append(m.executionAudits, rec)
	return nil
}

func (m *Memory) AppendPredicateAudit(_ context.Context, rec models.PredicateAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predicateAudits = append(m.predicateAudits, rec)
	return nil
}

func (m *Memory) ListPredicateAudits(_ context.Context, scheduleID string) ([]models.PredicateAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PredicateAudit
	for _, rec := range m.predicateAudits {
		if rec.ScheduleID == scheduleID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *Memory) TerminalExecutionAudits(_ context.Context, afterAt time.Time, afterID string, limit int) ([]models.ExecutionAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionAudit
	for _, rec := range m.executionAudits {
		if !rec.Status.Terminal() {
			continue
		}
		if rec.RecordedAt.Before(afterAt) {
			continue
		}
		if rec.RecordedAt.Equal(afterAt) && rec.ID <= afterID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ScheduleAudits returns a copy of the schedule audit log.
func (m *Memory) ScheduleAudits() []models.ScheduleAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ScheduleAudit(nil), m.scheduleAudits...)
}

// ExecutionAudits returns a copy of the execution audit log.
func (m *Memory) ExecutionAudits() []models.ExecutionAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ExecutionAudit(nil), m.executionAudits...)
}
