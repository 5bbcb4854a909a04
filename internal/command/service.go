// Package command validates and persists schedule mutations. Outside the
// dispatcher's run bookkeeping it is the only writer of schedule state, and
// it never invokes the agent itself.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/audit"
	"automation-scheduler/internal/models"
	"automation-scheduler/internal/predicate"
	"automation-scheduler/internal/provider"
	"automation-scheduler/internal/store"
)

// RunNower is the dispatcher's out-of-band entry point. The command service
// delegates run-now instead of invoking the agent directly.
type RunNower interface {
	RunNow(ctx context.Context, scheduleID string, actor models.ActorContext) (*models.Execution, error)
}

type Service struct {
	store      store.Store
	provider   provider.Adapter
	audit      *audit.Logger
	runner     RunNower
	maxPattern int
	log        zerolog.Logger
	now        func() time.Time
}

func New(st store.Store, prov provider.Adapter, aud *audit.Logger, runner RunNower, maxPattern int, log zerolog.Logger) *Service {
	return &Service{
		store:      st,
		provider:   prov,
		audit:      aud,
		runner:     runner,
		maxPattern: maxPattern,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreateIntentParams collects inputs for a new task intent.
type CreateIntentParams struct {
	Summary         string
	Details         *string
	OriginReference *string
}

func (s *Service) CreateIntent(ctx context.Context, p CreateIntentParams) (models.TaskIntent, error) {
	if p.Summary == "" {
		return models.TaskIntent{}, models.Invalid("summary", "required")
	}
	intent := models.TaskIntent{
		ID:              uuid.New().String(),
		Summary:         p.Summary,
		Details:         p.Details,
		OriginReference: p.OriginReference,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateTaskIntent(ctx, intent); err != nil {
		return models.TaskIntent{}, err
	}
	return intent, nil
}

// CreateScheduleParams collects inputs for a new schedule.
type CreateScheduleParams struct {
	TaskIntentID string
	Type         models.ScheduleType
	Definition   models.Definition
	Timezone     string
}

func (s *Service) CreateSchedule(ctx context.Context, p CreateScheduleParams, actor models.ActorContext) (models.Schedule, error) {
	if _, err := s.store.GetTaskIntent(ctx, p.TaskIntentID); err != nil {
		return models.Schedule{}, err
	}
	if err := s.validateDefinition(p.Type, p.Definition, p.Timezone); err != nil {
		return models.Schedule{}, err
	}

	now := s.now()
	sched := models.Schedule{
		ID:           uuid.New().String(),
		TaskIntentID: p.TaskIntentID,
		Type:         p.Type,
		Definition:   p.Definition,
		Timezone:     p.Timezone,
		State:        models.StateActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	next, err := sched.NextRun(now)
	if err != nil {
		return models.Schedule{}, err
	}
	if next == nil {
		return models.Schedule{}, models.Invalid("definition.run_at", "must be in the future")
	}
	sched.NextRunAt = next

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return models.Schedule{}, err
	}
	if err := s.provider.RegisterSchedule(ctx, sched.ID, *next); err != nil {
		return models.Schedule{}, fmt.Errorf("register with provider: %w", err)
	}
	s.audit.ScheduleAction(ctx, sched.ID, "created", actor, fmt.Sprintf("type=%s next_run=%s", sched.Type, next.Format(time.RFC3339)))
	return sched, nil
}

// UpdateScheduleParams carries the mutable definition fields. Changing a
// predicate is a schedule update, not a new entity.
type UpdateScheduleParams struct {
	Definition *models.Definition
	Timezone   *string
}

func (s *Service) UpdateSchedule(ctx context.Context, id string, p UpdateScheduleParams, actor models.ActorContext) (models.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if sched.State.Terminal() {
		return models.Schedule{}, fmt.Errorf("schedule %s is %s: %w", id, sched.State, models.ErrTerminalState)
	}

	if p.Timezone != nil {
		sched.Timezone = *p.Timezone
	}
	if p.Definition != nil {
		sched.Definition = *p.Definition
	}
	if err := s.validateDefinition(sched.Type, sched.Definition, sched.Timezone); err != nil {
		return models.Schedule{}, err
	}

	next, err := sched.NextRun(s.now())
	if err != nil {
		return models.Schedule{}, err
	}
	if next == nil {
		return models.Schedule{}, models.Invalid("definition.run_at", "must be in the future")
	}
	sched.NextRunAt = next

	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return models.Schedule{}, err
	}
	if sched.State == models.StateActive {
		if err := s.provider.UpdateSchedule(ctx, sched.ID, *next); err != nil {
			return models.Schedule{}, fmt.Errorf("update with provider: %w", err)
		}
	}
	s.audit.ScheduleAction(ctx, sched.ID, "updated", actor, fmt.Sprintf("next_run=%s", next.Format(time.RFC3339)))
	return sched, nil
}

func (s *Service) Pause(ctx context.Context, id string, actor models.ActorContext) (models.Schedule, error) {
	sched, err := s.transition(ctx, id, models.StatePaused, actor)
	if err != nil {
		return models.Schedule{}, err
	}
	if err := s.provider.PauseSchedule(ctx, id); err != nil {
		return models.Schedule{}, fmt.Errorf("pause with provider: %w", err)
	}
	return sched, nil
}

func (s *Service) Resume(ctx context.Context, id string, actor models.ActorContext) (models.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if !models.CanTransition(sched.State, models.StateActive) {
		return models.Schedule{}, fmt.Errorf("%s -> active: %w", sched.State, models.ErrInvalidTransition)
	}
	next, err := sched.NextRun(s.now())
	if err != nil {
		return models.Schedule{}, err
	}
	sched.State = models.StateActive
	if next == nil {
		// A one_time schedule whose due time passed while paused has nothing
		// left to fire.
		sched.State = models.StateCompleted
		sched.NextRunAt = nil
		if err := s.store.UpdateSchedule(ctx, sched); err != nil {
			return models.Schedule{}, err
		}
		s.audit.ScheduleAction(ctx, id, "completed", actor, "resumed past due time")
		return sched, nil
	}
	sched.NextRunAt = next
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return models.Schedule{}, err
	}
	if err := s.provider.ResumeSchedule(ctx, id, *next); err != nil {
		return models.Schedule{}, fmt.Errorf("resume with provider: %w", err)
	}
	s.audit.ScheduleAction(ctx, id, "resumed", actor, fmt.Sprintf("next_run=%s", next.Format(time.RFC3339)))
	return sched, nil
}

func (s *Service) Cancel(ctx context.Context, id string, actor models.ActorContext) (models.Schedule, error) {
	sched, err := s.transition(ctx, id, models.StateCanceled, actor)
	if err != nil {
		return models.Schedule{}, err
	}
	if err := s.provider.DeleteSchedule(ctx, id); err != nil {
		return models.Schedule{}, fmt.Errorf("delete with provider: %w", err)
	}
	return sched, nil
}

func (s *Service) Archive(ctx context.Context, id string, actor models.ActorContext) (models.Schedule, error) {
	sched, err := s.transition(ctx, id, models.StateArchived, actor)
	if err != nil {
		return models.Schedule{}, err
	}
	if err := s.provider.DeleteSchedule(ctx, id); err != nil {
		return models.Schedule{}, fmt.Errorf("delete with provider: %w", err)
	}
	return sched, nil
}

// RunNow creates an out-of-band execution without waiting for the adapter.
// It is the only operation allowed to target a paused schedule.
func (s *Service) RunNow(ctx context.Context, id string, actor models.ActorContext) (*models.Execution, error) {
	exec, err := s.runner.RunNow(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	s.audit.ScheduleAction(ctx, id, "run_now", actor, fmt.Sprintf("execution=%s", exec.ID))
	return exec, nil
}

func (s *Service) transition(ctx context.Context, id string, to models.ScheduleState, actor models.ActorContext) (models.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return models.Schedule{}, err
	}
	if !models.CanTransition(sched.State, to) {
		return models.Schedule{}, fmt.Errorf("%s -> %s: %w", sched.State, to, models.ErrInvalidTransition)
	}
	from := sched.State
	sched.State = to
	if to.Terminal() {
		sched.NextRunAt = nil
	}
	if err := s.store.UpdateSchedule(ctx, sched); err != nil {
		return models.Schedule{}, err
	}
	s.audit.ScheduleAction(ctx, id, string(to), actor, fmt.Sprintf("from=%s", from))
	return sched, nil
}

// validateDefinition enforces that exactly the fields for the schedule's type
// are set, plus the timezone requirement for calendar and conditional types.
func (s *Service) validateDefinition(t models.ScheduleType, def models.Definition, timezone string) error {
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return models.Invalid("timezone", fmt.Sprintf("unknown timezone %q", timezone))
		}
	}

	switch t {
	case models.TypeOneTime:
		if def.RunAt == nil {
			return models.Invalid("definition.run_at", "required for one_time schedules")
		}
		if def.Every != 0 || def.CronExpr != "" || def.Predicate != nil || def.CadenceEvery != 0 {
			return models.Invalid("definition", "one_time schedules take only run_at")
		}

	case models.TypeInterval:
		if def.Every <= 0 {
			return models.Invalid("definition.every", "must be positive")
		}
		if _, err := def.Unit.Duration(def.Every); err != nil {
			return models.Invalid("definition.unit", err.Error())
		}
		if def.RunAt != nil || def.CronExpr != "" || def.Predicate != nil || def.CadenceEvery != 0 {
			return models.Invalid("definition", "interval schedules take only every and unit")
		}

	case models.TypeCalendarRule:
		if def.CronExpr == "" {
			return models.Invalid("definition.cron_expr", "required for calendar_rule schedules")
		}
		if err := models.ValidateCalendarRule(def.CronExpr); err != nil {
			return models.Invalid("definition.cron_expr", err.Error())
		}
		if timezone == "" {
			return models.Invalid("timezone", "required for calendar_rule schedules")
		}
		if def.RunAt != nil || def.Every != 0 || def.Predicate != nil || def.CadenceEvery != 0 {
			return models.Invalid("definition", "calendar_rule schedules take only cron_expr")
		}

	case models.TypeConditional:
		if def.Predicate == nil {
			return models.Invalid("definition.predicate", "required for conditional schedules")
		}
		if err := predicate.Validate(*def.Predicate, s.maxPattern); err != nil {
			return err
		}
		if def.CadenceEvery <= 0 {
			return models.Invalid("definition.cadence_every", "must be positive")
		}
		if _, err := def.CadenceUnit.Duration(def.CadenceEvery); err != nil {
			return models.Invalid("definition.cadence_unit", err.Error())
		}
		if timezone == "" {
			return models.Invalid("timezone", "required for conditional schedules")
		}
		if def.RunAt != nil || def.Every != 0 || def.CronExpr != "" {
			return models.Invalid("definition", "conditional schedules take only predicate and cadence")
		}

	default:
		return models.Invalid("schedule_type", fmt.Sprintf("unknown schedule type %q", t))
	}
	return nil
}
