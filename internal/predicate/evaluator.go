package predicate

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"automation-scheduler/internal/models"
)

// Evaluator resolves a predicate's subject and applies its operator under a
// hard per-call timeout. It runs under the fixed scheduled-class actor
// context; nothing the predicate references can elevate it.
type Evaluator struct {
	registry   *Registry
	timeout    time.Duration
	maxPattern int
}

func NewEvaluator(reg *Registry, timeout time.Duration, maxPattern int) *Evaluator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxPattern <= 0 {
		maxPattern = 256
	}
	return &Evaluator{registry: reg, timeout: timeout, maxPattern: maxPattern}
}

// MaxPattern returns the pattern length bound applied at validation time.
func (e *Evaluator) MaxPattern() int { return e.maxPattern }

// Validate rejects malformed predicates before a schedule is persisted.
// Patterns are compiled here (RE2 is non-backtracking) and bounded in length
// so evaluation never has to reject one.
func Validate(pred models.PredicateDefinition, maxPattern int) error {
	if pred.Subject == "" {
		return models.Invalid("predicate.subject", "required")
	}
	switch pred.ValueType {
	case models.ValueString, models.ValueNumber, models.ValueBoolean, models.ValueTimestamp:
	default:
		return models.Invalid("predicate.value_type", fmt.Sprintf("unknown value type %q", pred.ValueType))
	}
	switch pred.Operator {
	case models.OpEq, models.OpNeq, models.OpExists:
	case models.OpGt, models.OpGte, models.OpLt, models.OpLte:
		if pred.ValueType != models.ValueNumber && pred.ValueType != models.ValueTimestamp {
			return models.Invalid("predicate.operator", fmt.Sprintf("%s requires a number or timestamp value type", pred.Operator))
		}
	case models.OpMatches:
		if pred.ValueType != models.ValueString {
			return models.Invalid("predicate.operator", "matches requires a string value type")
		}
		if len(pred.Value) > maxPattern {
			return models.Invalid("predicate.value", fmt.Sprintf("pattern exceeds %d bytes", maxPattern))
		}
		if _, err := regexp.Compile(pred.Value); err != nil {
			return models.Invalid("predicate.value", fmt.Sprintf("invalid pattern: %v", err))
		}
	default:
		return models.Invalid("predicate.operator", fmt.Sprintf("unknown operator %q", pred.Operator))
	}
	if pred.Operator != models.OpExists {
		if pred.Value == "" {
			return models.Invalid("predicate.value", "required for all operators except exists")
		}
		if _, err := coerce(pred.Value, pred.ValueType); err != nil {
			return models.Invalid("predicate.value", err.Error())
		}
	}
	return nil
}

// Evaluate resolves the subject and applies the operator. Errors are explicit
// result statuses and are never coerced to false.
func (e *Evaluator) Evaluate(ctx context.Context, pred models.PredicateDefinition, evalTime time.Time, actor models.ActorContext) models.PredicateEvaluationResult {
	if err := Validate(pred, e.maxPattern); err != nil {
		return errResult(models.ErrCodeInvalidPredicate, err.Error())
	}

	cap, ok := e.registry.Lookup(pred.Subject)
	if !ok {
		return errResult(models.ErrCodeSubjectNotFound, fmt.Sprintf("subject %q is not a registered capability", pred.Subject))
	}
	if !cap.ReadOnly {
		return errResult(models.ErrCodeForbidden, fmt.Sprintf("subject %q is not read-only", pred.Subject))
	}

	observed, present, err := e.resolve(ctx, cap, actor, pred.Context)
	if err != nil {
		if ctx.Err() != nil || err == context.DeadlineExceeded {
			return errResult(models.ErrCodeTimeout, fmt.Sprintf("resolving %q timed out", pred.Subject))
		}
		return errResult(models.ErrCodeEvaluationFailed, err.Error())
	}

	if pred.Operator == models.OpExists {
		return boolResult(present && observed != "", &observed)
	}
	if !present {
		return errResult(models.ErrCodeSubjectNotFound, fmt.Sprintf("subject %q resolved to no value", pred.Subject))
	}

	match, err := compare(pred, observed, evalTime)
	if err != nil {
		res := errResult(models.ErrCodeValueTypeMismatch, err.Error())
		res.ObservedValue = &observed
		return res
	}
	return boolResult(match, &observed)
}

// resolve enforces the hard per-call timeout even when the capability ignores
// its context.
func (e *Evaluator) resolve(ctx context.Context, cap Capability, actor models.ActorContext, evalCtx map[string]string) (string, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type resolved struct {
		value   string
		present bool
		err     error
	}
	ch := make(chan resolved, 1)
	go func() {
		v, p, err := cap.Resolve(cctx, actor, evalCtx)
		ch <- resolved{v, p, err}
	}()
	select {
	case <-cctx.Done():
		return "", false, context.DeadlineExceeded
	case r := <-ch:
		return r.value, r.present, r.err
	}
}

func compare(pred models.PredicateDefinition, observed string, _ time.Time) (bool, error) {
	if pred.Operator == models.OpMatches {
		// Validated earlier; compile cannot fail here.
		re := regexp.MustCompile(pred.Value)
		return re.MatchString(observed), nil
	}

	want, err := coerce(pred.Value, pred.ValueType)
	if err != nil {
		return false, err
	}
	got, err := coerce(observed, pred.ValueType)
	if err != nil {
		return false, fmt.Errorf("observed value %q: %v", observed, err)
	}

	switch pred.Operator {
	case models.OpEq:
		return got.compare(want) == 0, nil
	case models.OpNeq:
		return got.compare(want) != 0, nil
	case models.OpGt:
		return got.compare(want) > 0, nil
	case models.OpGte:
		return got.compare(want) >= 0, nil
	case models.OpLt:
		return got.compare(want) < 0, nil
	case models.OpLte:
		return got.compare(want) <= 0, nil
	}
	return false, fmt.Errorf("operator %q not supported", pred.Operator)
}

// typedValue is a coerced comparison operand.
type typedValue struct {
	s string
	f float64
	b bool
	t time.Time
	k models.ValueType
}

func coerce(raw string, vt models.ValueType) (typedValue, error) {
	switch vt {
	case models.ValueString:
		return typedValue{s: raw, k: vt}, nil
	case models.ValueNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return typedValue{}, fmt.Errorf("not a number: %q", raw)
		}
		return typedValue{f: f, k: vt}, nil
	case models.ValueBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return typedValue{}, fmt.Errorf("not a boolean: %q", raw)
		}
		return typedValue{b: b, k: vt}, nil
	case models.ValueTimestamp:
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return typedValue{}, fmt.Errorf("not an RFC3339 timestamp: %q", raw)
		}
		return typedValue{t: t, k: vt}, nil
	}
	return typedValue{}, fmt.Errorf("unknown value type %q", vt)
}

func (v typedValue) compare(other typedValue) int {
	switch v.k {
	case models.ValueNumber:
		switch {
		case v.f < other.f:
			return -1
		case v.f > other.f:
			return 1
		}
		return 0
	case models.ValueBoolean:
		switch {
		case v.b == other.b:
			return 0
		case v.b:
			return 1
		}
		return -1
	case models.ValueTimestamp:
		switch {
		case v.t.Before(other.t):
			return -1
		case v.t.After(other.t):
			return 1
		}
		return 0
	}
	switch {
	case v.s < other.s:
		return -1
	case v.s > other.s:
		return 1
	}
	return 0
}

func errResult(code, msg string) models.PredicateEvaluationResult {
	return models.PredicateEvaluationResult{
		Status:      models.PredicateError,
		ResultCode:  code,
		EvaluatedAt: time.Now().UTC(),
		Error:       msg,
	}
}

func boolResult(match bool, observed *string) models.PredicateEvaluationResult {
	status := models.PredicateFalse
	if match {
		status = models.PredicateTrue
	}
	return models.PredicateEvaluationResult{
		Status:        status,
		ResultCode:    models.PredicateOK,
		ObservedValue: observed,
		EvaluatedAt:   time.Now().UTC(),
	}
}
