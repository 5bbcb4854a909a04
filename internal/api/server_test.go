package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/agent"
	"automation-scheduler/internal/audit"
	"automation-scheduler/internal/command"
	"automation-scheduler/internal/dispatch"
	"automation-scheduler/internal/models"
	"automation-scheduler/internal/predicate"
	"automation-scheduler/internal/ratelimit"
	"automation-scheduler/internal/store"
)

type nopAdapter struct{}

func (nopAdapter) Name() string                                                  { return "nop" }
func (nopAdapter) RegisterSchedule(context.Context, string, time.Time) error     { return nil }
func (nopAdapter) UpdateSchedule(context.Context, string, time.Time) error       { return nil }
func (nopAdapter) PauseSchedule(context.Context, string) error                   { return nil }
func (nopAdapter) ResumeSchedule(context.Context, string, time.Time) error       { return nil }
func (nopAdapter) DeleteSchedule(context.Context, string) error                  { return nil }
func (nopAdapter) ScheduleRetry(context.Context, string, time.Time, time.Time) error {
	return nil
}

type okAgent struct{}

func (okAgent) Invoke(context.Context, agent.InvocationRequest) (agent.Outcome, error) {
	return agent.Outcome{Status: models.ExecSuccess, ResultCode: "done"}, nil
}

func newTestServer(t *testing.T, limiter *ratelimit.TokenBucket) (*httptest.Server, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	log := zerolog.Nop()
	aud := audit.New(st, log)
	disp := dispatch.New(st, nopAdapter{}, predicate.NewEvaluator(predicate.NewRegistry(), time.Second, 256), okAgent{}, aud, log, dispatch.Options{})
	cmds := command.New(st, nopAdapter{}, aud, disp, 256, log)
	srv := httptest.NewServer(New(cmds, disp, st, limiter).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createIntentAndSchedule(t *testing.T, srv *httptest.Server) models.Schedule {
	t.Helper()
	resp := postJSON(t, srv.URL+"/intents", map[string]string{"summary": "rotate the logs"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create intent status = %d", resp.StatusCode)
	}
	intent := decode[models.TaskIntent](t, resp)

	resp = postJSON(t, srv.URL+"/schedules", map[string]any{
		"task_intent_id": intent.ID,
		"schedule_type":  "interval",
		"definition":     map[string]any{"every": 30, "unit": "minutes"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule status = %d", resp.StatusCode)
	}
	return decode[models.Schedule](t, resp)
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	sched := createIntentAndSchedule(t, srv)
	if sched.State != models.StateActive || sched.NextRunAt == nil {
		t.Fatalf("created schedule: %+v", sched)
	}

	resp, err := http.Get(srv.URL + "/schedules/" + sched.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get schedule status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/schedules/"+sched.ID+"/pause", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	paused := decode[models.Schedule](t, resp)
	if paused.State != models.StatePaused {
		t.Fatalf("state after pause = %s", paused.State)
	}

	resp = postJSON(t, srv.URL+"/schedules/"+sched.ID+"/pause", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double pause status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/schedules/"+sched.ID+"/resume", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/schedules/"+sched.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/schedules/"+sched.ID+"/resume", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("resume after cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetUnknownScheduleReturns404(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/schedules/" + uuid.New().String())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCallbackEndpoint(t *testing.T) {
	srv, st := newTestServer(t, nil)
	sched := createIntentAndSchedule(t, srv)
	now := time.Now().UTC()

	resp := postJSON(t, srv.URL+"/callbacks", map[string]any{
		"callback_id": uuid.New().String(),
		"schedule_id": sched.ID,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("incomplete callback status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/callbacks", map[string]any{
		"callback_id":   uuid.New().String(),
		"schedule_id":   sched.ID,
		"scheduled_for": now.Format(time.RFC3339Nano),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want 200", resp.StatusCode)
	}
	exec := decode[models.Execution](t, resp)
	if exec.Status != models.ExecSuccess {
		t.Fatalf("execution status = %s", exec.Status)
	}

	stale := now.Add(-time.Hour)
	resp = postJSON(t, srv.URL+"/callbacks", map[string]any{
		"callback_id":   uuid.New().String(),
		"schedule_id":   sched.ID,
		"scheduled_for": stale.Format(time.RFC3339Nano),
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("drifted callback status = %d, want 422", resp.StatusCode)
	}
	resp.Body.Close()

	// Pause through the store and confirm suppression is reported, not an error.
	paused, _ := st.GetSchedule(context.Background(), sched.ID)
	paused.State = models.StatePaused
	if err := st.UpdateSchedule(context.Background(), paused); err != nil {
		t.Fatalf("pause schedule: %v", err)
	}
	resp = postJSON(t, srv.URL+"/callbacks", map[string]any{
		"callback_id":   uuid.New().String(),
		"schedule_id":   sched.ID,
		"scheduled_for": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("suppressed callback status = %d, want 202", resp.StatusCode)
	}
	body := decode[map[string]bool](t, resp)
	if !body["suppressed"] {
		t.Fatalf("suppression not reported: %v", body)
	}
}

func TestMutationsAreRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	limiter := ratelimit.NewTokenBucket(client, 2, 0.0001, time.Hour)

	srv, _ := newTestServer(t, limiter)

	var last int
	for i := 0; i < 3; i++ {
		resp := postJSON(t, srv.URL+"/intents", map[string]string{"summary": fmt.Sprintf("task %d", i)})
		last = resp.StatusCode
		resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third mutation status = %d, want 429", last)
	}
}
