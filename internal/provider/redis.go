package provider

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/models"
)

const (
	dueKey     = "sched:due"
	metaPrefix = "sched:meta:"
)

// RedisAdapter is the reference timer backend: a sorted set of fire times
// plus a per-schedule meta hash. Delivery is at-least-once; a callback whose
// handler fails keeps its callback_id and is re-delivered with the attempt
// counter bumped, up to maxDeliveries.
type RedisAdapter struct {
	client          *redis.Client
	handler         Handler
	poll            time.Duration
	redeliveryDelay time.Duration
	maxDeliveries   int
	log             zerolog.Logger
}

var _ Adapter = (*RedisAdapter)(nil)

type RedisOptions struct {
	Client          *redis.Client
	Handler         Handler
	PollInterval    time.Duration
	RedeliveryDelay time.Duration
	MaxDeliveries   int
	Log             zerolog.Logger
}

func NewRedisAdapter(opts RedisOptions) *RedisAdapter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 5 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	return &RedisAdapter{
		client:          opts.Client,
		handler:         opts.Handler,
		poll:            opts.PollInterval,
		redeliveryDelay: opts.RedeliveryDelay,
		maxDeliveries:   opts.MaxDeliveries,
		log:             opts.Log,
	}
}

func (a *RedisAdapter) Name() string { return "redis" }

func metaKey(scheduleID string) string { return metaPrefix + scheduleID }

func (a *RedisAdapter) RegisterSchedule(ctx context.Context, scheduleID string, fireAt time.Time) error {
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, metaKey(scheduleID), "for_ms", fireAt.UnixMilli())
	pipe.HDel(ctx, metaKey(scheduleID), "cb_id", "attempt", "paused")
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: scheduleID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register schedule: %w", err)
	}
	return nil
}

func (a *RedisAdapter) UpdateSchedule(ctx context.Context, scheduleID string, fireAt time.Time) error {
	return a.RegisterSchedule(ctx, scheduleID, fireAt)
}

func (a *RedisAdapter) PauseSchedule(ctx context.Context, scheduleID string) error {
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, metaKey(scheduleID), "paused", "1")
	pipe.ZRem(ctx, dueKey, scheduleID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pause schedule: %w", err)
	}
	return nil
}

func (a *RedisAdapter) ResumeSchedule(ctx context.Context, scheduleID string, fireAt time.Time) error {
	pipe := a.client.TxPipeline()
	pipe.HDel(ctx, metaKey(scheduleID), "paused")
	pipe.HSet(ctx, metaKey(scheduleID), "for_ms", fireAt.UnixMilli())
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(fireAt.UnixMilli()), Member: scheduleID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resume schedule: %w", err)
	}
	return nil
}

func (a *RedisAdapter) DeleteSchedule(ctx context.Context, scheduleID string) error {
	pipe := a.client.TxPipeline()
	pipe.ZRem(ctx, dueKey, scheduleID)
	pipe.Del(ctx, metaKey(scheduleID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (a *RedisAdapter) ScheduleRetry(ctx context.Context, scheduleID string, scheduledFor, retryAt time.Time) error {
	pipe := a.client.TxPipeline()
	pipe.HSet(ctx, metaKey(scheduleID), "for_ms", scheduledFor.UnixMilli())
	pipe.HDel(ctx, metaKey(scheduleID), "cb_id", "attempt")
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(retryAt.UnixMilli()), Member: scheduleID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// Run fires due schedules until the context is canceled.
func (a *RedisAdapter) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := a.FireDue(ctx, now); err != nil {
				a.log.Error().Err(err).Msg("fire due schedules")
			}
		}
	}
}

// FireDue delivers callbacks for every schedule whose fire time has passed.
// It returns the number of callbacks handed to the handler.
func (a *RedisAdapter) FireDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := a.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range due schedules: %w", err)
	}

	fired := 0
	for _, scheduleID := range ids {
		if err := a.fire(ctx, scheduleID, now); err != nil {
			a.log.Error().Err(err).Str("schedule_id", scheduleID).Msg("deliver callback")
			continue
		}
		fired++
	}
	return fired, nil
}

func (a *RedisAdapter) fire(ctx context.Context, scheduleID string, now time.Time) error {
	meta, err := a.client.HGetAll(ctx, metaKey(scheduleID)).Result()
	if err != nil {
		return fmt.Errorf("read schedule meta: %w", err)
	}
	if err := a.client.ZRem(ctx, dueKey, scheduleID).Err(); err != nil {
		return fmt.Errorf("remove due entry: %w", err)
	}
	if meta["paused"] == "1" {
		return nil
	}

	scheduledFor := now
	if ms, err := strconv.ParseInt(meta["for_ms"], 10, 64); err == nil {
		scheduledFor = time.UnixMilli(ms).UTC()
	}
	callbackID := meta["cb_id"]
	if callbackID == "" {
		callbackID = uuid.New().String()
	}
	attempt := 1
	if n, err := strconv.Atoi(meta["attempt"]); err == nil {
		attempt = n + 1
	}

	cb := models.CallbackPayload{
		CallbackID:      callbackID,
		ScheduleID:      scheduleID,
		ScheduledFor:    scheduledFor,
		EmittedAt:       now.UTC(),
		ProviderName:    a.Name(),
		ProviderAttempt: attempt,
	}

	if err := a.handler.HandleCallback(ctx, cb); err != nil {
		if attempt >= a.maxDeliveries {
			a.log.Error().Err(err).Str("schedule_id", scheduleID).Int("attempt", attempt).
				Msg("dropping callback after delivery attempts exhausted")
			a.client.HDel(ctx, metaKey(scheduleID), "cb_id", "attempt")
			return nil
		}
		pipe := a.client.TxPipeline()
		pipe.HSet(ctx, metaKey(scheduleID), "cb_id", callbackID, "attempt", attempt)
		pipe.ZAdd(ctx, dueKey, redis.Z{
			Score:  float64(now.Add(a.redeliveryDelay).UnixMilli()),
			Member: scheduleID,
		})
		if _, perr := pipe.Exec(ctx); perr != nil {
			return fmt.Errorf("requeue callback: %w", perr)
		}
		return nil
	}

	a.client.HDel(ctx, metaKey(scheduleID), "cb_id", "attempt")
	return nil
}
