package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"automation-scheduler/internal/agent"
	"automation-scheduler/internal/api"
	"automation-scheduler/internal/archive"
	"automation-scheduler/internal/audit"
	"automation-scheduler/internal/command"
	"automation-scheduler/internal/config"
	"automation-scheduler/internal/dispatch"
	"automation-scheduler/internal/predicate"
	"automation-scheduler/internal/provider"
	"automation-scheduler/internal/ratelimit"
	"automation-scheduler/internal/store"
	"automation-scheduler/internal/telemetry"
)

func main() {
	cfg := config.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	auditor := audit.New(st, log)

	// The capability surface for conditional predicates is registered by the
	// surrounding platform; the registry starts empty here.
	registry := predicate.NewRegistry()
	evaluator := predicate.NewEvaluator(registry, cfg.PredicateTimeout, cfg.MaxPredicatePattern)

	invoker := agent.NewHTTPClient(cfg.AgentBaseURL, cfg.AgentTimeout)

	dispatcher := dispatch.New(st, nil, evaluator, invoker, auditor, log, dispatch.Options{
		DriftTolerance: cfg.DriftTolerance,
		MaxAttempts:    cfg.DefaultMaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		AgentTimeout:   cfg.AgentTimeout,
	})

	adapter := provider.NewRedisAdapter(provider.RedisOptions{
		Client:       redisClient,
		Handler:      dispatcher,
		PollInterval: cfg.ProviderPollInterval,
		Log:          log,
	})
	dispatcher.SetProvider(adapter)

	commands := command.New(st, adapter, auditor, dispatcher, cfg.MaxPredicatePattern, log)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	go func() {
		if err := adapter.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("provider adapter stopped")
		}
	}()

	if sink := buildSink(ctx, cfg, log); sink != nil {
		archiver := archive.New(st, sink, cfg.ArchiveInterval, log)
		go func() {
			if err := archiver.Run(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("archiver stopped")
			}
		}()
	}

	server := api.New(commands, dispatcher, st, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().Str("port", cfg.HTTPPort).Dur("drift_tolerance", cfg.DriftTolerance).Msg("scheduler listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildSink(ctx context.Context, cfg config.Config, log zerolog.Logger) archive.Sink {
	if cfg.ArchiveS3Bucket != "" {
		sink, err := archive.NewS3Sink(ctx, cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("init s3 archive sink")
		}
		return sink
	}
	if cfg.ArchiveDir != "" {
		return archive.NewLocalSink(cfg.ArchiveDir)
	}
	return nil
}
