package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
	"github.com/pesio-ai/be-approval-workflows/internal/queue"
)

// TokenPurger deletes long-dead approval tokens.
// *service.ApprovalRoutingService satisfies it.
type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context, retention time.Duration) (int64, error)
}

// Config tunes the worker process.
type Config struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	Concurrency    int
	PurgeSchedule  string
	PurgeRetention time.Duration
}

// Server runs the asynq consumer and the purge schedule.
type Server struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *cron.Cron
	log       zerolog.Logger
}

// NewServer wires handlers onto an asynq server and schedules the token purge.
func NewServer(cfg Config, handlers *Handlers, purger TokenPurger, log zerolog.Logger) (*Server, error) {
	scheduler := cron.New()
	if purger != nil && cfg.PurgeSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.PurgeSchedule, PurgeJob(purger, cfg.PurgeRetention, log)); err != nil {
			return nil, fmt.Errorf("schedule token purge %q: %w", cfg.PurgeSchedule, err)
		}
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      queue.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				log.Error().Err(err).
					Str("task_type", task.Type()).
					Int("retried", retried).
					Int("max_retry", maxRetry).
					Msg("Task processing failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	handlers.Register(mux)

	return &Server{server: srv, mux: mux, scheduler: scheduler, log: log}, nil
}

// PurgeJob returns the cron body that removes tokens dead for longer than
// retention.
func PurgeJob(purger TokenPurger, retention time.Duration, log zerolog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := purger.PurgeExpiredTokens(ctx, retention)
		if err != nil {
			log.Error().Err(err).Msg("Token purge failed")
			return
		}
		metrics.TokensPurgedTotal.Add(float64(n))
		log.Debug().Int64("purged", n).Msg("Token purge run finished")
	}
}

// Start runs the consumer and scheduler in the background.
func (s *Server) Start() error {
	s.log.Info().Msg("Starting worker")
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	s.scheduler.Start()
	return nil
}

// Shutdown waits for in-flight tasks and scheduled jobs to finish.
func (s *Server) Shutdown() {
	s.log.Info().Msg("Stopping worker")
	<-s.scheduler.Stop().Done()
	s.server.Shutdown()
}
