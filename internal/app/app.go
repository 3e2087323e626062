// Package app assembles the components shared by the server and worker
// binaries from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-approval-workflows/internal/cache"
	"github.com/pesio-ai/be-approval-workflows/internal/config"
	"github.com/pesio-ai/be-approval-workflows/internal/metrics"
	"github.com/pesio-ai/be-approval-workflows/internal/queue"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
	"github.com/pesio-ai/be-approval-workflows/pkg/database"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
	"github.com/pesio-ai/be-approval-workflows/pkg/natsclient"
)

// App holds the wired dependencies. Close releases them in reverse order.
type App struct {
	Config  *config.Config
	Log     *logger.Logger
	DB      *database.DB // nil with the memory driver
	Store   repository.Store
	Redis   *redis.Client
	Cache   *cache.ReferenceCache // nil when caching is disabled
	NATS    *natsclient.Client
	Queue   *asynq.Client
	Engine  *service.WorkflowEngine
	Routing *service.ApprovalRoutingService

	closers []func()
}

// New connects to every backing service and builds the routing service.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	switch cfg.Database.Driver {
	case "memory":
		a.Store = memory.NewStore()
		a.Log.Warn().Msg("Using in-memory store; data is lost on restart")
	default:
		db, err := database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		a.Store = repository.NewPostgresStore(db)
		a.Log.Info().Msg("Database connection established")
	}

	a.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	nc, err := natsclient.Connect(natsclient.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.Service.Name,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
	}, a.Log.Component("nats").Logger)
	if err != nil {
		return err
	}
	a.NATS = nc
	a.closers = append(a.closers, nc.Close)

	var ref repository.ReferenceReader = repository.NewReferenceReader(a.Store)
	if cfg.Cache.Enabled {
		a.Cache = cache.NewReferenceCache(ref, a.Redis, cache.TTLs{
			Steps:       cfg.Cache.StepsTTL,
			Roles:       cfg.Cache.RolesTTL,
			Departments: cfg.Cache.DepartmentsTTL,
			Thresholds:  cfg.Cache.ThresholdsTTL,
		}, a.Log.Component("cache").Logger)
		ref = a.Cache

		stop, err := a.Cache.Listen(nc)
		if err != nil {
			return fmt.Errorf("subscribe cache invalidation: %w", err)
		}
		a.closers = append(a.closers, func() { _ = stop() })
	}

	a.Queue = queue.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	a.closers = append(a.closers, func() { _ = a.Queue.Close() })
	dispatcher := queue.NewDispatcher(a.Queue, queue.Options{
		MaxRetry:  cfg.Worker.MaxRetry,
		Timeout:   cfg.Worker.TaskTimeout,
		Retention: cfg.Worker.NotificationsTTL,
	}, a.Log.Component("queue").Logger)

	a.Engine = service.NewWorkflowEngine(a.Store, ref, ServiceConfig(cfg), a.Log.Component("engine"))
	a.Routing = service.NewApprovalRoutingService(a.Engine, dispatcher, metrics.NewRecorder(), a.Log.Component("routing"))
	return nil
}

// ServiceConfig converts the workflow section into the engine's settings.
func ServiceConfig(cfg *config.Config) service.Config {
	sc := service.DefaultConfig()
	sc.TokenTTL = cfg.Workflow.TokenTTL
	sc.AutoApprovalEnabled = cfg.Workflow.AutoApprovalEnabled
	if len(cfg.Workflow.DefaultTokenActions) > 0 {
		sc.DefaultTokenActions = cfg.Workflow.DefaultTokenActions
	}
	if cfg.Auth.AdminRole != "" {
		sc.AdminRole = cfg.Auth.AdminRole
	}
	return sc
}

// Health pings the database and Redis.
func (a *App) Health(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	if a.DB != nil {
		if err := a.DB.Ping(ctx); err != nil {
			checks["database"] = err.Error()
		}
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
	}
	return checks
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
