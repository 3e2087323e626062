package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pesio-ai/be-approval-workflows/internal/app"
	"github.com/pesio-ai/be-approval-workflows/internal/client"
	"github.com/pesio-ai/be-approval-workflows/internal/config"
	"github.com/pesio-ai/be-approval-workflows/internal/worker"
	"github.com/pesio-ai/be-approval-workflows/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name + "-worker",
		Version:     cfg.Service.Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise dependencies")
	}
	defer a.Close()

	publisher := client.NewNotificationPublisher(a.NATS, cfg.Workflow.PublicBaseURL, log.Component("notifications").Logger)

	var invalidator worker.Invalidator
	if a.Cache != nil {
		invalidator = a.Cache
	}
	handlers := worker.NewHandlers(publisher, invalidator, log.Component("tasks").Logger)

	srv, err := worker.NewServer(worker.Config{
		RedisAddr:      cfg.Redis.Addr,
		RedisPassword:  cfg.Redis.Password,
		RedisDB:        cfg.Redis.DB,
		Concurrency:    cfg.Worker.Concurrency,
		PurgeSchedule:  cfg.Worker.PurgeSchedule,
		PurgeRetention: cfg.Worker.PurgeRetention,
	}, handlers, a.Routing, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create worker")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker")
	}

	<-ctx.Done()
	srv.Shutdown()
	log.Info().Msg("Worker stopped")
}
