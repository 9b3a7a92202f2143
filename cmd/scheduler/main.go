package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"inventory-collector/internal/config"
	"inventory-collector/internal/jobs"
	"inventory-collector/internal/logger"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/queue"
	"inventory-collector/internal/scheduler"
	"inventory-collector/internal/store"
	"inventory-collector/internal/telemetry"
)

func main() {
	cfg := config.Load()
	base := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
	defer func() { _ = base.Sync() }()
	log := logger.Component(base, "scheduler")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "error", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	gateway, dialer := plugin.FromConfig(cfg, logger.Component(base, "plugin"))
	defer dialer.Close()

	s := scheduler.New(cfg, st, jobs.NewService(st, gateway, q, logger.Component(base, "jobs")), q, log)
	if err := s.Start(ctx, cfg.CollectSchedule, cfg.CleanupSchedule); err != nil {
		log.Fatalw("start scheduler", "error", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	log.Infow("scheduler started", "collect", cfg.CollectSchedule, "cleanup", cfg.CleanupSchedule)
	<-ctx.Done()
	s.Stop()
}
