package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"inventory-collector/internal/archive"
	"inventory-collector/internal/cleanup"
	"inventory-collector/internal/collectionstate"
	"inventory-collector/internal/config"
	"inventory-collector/internal/history"
	"inventory-collector/internal/jobs"
	"inventory-collector/internal/logger"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/queue"
	"inventory-collector/internal/reconcile"
	"inventory-collector/internal/rules"
	"inventory-collector/internal/store"
	"inventory-collector/internal/telemetry"
	workerproc "inventory-collector/internal/worker"
)

func main() {
	cfg := config.Load()
	base := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
	defer func() { _ = base.Sync() }()
	log := logger.Component(base, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName+"-worker", cfg.OTelExporter)
	if err != nil {
		log.Fatalw("init tracing", "error", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalw("connect postgres", "error", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalw("migrations", "error", err)
	}

	policy, err := config.LoadCleanupPolicy(cfg.CleanupPolicyFile)
	if err != nil {
		log.Fatalw("cleanup policy", "error", err)
	}
	var archiver cleanup.Archiver
	if s3, err := archive.NewS3Archiver(ctx, cfg); err != nil {
		log.Fatalw("init archive", "error", err)
	} else if s3 != nil {
		archiver = s3
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	gateway, dialer := plugin.FromConfig(cfg, logger.Component(base, "plugin"))
	defer dialer.Close()

	jobService := jobs.NewService(st, gateway, q, logger.Component(base, "jobs"))
	reconciler := reconcile.New(st,
		collectionstate.NewTracker(st, logger.Component(base, "collectionstate")),
		history.NewRecorder(st, logger.Component(base, "history")),
		logger.Component(base, "reconcile"))
	sweeper := cleanup.NewSweeper(st, archiver, cleanup.Options{
		JobTimeout:              cfg.JobTimeout,
		JobTerminationDays:      cfg.JobTerminationDays,
		ResourceTerminationDays: cfg.ResourceTerminationDays,
		DisconnectedDeleteCount: cfg.DisconnectedDeleteCount,
		Disconnect:              policy.Disconnect,
		Delete:                  policy.Delete,
		Excluded:                policy.Excluded(cfg.CleanupExcludedDomains),
	}, logger.Component(base, "cleanup")).WithPolicyLoader(func() (cleanup.Policy, error) {
		p, err := config.LoadCleanupPolicy(cfg.CleanupPolicyFile)
		if err != nil {
			return cleanup.Policy{}, err
		}
		return cleanup.Policy{Disconnect: p.Disconnect, Delete: p.Delete, Excluded: p.Excluded(cfg.CleanupExcludedDomains)}, nil
	})

	collector := workerproc.NewCollector(jobService, st, gateway,
		rules.NewEngine(st, logger.Component(base, "rules")), reconciler, sweeper, logger.Component(base, "collect"))

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, workerID, log)
	processor.RegisterHandler(queue.LaneCollect, collector.Handle)
	processor.RegisterHandler(queue.LaneCleanup, workerproc.CleanupHandler(sweeper, logger.Component(base, "cleanup")))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()

	log.Infow("worker started", "worker_id", workerID, "concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout, "backoff_initial", cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Errorw("worker stopped", "error", err)
	}
}
