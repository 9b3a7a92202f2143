package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "inventory-collector/internal/api"
	"inventory-collector/internal/collectionstate"
	"inventory-collector/internal/config"
	"inventory-collector/internal/history"
	"inventory-collector/internal/jobs"
	"inventory-collector/internal/logger"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/queue"
	"inventory-collector/internal/ratelimit"
	"inventory-collector/internal/reconcile"
	"inventory-collector/internal/rules"
	"inventory-collector/internal/store"
	"inventory-collector/internal/telemetry"
)

func main() {
	cfg := config.Load()
	base := logger.New(cfg.LogLevel, logger.Format(cfg.LogFormat))
	defer func() { _ = base.Sync() }()
	log := logger.Component(base, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName+"-api", cfg.OTelExporter)
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

	q := queue.NewRedisQueue(cfg)
	defer q.Close()
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisLimiter.Close()
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	gateway, dialer := plugin.FromConfig(cfg, logger.Component(base, "plugin"))
	defer dialer.Close()

	reconciler := reconcile.New(st,
		collectionstate.NewTracker(st, logger.Component(base, "collectionstate")),
		history.NewRecorder(st, logger.Component(base, "history")),
		logger.Component(base, "reconcile"))

	server := api.New(api.Deps{
		Jobs:      jobs.NewService(st, gateway, q, logger.Component(base, "jobs")),
		Rules:     rules.NewService(st, logger.Component(base, "rules")),
		Resources: st,
		Writer:    reconciler,
		Limiter:   limiter,
		DLQ:       q,
	}, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "error", err)
	}
}
