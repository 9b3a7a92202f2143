// Package scheduler triggers hourly collections and periodic cleanup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"inventory-collector/internal/cleanup"
	"inventory-collector/internal/config"
	"inventory-collector/internal/models"
	"inventory-collector/internal/pipeline"
)

type Catalog interface {
	ListDomains(ctx context.Context) ([]string, error)
	ListCollectors(ctx context.Context, domainID string) ([]models.Collector, error)
}

type JobCreator interface {
	CreateJob(ctx context.Context, domainID, collectorID string) (models.Job, error)
}

type PipelineQueue interface {
	EnqueuePipeline(ctx context.Context, task pipeline.Task) (string, error)
}

// Scheduler owns a cron instance running two entries: scheduled collection
// and cleanup fan-out.
type Scheduler struct {
	cron     *cron.Cron
	catalog  Catalog
	jobs     JobCreator
	queue    PipelineQueue
	policy   string
	excluded []string
	log      *zap.SugaredLogger
	now      func() time.Time
}

func New(cfg config.Config, catalog Catalog, jobs JobCreator, q PipelineQueue, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		catalog:  catalog,
		jobs:     jobs,
		queue:    q,
		policy:   cfg.CleanupPolicyFile,
		excluded: cfg.CleanupExcludedDomains,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers both entries and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context, collectSpec, cleanupSpec string) error {
	if _, err := s.cron.AddFunc(collectSpec, func() {
		if _, err := s.CollectDue(ctx, s.now()); err != nil {
			s.log.Errorw("scheduled collection", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("collect schedule %q: %w", collectSpec, err)
	}
	if _, err := s.cron.AddFunc(cleanupSpec, func() {
		if _, err := s.PushCleanup(ctx); err != nil {
			s.log.Errorw("cleanup fan-out", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", cleanupSpec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for running entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// CollectDue creates a job for every collector scheduled at now's UTC hour. A
// failing collector does not stop the others.
func (s *Scheduler) CollectDue(ctx context.Context, now time.Time) (int, error) {
	domains, err := s.catalog.ListDomains(ctx)
	if err != nil {
		return 0, fmt.Errorf("list domains: %w", err)
	}
	hour := now.UTC().Hour()
	var (
		created int
		errs    []error
	)
	for _, d := range domains {
		collectors, err := s.catalog.ListCollectors(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("list collectors of %s: %w", d, err))
			continue
		}
		for _, c := range collectors {
			if !c.Schedule.Enabled || !slices.Contains(c.Schedule.Hours, hour) {
				continue
			}
			job, err := s.jobs.CreateJob(ctx, d, c.CollectorID)
			if err != nil {
				errs = append(errs, fmt.Errorf("collector %s: %w", c.CollectorID, err))
				continue
			}
			created++
			s.log.Infow("scheduled job created", "domain_id", d, "collector_id", c.CollectorID, "job_id", job.JobID)
		}
	}
	return created, errors.Join(errs...)
}

// PushCleanup reloads the cleanup policy and enqueues one cleanup task per domain.
func (s *Scheduler) PushCleanup(ctx context.Context) (int, error) {
	policy, err := config.LoadCleanupPolicy(s.policy)
	if err != nil {
		return 0, err
	}
	domains, err := s.catalog.ListDomains(ctx)
	if err != nil {
		return 0, fmt.Errorf("list domains: %w", err)
	}
	var errs []error
	pushed := 0
	for _, task := range cleanup.BuildTasks(domains, policy.Excluded(s.excluded)) {
		if _, err := s.queue.EnqueuePipeline(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("enqueue cleanup for %s: %w", task.Domain, err))
			continue
		}
		pushed++
	}
	s.log.Infow("cleanup tasks pushed", "count", pushed)
	return pushed, errors.Join(errs...)
}
