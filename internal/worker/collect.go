package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"inventory-collector/internal/cleanup"
	"inventory-collector/internal/jobs"
	"inventory-collector/internal/models"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/queue"
	"inventory-collector/internal/reconcile"
	"inventory-collector/internal/rules"
	"inventory-collector/internal/telemetry"
)

// JobRunner moves job tasks through their lifecycle.
type JobRunner interface {
	Start(ctx context.Context, jobTaskID string) (models.JobTask, bool, error)
	AddError(ctx context.Context, task *models.JobTask, code, message string, data models.JobTaskErrorData) error
	Finish(ctx context.Context, task models.JobTask, cause error) (models.Job, error)
}

// Catalog reads what a job task needs besides the task itself.
type Catalog interface {
	GetCollector(ctx context.Context, collectorID string) (models.Collector, error)
	GetSecret(ctx context.Context, secretID string) (models.Secret, error)
	ListRules(ctx context.Context, domainID, collectorID string) ([]models.CollectorRule, error)
}

// Source opens the envelope stream of one job task.
type Source interface {
	Collect(ctx context.Context, domainID string, info models.PluginInfo, secretData, taskOptions map[string]any) (*plugin.Stream, error)
}

type RuleApplier interface {
	Apply(ctx context.Context, domainID string, rules []models.CollectorRule, resource map[string]any) (rules.Result, error)
}

type Upserter interface {
	Upsert(ctx context.Context, cc models.ChangeContext, resourceType string, doc map[string]any, matchRules map[string][]string) (reconcile.Result, error)
}

// CollectorSweeper counts misses for resources a finished job did not report.
type CollectorSweeper interface {
	SweepCollector(ctx context.Context, jobTaskID string) (cleanup.SweepResult, error)
}

// Collector executes job tasks: it streams envelopes from the plugin, runs
// them through the collector rules and reconciles them one at a time.
type Collector struct {
	jobs    JobRunner
	catalog Catalog
	source  Source
	rules   RuleApplier
	upsert  Upserter
	sweeper CollectorSweeper
	log     *zap.SugaredLogger
}

func NewCollector(jr JobRunner, catalog Catalog, source Source, ra RuleApplier, up Upserter, sw CollectorSweeper, log *zap.SugaredLogger) *Collector {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Collector{jobs: jr, catalog: catalog, source: source, rules: ra, upsert: up, sweeper: sw, log: log}
}

// Handle runs the job task named by item. Errors it returns are infrastructure
// failures worth a retry; plugin and envelope failures end up on the task.
func (c *Collector) Handle(ctx context.Context, item queue.Item) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "worker.collect", attribute.String("job_task_id", item.ID))
	defer func() { telemetry.EndSpan(span, err) }()

	task, ok, err := c.jobs.Start(ctx, item.ID)
	if errors.Is(err, models.ErrNotFound) {
		return Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("start job task %s: %w", item.ID, err)
	}
	if !ok {
		c.log.Infow("job task skipped", "job_task_id", task.JobTaskID, "job_id", task.JobID, "status", task.Status)
		return nil
	}
	span.SetAttributes(attribute.String("job_id", task.JobID), attribute.String("collector_id", task.CollectorID))

	cause := c.run(ctx, &task)
	if cause != nil && ctx.Err() != nil {
		// shutting down; leave the task in progress so the lease expires and it is retried
		return ctx.Err()
	}
	job, err := c.jobs.Finish(ctx, task, cause)
	if err != nil {
		return fmt.Errorf("finish job task %s: %w", task.JobTaskID, err)
	}
	c.log.Infow("job task finished", "job_task_id", task.JobTaskID, "job_id", task.JobID, "domain_id", task.DomainID,
		"created", task.CreatedCount, "updated", task.UpdatedCount, "failed", task.FailureCount,
		"job_status", job.Status, "error", cause)
	if cause != nil {
		return nil
	}

	// The task is settled; a sweep failure is left to the scheduled disconnect sweep.
	swept, err := c.sweeper.SweepCollector(ctx, task.JobTaskID)
	if err != nil {
		c.log.Warnw("collector sweep failed", "job_task_id", task.JobTaskID, "job_id", task.JobID, "error", err)
	} else if !swept.Skipped {
		span.SetAttributes(attribute.Int("disconnected", swept.Disconnected), attribute.Int("deleted", swept.Deleted))
	}
	return nil
}

// run returns the cause that fails the task, or nil.
func (c *Collector) run(ctx context.Context, task *models.JobTask) error {
	collector, err := c.catalog.GetCollector(ctx, task.CollectorID)
	if err != nil {
		return fmt.Errorf("collector %s: %w", task.CollectorID, err)
	}
	secret, err := c.catalog.GetSecret(ctx, task.SecretID)
	if err != nil {
		return fmt.Errorf("secret %s: %w", task.SecretID, err)
	}
	ruleList, err := c.catalog.ListRules(ctx, task.DomainID, task.CollectorID)
	if err != nil {
		return fmt.Errorf("collector rules: %w", err)
	}

	stream, err := c.source.Collect(ctx, task.DomainID, collector.Plugin, secret.Data, task.Options)
	if err != nil {
		return err
	}
	defer stream.Close()

	cc := models.ChangeContext{
		DomainID:         task.DomainID,
		CollectorID:      task.CollectorID,
		JobID:            task.JobID,
		JobTaskID:        task.JobTaskID,
		SecretID:         task.SecretID,
		ServiceAccountID: task.ServiceAccountID,
		PluginID:         collector.Plugin.PluginID,
	}
	for {
		env, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if err := c.handleEnvelope(ctx, task, cc, ruleList, env); err != nil {
			return err
		}
	}
	return nil
}

// handleEnvelope reconciles one envelope. Per-resource failures are recorded
// on the task; only an error recording them is returned.
func (c *Collector) handleEnvelope(ctx context.Context, task *models.JobTask, cc models.ChangeContext, ruleList []models.CollectorRule, env plugin.Envelope) error {
	if env.State == plugin.StateFailure {
		return c.recordFailure(ctx, task, jobs.CodeCollectFailure, env.ErrorMessage, env.ErrorData)
	}

	doc := env.Resource
	if _, ok := doc["project_id"]; !ok && task.ProjectID != "" {
		doc["project_id"] = task.ProjectID
	}
	applied, err := c.rules.Apply(ctx, task.DomainID, ruleList, doc)
	if err != nil {
		return c.recordFailure(ctx, task, jobs.CodeReconcile, err.Error(), env.ErrorData)
	}
	res, err := c.upsert.Upsert(ctx, cc, env.ResourceType, applied.Resource, env.MatchRules)
	if err != nil {
		c.log.Warnw("reconcile failed", "job_task_id", task.JobTaskID, "resource_type", env.ResourceType, "error", err)
		return c.recordFailure(ctx, task, jobs.CodeReconcile, err.Error(), env.ErrorData)
	}
	switch res.Outcome {
	case reconcile.OutcomeCreated:
		task.CreatedCount++
		telemetry.ResourceChanges.WithLabelValues(telemetry.OutcomeCreated).Inc()
	case reconcile.OutcomeUpdated:
		task.UpdatedCount++
		telemetry.ResourceChanges.WithLabelValues(telemetry.OutcomeUpdated).Inc()
	}
	return nil
}

func (c *Collector) recordFailure(ctx context.Context, task *models.JobTask, code, message string, data models.JobTaskErrorData) error {
	task.FailureCount++
	telemetry.ResourceChanges.WithLabelValues(telemetry.OutcomeFailed).Inc()
	if data.Provider == "" {
		data.Provider = task.Provider
	}
	return c.jobs.AddError(ctx, task, code, message, data)
}
