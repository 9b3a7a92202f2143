// Package jobs fans collection jobs out into job tasks and rolls task outcomes
// back up into their job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inventory-collector/internal/lifecycle"
	"inventory-collector/internal/models"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/store"
	"inventory-collector/internal/telemetry"
)

// Error codes attached to job task errors.
const (
	CodePluginGateway  = "ERROR_PLUGIN_GATEWAY"
	CodeCollectFailure = "ERROR_COLLECT_RESOURCE"
	CodeReconcile      = "ERROR_RECONCILE_RESOURCE"
	CodeTaskFailure    = "ERROR_JOB_TASK"
)

// Store is the persistence the job service needs.
type Store interface {
	store.JobStore
	store.JobTaskStore
	GetCollector(ctx context.Context, collectorID string) (models.Collector, error)
	GetSecret(ctx context.Context, secretID string) (models.Secret, error)
}

// TaskPlanner is the plugin side of a job: it checks a secret and splits the
// work for it into sub-tasks.
type TaskPlanner interface {
	Init(ctx context.Context, domainID string, info models.PluginInfo) (map[string]any, error)
	Verify(ctx context.Context, domainID string, info models.PluginInfo, secretData map[string]any) error
	GetTasks(ctx context.Context, domainID string, info models.PluginInfo, secretData map[string]any) ([]map[string]any, error)
}

// Queue hands job task ids to workers.
type Queue interface {
	EnqueueTask(ctx context.Context, jobTaskID string) error
	Cancel(ctx context.Context, id string) error
}

type Service struct {
	store   Store
	planner TaskPlanner
	queue   Queue
	log     *zap.SugaredLogger
	now     func() time.Time
	newID   func(prefix string) string
}

func NewService(st Store, planner TaskPlanner, queue Queue, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:   st,
		planner: planner,
		queue:   queue,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func(prefix string) string { return prefix + "-" + uuid.NewString() },
	}
}

func (s *Service) collector(ctx context.Context, domainID, collectorID string) (models.Collector, error) {
	collector, err := s.store.GetCollector(ctx, collectorID)
	if err != nil {
		return models.Collector{}, err
	}
	if collector.DomainID != domainID {
		return models.Collector{}, fmt.Errorf("collector %s: %w", collectorID, models.ErrNotFound)
	}
	return collector, nil
}

// InitPlugin asks the collector's plugin for its metadata.
func (s *Service) InitPlugin(ctx context.Context, domainID, collectorID string) (map[string]any, error) {
	collector, err := s.collector(ctx, domainID, collectorID)
	if err != nil {
		return nil, err
	}
	meta, err := s.planner.Init(ctx, domainID, collector.Plugin)
	if err != nil {
		return nil, err
	}
	s.log.Infow("plugin initialized", "collector_id", collectorID, "plugin_id", collector.Plugin.PluginID)
	return meta, nil
}

// Verify checks secretID, or every secret of the collector when secretID is
// empty, against the collector's plugin.
func (s *Service) Verify(ctx context.Context, domainID, collectorID, secretID string) error {
	collector, err := s.collector(ctx, domainID, collectorID)
	if err != nil {
		return err
	}
	ids := collector.SecretIDs
	if secretID != "" {
		if !slices.Contains(ids, secretID) {
			return fmt.Errorf("secret %s of collector %s: %w", secretID, collectorID, models.ErrNotFound)
		}
		ids = []string{secretID}
	}
	for _, id := range ids {
		secret, err := s.store.GetSecret(ctx, id)
		if err != nil {
			return err
		}
		if err := s.planner.Verify(ctx, domainID, collector.Plugin, secret.Data); err != nil {
			return fmt.Errorf("verify secret %s: %w", id, err)
		}
	}
	return nil
}

// CreateJob starts a collection run for a collector: one job task per secret
// and plugin sub-task. A secret the plugin rejects, or whose sub-tasks cannot
// be listed, gets a single task that fails immediately.
func (s *Service) CreateJob(ctx context.Context, domainID, collectorID string) (models.Job, error) {
	collector, err := s.collector(ctx, domainID, collectorID)
	if err != nil {
		return models.Job{}, err
	}

	now := s.now()
	job := models.Job{
		JobID:       s.newID("job"),
		DomainID:    domainID,
		CollectorID: collectorID,
		PluginID:    collector.Plugin.PluginID,
		Status:      models.JobCreated,
		CreatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	telemetry.JobsCreated.Inc()
	log := s.log.With("job_id", job.JobID, "collector_id", collectorID, "domain_id", domainID)

	type planned struct {
		task    models.JobTask
		planErr error
	}
	var tasks []planned
	for _, secretID := range collector.SecretIDs {
		secret, err := s.store.GetSecret(ctx, secretID)
		if err != nil {
			log.Warnw("secret unavailable, skipped", "secret_id", secretID, "error", err)
			continue
		}
		base := models.JobTask{
			JobID:            job.JobID,
			DomainID:         domainID,
			CollectorID:      collectorID,
			SecretID:         secret.SecretID,
			ServiceAccountID: secret.ServiceAccountID,
			ProjectID:        secret.ProjectID,
			Provider:         secret.Provider,
			Status:           models.TaskPending,
			CreatedAt:        now,
		}
		if base.Provider == "" {
			base.Provider = collector.Provider
		}
		if err := s.planner.Verify(ctx, domainID, collector.Plugin, secret.Data); err != nil {
			base.JobTaskID = s.newID("job-task")
			tasks = append(tasks, planned{task: base, planErr: err})
			continue
		}
		subTasks, err := s.planner.GetTasks(ctx, domainID, collector.Plugin, secret.Data)
		if err != nil {
			base.JobTaskID = s.newID("job-task")
			tasks = append(tasks, planned{task: base, planErr: err})
			continue
		}
		for _, opts := range subTasks {
			t := base
			t.JobTaskID = s.newID("job-task")
			t.Options = opts
			tasks = append(tasks, planned{task: t})
		}
	}

	for _, p := range tasks {
		if err := s.store.CreateJobTask(ctx, p.task); err != nil {
			return models.Job{}, err
		}
	}
	if err := s.store.SetJobTotals(ctx, job.JobID, len(tasks)); err != nil {
		return models.Job{}, err
	}
	job.TotalTasks, job.RemainedTasks = len(tasks), len(tasks)

	if len(tasks) == 0 {
		if err := s.transitionJob(ctx, &job, lifecycle.ActionSuccess); err != nil {
			return models.Job{}, err
		}
		log.Infow("job has no tasks")
		return job, nil
	}
	if err := s.transitionJob(ctx, &job, lifecycle.ActionInProgress); err != nil {
		return models.Job{}, err
	}

	for _, p := range tasks {
		if p.planErr != nil {
			task := p.task
			if err := lifecycle.TransitionTask(&task, lifecycle.ActionInProgress, s.now()); err != nil {
				return models.Job{}, err
			}
			if _, err := s.Finish(ctx, task, p.planErr); err != nil {
				return models.Job{}, err
			}
			continue
		}
		if err := s.queue.EnqueueTask(ctx, p.task.JobTaskID); err != nil {
			return models.Job{}, fmt.Errorf("enqueue job task %s: %w", p.task.JobTaskID, err)
		}
	}
	log.Infow("job created", "tasks", len(tasks))
	return s.store.GetJob(ctx, job.JobID)
}

// Start leases a job task for execution. It reports false when the task or
// its job was canceled, timed out, or already finished.
func (s *Service) Start(ctx context.Context, jobTaskID string) (models.JobTask, bool, error) {
	task, err := s.store.GetJobTask(ctx, jobTaskID)
	if err != nil {
		return models.JobTask{}, false, err
	}
	if task.Status.Terminal() {
		return task, false, nil
	}
	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return models.JobTask{}, false, err
	}
	if job.Status == models.JobCanceled || job.Status == models.JobTimeout {
		return task, false, nil
	}

	if err := lifecycle.TransitionTask(&task, lifecycle.ActionInProgress, s.now()); err != nil {
		return models.JobTask{}, false, err
	}
	if err := s.store.UpdateJobTask(ctx, task); err != nil {
		return models.JobTask{}, false, err
	}
	if err := s.transitionJob(ctx, &job, lifecycle.ActionInProgress); err != nil {
		return models.JobTask{}, false, err
	}
	return task, true, nil
}

// AddError appends an error to the task and marks its job as failed. The task
// itself is persisted by the caller.
func (s *Service) AddError(ctx context.Context, task *models.JobTask, code, message string, data models.JobTaskErrorData) error {
	lifecycle.AddError(task, code, message, data)
	job, err := s.store.GetJob(ctx, task.JobID)
	if err != nil {
		return err
	}
	return s.transitionJob(ctx, &job, lifecycle.ActionError)
}

// Finish closes a job task as SUCCESS, or FAILURE when cause is non-nil, and
// applies the outcome to the job counters. The last task to finish settles the job.
func (s *Service) Finish(ctx context.Context, task models.JobTask, cause error) (models.Job, error) {
	delta := models.JobCounterDelta{Remained: -1}
	if cause == nil {
		if err := lifecycle.TransitionTask(&task, lifecycle.ActionSuccess, s.now()); err != nil {
			return models.Job{}, err
		}
		delta.Success = 1
		telemetry.TasksSucceeded.Inc()
	} else {
		code := CodeTaskFailure
		var gwErr *plugin.GatewayError
		if errors.As(cause, &gwErr) {
			code = CodePluginGateway
		}
		if err := s.AddError(ctx, &task, code, cause.Error(), models.JobTaskErrorData{Provider: task.Provider}); err != nil {
			return models.Job{}, err
		}
		if err := lifecycle.TransitionTask(&task, lifecycle.ActionFailure, s.now()); err != nil {
			return models.Job{}, err
		}
		delta.Failure = 1
		telemetry.TasksFailed.Inc()
	}
	if err := s.store.UpdateJobTask(ctx, task); err != nil {
		return models.Job{}, err
	}

	job, err := s.store.ApplyJobCounters(ctx, task.JobID, delta)
	if err != nil {
		return models.Job{}, fmt.Errorf("roll up job task %s: %w", task.JobTaskID, err)
	}
	if job.RemainedTasks > 0 || job.Status == models.JobCanceled || job.Status == models.JobTimeout {
		return job, nil
	}
	// success from FAILURE is a no-op, so a job with errors stays failed
	if err := s.transitionJob(ctx, &job, lifecycle.ActionSuccess); err != nil {
		return models.Job{}, err
	}
	s.log.Infow("job finished", "job_id", job.JobID, "status", job.Status,
		"success_tasks", job.SuccessTasks, "failure_tasks", job.FailureTasks)
	return job, nil
}

// Cancel stops a job. Pending and running tasks are canceled; envelopes already
// in flight still complete.
func (s *Service) Cancel(ctx context.Context, domainID, jobID string) (models.Job, error) {
	job, err := s.Get(ctx, domainID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := s.transitionJob(ctx, &job, lifecycle.ActionCanceled); err != nil {
		return models.Job{}, err
	}
	tasks, err := s.store.ListJobTasks(ctx, store.JobTaskQuery{
		JobID:    jobID,
		Statuses: []models.JobTaskStatus{models.TaskPending, models.TaskInProgress},
	})
	if err != nil {
		return job, err
	}
	var errs []error
	for _, t := range tasks {
		if err := lifecycle.TransitionTask(&t, lifecycle.ActionCanceled, s.now()); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.UpdateJobTask(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.queue.Cancel(ctx, t.JobTaskID); err != nil {
			errs = append(errs, fmt.Errorf("dequeue job task %s: %w", t.JobTaskID, err))
		}
	}
	s.log.Infow("job canceled", "job_id", jobID, "tasks", len(tasks))
	return job, errors.Join(errs...)
}

// Get returns a job of the domain.
func (s *Service) Get(ctx context.Context, domainID, jobID string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.DomainID != domainID {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

func (s *Service) Tasks(ctx context.Context, domainID, jobID string) ([]models.JobTask, error) {
	if _, err := s.Get(ctx, domainID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListJobTasks(ctx, store.JobTaskQuery{DomainID: domainID, JobID: jobID})
}

func (s *Service) List(ctx context.Context, q store.JobQuery) ([]models.Job, error) {
	return s.store.ListJobs(ctx, q)
}

// transitionJob applies action and persists the result. The error action also
// bumps the job's error mark.
func (s *Service) transitionJob(ctx context.Context, job *models.Job, action lifecycle.Action) error {
	before := job.Status
	if err := lifecycle.TransitionJob(job, action, s.now()); err != nil {
		return err
	}
	if action == lifecycle.ActionError {
		if err := s.store.IncrementJobError(ctx, job.JobID); err != nil {
			return err
		}
	}
	if job.Status == before && action != lifecycle.ActionError {
		return nil
	}
	return s.store.UpdateJobStatus(ctx, job.JobID, job.Status, job.FinishedAt)
}
