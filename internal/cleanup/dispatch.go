package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inventory-collector/internal/pipeline"
	"inventory-collector/internal/telemetry"
)

// Sweep method names carried by pipeline stages.
const (
	MethodUpdateJobState     = "update_job_state"
	MethodMarkDisconnected   = "mark_disconnected"
	MethodDeleteResources    = "delete_resources"
	MethodTerminateJobs      = "terminate_jobs"
	MethodTerminateResources = "terminate_resources"
	MethodSweepCollector     = "sweep_collector"
)

const (
	TaskName     = "inventory_cleanup"
	TaskVersion  = "v1"
	StageLocator = "inventory.cleanup"
	StageName    = "Sweeper"
)

func stage(method, domainID string) pipeline.Stage {
	return pipeline.Stage{
		Locator: StageLocator,
		Name:    StageName,
		Method:  method,
		Params:  map[string]any{"domain_id": domainID},
	}
}

// BuildTasks returns one cleanup descriptor per domain. Domains in excluded
// still time out and terminate jobs but never lose resources.
func BuildTasks(domains []string, excluded map[string]bool) []pipeline.Task {
	tasks := make([]pipeline.Task, 0, len(domains))
	for _, d := range domains {
		stages := []pipeline.Stage{
			stage(MethodUpdateJobState, d),
			stage(MethodMarkDisconnected, d),
		}
		if !excluded[d] {
			stages = append(stages, stage(MethodDeleteResources, d))
		}
		stages = append(stages, stage(MethodTerminateJobs, d))
		if !excluded[d] {
			stages = append(stages, stage(MethodTerminateResources, d))
		}
		tasks = append(tasks, pipeline.Task{
			ID:      "cleanup-" + uuid.NewString(),
			Name:    TaskName,
			Version: TaskVersion,
			Domain:  d,
			Stages:  stages,
		})
	}
	return tasks
}

// Dispatch re-reads the cleanup policy, then runs every stage of task against
// the sweeper. A failing stage is logged and counted; the remaining stages
// still run.
func (s *Sweeper) Dispatch(ctx context.Context, task pipeline.Task) error {
	if err := s.ReloadPolicy(); err != nil {
		s.log.Warnw("keeping previous cleanup policy", "task_id", task.ID, "error", err)
	}
	var errs []error
	for _, st := range task.Stages {
		start := time.Now()
		err := s.runStage(ctx, task, st)
		if err != nil {
			telemetry.CleanupErrors.WithLabelValues(st.Method).Inc()
			s.log.Errorw("cleanup stage failed", "task_id", task.ID, "domain_id", task.Domain, "method", st.Method, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", st.Method, err))
			continue
		}
		s.log.Debugw("cleanup stage done", "task_id", task.ID, "domain_id", task.Domain, "method", st.Method, "took", time.Since(start))
	}
	return errors.Join(errs...)
}

func (s *Sweeper) runStage(ctx context.Context, task pipeline.Task, st pipeline.Stage) error {
	if st.Locator != StageLocator {
		return fmt.Errorf("unknown locator %q", st.Locator)
	}
	domainID := st.StringParam("domain_id")
	if domainID == "" {
		domainID = task.Domain
	}
	if domainID == "" {
		return errors.New("stage has no domain_id")
	}
	switch st.Method {
	case MethodUpdateJobState:
		return s.UpdateJobState(ctx, domainID)
	case MethodMarkDisconnected:
		return s.MarkDisconnected(ctx, domainID)
	case MethodDeleteResources:
		return s.DeleteResources(ctx, domainID)
	case MethodTerminateJobs:
		return s.TerminateJobs(ctx, domainID)
	case MethodTerminateResources:
		return s.TerminateResources(ctx, domainID)
	case MethodSweepCollector:
		jobTaskID := st.StringParam("job_task_id")
		if jobTaskID == "" {
			return errors.New("sweep_collector stage has no job_task_id")
		}
		_, err := s.SweepCollector(ctx, jobTaskID)
		return err
	}
	return fmt.Errorf("unknown method %q", st.Method)
}
