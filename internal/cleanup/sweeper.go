// Package cleanup times out stalled jobs, disconnects and deletes resources
// collectors stopped reporting, and purges expired history.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"inventory-collector/internal/lifecycle"
	"inventory-collector/internal/models"
	"inventory-collector/internal/reconcile"
	"inventory-collector/internal/store"
	"inventory-collector/internal/telemetry"
)

// CodeJobTimeout is attached to job tasks failed by the timeout sweep.
const CodeJobTimeout = "ERROR_JOB_TIMEOUT"

// Store is the persistence the sweeper needs.
type Store interface {
	store.JobStore
	store.JobTaskStore
	store.CollectionStateStore
	store.RecordStore
	store.ResourceStore
}

// Archiver keeps a copy of a resource's history before it is purged.
type Archiver interface {
	Archive(ctx context.Context, res models.Resource, records []models.Record, notes []models.Note) error
}

// Options carries the sweep thresholds. Disconnect and Delete map resource
// type expressions to an age in hours. Resources of Excluded domains are never
// deleted.
type Options struct {
	JobTimeout              time.Duration
	JobTerminationDays      int
	ResourceTerminationDays int
	DisconnectedDeleteCount int
	Disconnect              map[string]int
	Delete                  map[string]int
	Excluded                map[string]bool
}

// Policy is the part of Options read from the cleanup policy file.
type Policy struct {
	Disconnect map[string]int
	Delete     map[string]int
	Excluded   map[string]bool
}

// PolicyLoader reads the current policy.
type PolicyLoader func() (Policy, error)

func (o Options) withDefaults() Options {
	if o.JobTimeout <= 0 {
		o.JobTimeout = 2 * time.Hour
	}
	if o.JobTerminationDays <= 0 {
		o.JobTerminationDays = 60
	}
	if o.ResourceTerminationDays <= 0 {
		o.ResourceTerminationDays = 90
	}
	if o.DisconnectedDeleteCount <= 0 {
		o.DisconnectedDeleteCount = 3
	}
	return o
}

type Sweeper struct {
	store    Store
	archiver Archiver
	opts     Options
	log      *zap.SugaredLogger
	now      func() time.Time

	mu     sync.RWMutex
	policy Policy
	loader PolicyLoader
}

// NewSweeper builds a sweeper. archiver may be nil, in which case history is
// purged without a copy.
func NewSweeper(st Store, archiver Archiver, opts Options, log *zap.SugaredLogger) *Sweeper {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts = opts.withDefaults()
	return &Sweeper{
		store:    st,
		archiver: archiver,
		opts:     opts,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
		policy:   Policy{Disconnect: opts.Disconnect, Delete: opts.Delete, Excluded: opts.Excluded},
	}
}

// WithPolicyLoader makes every Dispatch re-read the policy through load
// before running its stages.
func (s *Sweeper) WithPolicyLoader(load PolicyLoader) *Sweeper {
	s.loader = load
	return s
}

// ReloadPolicy replaces the policy with a fresh copy from the loader. On
// error the previous policy stays in effect.
func (s *Sweeper) ReloadPolicy() error {
	if s.loader == nil {
		return nil
	}
	p, err := s.loader()
	if err != nil {
		return fmt.Errorf("reload cleanup policy: %w", err)
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

func (s *Sweeper) currentPolicy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// UpdateJobState fails job tasks that stayed PENDING or IN_PROGRESS longer
// than the job timeout, whatever their job's status, and rolls each one into
// its job's counters. Jobs still CREATED or IN_PROGRESS after the timeout
// become TIMEOUT.
func (s *Sweeper) UpdateJobState(ctx context.Context, domainID string) error {
	now := s.now()
	cutoff := now.Add(-s.opts.JobTimeout)
	var errs []error

	tasks, err := s.store.ListJobTasks(ctx, store.JobTaskQuery{
		DomainID:      domainID,
		Statuses:      []models.JobTaskStatus{models.TaskPending, models.TaskInProgress},
		CreatedBefore: cutoff,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("list stalled job tasks: %w", err))
	}
	for _, t := range tasks {
		if err := s.timeoutTask(ctx, t, now); err != nil {
			errs = append(errs, err)
		}
	}

	jobs, err := s.store.ListJobs(ctx, store.JobQuery{
		DomainID:      domainID,
		Statuses:      []models.JobStatus{models.JobCreated, models.JobInProgress},
		CreatedBefore: cutoff,
	})
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list stalled jobs: %w", err))...)
	}
	for _, job := range jobs {
		if err := lifecycle.TransitionJob(&job, lifecycle.ActionTimeout, now); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.UpdateJobStatus(ctx, job.JobID, job.Status, job.FinishedAt); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.JobID, err))
		}
	}
	if len(tasks) > 0 || len(jobs) > 0 {
		s.log.Infow("stalled work timed out", "domain_id", domainID, "job_tasks", len(tasks), "jobs", len(jobs))
	}
	return errors.Join(errs...)
}

func (s *Sweeper) timeoutTask(ctx context.Context, t models.JobTask, now time.Time) error {
	lifecycle.AddError(&t, CodeJobTimeout, fmt.Sprintf("job task exceeded %s", s.opts.JobTimeout), models.JobTaskErrorData{Provider: t.Provider})
	if err := lifecycle.TransitionTask(&t, lifecycle.ActionFailure, now); err != nil {
		return err
	}
	if err := s.store.UpdateJobTask(ctx, t); err != nil {
		return fmt.Errorf("job task %s: %w", t.JobTaskID, err)
	}
	if _, err := s.store.ApplyJobCounters(ctx, t.JobID, models.JobCounterDelta{Remained: -1, Failure: 1}); err != nil {
		return fmt.Errorf("roll up job task %s: %w", t.JobTaskID, err)
	}
	telemetry.TasksFailed.Inc()
	return nil
}

// expressions parses the policy map in a stable order. Malformed entries are
// logged and skipped.
func (s *Sweeper) expressions(policy map[string]int, step string) []policyEntry {
	keys := make([]string, 0, len(policy))
	for k := range policy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]policyEntry, 0, len(keys))
	for _, k := range keys {
		expr, err := ParseExpression(k)
		if err != nil {
			s.log.Warnw("skipping malformed resource type expression", "step", step, "expression", k, "error", err)
			continue
		}
		out = append(out, policyEntry{expr: expr, hours: policy[k]})
	}
	return out
}

type policyEntry struct {
	expr  Expression
	hours int
}

// MarkDisconnected flips live resources not updated within the configured
// hours to DISCONNECTED. MANUAL resources are never touched.
func (s *Sweeper) MarkDisconnected(ctx context.Context, domainID string) error {
	now := s.now()
	var errs []error
	for _, p := range s.expressions(s.currentPolicy().Disconnect, "mark_disconnected") {
		resources, err := s.store.ListResources(ctx, store.ResourceQuery{
			DomainID:                domainID,
			ResourceType:            p.expr.ResourceType,
			Conditions:              p.expr.Conditions,
			States:                  []models.ResourceState{models.ResourceActive},
			ExcludeCollectionStates: []models.CollectionStatus{models.CollectionDisconnected, models.CollectionManual},
			UpdatedBefore:           now.Add(-time.Duration(p.hours) * time.Hour),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("mark disconnected %q: %w", p.expr.Raw, err))
			continue
		}
		n, err := s.store.SetCollectionStatus(ctx, domainID, resourceIDs(resources), models.CollectionDisconnected)
		if err != nil {
			errs = append(errs, fmt.Errorf("mark disconnected %q: %w", p.expr.Raw, err))
			continue
		}
		telemetry.ResourceChanges.WithLabelValues(telemetry.OutcomeDisconnected).Add(float64(n))
		if n > 0 {
			s.log.Infow("resources disconnected", "domain_id", domainID, "expression", p.expr.Raw, "count", n)
		}
	}
	return errors.Join(errs...)
}

// DeleteResources soft-deletes DISCONNECTED resources older than the configured hours.
func (s *Sweeper) DeleteResources(ctx context.Context, domainID string) error {
	now := s.now()
	var errs []error
	for _, p := range s.expressions(s.currentPolicy().Delete, "delete_resources") {
		resources, err := s.store.ListResources(ctx, store.ResourceQuery{
			DomainID:         domainID,
			ResourceType:     p.expr.ResourceType,
			Conditions:       p.expr.Conditions,
			States:           []models.ResourceState{models.ResourceActive},
			CollectionStates: []models.CollectionStatus{models.CollectionDisconnected},
			UpdatedBefore:    now.Add(-time.Duration(p.hours) * time.Hour),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete resources %q: %w", p.expr.Raw, err))
			continue
		}
		if _, err := s.softDelete(ctx, domainID, resources); err != nil {
			errs = append(errs, fmt.Errorf("delete resources %q: %w", p.expr.Raw, err))
		}
	}
	return errors.Join(errs...)
}

// softDelete marks resources DELETED and drops their records, notes and
// collection states. A failing resource does not stop the others.
func (s *Sweeper) softDelete(ctx context.Context, domainID string, resources []models.Resource) (int, error) {
	now := s.now()
	var errs []error
	deleted := make([]string, 0, len(resources))
	for _, res := range resources {
		reconcile.MarkDeleted(&res, now)
		if err := s.store.UpdateResource(ctx, res); err != nil {
			errs = append(errs, fmt.Errorf("resource %s: %w", res.ResourceID, err))
			continue
		}
		deleted = append(deleted, res.ResourceID)
	}
	if len(deleted) == 0 {
		return 0, errors.Join(errs...)
	}
	if _, err := s.store.DeleteRecordsByResource(ctx, domainID, deleted...); err != nil {
		errs = append(errs, fmt.Errorf("cascade records: %w", err))
	}
	if _, err := s.store.DeleteNotesByResource(ctx, domainID, deleted...); err != nil {
		errs = append(errs, fmt.Errorf("cascade notes: %w", err))
	}
	if _, err := s.store.DeleteCollectionStatesByResource(ctx, domainID, deleted...); err != nil {
		errs = append(errs, fmt.Errorf("cascade collection states: %w", err))
	}
	telemetry.ResourceChanges.WithLabelValues(telemetry.OutcomeDeleted).Add(float64(len(deleted)))
	s.log.Infow("resources deleted", "domain_id", domainID, "count", len(deleted))
	return len(deleted), errors.Join(errs...)
}

// TerminateJobs hard-deletes jobs, with their tasks, created before the retention window.
func (s *Sweeper) TerminateJobs(ctx context.Context, domainID string) error {
	cutoff := s.now().AddDate(0, 0, -s.opts.JobTerminationDays)
	jobs, err := s.store.ListJobs(ctx, store.JobQuery{DomainID: domainID, CreatedBefore: cutoff})
	if err != nil {
		return fmt.Errorf("list expired jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.JobID)
	}
	n, err := s.store.DeleteJobs(ctx, ids)
	if err != nil {
		return fmt.Errorf("delete expired jobs: %w", err)
	}
	s.log.Infow("jobs terminated", "domain_id", domainID, "count", n)
	return nil
}

// TerminateResources purges resources soft-deleted before the retention
// window. With an archiver configured, a resource whose history cannot be
// archived is kept for the next run.
func (s *Sweeper) TerminateResources(ctx context.Context, domainID string) error {
	cutoff := s.now().AddDate(0, 0, -s.opts.ResourceTerminationDays)
	resources, err := s.store.ListResources(ctx, store.ResourceQuery{
		DomainID:      domainID,
		States:        []models.ResourceState{models.ResourceDeleted},
		DeletedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("list expired resources: %w", err)
	}
	var errs []error
	purge := make([]string, 0, len(resources))
	for _, res := range resources {
		if err := s.archive(ctx, res); err != nil {
			errs = append(errs, fmt.Errorf("archive resource %s: %w", res.ResourceID, err))
			continue
		}
		purge = append(purge, res.ResourceID)
	}
	if len(purge) == 0 {
		return errors.Join(errs...)
	}
	if _, err := s.store.DeleteRecordsByResource(ctx, domainID, purge...); err != nil {
		errs = append(errs, fmt.Errorf("purge records: %w", err))
	}
	if _, err := s.store.DeleteNotesByResource(ctx, domainID, purge...); err != nil {
		errs = append(errs, fmt.Errorf("purge notes: %w", err))
	}
	n, err := s.store.PurgeResources(ctx, domainID, purge)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge resources: %w", err))
	}
	s.log.Infow("resources terminated", "domain_id", domainID, "count", n)
	return errors.Join(errs...)
}

func (s *Sweeper) archive(ctx context.Context, res models.Resource) error {
	if s.archiver == nil {
		return nil
	}
	records, err := s.store.ListRecords(ctx, res.DomainID, res.ResourceID)
	if err != nil {
		return err
	}
	notes, err := s.store.ListNotes(ctx, res.DomainID, res.ResourceID)
	if err != nil {
		return err
	}
	return s.archiver.Archive(ctx, res, records, notes)
}

// SweepResult counts what an end-of-job sweep changed. Skipped is set when
// the sweep did not run because sibling tasks are unfinished or failed.
type SweepResult struct {
	Disconnected int
	Deleted      int
	Skipped      bool
}

// SweepCollector runs after a job task finishes. Once every task of the job
// for the same secret has succeeded, each collection state of the collector
// and secret that none of those tasks reported gains one disconnect; the
// resources behind them become DISCONNECTED, and those that reached the delete
// count are soft-deleted unless another collector still reports them or the
// domain is excluded. The counts are added to the finished task.
//
// Siblings finishing together may both run the sweep; a state is counted at
// most once per job.
func (s *Sweeper) SweepCollector(ctx context.Context, jobTaskID string) (SweepResult, error) {
	task, err := s.store.GetJobTask(ctx, jobTaskID)
	if err != nil {
		return SweepResult{}, fmt.Errorf("job task %s: %w", jobTaskID, err)
	}
	siblings, err := s.store.ListJobTasks(ctx, store.JobTaskQuery{DomainID: task.DomainID, JobID: task.JobID})
	if err != nil {
		return SweepResult{}, fmt.Errorf("tasks of job %s: %w", task.JobID, err)
	}
	scope := store.SweepScope{
		DomainID:    task.DomainID,
		CollectorID: task.CollectorID,
		SecretID:    task.SecretID,
		JobID:       task.JobID,
	}
	for _, t := range siblings {
		if t.SecretID != task.SecretID {
			continue
		}
		if t.Status != models.TaskSuccess {
			return SweepResult{Skipped: true}, nil
		}
		scope.JobTaskIDs = append(scope.JobTaskIDs, t.JobTaskID)
	}

	res, err := s.sweep(ctx, scope)
	if res.Disconnected > 0 || res.Deleted > 0 {
		task, gerr := s.store.GetJobTask(ctx, jobTaskID)
		if gerr == nil {
			task.DisconnectedCount += res.Disconnected
			task.DeletedCount += res.Deleted
			gerr = s.store.UpdateJobTask(ctx, task)
		}
		if gerr != nil {
			err = errors.Join(err, fmt.Errorf("record sweep on job task %s: %w", jobTaskID, gerr))
		}
	}
	s.log.Infow("collector swept", "domain_id", scope.DomainID, "collector_id", scope.CollectorID, "secret_id", scope.SecretID,
		"job_id", scope.JobID, "job_task_id", jobTaskID, "disconnected", res.Disconnected, "deleted", res.Deleted)
	return res, err
}

func (s *Sweeper) sweep(ctx context.Context, scope store.SweepScope) (SweepResult, error) {
	domainID, collectorID, secretID := scope.DomainID, scope.CollectorID, scope.SecretID
	states, err := s.store.IncrementDisconnected(ctx, scope, s.now())
	if err != nil {
		return SweepResult{}, fmt.Errorf("increment disconnected for collector %s: %w", collectorID, err)
	}
	if len(states) == 0 {
		return SweepResult{}, nil
	}
	keep := s.currentPolicy().Excluded[domainID]

	ids := make([]string, 0, len(states))
	expired := map[string]bool{}
	for _, cs := range states {
		ids = append(ids, cs.ResourceID)
		if cs.DisconnectedCount >= s.opts.DisconnectedDeleteCount {
			expired[cs.ResourceID] = true
		}
	}
	live, err := s.store.ListResources(ctx, store.ResourceQuery{
		DomainID:                domainID,
		ResourceIDs:             ids,
		States:                  []models.ResourceState{models.ResourceActive},
		ExcludeCollectionStates: []models.CollectionStatus{models.CollectionManual},
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("list swept resources: %w", err)
	}

	var (
		res       SweepResult
		errs      []error
		toDelete  []models.Resource
		toMarkIDs []string
	)
	for _, r := range live {
		if !expired[r.ResourceID] || keep {
			toMarkIDs = append(toMarkIDs, r.ResourceID)
			continue
		}
		shared, err := s.reportedElsewhere(ctx, domainID, collectorID, secretID, r.ResourceID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if shared {
			key := models.CollectionStateKey{DomainID: domainID, CollectorID: collectorID, ResourceID: r.ResourceID, SecretID: secretID}
			if err := s.store.DeleteCollectionState(ctx, key); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		toDelete = append(toDelete, r)
	}

	n, err := s.store.SetCollectionStatus(ctx, domainID, toMarkIDs, models.CollectionDisconnected)
	if err != nil {
		errs = append(errs, err)
	}
	res.Disconnected = int(n)
	telemetry.ResourceChanges.WithLabelValues(telemetry.OutcomeDisconnected).Add(float64(n))

	deleted, err := s.softDelete(ctx, domainID, toDelete)
	if err != nil {
		errs = append(errs, err)
	}
	res.Deleted = deleted
	return res, errors.Join(errs...)
}

// reportedElsewhere tells whether another collector or secret still sees the resource.
func (s *Sweeper) reportedElsewhere(ctx context.Context, domainID, collectorID, secretID, resourceID string) (bool, error) {
	states, err := s.store.ListCollectionStates(ctx, store.CollectionStateQuery{DomainID: domainID, ResourceID: resourceID})
	if err != nil {
		return false, fmt.Errorf("collection states of %s: %w", resourceID, err)
	}
	for _, cs := range states {
		if cs.CollectorID == collectorID && cs.SecretID == secretID {
			continue
		}
		if cs.DisconnectedCount < s.opts.DisconnectedDeleteCount {
			return true, nil
		}
	}
	return false, nil
}

func resourceIDs(resources []models.Resource) []string {
	ids := make([]string, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.ResourceID)
	}
	return ids
}
