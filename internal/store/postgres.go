package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inventory-collector/internal/models"
)

// Postgres wraps pgxpool for persistence. Queries with optional filters are
// built with squirrel; fixed statements are written inline.
type Postgres struct {
	pool *pgxpool.Pool
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health probes.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) query(ctx context.Context, b sq.Sqlizer) (pgx.Rows, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.pool.Query(ctx, sql, args...)
}

func (s *Postgres) exec(ctx context.Context, b sq.Sqlizer) (int64, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build statement: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func rowErr(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, id)
	}
	return fmt.Errorf("scan %s: %w", kind, err)
}

// marshalJSON encodes v for a JSONB column, substituting empty when v is nil.
func marshalJSON(v any, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}

func unmarshalJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// Jobs

const jobColumns = `job_id, domain_id, collector_id, plugin_id, status, total_tasks, remained_tasks,
	success_tasks, failure_tasks, mark_error, created_at, finished_at`

func scanJob(row scanner) (models.Job, error) {
	var j models.Job
	err := row.Scan(&j.JobID, &j.DomainID, &j.CollectorID, &j.PluginID, &j.Status, &j.TotalTasks,
		&j.RemainedTasks, &j.SuccessTasks, &j.FailureTasks, &j.MarkError, &j.CreatedAt, &j.FinishedAt)
	return j, err
}

func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.JobID, job.DomainID, job.CollectorID, job.PluginID, job.Status, job.TotalTasks,
		job.RemainedTasks, job.SuccessTasks, job.FailureTasks, job.MarkError, job.CreatedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID))
	if err != nil {
		return models.Job{}, rowErr(err, "job", jobID)
	}
	return j, nil
}

func jobSelect(q JobQuery) sq.SelectBuilder {
	b := psql.Select(jobColumns).From("jobs").OrderBy("created_at")
	if q.DomainID != "" {
		b = b.Where(sq.Eq{"domain_id": q.DomainID})
	}
	if q.CollectorID != "" {
		b = b.Where(sq.Eq{"collector_id": q.CollectorID})
	}
	if len(q.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": toStrings(q.Statuses)})
	}
	if !q.CreatedBefore.IsZero() {
		b = b.Where(sq.Lt{"created_at": q.CreatedBefore})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	return b
}

func (s *Postgres) ListJobs(ctx context.Context, q JobQuery) ([]models.Job, error) {
	rows, err := s.query(ctx, jobSelect(q))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Job, error) { return scanJob(row) })
}

func (s *Postgres) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, finishedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status = $2, finished_at = $3 WHERE job_id = $1`, jobID, status, finishedAt)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("job", jobID)
	}
	return nil
}

func (s *Postgres) IncrementJobError(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET mark_error = mark_error + 1 WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("increment job error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("job", jobID)
	}
	return nil
}

func (s *Postgres) SetJobTotals(ctx context.Context, jobID string, total int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET total_tasks = $2, remained_tasks = $2 WHERE job_id = $1`, jobID, total)
	if err != nil {
		return fmt.Errorf("set job totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("job", jobID)
	}
	return nil
}

// ApplyJobCounters adds d to the job counters in one statement so concurrent
// task completions never lose an update.
func (s *Postgres) ApplyJobCounters(ctx context.Context, jobID string, d models.JobCounterDelta) (models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET remained_tasks = remained_tasks + $2,
		    success_tasks = success_tasks + $3,
		    failure_tasks = failure_tasks + $4
		WHERE job_id = $1
		RETURNING `+jobColumns, jobID, d.Remained, d.Success, d.Failure))
	if err != nil {
		return models.Job{}, rowErr(err, "job", jobID)
	}
	return j, nil
}

func (s *Postgres) DeleteJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	return s.exec(ctx, psql.Delete("jobs").Where(sq.Eq{"job_id": jobIDs}))
}

// Job tasks

const jobTaskColumns = `job_task_id, job_id, domain_id, collector_id, secret_id, service_account_id,
	project_id, provider, status, options, created_count, updated_count, deleted_count,
	disconnected_count, failure_count, errors, created_at, started_at, finished_at`

func scanJobTask(row scanner) (models.JobTask, error) {
	var t models.JobTask
	var options, errs []byte
	if err := row.Scan(&t.JobTaskID, &t.JobID, &t.DomainID, &t.CollectorID, &t.SecretID, &t.ServiceAccountID,
		&t.ProjectID, &t.Provider, &t.Status, &options, &t.CreatedCount, &t.UpdatedCount, &t.DeletedCount,
		&t.DisconnectedCount, &t.FailureCount, &errs, &t.CreatedAt, &t.StartedAt, &t.FinishedAt); err != nil {
		return models.JobTask{}, err
	}
	if err := unmarshalJSON(options, &t.Options); err != nil {
		return models.JobTask{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := unmarshalJSON(errs, &t.Errors); err != nil {
		return models.JobTask{}, fmt.Errorf("unmarshal errors: %w", err)
	}
	return t, nil
}

func (s *Postgres) CreateJobTask(ctx context.Context, t models.JobTask) error {
	options, err := marshalJSON(t.Options, "{}")
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	errs, err := marshalJSON(t.Errors, "[]")
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_tasks (`+jobTaskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, t.JobTaskID, t.JobID, t.DomainID, t.CollectorID, t.SecretID, t.ServiceAccountID, t.ProjectID,
		t.Provider, t.Status, options, t.CreatedCount, t.UpdatedCount, t.DeletedCount,
		t.DisconnectedCount, t.FailureCount, errs, t.CreatedAt, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert job task: %w", err)
	}
	return nil
}

func (s *Postgres) GetJobTask(ctx context.Context, jobTaskID string) (models.JobTask, error) {
	t, err := scanJobTask(s.pool.QueryRow(ctx, `SELECT `+jobTaskColumns+` FROM job_tasks WHERE job_task_id = $1`, jobTaskID))
	if err != nil {
		return models.JobTask{}, rowErr(err, "job task", jobTaskID)
	}
	return t, nil
}

func (s *Postgres) ListJobTasks(ctx context.Context, q JobTaskQuery) ([]models.JobTask, error) {
	b := psql.Select(jobTaskColumns).From("job_tasks").OrderBy("created_at")
	if q.DomainID != "" {
		b = b.Where(sq.Eq{"domain_id": q.DomainID})
	}
	if q.JobID != "" {
		b = b.Where(sq.Eq{"job_id": q.JobID})
	}
	if len(q.Statuses) > 0 {
		b = b.Where(sq.Eq{"status": toStrings(q.Statuses)})
	}
	if !q.CreatedBefore.IsZero() {
		b = b.Where(sq.Lt{"created_at": q.CreatedBefore})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list job tasks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.JobTask, error) { return scanJobTask(row) })
}

func (s *Postgres) UpdateJobTask(ctx context.Context, t models.JobTask) error {
	options, err := marshalJSON(t.Options, "{}")
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	errs, err := marshalJSON(t.Errors, "[]")
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_tasks
		SET status = $2, options = $3, created_count = $4, updated_count = $5, deleted_count = $6,
		    disconnected_count = $7, failure_count = $8, errors = $9, started_at = $10, finished_at = $11
		WHERE job_task_id = $1
	`, t.JobTaskID, t.Status, options, t.CreatedCount, t.UpdatedCount, t.DeletedCount,
		t.DisconnectedCount, t.FailureCount, errs, t.StartedAt, t.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("job task", t.JobTaskID)
	}
	return nil
}

// Collection states

const collectionStateColumns = `collector_id, secret_id, resource_id, domain_id, disconnected_count, job_task_id, swept_job_id, updated_at`

func scanCollectionState(row scanner) (models.CollectionState, error) {
	var cs models.CollectionState
	err := row.Scan(&cs.CollectorID, &cs.SecretID, &cs.ResourceID, &cs.DomainID, &cs.DisconnectedCount, &cs.JobTaskID, &cs.SweptJobID, &cs.UpdatedAt)
	return cs, err
}

func (s *Postgres) CreateCollectionState(ctx context.Context, cs models.CollectionState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO collection_states (`+collectionStateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (domain_id, collector_id, resource_id, secret_id) DO NOTHING
	`, cs.CollectorID, cs.SecretID, cs.ResourceID, cs.DomainID, cs.DisconnectedCount, cs.JobTaskID, cs.SweptJobID, cs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert collection state: %w", err)
	}
	return nil
}

func (s *Postgres) GetCollectionState(ctx context.Context, key models.CollectionStateKey) (models.CollectionState, error) {
	cs, err := scanCollectionState(s.pool.QueryRow(ctx, `
		SELECT `+collectionStateColumns+` FROM collection_states
		WHERE domain_id = $1 AND collector_id = $2 AND resource_id = $3 AND secret_id = $4
	`, key.DomainID, key.CollectorID, key.ResourceID, key.SecretID))
	if err != nil {
		return models.CollectionState{}, rowErr(err, "collection state", key.ResourceID)
	}
	return cs, nil
}

func (s *Postgres) ResetCollectionState(ctx context.Context, key models.CollectionStateKey, jobTaskID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE collection_states SET disconnected_count = 0, job_task_id = $5, updated_at = $6
		WHERE domain_id = $1 AND collector_id = $2 AND resource_id = $3 AND secret_id = $4
	`, key.DomainID, key.CollectorID, key.ResourceID, key.SecretID, jobTaskID, now)
	if err != nil {
		return fmt.Errorf("reset collection state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("collection state", key.ResourceID)
	}
	return nil
}

// IncrementDisconnected bumps every state in scope once per job and returns
// the updated rows. A second call for the same job updates nothing.
func (s *Postgres) IncrementDisconnected(ctx context.Context, scope SweepScope, now time.Time) ([]models.CollectionState, error) {
	taskIDs := scope.JobTaskIDs
	if taskIDs == nil {
		taskIDs = []string{}
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE collection_states
		SET disconnected_count = disconnected_count + 1, swept_job_id = $4, updated_at = $6
		WHERE domain_id = $1 AND collector_id = $2 AND secret_id = $3
		  AND swept_job_id <> $4 AND NOT (job_task_id = ANY($5))
		RETURNING `+collectionStateColumns, scope.DomainID, scope.CollectorID, scope.SecretID, scope.JobID, taskIDs, now)
	if err != nil {
		return nil, fmt.Errorf("increment disconnected: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CollectionState, error) {
		return scanCollectionState(row)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ResourceID < out[k].ResourceID })
	return out, nil
}

func (s *Postgres) ListCollectionStates(ctx context.Context, q CollectionStateQuery) ([]models.CollectionState, error) {
	b := psql.Select(collectionStateColumns).From("collection_states").
		OrderBy("disconnected_count DESC", "resource_id")
	if q.DomainID != "" {
		b = b.Where(sq.Eq{"domain_id": q.DomainID})
	}
	if q.CollectorID != "" {
		b = b.Where(sq.Eq{"collector_id": q.CollectorID})
	}
	if q.SecretID != "" {
		b = b.Where(sq.Eq{"secret_id": q.SecretID})
	}
	if q.ResourceID != "" {
		b = b.Where(sq.Eq{"resource_id": q.ResourceID})
	}
	if q.MinDisconnectedCount > 0 {
		b = b.Where(sq.GtOrEq{"disconnected_count": q.MinDisconnectedCount})
	}
	rows, err := s.query(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list collection states: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.CollectionState, error) {
		return scanCollectionState(row)
	})
}

func (s *Postgres) DeleteCollectionState(ctx context.Context, key models.CollectionStateKey) error {
	n, err := s.exec(ctx, psql.Delete("collection_states").Where(sq.Eq{
		"domain_id":    key.DomainID,
		"collector_id": key.CollectorID,
		"resource_id":  key.ResourceID,
		"secret_id":    key.SecretID,
	}))
	if err != nil {
		return fmt.Errorf("delete collection state: %w", err)
	}
	if n == 0 {
		return notFound("collection state", key.ResourceID)
	}
	return nil
}

func (s *Postgres) DeleteCollectionStatesByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error) {
	if len(resourceIDs) == 0 {
		return 0, nil
	}
	return s.exec(ctx, psql.Delete("collection_states").Where(sq.Eq{"domain_id": domainID, "resource_id": resourceIDs}))
}

func (s *Postgres) DeleteCollectionStatesByCollector(ctx context.Context, domainID, collectorID string) (int64, error) {
	return s.exec(ctx, psql.Delete("collection_states").Where(sq.Eq{"domain_id": domainID, "collector_id": collectorID}))
}

func toStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
