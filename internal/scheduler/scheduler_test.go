package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/cleanup"
	"inventory-collector/internal/config"
	"inventory-collector/internal/models"
	"inventory-collector/internal/pipeline"
	"inventory-collector/internal/store"
)

type recordingJobs struct {
	created []string
	failFor string
}

func (j *recordingJobs) CreateJob(_ context.Context, domainID, collectorID string) (models.Job, error) {
	if collectorID == j.failFor {
		return models.Job{}, errors.New("plugin registry down")
	}
	j.created = append(j.created, domainID+"/"+collectorID)
	return models.Job{JobID: "job-" + collectorID}, nil
}

type recordingQueue struct{ tasks []pipeline.Task }

func (q *recordingQueue) EnqueuePipeline(_ context.Context, task pipeline.Task) (string, error) {
	q.tasks = append(q.tasks, task)
	return task.ID, nil
}

func catalog() *store.Memory {
	mem := store.NewMemory()
	mem.PutCollector(models.Collector{CollectorID: "c-hourly", DomainID: "d-1", Schedule: models.Schedule{Enabled: true, Hours: []int{3, 15}}})
	mem.PutCollector(models.Collector{CollectorID: "c-off", DomainID: "d-1", Schedule: models.Schedule{Enabled: false, Hours: []int{15}}})
	mem.PutCollector(models.Collector{CollectorID: "c-other", DomainID: "d-2", Schedule: models.Schedule{Enabled: true, Hours: []int{15}}})
	return mem
}

func TestCollectDueMatchesUTCHour(t *testing.T) {
	ctx := context.Background()
	jobs := &recordingJobs{}
	s := New(config.Config{}, catalog(), jobs, &recordingQueue{}, nil)

	n, err := s.CollectDue(ctx, time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"d-1/c-hourly", "d-2/c-other"}, jobs.created)

	jobs.created = nil
	n, err = s.CollectDue(ctx, time.Date(2024, 5, 1, 4, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCollectDueContinuesPastFailures(t *testing.T) {
	jobs := &recordingJobs{failFor: "c-hourly"}
	s := New(config.Config{}, catalog(), jobs, &recordingQueue{}, nil)

	n, err := s.CollectDue(context.Background(), time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC))
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"d-2/c-other"}, jobs.created)
}

func TestPushCleanupHonorsExclusions(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "cleanup.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("excluded_domains: [d-2]\n"), 0o600))

	q := &recordingQueue{}
	s := New(config.Config{CleanupPolicyFile: policy}, catalog(), &recordingJobs{}, q, nil)
	n, err := s.PushCleanup(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	methods := map[string][]string{}
	for _, task := range q.tasks {
		require.Equal(t, cleanup.TaskName, task.Name)
		for _, st := range task.Stages {
			methods[task.Domain] = append(methods[task.Domain], st.Method)
		}
	}
	require.Contains(t, methods["d-1"], cleanup.MethodDeleteResources)
	require.NotContains(t, methods["d-2"], cleanup.MethodDeleteResources)
	require.Contains(t, methods["d-2"], cleanup.MethodUpdateJobState)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(config.Config{}, catalog(), &recordingJobs{}, &recordingQueue{}, nil)
	require.Error(t, s.Start(context.Background(), "not a cron spec", "@every 1h"))
}
