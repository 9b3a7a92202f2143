package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/lifecycle"
	"inventory-collector/internal/models"
	"inventory-collector/internal/plugin"
	"inventory-collector/internal/store"
)

type fakePlanner struct {
	tasks    map[string][]map[string]any
	fail     map[string]error
	rejected map[string]error
	planned  *[]string
}

func (f fakePlanner) Init(_ context.Context, _ string, info models.PluginInfo) (map[string]any, error) {
	return map[string]any{"plugin_id": info.PluginID}, nil
}

func (f fakePlanner) Verify(_ context.Context, _ string, _ models.PluginInfo, secretData map[string]any) error {
	key, _ := secretData["key"].(string)
	return f.rejected[key]
}

func (f fakePlanner) GetTasks(_ context.Context, _ string, _ models.PluginInfo, secretData map[string]any) ([]map[string]any, error) {
	key, _ := secretData["key"].(string)
	if f.planned != nil {
		*f.planned = append(*f.planned, key)
	}
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	if t, ok := f.tasks[key]; ok {
		return t, nil
	}
	return []map[string]any{{}}, nil
}

type fakeQueue struct {
	enqueued []string
	canceled []string
}

func (q *fakeQueue) EnqueueTask(_ context.Context, id string) error {
	q.enqueued = append(q.enqueued, id)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, id string) error {
	q.canceled = append(q.canceled, id)
	return nil
}

func seed(t *testing.T, planner fakePlanner) (*Service, *store.Memory, *fakeQueue) {
	t.Helper()
	mem := store.NewMemory()
	mem.PutCollector(models.Collector{
		CollectorID: "collector-1",
		DomainID:    "d-1",
		Provider:    "aws",
		Plugin:      models.PluginInfo{PluginID: "plugin-aws"},
		SecretIDs:   []string{"secret-1", "secret-2"},
	})
	mem.PutSecret(models.Secret{SecretID: "secret-1", DomainID: "d-1", ServiceAccountID: "sa-1", Data: map[string]any{"key": "one"}})
	mem.PutSecret(models.Secret{SecretID: "secret-2", DomainID: "d-1", ServiceAccountID: "sa-2", Data: map[string]any{"key": "two"}})
	q := &fakeQueue{}
	return NewService(mem, planner, q, nil), mem, q
}

func TestCreateJobFansOutPerSecretAndSubTask(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := seed(t, fakePlanner{tasks: map[string][]map[string]any{
		"one": {{"region": "us-east-1"}, {"region": "eu-west-1"}},
	}})

	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)
	require.Equal(t, models.JobInProgress, job.Status)
	require.Equal(t, 3, job.TotalTasks)
	require.Equal(t, 3, job.RemainedTasks)
	require.Len(t, q.enqueued, 3)

	tasks, err := mem.ListJobTasks(ctx, store.JobTaskQuery{JobID: job.JobID})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.Equal(t, models.TaskPending, task.Status)
		require.Equal(t, "aws", task.Provider)
	}
}

func TestCreateJobRejectsOtherDomain(t *testing.T) {
	svc, _, _ := seed(t, fakePlanner{})
	_, err := svc.CreateJob(context.Background(), "d-2", "collector-1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestJobSucceedsWhenAllTasksSucceed(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := seed(t, fakePlanner{})
	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)

	for _, id := range q.enqueued {
		task, ok, err := svc.Start(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, task.StartedAt)
		_, err = svc.Finish(ctx, task, nil)
		require.NoError(t, err)
	}

	got, err := mem.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobSuccess, got.Status)
	require.Equal(t, 2, got.SuccessTasks)
	require.Zero(t, got.RemainedTasks)
	require.NotNil(t, got.FinishedAt)
}

func TestTaskErrorMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := seed(t, fakePlanner{})
	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)

	first, _, err := svc.Start(ctx, q.enqueued[0])
	require.NoError(t, err)
	gwErr := &plugin.GatewayError{PluginID: "plugin-aws", Op: "collect", Err: errors.New("unavailable")}
	_, err = svc.Finish(ctx, first, gwErr)
	require.NoError(t, err)

	second, _, err := svc.Start(ctx, q.enqueued[1])
	require.NoError(t, err)
	final, err := svc.Finish(ctx, second, nil)
	require.NoError(t, err)
	require.Equal(t, models.JobFailure, final.Status)

	got, err := mem.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailure, got.Status)
	require.Equal(t, 1, got.MarkError)
	require.Equal(t, 1, got.FailureTasks)
	require.Equal(t, 1, got.SuccessTasks)

	failed, err := mem.GetJobTask(ctx, first.JobTaskID)
	require.NoError(t, err)
	require.Equal(t, models.TaskFailure, failed.Status)
	require.Len(t, failed.Errors, 1)
	require.Equal(t, CodePluginGateway, failed.Errors[0].ErrorCode)
}

func TestPlanningFailureFailsThatSecretOnly(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := seed(t, fakePlanner{fail: map[string]error{"two": errors.New("AuthFailure")}})

	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)
	require.Len(t, q.enqueued, 1)
	require.Equal(t, 2, job.TotalTasks)
	require.Equal(t, 1, job.RemainedTasks)
	require.Equal(t, 1, job.FailureTasks)

	tasks, err := mem.ListJobTasks(ctx, store.JobTaskQuery{JobID: job.JobID, Statuses: []models.JobTaskStatus{models.TaskFailure}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "secret-2", tasks[0].SecretID)
}

func TestRejectedSecretIsNotPlanned(t *testing.T) {
	ctx := context.Background()
	var planned []string
	rejected := &plugin.GatewayError{PluginID: "plugin-aws", Op: "verify", Err: errors.New("invalid credentials")}
	svc, mem, q := seed(t, fakePlanner{rejected: map[string]error{"one": rejected}, planned: &planned})

	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)
	require.Equal(t, []string{"two"}, planned)
	require.Len(t, q.enqueued, 1)
	require.Equal(t, 1, job.FailureTasks)

	tasks, err := mem.ListJobTasks(ctx, store.JobTaskQuery{JobID: job.JobID, Statuses: []models.JobTaskStatus{models.TaskFailure}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "secret-1", tasks[0].SecretID)
	require.Equal(t, CodePluginGateway, tasks[0].Errors[0].ErrorCode)
}

func TestVerifyCollectorSecrets(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := seed(t, fakePlanner{rejected: map[string]error{"two": errors.New("expired key")}})

	require.NoError(t, svc.Verify(ctx, "d-1", "collector-1", "secret-1"))
	require.ErrorContains(t, svc.Verify(ctx, "d-1", "collector-1", "secret-2"), "expired key")
	require.ErrorContains(t, svc.Verify(ctx, "d-1", "collector-1", ""), "secret-2")
	require.ErrorIs(t, svc.Verify(ctx, "d-1", "collector-1", "secret-9"), models.ErrNotFound)
	require.ErrorIs(t, svc.Verify(ctx, "d-2", "collector-1", ""), models.ErrNotFound)
}

func TestInitPlugin(t *testing.T) {
	svc, _, _ := seed(t, fakePlanner{})
	meta, err := svc.InitPlugin(context.Background(), "d-1", "collector-1")
	require.NoError(t, err)
	require.Equal(t, "plugin-aws", meta["plugin_id"])
}

func TestCancelSkipsPendingTasks(t *testing.T) {
	ctx := context.Background()
	svc, mem, q := seed(t, fakePlanner{})
	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)

	canceled, err := svc.Cancel(ctx, "d-1", job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobCanceled, canceled.Status)
	require.ElementsMatch(t, q.enqueued, q.canceled)

	_, ok, err := svc.Start(ctx, q.enqueued[0])
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := mem.GetJobTask(ctx, q.enqueued[0])
	require.NoError(t, err)
	require.Equal(t, models.TaskCanceled, stored.Status)
}

func TestInProgressAfterCancelIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, mem, _ := seed(t, fakePlanner{})
	job, err := svc.CreateJob(ctx, "d-1", "collector-1")
	require.NoError(t, err)
	job, err = svc.Cancel(ctx, "d-1", job.JobID)
	require.NoError(t, err)

	err = svc.transitionJob(ctx, &job, lifecycle.ActionInProgress)
	var invalid *lifecycle.InvalidStateChangeError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, job.JobID, invalid.ID)
	require.Equal(t, lifecycle.ActionInProgress, invalid.Action)

	got, err := mem.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	require.Equal(t, models.JobCanceled, got.Status)

	_, err = svc.Cancel(ctx, "d-1", job.JobID)
	require.ErrorAs(t, err, &invalid)
}
