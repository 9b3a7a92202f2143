package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inventory-collector/internal/models"
	"inventory-collector/internal/pipeline"
	"inventory-collector/internal/store"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(mem *store.Memory, archiver Archiver, opts Options) *Sweeper {
	s := NewSweeper(mem, archiver, opts, nil)
	s.now = func() time.Time { return now }
	return s
}

func putResource(t *testing.T, mem *store.Memory, id string, updated time.Time, coll models.CollectionStatus, data map[string]any) {
	t.Helper()
	require.NoError(t, mem.CreateResource(context.Background(), models.Resource{
		ResourceID:     id,
		DomainID:       "d-1",
		ResourceType:   "inventory.Server",
		Name:           id,
		Data:           data,
		State:          models.ResourceActive,
		CollectionInfo: models.CollectionInfo{State: coll, CollectorIDs: []string{"collector-1"}},
		CreatedAt:      updated,
		UpdatedAt:      updated,
	}))
}

func putHistory(t *testing.T, mem *store.Memory, resourceID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.CreateRecord(ctx, models.Record{RecordID: "rec-" + resourceID, DomainID: "d-1", ResourceID: resourceID, Action: models.ActionCreate}))
	require.NoError(t, mem.CreateNote(ctx, models.Note{NoteID: "note-" + resourceID, DomainID: "d-1", ResourceID: resourceID, Note: "owned by infra"}))
}

// putFinishedTask stores a job with one task per status, all for collector-1.
func putFinishedTask(t *testing.T, mem *store.Memory, jobID string, tasks map[string]models.JobTaskStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: jobID, DomainID: "d-1", CollectorID: "collector-1", Status: models.JobInProgress, CreatedAt: now}))
	for id, status := range tasks {
		require.NoError(t, mem.CreateJobTask(ctx, models.JobTask{JobTaskID: id, JobID: jobID, DomainID: "d-1",
			CollectorID: "collector-1", SecretID: "secret-1", Status: status, CreatedAt: now}))
	}
}

func requireCascaded(t *testing.T, mem *store.Memory, resourceID string) {
	t.Helper()
	ctx := context.Background()
	records, err := mem.ListRecords(ctx, "d-1", resourceID)
	require.NoError(t, err)
	require.Empty(t, records)
	notes, err := mem.ListNotes(ctx, "d-1", resourceID)
	require.NoError(t, err)
	require.Empty(t, notes)
}

func TestUpdateJobStateTimesOutStalledJobs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: "stalled", DomainID: "d-1", Status: models.JobInProgress, CreatedAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: "fresh", DomainID: "d-1", Status: models.JobInProgress, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, mem.CreateJobTask(ctx, models.JobTask{JobTaskID: "t-1", JobID: "stalled", DomainID: "d-1", Status: models.TaskInProgress, CreatedAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, mem.CreateJobTask(ctx, models.JobTask{JobTaskID: "t-2", JobID: "stalled", DomainID: "d-1", Status: models.TaskSuccess, CreatedAt: now.Add(-3 * time.Hour)}))
	require.NoError(t, mem.SetJobTotals(ctx, "stalled", 2))
	_, err := mem.ApplyJobCounters(ctx, "stalled", models.JobCounterDelta{Remained: -1, Success: 1})
	require.NoError(t, err)

	require.NoError(t, newSweeper(mem, nil, Options{}).UpdateJobState(ctx, "d-1"))

	stalled, err := mem.GetJob(ctx, "stalled")
	require.NoError(t, err)
	require.Equal(t, models.JobTimeout, stalled.Status)
	require.NotNil(t, stalled.FinishedAt)
	require.Equal(t, 0, stalled.RemainedTasks)
	require.Equal(t, 1, stalled.FailureTasks)

	fresh, err := mem.GetJob(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, models.JobInProgress, fresh.Status)

	task, err := mem.GetJobTask(ctx, "t-1")
	require.NoError(t, err)
	require.Equal(t, models.TaskFailure, task.Status)
	require.Equal(t, CodeJobTimeout, task.Errors[0].ErrorCode)

	done, err := mem.GetJobTask(ctx, "t-2")
	require.NoError(t, err)
	require.Equal(t, models.TaskSuccess, done.Status)
}

func TestUpdateJobStateFailsStalledTaskOfFailedJob(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	created := now.Add(-5 * time.Hour)
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: "job-1", DomainID: "d-1", Status: models.JobFailure, MarkError: 1, CreatedAt: created}))
	require.NoError(t, mem.SetJobTotals(ctx, "job-1", 2))
	_, err := mem.ApplyJobCounters(ctx, "job-1", models.JobCounterDelta{Remained: -1, Success: 1})
	require.NoError(t, err)
	require.NoError(t, mem.CreateJobTask(ctx, models.JobTask{JobTaskID: "done", JobID: "job-1", DomainID: "d-1", Status: models.TaskSuccess, CreatedAt: created}))
	require.NoError(t, mem.CreateJobTask(ctx, models.JobTask{JobTaskID: "stuck", JobID: "job-1", DomainID: "d-1", Status: models.TaskInProgress, CreatedAt: created}))

	require.NoError(t, newSweeper(mem, nil, Options{}).UpdateJobState(ctx, "d-1"))

	task, err := mem.GetJobTask(ctx, "stuck")
	require.NoError(t, err)
	require.Equal(t, models.TaskFailure, task.Status)
	job, err := mem.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, models.JobFailure, job.Status)
	require.Equal(t, 0, job.RemainedTasks)
	require.Equal(t, 1, job.FailureTasks)
	require.Equal(t, 1, job.SuccessTasks)
}

func TestMarkDisconnectedHonoursFiltersAndManual(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	old := now.Add(-5 * time.Hour)
	putResource(t, mem, "spot", old, models.CollectionActive, map[string]any{"aws": map[string]any{"lifecycle": "spot"}})
	putResource(t, mem, "ondemand", old, models.CollectionActive, map[string]any{"aws": map[string]any{"lifecycle": "normal"}})
	putResource(t, mem, "manual", old, models.CollectionManual, map[string]any{"aws": map[string]any{"lifecycle": "spot"}})
	putResource(t, mem, "recent", now, models.CollectionActive, map[string]any{"aws": map[string]any{"lifecycle": "spot"}})

	s := newSweeper(mem, nil, Options{Disconnect: map[string]int{
		"inventory.Server?data.aws.lifecycle=spot": 2,
		"inventory.Server?lifecycle":               1,
	}})
	require.NoError(t, s.MarkDisconnected(ctx, "d-1"))

	want := map[string]models.CollectionStatus{
		"spot":     models.CollectionDisconnected,
		"ondemand": models.CollectionActive,
		"manual":   models.CollectionManual,
		"recent":   models.CollectionActive,
	}
	for id, status := range want {
		r, err := mem.GetResource(ctx, "d-1", id)
		require.NoError(t, err)
		require.Equal(t, status, r.CollectionInfo.State, id)
		require.Equal(t, models.ResourceActive, r.State, id)
	}
}

func TestDeleteResourcesCascadesHistory(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putResource(t, mem, "gone", now.Add(-48*time.Hour), models.CollectionDisconnected, nil)
	putResource(t, mem, "live", now.Add(-48*time.Hour), models.CollectionActive, nil)
	putHistory(t, mem, "gone")
	putHistory(t, mem, "live")

	s := newSweeper(mem, nil, Options{Delete: map[string]int{"inventory.Server": 24}})
	require.NoError(t, s.DeleteResources(ctx, "d-1"))

	gone, err := mem.GetResource(ctx, "d-1", "gone")
	require.NoError(t, err)
	require.Equal(t, models.ResourceDeleted, gone.State)
	require.Equal(t, models.CollectionDeleted, gone.CollectionInfo.State)
	requireCascaded(t, mem, "gone")

	live, err := mem.GetResource(ctx, "d-1", "live")
	require.NoError(t, err)
	require.Equal(t, models.ResourceActive, live.State)
	records, err := mem.ListRecords(ctx, "d-1", "live")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestSweepCollectorDeletesAtThreshold(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, id := range []string{"stale", "missed", "seen"} {
		putResource(t, mem, id, now.Add(-time.Hour), models.CollectionActive, nil)
	}
	putHistory(t, mem, "stale")
	state := func(resourceID, jobTaskID string, count int) models.CollectionState {
		return models.CollectionState{DomainID: "d-1", CollectorID: "collector-1", SecretID: "secret-1",
			ResourceID: resourceID, JobTaskID: jobTaskID, DisconnectedCount: count}
	}
	require.NoError(t, mem.CreateCollectionState(ctx, state("stale", "task-0", 2)))
	require.NoError(t, mem.CreateCollectionState(ctx, state("missed", "task-0", 0)))
	require.NoError(t, mem.CreateCollectionState(ctx, state("seen", "task-1", 0)))

	putFinishedTask(t, mem, "job-1", map[string]models.JobTaskStatus{"task-1": models.TaskSuccess})

	s := newSweeper(mem, nil, Options{DisconnectedDeleteCount: 2})
	res, err := s.SweepCollector(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, SweepResult{Disconnected: 1, Deleted: 1}, res)

	task, err := mem.GetJobTask(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, 1, task.DisconnectedCount)
	require.Equal(t, 1, task.DeletedCount)

	again, err := s.SweepCollector(ctx, "task-1")
	require.NoError(t, err)
	require.Zero(t, again.Disconnected+again.Deleted)

	stale, err := mem.GetResource(ctx, "d-1", "stale")
	require.NoError(t, err)
	require.Equal(t, models.ResourceDeleted, stale.State)
	requireCascaded(t, mem, "stale")
	_, err = mem.GetCollectionState(ctx, state("stale", "", 0).Key())
	require.ErrorIs(t, err, models.ErrNotFound)

	missed, err := mem.GetResource(ctx, "d-1", "missed")
	require.NoError(t, err)
	require.Equal(t, models.CollectionDisconnected, missed.CollectionInfo.State)
	cs, err := mem.GetCollectionState(ctx, state("missed", "", 0).Key())
	require.NoError(t, err)
	require.Equal(t, 1, cs.DisconnectedCount)

	seen, err := mem.GetCollectionState(ctx, state("seen", "", 0).Key())
	require.NoError(t, err)
	require.Zero(t, seen.DisconnectedCount)
}

func TestSweepCollectorKeepsResourceReportedElsewhere(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putResource(t, mem, "shared", now.Add(-time.Hour), models.CollectionActive, nil)
	require.NoError(t, mem.CreateCollectionState(ctx, models.CollectionState{DomainID: "d-1", CollectorID: "collector-1",
		SecretID: "secret-1", ResourceID: "shared", JobTaskID: "task-0", DisconnectedCount: 2}))
	require.NoError(t, mem.CreateCollectionState(ctx, models.CollectionState{DomainID: "d-1", CollectorID: "collector-2",
		SecretID: "secret-9", ResourceID: "shared", JobTaskID: "task-7"}))

	putFinishedTask(t, mem, "job-1", map[string]models.JobTaskStatus{"task-1": models.TaskSuccess})

	s := newSweeper(mem, nil, Options{DisconnectedDeleteCount: 3})
	res, err := s.SweepCollector(ctx, "task-1")
	require.NoError(t, err)
	require.Zero(t, res.Deleted)

	r, err := mem.GetResource(ctx, "d-1", "shared")
	require.NoError(t, err)
	require.Equal(t, models.ResourceActive, r.State)
	states, err := mem.ListCollectionStates(ctx, store.CollectionStateQuery{DomainID: "d-1", ResourceID: "shared"})
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "collector-2", states[0].CollectorID)
}

func TestSweepCollectorWaitsForSiblingTasks(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putResource(t, mem, "web-b", now.Add(-time.Hour), models.CollectionActive, nil)
	require.NoError(t, mem.CreateCollectionState(ctx, models.CollectionState{DomainID: "d-1", CollectorID: "collector-1",
		SecretID: "secret-1", ResourceID: "web-b", JobTaskID: "task-b"}))
	putFinishedTask(t, mem, "job-1", map[string]models.JobTaskStatus{
		"task-a": models.TaskSuccess,
		"task-b": models.TaskInProgress,
	})
	s := newSweeper(mem, nil, Options{})

	res, err := s.SweepCollector(ctx, "task-a")
	require.NoError(t, err)
	require.True(t, res.Skipped)

	b, err := mem.GetJobTask(ctx, "task-b")
	require.NoError(t, err)
	b.Status = models.TaskSuccess
	require.NoError(t, mem.UpdateJobTask(ctx, b))

	res, err = s.SweepCollector(ctx, "task-b")
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Zero(t, res.Disconnected)
	cs, err := mem.GetCollectionState(ctx, models.CollectionStateKey{DomainID: "d-1", CollectorID: "collector-1", ResourceID: "web-b", SecretID: "secret-1"})
	require.NoError(t, err)
	require.Zero(t, cs.DisconnectedCount)
}

func TestSweepCollectorSkipsAfterFailedSibling(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putResource(t, mem, "web-b", now.Add(-time.Hour), models.CollectionActive, nil)
	require.NoError(t, mem.CreateCollectionState(ctx, models.CollectionState{DomainID: "d-1", CollectorID: "collector-1",
		SecretID: "secret-1", ResourceID: "web-b", JobTaskID: "old-task"}))
	putFinishedTask(t, mem, "job-1", map[string]models.JobTaskStatus{
		"task-a": models.TaskSuccess,
		"task-b": models.TaskFailure,
	})

	res, err := newSweeper(mem, nil, Options{}).SweepCollector(ctx, "task-a")
	require.NoError(t, err)
	require.True(t, res.Skipped)
	r, err := mem.GetResource(ctx, "d-1", "web-b")
	require.NoError(t, err)
	require.Equal(t, models.CollectionActive, r.CollectionInfo.State)
}

func TestSweepCollectorNeverDeletesInExcludedDomain(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putResource(t, mem, "stale", now.Add(-time.Hour), models.CollectionDisconnected, nil)
	require.NoError(t, mem.CreateCollectionState(ctx, models.CollectionState{DomainID: "d-1", CollectorID: "collector-1",
		SecretID: "secret-1", ResourceID: "stale", JobTaskID: "task-0", DisconnectedCount: 5}))
	putFinishedTask(t, mem, "job-1", map[string]models.JobTaskStatus{"task-1": models.TaskSuccess})

	s := newSweeper(mem, nil, Options{DisconnectedDeleteCount: 2, Excluded: map[string]bool{"d-1": true}})
	res, err := s.SweepCollector(ctx, "task-1")
	require.NoError(t, err)
	require.Zero(t, res.Deleted)

	r, err := mem.GetResource(ctx, "d-1", "stale")
	require.NoError(t, err)
	require.Equal(t, models.ResourceActive, r.State)
	cs, err := mem.GetCollectionState(ctx, models.CollectionStateKey{DomainID: "d-1", CollectorID: "collector-1", ResourceID: "stale", SecretID: "secret-1"})
	require.NoError(t, err)
	require.Equal(t, 6, cs.DisconnectedCount)
}

type fakeArchiver struct {
	archived []string
	fail     map[string]bool
}

func (f *fakeArchiver) Archive(_ context.Context, res models.Resource, records []models.Record, _ []models.Note) error {
	if f.fail[res.ResourceID] {
		return errors.New("bucket unavailable")
	}
	f.archived = append(f.archived, res.ResourceID)
	return nil
}

func TestTerminateResourcesArchivesBeforePurge(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	deletedAt := now.AddDate(0, 0, -120)
	for _, id := range []string{"expired", "unarchivable"} {
		require.NoError(t, mem.CreateResource(ctx, models.Resource{ResourceID: id, DomainID: "d-1",
			State: models.ResourceDeleted, DeletedAt: &deletedAt}))
		putHistory(t, mem, id)
	}
	arch := &fakeArchiver{fail: map[string]bool{"unarchivable": true}}

	err := newSweeper(mem, arch, Options{}).TerminateResources(ctx, "d-1")
	require.Error(t, err)
	require.Equal(t, []string{"expired"}, arch.archived)

	_, err = mem.GetResource(ctx, "d-1", "expired")
	require.ErrorIs(t, err, models.ErrNotFound)
	requireCascaded(t, mem, "expired")

	_, err = mem.GetResource(ctx, "d-1", "unarchivable")
	require.NoError(t, err)
}

func TestTerminateJobs(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: "ancient", DomainID: "d-1", Status: models.JobSuccess, CreatedAt: now.AddDate(0, 0, -61)}))
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: "recent", DomainID: "d-1", Status: models.JobSuccess, CreatedAt: now.AddDate(0, 0, -1)}))

	require.NoError(t, newSweeper(mem, nil, Options{}).TerminateJobs(ctx, "d-1"))

	_, err := mem.GetJob(ctx, "ancient")
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = mem.GetJob(ctx, "recent")
	require.NoError(t, err)
}

func TestBuildTasksSkipsDeletionForExcludedDomains(t *testing.T) {
	tasks := BuildTasks([]string{"d-1", "d-2"}, map[string]bool{"d-2": true})
	require.Len(t, tasks, 2)

	methods := func(task pipeline.Task) []string {
		var out []string
		for _, st := range task.Stages {
			out = append(out, st.Method)
		}
		return out
	}
	require.Equal(t, []string{MethodUpdateJobState, MethodMarkDisconnected, MethodDeleteResources, MethodTerminateJobs, MethodTerminateResources}, methods(tasks[0]))
	require.Equal(t, []string{MethodUpdateJobState, MethodMarkDisconnected, MethodTerminateJobs}, methods(tasks[1]))
	require.Equal(t, "d-2", tasks[1].Domain)
}

func TestDispatchIsolatesFailingStages(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateJob(ctx, models.Job{JobID: "ancient", DomainID: "d-1", Status: models.JobSuccess, CreatedAt: now.AddDate(0, 0, -61)}))

	task := pipeline.Task{ID: "t", Name: TaskName, Domain: "d-1", Stages: []pipeline.Stage{
		{Locator: StageLocator, Name: StageName, Method: "compact_everything"},
		{Locator: StageLocator, Name: StageName, Method: MethodTerminateJobs, Params: map[string]any{"domain_id": "d-1"}},
	}}
	err := newSweeper(mem, nil, Options{}).Dispatch(ctx, task)
	require.ErrorContains(t, err, "compact_everything")

	_, err = mem.GetJob(ctx, "ancient")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestDispatchReloadsPolicy(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	putResource(t, mem, "idle", now.Add(-5*time.Hour), models.CollectionActive, nil)

	var policy Policy
	loads := 0
	s := newSweeper(mem, nil, Options{}).WithPolicyLoader(func() (Policy, error) {
		loads++
		if loads > 2 {
			return Policy{}, errors.New("policy file unreadable")
		}
		return policy, nil
	})
	task := pipeline.Task{ID: "t", Name: TaskName, Domain: "d-1", Stages: []pipeline.Stage{
		{Locator: StageLocator, Name: StageName, Method: MethodMarkDisconnected},
	}}

	require.NoError(t, s.Dispatch(ctx, task))
	r, err := mem.GetResource(ctx, "d-1", "idle")
	require.NoError(t, err)
	require.Equal(t, models.CollectionActive, r.CollectionInfo.State)

	policy = Policy{Disconnect: map[string]int{"inventory.Server": 1}}
	require.NoError(t, s.Dispatch(ctx, task))
	r, err = mem.GetResource(ctx, "d-1", "idle")
	require.NoError(t, err)
	require.Equal(t, models.CollectionDisconnected, r.CollectionInfo.State)

	require.NoError(t, s.Dispatch(ctx, task))
	require.Equal(t, 3, loads)
	require.Equal(t, policy.Disconnect, s.currentPolicy().Disconnect)
}
