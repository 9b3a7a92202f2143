package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"inventory-collector/internal/docpath"
	"inventory-collector/internal/models"
)

// Memory is an in-process Store. Natural-key uniqueness is enforced by map keys.
type Memory struct {
	mu              sync.Mutex
	jobs            map[string]models.Job
	tasks           map[string]models.JobTask
	states          map[models.CollectionStateKey]models.CollectionState
	records         []models.Record
	notes           []models.Note
	rules           map[string]models.CollectorRule
	resources       map[string]models.Resource
	collectors      map[string]models.Collector
	secrets         map[string]models.Secret
	projects        []models.Project
	serviceAccounts []models.ServiceAccount
}

func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]models.Job),
		tasks:      make(map[string]models.JobTask),
		states:     make(map[models.CollectionStateKey]models.CollectionState),
		rules:      make(map[string]models.CollectorRule),
		resources:  make(map[string]models.Resource),
		collectors: make(map[string]models.Collector),
		secrets:    make(map[string]models.Secret),
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
}

// Seeding helpers for boundary entities owned by other services.

func (m *Memory) PutCollector(c models.Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collectors[c.CollectorID] = c
}

func (m *Memory) PutSecret(s models.Secret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[s.SecretID] = s
}

func (m *Memory) PutProject(p models.Project) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects = append(m.projects, p)
}

func (m *Memory) PutServiceAccount(sa models.ServiceAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceAccounts = append(m.serviceAccounts, sa)
}

// Jobs

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	m.jobs[job.JobID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, notFound("job", jobID)
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, q JobQuery) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0)
	for _, j := range m.jobs {
		if q.DomainID != "" && j.DomainID != q.DomainID {
			continue
		}
		if q.CollectorID != "" && j.CollectorID != q.CollectorID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, j.Status) {
			continue
		}
		if !q.CreatedBefore.IsZero() && !j.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, jobID string, status models.JobStatus, finishedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	job.Status = status
	job.FinishedAt = finishedAt
	m.jobs[jobID] = job
	return nil
}

func (m *Memory) IncrementJobError(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	job.MarkError++
	m.jobs[jobID] = job
	return nil
}

func (m *Memory) SetJobTotals(_ context.Context, jobID string, total int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return notFound("job", jobID)
	}
	job.TotalTasks = total
	job.RemainedTasks = total
	m.jobs[jobID] = job
	return nil
}

func (m *Memory) ApplyJobCounters(_ context.Context, jobID string, d models.JobCounterDelta) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, notFound("job", jobID)
	}
	job.RemainedTasks += d.Remained
	job.SuccessTasks += d.Success
	job.FailureTasks += d.Failure
	m.jobs[jobID] = job
	return job, nil
}

func (m *Memory) DeleteJobs(_ context.Context, jobIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range jobIDs {
		if _, ok := m.jobs[id]; ok {
			delete(m.jobs, id)
			n++
		}
		for tid, t := range m.tasks {
			if t.JobID == id {
				delete(m.tasks, tid)
			}
		}
	}
	return n, nil
}

// Job tasks

func (m *Memory) CreateJobTask(_ context.Context, task models.JobTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.JobTaskID]; ok {
		return fmt.Errorf("job task %s already exists", task.JobTaskID)
	}
	m.tasks[task.JobTaskID] = cloneJobTask(task)
	return nil
}

func (m *Memory) GetJobTask(_ context.Context, jobTaskID string) (models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[jobTaskID]
	if !ok {
		return models.JobTask{}, notFound("job task", jobTaskID)
	}
	return cloneJobTask(t), nil
}

func (m *Memory) ListJobTasks(_ context.Context, q JobTaskQuery) ([]models.JobTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.JobTask, 0)
	for _, t := range m.tasks {
		if q.DomainID != "" && t.DomainID != q.DomainID {
			continue
		}
		if q.JobID != "" && t.JobID != q.JobID {
			continue
		}
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, t.Status) {
			continue
		}
		if !q.CreatedBefore.IsZero() && !t.CreatedAt.Before(q.CreatedBefore) {
			continue
		}
		out = append(out, cloneJobTask(t))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateJobTask(_ context.Context, task models.JobTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.JobTaskID]; !ok {
		return notFound("job task", task.JobTaskID)
	}
	m.tasks[task.JobTaskID] = cloneJobTask(task)
	return nil
}

// Collection states

func (m *Memory) CreateCollectionState(_ context.Context, cs models.CollectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[cs.Key()]; ok {
		return nil
	}
	m.states[cs.Key()] = cs
	return nil
}

func (m *Memory) GetCollectionState(_ context.Context, key models.CollectionStateKey) (models.CollectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.states[key]
	if !ok {
		return models.CollectionState{}, notFound("collection state", key.ResourceID)
	}
	return cs, nil
}

func (m *Memory) ResetCollectionState(_ context.Context, key models.CollectionStateKey, jobTaskID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.states[key]
	if !ok {
		return notFound("collection state", key.ResourceID)
	}
	cs.DisconnectedCount = 0
	cs.JobTaskID = jobTaskID
	cs.UpdatedAt = now
	m.states[key] = cs
	return nil
}

func (m *Memory) IncrementDisconnected(_ context.Context, scope SweepScope, now time.Time) ([]models.CollectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CollectionState, 0)
	for k, cs := range m.states {
		if cs.DomainID != scope.DomainID || cs.CollectorID != scope.CollectorID || cs.SecretID != scope.SecretID {
			continue
		}
		if cs.SweptJobID == scope.JobID || slices.Contains(scope.JobTaskIDs, cs.JobTaskID) {
			continue
		}
		cs.DisconnectedCount++
		cs.SweptJobID = scope.JobID
		cs.UpdatedAt = now
		m.states[k] = cs
		out = append(out, cs)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ResourceID < out[k].ResourceID })
	return out, nil
}

func (m *Memory) ListCollectionStates(_ context.Context, q CollectionStateQuery) ([]models.CollectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CollectionState, 0)
	for _, cs := range m.states {
		if q.DomainID != "" && cs.DomainID != q.DomainID {
			continue
		}
		if q.CollectorID != "" && cs.CollectorID != q.CollectorID {
			continue
		}
		if q.SecretID != "" && cs.SecretID != q.SecretID {
			continue
		}
		if q.ResourceID != "" && cs.ResourceID != q.ResourceID {
			continue
		}
		if cs.DisconnectedCount < q.MinDisconnectedCount {
			continue
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].DisconnectedCount != out[k].DisconnectedCount {
			return out[i].DisconnectedCount > out[k].DisconnectedCount
		}
		return out[i].ResourceID < out[k].ResourceID
	})
	return out, nil
}

func (m *Memory) DeleteCollectionState(_ context.Context, key models.CollectionStateKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[key]; !ok {
		return notFound("collection state", key.ResourceID)
	}
	delete(m.states, key)
	return nil
}

func (m *Memory) DeleteCollectionStatesByResource(_ context.Context, domainID string, resourceIDs ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.states {
		if k.DomainID == domainID && slices.Contains(resourceIDs, k.ResourceID) {
			delete(m.states, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteCollectionStatesByCollector(_ context.Context, domainID, collectorID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.states {
		if k.DomainID == domainID && k.CollectorID == collectorID {
			delete(m.states, k)
			n++
		}
	}
	return n, nil
}

// Records and notes

func (m *Memory) CreateRecord(_ context.Context, rec models.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Diff = slices.Clone(rec.Diff)
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) ListRecords(_ context.Context, domainID, resourceID string) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Record, 0)
	for _, r := range m.records {
		if r.DomainID == domainID && r.ResourceID == resourceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) DeleteRecordsByResource(_ context.Context, domainID string, resourceIDs ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.records)
	m.records = slices.DeleteFunc(m.records, func(r models.Record) bool {
		return r.DomainID == domainID && slices.Contains(resourceIDs, r.ResourceID)
	})
	return int64(before - len(m.records)), nil
}

func (m *Memory) CreateNote(_ context.Context, note models.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, note)
	return nil
}

func (m *Memory) ListNotes(_ context.Context, domainID, resourceID string) ([]models.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Note, 0)
	for _, n := range m.notes {
		if n.DomainID == domainID && n.ResourceID == resourceID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *Memory) DeleteNotesByResource(_ context.Context, domainID string, resourceIDs ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := len(m.notes)
	m.notes = slices.DeleteFunc(m.notes, func(n models.Note) bool {
		return n.DomainID == domainID && slices.Contains(resourceIDs, n.ResourceID)
	})
	return int64(before - len(m.notes)), nil
}

// Collector rules

func (m *Memory) CreateRule(_ context.Context, rule models.CollectorRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.DomainID == rule.DomainID && r.CollectorID == rule.CollectorID && r.Order == rule.Order {
			return fmt.Errorf("collector %s already has a rule with order %d", rule.CollectorID, rule.Order)
		}
	}
	m.rules[rule.RuleID] = cloneRule(rule)
	return nil
}

func (m *Memory) GetRule(_ context.Context, ruleID string) (models.CollectorRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return models.CollectorRule{}, notFound("collector rule", ruleID)
	}
	return cloneRule(r), nil
}

func (m *Memory) ListRules(_ context.Context, domainID, collectorID string) ([]models.CollectorRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CollectorRule, 0)
	for _, r := range m.rules {
		if r.DomainID == domainID && r.CollectorID == collectorID {
			out = append(out, cloneRule(r))
		}
	}
	models.SortRules(out)
	return out, nil
}

func (m *Memory) UpdateRule(_ context.Context, rule models.CollectorRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[rule.RuleID]; !ok {
		return notFound("collector rule", rule.RuleID)
	}
	m.rules[rule.RuleID] = cloneRule(rule)
	return nil
}

func (m *Memory) SetRuleOrders(_ context.Context, orders map[string]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range orders {
		if _, ok := m.rules[id]; !ok {
			return notFound("collector rule", id)
		}
	}
	for id, order := range orders {
		r := m.rules[id]
		r.Order = order
		m.rules[id] = r
	}
	return nil
}

func (m *Memory) DeleteRule(_ context.Context, ruleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[ruleID]; !ok {
		return notFound("collector rule", ruleID)
	}
	delete(m.rules, ruleID)
	return nil
}

// Resources

func (m *Memory) CreateResource(_ context.Context, r models.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[r.ResourceID]; ok {
		return fmt.Errorf("resource %s already exists", r.ResourceID)
	}
	m.resources[r.ResourceID] = cloneResource(r)
	return nil
}

func (m *Memory) GetResource(_ context.Context, domainID, resourceID string) (models.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok || r.DomainID != domainID {
		return models.Resource{}, notFound("resource", resourceID)
	}
	return cloneResource(r), nil
}

func (m *Memory) UpdateResource(_ context.Context, r models.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.resources[r.ResourceID]; !ok {
		return notFound("resource", r.ResourceID)
	}
	m.resources[r.ResourceID] = cloneResource(r)
	return nil
}

func (m *Memory) ListResources(_ context.Context, q ResourceQuery) ([]models.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Resource, 0)
	for _, r := range m.resources {
		if q.matches(r) {
			out = append(out, cloneResource(r))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ResourceID < out[k].ResourceID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) SetCollectionStatus(_ context.Context, domainID string, resourceIDs []string, status models.CollectionStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range resourceIDs {
		r, ok := m.resources[id]
		if !ok || r.DomainID != domainID || r.State == models.ResourceDeleted {
			continue
		}
		r.CollectionInfo.State = status
		m.resources[id] = r
		n++
	}
	return n, nil
}

func (m *Memory) PurgeResources(_ context.Context, domainID string, resourceIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range resourceIDs {
		if r, ok := m.resources[id]; ok && r.DomainID == domainID {
			delete(m.resources, id)
			n++
		}
	}
	return n, nil
}

// Catalog

func (m *Memory) GetCollector(_ context.Context, collectorID string) (models.Collector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collectors[collectorID]
	if !ok {
		return models.Collector{}, notFound("collector", collectorID)
	}
	return c, nil
}

func (m *Memory) ListCollectors(_ context.Context, domainID string) ([]models.Collector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Collector, 0)
	for _, c := range m.collectors {
		if domainID == "" || c.DomainID == domainID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CollectorID < out[k].CollectorID })
	return out, nil
}

func (m *Memory) GetSecret(_ context.Context, secretID string) (models.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[secretID]
	if !ok {
		return models.Secret{}, notFound("secret", secretID)
	}
	return s, nil
}

func (m *Memory) ListDomains(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, c := range m.collectors {
		seen[c.DomainID] = true
	}
	for _, r := range m.resources {
		seen[r.DomainID] = true
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) FindProjects(_ context.Context, domainID, key, value string) ([]models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Project, 0)
	for _, p := range m.projects {
		doc := map[string]any{"project_id": p.ProjectID, "name": p.Name, "tags": p.Tags}
		if p.DomainID == domainID && lookupEquals(doc, key, value) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) FindServiceAccounts(_ context.Context, domainID, key, value string) ([]models.ServiceAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ServiceAccount, 0)
	for _, sa := range m.serviceAccounts {
		doc := map[string]any{
			"service_account_id": sa.ServiceAccountID,
			"project_id":         sa.ProjectID,
			"name":               sa.Name,
			"data":               sa.Data,
			"tags":               sa.Tags,
		}
		if sa.DomainID == domainID && lookupEquals(doc, key, value) {
			out = append(out, sa)
		}
	}
	return out, nil
}

func lookupEquals(doc map[string]any, key, value string) bool {
	v, ok := docpath.Lookup(doc, key)
	return ok && docpath.String(v) == value
}
