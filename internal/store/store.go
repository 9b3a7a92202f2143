package store

import (
	"context"
	"time"

	"inventory-collector/internal/models"
)

// Op is a comparison operator used by resource filters.
type Op string

const (
	OpEq  Op = "="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Condition filters resources by the value at a dotted key. Null means the right-hand
// side was empty: OpEq selects absent/null fields and OpNe selects present ones.
type Condition struct {
	Key   string
	Op    Op
	Value string
	Null  bool
}

// ResourceQuery selects resources. Zero-valued fields do not filter.
type ResourceQuery struct {
	DomainID                string
	ResourceType            string
	ResourceIDs             []string
	Conditions              []Condition
	States                  []models.ResourceState
	CollectionStates        []models.CollectionStatus
	ExcludeCollectionStates []models.CollectionStatus
	UpdatedBefore           time.Time
	DeletedBefore           time.Time
	Limit                   int
}

// JobQuery selects jobs.
type JobQuery struct {
	DomainID      string
	CollectorID   string
	Statuses      []models.JobStatus
	CreatedBefore time.Time
	Limit         int
}

// JobTaskQuery selects job tasks.
type JobTaskQuery struct {
	DomainID      string
	JobID         string
	Statuses      []models.JobTaskStatus
	CreatedBefore time.Time
	Limit         int
}

// SweepScope selects the collection states an end-of-job sweep counts: those
// of the collector and secret that none of JobTaskIDs reported and that JobID
// has not counted yet.
type SweepScope struct {
	DomainID    string
	CollectorID string
	SecretID    string
	JobID       string
	JobTaskIDs  []string
}

// CollectionStateQuery selects collection states.
type CollectionStateQuery struct {
	DomainID             string
	CollectorID          string
	SecretID             string
	ResourceID           string
	MinDisconnectedCount int
}

// JobStore persists jobs. Counter updates are atomic in the backing store.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	ListJobs(ctx context.Context, q JobQuery) ([]models.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, finishedAt *time.Time) error
	IncrementJobError(ctx context.Context, jobID string) error
	SetJobTotals(ctx context.Context, jobID string, total int) error
	ApplyJobCounters(ctx context.Context, jobID string, d models.JobCounterDelta) (models.Job, error)
	DeleteJobs(ctx context.Context, jobIDs []string) (int64, error)
}

// JobTaskStore persists job tasks. A task is owned by one worker at a time, so
// UpdateJobTask replaces the whole row.
type JobTaskStore interface {
	CreateJobTask(ctx context.Context, task models.JobTask) error
	GetJobTask(ctx context.Context, jobTaskID string) (models.JobTask, error)
	ListJobTasks(ctx context.Context, q JobTaskQuery) ([]models.JobTask, error)
	UpdateJobTask(ctx context.Context, task models.JobTask) error
}

// CollectionStateStore persists liveness records keyed by (domain, collector, resource, secret).
type CollectionStateStore interface {
	CreateCollectionState(ctx context.Context, cs models.CollectionState) error
	GetCollectionState(ctx context.Context, key models.CollectionStateKey) (models.CollectionState, error)
	ResetCollectionState(ctx context.Context, key models.CollectionStateKey, jobTaskID string, now time.Time) error
	IncrementDisconnected(ctx context.Context, scope SweepScope, now time.Time) ([]models.CollectionState, error)
	ListCollectionStates(ctx context.Context, q CollectionStateQuery) ([]models.CollectionState, error)
	DeleteCollectionState(ctx context.Context, key models.CollectionStateKey) error
	DeleteCollectionStatesByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error)
	DeleteCollectionStatesByCollector(ctx context.Context, domainID, collectorID string) (int64, error)
}

// RecordStore persists write-once change history and resource notes.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec models.Record) error
	ListRecords(ctx context.Context, domainID, resourceID string) ([]models.Record, error)
	DeleteRecordsByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error)
	CreateNote(ctx context.Context, note models.Note) error
	ListNotes(ctx context.Context, domainID, resourceID string) ([]models.Note, error)
	DeleteNotesByResource(ctx context.Context, domainID string, resourceIDs ...string) (int64, error)
}

// RuleStore persists collector rules.
type RuleStore interface {
	CreateRule(ctx context.Context, rule models.CollectorRule) error
	GetRule(ctx context.Context, ruleID string) (models.CollectorRule, error)
	ListRules(ctx context.Context, domainID, collectorID string) ([]models.CollectorRule, error)
	UpdateRule(ctx context.Context, rule models.CollectorRule) error
	SetRuleOrders(ctx context.Context, orders map[string]int) error
	DeleteRule(ctx context.Context, ruleID string) error
}

// ResourceStore persists reconciled resources.
type ResourceStore interface {
	CreateResource(ctx context.Context, r models.Resource) error
	GetResource(ctx context.Context, domainID, resourceID string) (models.Resource, error)
	UpdateResource(ctx context.Context, r models.Resource) error
	ListResources(ctx context.Context, q ResourceQuery) ([]models.Resource, error)
	SetCollectionStatus(ctx context.Context, domainID string, resourceIDs []string, status models.CollectionStatus) (int64, error)
	PurgeResources(ctx context.Context, domainID string, resourceIDs []string) (int64, error)
}

// CatalogStore reads the boundary entities owned by other services.
type CatalogStore interface {
	GetCollector(ctx context.Context, collectorID string) (models.Collector, error)
	ListCollectors(ctx context.Context, domainID string) ([]models.Collector, error)
	GetSecret(ctx context.Context, secretID string) (models.Secret, error)
	ListDomains(ctx context.Context) ([]string, error)
	FindProjects(ctx context.Context, domainID, key, value string) ([]models.Project, error)
	FindServiceAccounts(ctx context.Context, domainID, key, value string) ([]models.ServiceAccount, error)
}

// Store is implemented by Postgres and Memory.
type Store interface {
	JobStore
	JobTaskStore
	CollectionStateStore
	RecordStore
	RuleStore
	ResourceStore
	CatalogStore
}
