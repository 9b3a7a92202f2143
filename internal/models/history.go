package models

import "time"

// CollectionState is the liveness record of one resource as seen by one collector and secret.
type CollectionState struct {
	CollectorID       string    `json:"collector_id"`
	SecretID          string    `json:"secret_id"`
	ResourceID        string    `json:"resource_id"`
	DomainID          string    `json:"domain_id"`
	DisconnectedCount int       `json:"disconnected_count"`
	JobTaskID         string    `json:"job_task_id"`
	// SweptJobID is the last job whose end-of-run sweep counted this state.
	SweptJobID string    `json:"swept_job_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Key returns the natural key of the record.
func (c CollectionState) Key() CollectionStateKey {
	return CollectionStateKey{
		DomainID:    c.DomainID,
		CollectorID: c.CollectorID,
		ResourceID:  c.ResourceID,
		SecretID:    c.SecretID,
	}
}

// CollectionStateKey is unique per collection state row.
type CollectionStateKey struct {
	DomainID    string
	CollectorID string
	ResourceID  string
	SecretID    string
}

// RecordAction is the kind of change captured by a history record.
type RecordAction string

const (
	ActionCreate RecordAction = "CREATE"
	ActionUpdate RecordAction = "UPDATE"
	ActionDelete RecordAction = "DELETE"
)

// DiffType tells whether a field appeared or changed.
type DiffType string

const (
	DiffAdded   DiffType = "ADDED"
	DiffChanged DiffType = "CHANGED"
)

// UpdatedBy attributes a record to a collector run or to a user.
type UpdatedBy string

const (
	UpdatedByCollector UpdatedBy = "COLLECTOR"
	UpdatedByUser      UpdatedBy = "USER"
)

// DiffEntry is one field-level change.
type DiffEntry struct {
	Key    string   `json:"key"`
	Before any      `json:"before"`
	After  any      `json:"after"`
	Type   DiffType `json:"type"`
}

// Record is an immutable change-history entry.
type Record struct {
	RecordID    string       `json:"record_id"`
	DomainID    string       `json:"domain_id"`
	ResourceID  string       `json:"resource_id"`
	Action      RecordAction `json:"action"`
	Diff        []DiffEntry  `json:"diff"`
	DiffCount   int          `json:"diff_count"`
	UpdatedBy   UpdatedBy    `json:"updated_by"`
	CollectorID string       `json:"collector_id,omitempty"`
	JobID       string       `json:"job_id,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ChangeContext carries the identity of whoever mutates a resource. It is passed
// explicitly into every reconciliation call.
type ChangeContext struct {
	DomainID         string
	CollectorID      string
	JobID            string
	JobTaskID        string
	SecretID         string
	ServiceAccountID string
	PluginID         string
	UserID           string
}

// FromCollector reports whether the change is attributed to a collector run.
func (c ChangeContext) FromCollector() bool {
	return c.CollectorID != "" && c.JobID != "" && c.ServiceAccountID != "" && c.PluginID != ""
}

// TracksCollection reports whether the change may create or reset collection state.
func (c ChangeContext) TracksCollection() bool {
	return c.CollectorID != "" && c.JobTaskID != "" && c.SecretID != ""
}
