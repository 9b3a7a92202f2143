package models

import (
	"time"
)

// JobStatus enumerates lifecycle states of a collection run.
type JobStatus string

const (
	JobCreated    JobStatus = "CREATED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSuccess    JobStatus = "SUCCESS"
	JobFailure    JobStatus = "FAILURE"
	JobCanceled   JobStatus = "CANCELED"
	JobTimeout    JobStatus = "TIMEOUT"
)

// Terminal reports whether no further work is expected for the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailure, JobCanceled, JobTimeout:
		return true
	}
	return false
}

// JobTaskStatus enumerates lifecycle states of a single credential-scoped task.
type JobTaskStatus string

const (
	TaskPending    JobTaskStatus = "PENDING"
	TaskInProgress JobTaskStatus = "IN_PROGRESS"
	TaskSuccess    JobTaskStatus = "SUCCESS"
	TaskFailure    JobTaskStatus = "FAILURE"
	TaskCanceled   JobTaskStatus = "CANCELED"
)

// Terminal reports whether the task reached SUCCESS, FAILURE or CANCELED.
func (s JobTaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailure, TaskCanceled:
		return true
	}
	return false
}

// Job is one collection run for a collector.
type Job struct {
	JobID         string     `json:"job_id"`
	DomainID      string     `json:"domain_id"`
	CollectorID   string     `json:"collector_id"`
	PluginID      string     `json:"plugin_id"`
	Status        JobStatus  `json:"status"`
	TotalTasks    int        `json:"total_tasks"`
	RemainedTasks int        `json:"remained_tasks"`
	SuccessTasks  int        `json:"success_tasks"`
	FailureTasks  int        `json:"failure_tasks"`
	MarkError     int        `json:"mark_error"`
	CreatedAt     time.Time  `json:"created_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// JobTaskErrorData carries the provider context of a failed envelope.
type JobTaskErrorData struct {
	ResourceType      string `json:"resource_type,omitempty"`
	Provider          string `json:"provider,omitempty"`
	CloudServiceGroup string `json:"cloud_service_group,omitempty"`
	CloudServiceType  string `json:"cloud_service_type,omitempty"`
	ResourceID        string `json:"resource_id,omitempty"`
}

// JobTaskError is one structured error appended to a job task.
type JobTaskError struct {
	ErrorCode      string           `json:"error_code"`
	Message        string           `json:"message"`
	AdditionalData JobTaskErrorData `json:"additional_data"`
}

// JobTask is one execution unit within a job, typically one secret.
type JobTask struct {
	JobTaskID         string         `json:"job_task_id"`
	JobID             string         `json:"job_id"`
	DomainID          string         `json:"domain_id"`
	CollectorID       string         `json:"collector_id"`
	SecretID          string         `json:"secret_id"`
	ServiceAccountID  string         `json:"service_account_id"`
	ProjectID         string         `json:"project_id"`
	Provider          string         `json:"provider"`
	Status            JobTaskStatus  `json:"status"`
	Options           map[string]any `json:"options,omitempty"`
	CreatedCount      int            `json:"created_count"`
	UpdatedCount      int            `json:"updated_count"`
	DeletedCount      int            `json:"deleted_count"`
	DisconnectedCount int            `json:"disconnected_count"`
	FailureCount      int            `json:"failure_count"`
	Errors            []JobTaskError `json:"errors"`
	CreatedAt         time.Time      `json:"created_at"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	FinishedAt        *time.Time     `json:"finished_at,omitempty"`
}

// JobCounterDelta is applied atomically to a job when one of its tasks finishes.
type JobCounterDelta struct {
	Remained int
	Success  int
	Failure  int
}
