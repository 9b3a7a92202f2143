// Package lifecycle holds the job and job task state machines as explicit
// transition tables.
package lifecycle

import (
	"fmt"
	"time"

	"inventory-collector/internal/models"
)

// Action names a requested transition.
type Action string

const (
	ActionInProgress Action = "inprogress"
	ActionSuccess    Action = "success"
	ActionFailure    Action = "failure"
	ActionCanceled   Action = "canceled"
	ActionTimeout    Action = "timeout"
	ActionError      Action = "error"
)

// InvalidStateChangeError is returned for every disallowed edge. The entity is left untouched.
type InvalidStateChangeError struct {
	Kind   string
	ID     string
	Action Action
	State  string
}

func (e *InvalidStateChangeError) Error() string {
	return fmt.Sprintf("invalid state change: %s %s cannot %s from %s", e.Kind, e.ID, e.Action, e.State)
}

// edge is one row of a transition table. noop marks a tolerated call that keeps the state.
type edge[S comparable] struct {
	to   S
	noop bool
}

var jobTable = map[Action]map[models.JobStatus]edge[models.JobStatus]{
	ActionInProgress: {
		models.JobCreated:    {to: models.JobInProgress},
		models.JobInProgress: {to: models.JobInProgress},
		models.JobSuccess:    {to: models.JobInProgress},
		models.JobFailure:    {noop: true},
	},
	ActionSuccess: {
		models.JobCreated:    {to: models.JobSuccess},
		models.JobInProgress: {to: models.JobSuccess},
		models.JobSuccess:    {to: models.JobSuccess},
		models.JobFailure:    {noop: true},
	},
	ActionCanceled: {
		models.JobCreated:    {to: models.JobCanceled},
		models.JobInProgress: {to: models.JobCanceled},
	},
	ActionTimeout: {
		models.JobCreated:    {to: models.JobTimeout},
		models.JobInProgress: {to: models.JobTimeout},
	},
}

var taskTable = map[Action]map[models.JobTaskStatus]edge[models.JobTaskStatus]{
	ActionInProgress: {
		models.TaskPending:    {to: models.TaskInProgress},
		models.TaskInProgress: {to: models.TaskInProgress},
	},
	ActionSuccess: {
		models.TaskInProgress: {to: models.TaskSuccess},
	},
}

// TransitionJob applies action to job in place. The error action is unconditional:
// it moves the job to FAILURE and bumps MarkError.
func TransitionJob(job *models.Job, action Action, now time.Time) error {
	if action == ActionError {
		job.MarkError++
		setJobStatus(job, models.JobFailure, now)
		return nil
	}
	rows, ok := jobTable[action]
	if !ok {
		return &InvalidStateChangeError{Kind: "job", ID: job.JobID, Action: action, State: string(job.Status)}
	}
	e, ok := rows[job.Status]
	if !ok {
		return &InvalidStateChangeError{Kind: "job", ID: job.JobID, Action: action, State: string(job.Status)}
	}
	if e.noop {
		return nil
	}
	setJobStatus(job, e.to, now)
	return nil
}

func setJobStatus(job *models.Job, to models.JobStatus, now time.Time) {
	job.Status = to
	if to.Terminal() {
		t := now.UTC()
		job.FinishedAt = &t
	} else {
		job.FinishedAt = nil
	}
}

// TransitionTask applies action to task in place. failure and canceled are unconditional.
func TransitionTask(task *models.JobTask, action Action, now time.Time) error {
	switch action {
	case ActionFailure:
		setTaskStatus(task, models.TaskFailure, now)
		return nil
	case ActionCanceled:
		setTaskStatus(task, models.TaskCanceled, now)
		return nil
	}
	rows, ok := taskTable[action]
	if !ok {
		return &InvalidStateChangeError{Kind: "job_task", ID: task.JobTaskID, Action: action, State: string(task.Status)}
	}
	e, ok := rows[task.Status]
	if !ok {
		return &InvalidStateChangeError{Kind: "job_task", ID: task.JobTaskID, Action: action, State: string(task.Status)}
	}
	setTaskStatus(task, e.to, now)
	return nil
}

func setTaskStatus(task *models.JobTask, to models.JobTaskStatus, now time.Time) {
	t := now.UTC()
	task.Status = to
	if to == models.TaskInProgress && task.StartedAt == nil {
		task.StartedAt = &t
	}
	if to.Terminal() {
		task.FinishedAt = &t
	}
}

// AddError appends a structured error to the task. Callers must also apply
// ActionError to the parent job.
func AddError(task *models.JobTask, code, message string, data models.JobTaskErrorData) {
	task.Errors = append(task.Errors, models.JobTaskError{
		ErrorCode:      code,
		Message:        message,
		AdditionalData: data,
	})
}
