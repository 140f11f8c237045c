// Package job implements the priority job queue and the durable Job
// entity: jobs are admitted against the resource
// ledger and dispatched by pkg/jobrunner.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/omniscope/controlplane/pkg/resourceledger"
)

// Type identifies a registered job kind. The core never interprets these
// beyond routing to the matching driver; the
// driver implementations themselves (ML training, statistical analysis,
// visualization rendering, literature fetching, report building, plugin
// execution) are external collaborators out of scope for this module.
type Type string

const (
	TypeMLTraining      Type = "ml_training"
	TypeStatisticalTest Type = "statistical_analysis"
	TypeVisualization   Type = "visualization_render"
	TypeLiteratureFetch Type = "literature_fetch"
	TypeReportBuild     Type = "report_build"
	TypePluginExec      Type = "plugin_exec"
)

// Priority orders jobs for dispatch: Critical first, Low last.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank returns the dispatch ordinal for p; lower sorts first.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four recognized priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// priorityLevels lists every priority bucket, highest dispatch precedence
// first; the queue iterates this slice on every dispatch attempt.
var priorityLevels = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// State is a Job's position in the state-machine DAG.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// terminal reports whether s has no further transitions.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// FailureKind classifies a terminal or retryable job failure. WorkerLost is assigned by the runner itself, never by a driver.
type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailureWorkerLost FailureKind = "worker_lost"
	FailurePermanent  FailureKind = "permanent"
)

// retryable reports whether a failure of kind k should be requeued, subject
// to the job's remaining attempts.
func (k FailureKind) retryable() bool {
	return k == FailureTransient || k == FailureWorkerLost
}

// JobError is the terminal or most-recent failure detail recorded on a job.
type JobError struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Job is the durable entity scheduled and run by this package and
// pkg/jobrunner.
type Job struct {
	ID            uuid.UUID                  `json:"id"`
	Type          Type                       `json:"type"`
	OwnerUserID   uuid.UUID                  `json:"owner_user_id"`
	WorkspaceID   *uuid.UUID                 `json:"workspace_id,omitempty"`
	Priority      Priority                   `json:"priority"`
	State         State                      `json:"state"`
	Parameters    json.RawMessage            `json:"parameters_json"`
	Reservation   resourceledger.Reservation `json:"reservation"`
	AffinityClass string                     `json:"affinity_class,omitempty"`
	MaxRetries    int                        `json:"max_retries"`
	Attempt       int                        `json:"attempt"`
	Progress      float64                    `json:"progress"`
	CheckpointRef []byte                     `json:"checkpoint_blob,omitempty"`
	ResultRef     *string                    `json:"result_ref,omitempty"`
	Error         *JobError                  `json:"error,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	StartedAt     *time.Time                 `json:"started_at,omitempty"`
	FinishedAt    *time.Time                 `json:"finished_at,omitempty"`
	WaitSince     time.Time                  `json:"-"` // when the job entered its current queue bucket; resets on requeue
}

// CanCancel reports whether a user-initiated cancel is permitted for the
// job's current state.
func (j *Job) CanCancel() bool {
	switch j.State {
	case StatePending, StateQueued, StateRunning:
		return true
	default:
		return false
	}
}
