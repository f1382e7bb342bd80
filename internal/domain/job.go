// Package domain holds the durable data model for Duron jobs and steps.
package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the closed enumeration of states a Job may occupy.
type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is one scheduled execution of an action with a specific input.
//
// Invariants (enforced by the store, not by this type):
//   - status=created  => StartedAt, FinishedAt, ClientID, ExpiresAt are all nil.
//   - status=active    => StartedAt != nil, ClientID != nil, ExpiresAt = StartedAt + TimeoutMs.
//   - terminal status  => FinishedAt != nil; no further mutation except deletion.
type Job struct {
	ID               string
	ActionName       string
	GroupKey         string
	Status           JobStatus
	Checksum         string
	Input            json.RawMessage
	Output           json.RawMessage
	Error            *SerialisedError
	TimeoutMs        int64
	ExpiresAt        *time.Time
	StartedAt        *time.Time
	FinishedAt       *time.Time
	ClientID         *string
	ConcurrencyLimit int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CanTransitionTo reports whether the given target status is a legal
// transition from the job's current status, per the closed transition
// table below.
func (j *Job) CanTransitionTo(target JobStatus) bool {
	switch {
	case j.Status == JobCreated && target == JobActive:
		return true
	case j.Status == JobActive && (target == JobCompleted || target == JobFailed || target == JobCancelled):
		return true
	case (j.Status == JobCreated || j.Status == JobActive) && target == JobCancelled:
		return true
	default:
		return false
	}
}
