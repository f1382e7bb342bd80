package domain

import (
	"encoding/json"
	"time"
)

// StepStatus is the closed enumeration of states a JobStep may occupy.
// There is no "retried" terminal state: a retry resets status back to
// active on the same row.
type StepStatus string

const (
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions without
// going through recovery.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled:
		return true
	default:
		return false
	}
}

// FailedAttempt is one entry of a step's retry history, keyed by a
// monotonic time slot at the storage layer.
type FailedAttempt struct {
	FailedAt  time.Time        `json:"failedAt"`
	Error     *SerialisedError `json:"error"`
	DelayedMs int64            `json:"delayedMs"`
}

// JobStep is a named, retryable, timeout-bound unit inside a job's handler.
// (jobId, name) is unique; a step exists only if its owning job is or was
// active.
type JobStep struct {
	ID                    string
	JobID                 string
	Name                  string
	Status                StepStatus
	Output                json.RawMessage
	Error                 *SerialisedError
	StartedAt             time.Time
	FinishedAt            *time.Time
	TimeoutMs             int64
	ExpiresAt             time.Time
	RetriesLimit          int
	RetriesCount          int
	DelayedMs             *int64
	HistoryFailedAttempts []FailedAttempt
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// StepLease is what Store.CreateOrRecoverJobStep hands back to the
// StepManager: the step row plus a transient IsNew flag saying whether the
// row was just inserted, returned unchanged (already terminal), or reset
// (recovered in-flight row). IsNew is not persisted.
type StepLease struct {
	JobStep
	IsNew bool
}
