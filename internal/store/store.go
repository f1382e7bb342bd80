// Package store implements the Store component: atomic job/step state
// transitions with correct concurrency under parallel workers, backed by
// PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/duron-io/duron/internal/domain"
)

// JobFilter narrows getJobs/deleteJobs results.
type JobFilter struct {
	ActionName string
	GroupKey   string
	Status     []domain.JobStatus
}

// Pagination is a simple offset/limit window, matching the
// internal/config/pagination.go convention used across this codebase.
type Pagination struct {
	Limit  int
	Offset int
}

// Sort orders getJobs results.
type Sort struct {
	Field      string // "createdAt" | "updatedAt"
	Descending bool
}

// StepCreation is the request shape for createOrRecoverJobStep.
type StepCreation struct {
	JobID        string
	Name         string
	TimeoutMs    int64
	RetriesLimit int
}

// ActionSummary is one row of getActions: per-action counts by status plus
// the most recent creation time.
type ActionSummary struct {
	ActionName     string
	CountByStatus  map[domain.JobStatus]int64
	LastCreatedAt  time.Time
}

// RecoverOptions parametrizes recoverJobs's crash-recovery sweep.
type RecoverOptions struct {
	Checksums        []string
	MultiProcessMode bool
	ProcessTimeout   time.Duration
	ClientID         string
}

// Store is the full persistence contract, implemented against
// PostgreSQL in postgres.go.
type Store interface {
	CreateJob(ctx context.Context, actionName, groupKey string, input json.RawMessage, timeoutMs int64, checksum string, concurrencyLimit int) (jobID string, ok bool, err error)
	CompleteJob(ctx context.Context, jobID, clientID string, output json.RawMessage) (bool, error)
	FailJob(ctx context.Context, jobID, clientID string, jobErr *domain.SerialisedError) (bool, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	RetryJob(ctx context.Context, jobID string) (newJobID string, ok bool, err error)
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	DeleteJobs(ctx context.Context, filter JobFilter) (int64, error)

	// Fetch claims up to batch created jobs per the fetch-and-admit
	// algorithm, under the caller's clientID.
	Fetch(ctx context.Context, clientID string, batch int) ([]*domain.Job, error)

	// RecoverJobs resets orphaned active jobs to created. Suspect-set
	// computation happens in the caller; this performs the transactional
	// reset + conditional step deletion.
	RecoverJobs(ctx context.Context, suspectClientIDs []string, knownChecksums []string) (int64, error)

	CreateOrRecoverJobStep(ctx context.Context, req StepCreation) (*domain.StepLease, error)
	CompleteJobStep(ctx context.Context, stepID string, output json.RawMessage) (bool, error)
	FailJobStep(ctx context.Context, stepID string, stepErr *domain.SerialisedError) (bool, error)
	CancelJobStep(ctx context.Context, stepID string) (bool, error)
	DelayJobStep(ctx context.Context, stepID string, stepErr *domain.SerialisedError, delayMs int64) (bool, error)

	GetJobByID(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobs(ctx context.Context, filter JobFilter, p Pagination, s Sort) ([]*domain.Job, error)
	GetJobSteps(ctx context.Context, jobID string, p Pagination, search string) ([]*domain.JobStep, error)
	GetJobStepByID(ctx context.Context, stepID string) (*domain.JobStep, error)
	GetJobStatus(ctx context.Context, jobID string) (domain.JobStatus, error)
	GetJobStepStatus(ctx context.Context, stepID string) (domain.StepStatus, error)
	GetActions(ctx context.Context) ([]ActionSummary, error)

	// DistinctActiveClientIDs returns every clientId currently owning an
	// active job other than excludeClientID — used by recoverJobs step 1/2
	// to build the suspect candidate set.
	DistinctActiveClientIDs(ctx context.Context, excludeClientID string) ([]string, error)

	Close()
}
