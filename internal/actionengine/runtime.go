// Package actionengine implements per-job execution with action-level
// cancellation and timeout (ActionJob), and a bounded worker pool per
// action name (ActionManager).
//
// Go generics make the action definition itself (typed input/output,
// typed handler) live in the root duron package, since registering actions
// is a user-facing, type-parameterized API. This package only needs a
// type-erased view of "something runnable", so ActionRuntime is the seam:
// duron.Action[TInput, TOutput] implements it, and ActionJob/ActionManager
// only ever see this interface.
package actionengine

import (
	"context"
	"encoding/json"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/stepmanager"
)

// HandlerArgs is what a type-erased ActionRuntime receives per job run:
// the job row (which carries the raw persisted input) and the job's step
// dispatcher. The logger and variable bag are held by the ActionRuntime
// itself.
type HandlerArgs struct {
	Job   *domain.Job
	Steps *stepmanager.Manager
}

// ActionRuntime is the type-erased shape of a registered action.
type ActionRuntime interface {
	Name() string
	Checksum() string

	// Execute runs the handler to completion (or failure/cancellation) and
	// returns the validated, marshalled output on success.
	Execute(ctx context.Context, args HandlerArgs) (json.RawMessage, error)

	StepConcurrency() int
	StepExpire() int64
	StepRetry() stepmanager.RetryPolicy

	// SampleInput returns a deterministic mock input for this action,
	// generated once from the action's input shape for GetActionsMetadata.
	SampleInput() (json.RawMessage, error)
}
