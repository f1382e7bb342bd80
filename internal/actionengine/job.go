package actionengine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/stepmanager"
	"github.com/duron-io/duron/internal/store"
)

// Job executes one claimed job row against its ActionRuntime.
type Job struct {
	st       store.Store
	runtime  ActionRuntime
	row      *domain.Job
	clientID string
	logger   *slog.Logger

	ctx       context.Context
	cancelFn  context.CancelCauseFunc
	steps     *stepmanager.Manager
	doneCh    chan struct{}
	doneOnce  sync.Once
}

// NewJob constructs a Job bound to parent (typically the ActionManager's
// own lifetime context). The job.timeoutMs timer starts when Run begins.
func NewJob(parent context.Context, st store.Store, runtime ActionRuntime, row *domain.Job, clientID string, logger *slog.Logger) *Job {
	ctx, cancel := context.WithCancelCause(parent)
	if logger == nil {
		logger = slog.Default()
	}
	j := &Job{
		st:       st,
		runtime:  runtime,
		row:      row,
		clientID: clientID,
		logger:   logger,
		ctx:      ctx,
		cancelFn: cancel,
		doneCh:   make(chan struct{}),
	}
	stepDefaults := stepmanager.Options{
		Expire: time.Duration(runtime.StepExpire()) * time.Millisecond,
		Retry:  runtime.StepRetry(),
	}
	j.steps = stepmanager.New(st, row.ID, runtime.StepConcurrency(), stepDefaults, logger)
	return j
}

// Run executes the handler to completion, finalises job status, and closes
// the done channel. It never panics out to the caller — a panicking
// handler is recovered and recorded as the job's failure; callers (the
// ActionManager) only use the returned error for logging.
func (j *Job) Run() error {
	defer j.finish()

	timeoutMs := j.row.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 15 * 60 * 1000
	}
	timer := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		j.cancelFn(domain.NewActionTimeout(timeoutMs))
	})
	defer timer.Stop()

	output, err := j.execute()

	j.steps.Drain()

	// A handler that propagates the raw context error hides whether the
	// teardown was a cancel or the job timeout; the recorded cause says.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		if cause := context.Cause(j.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
			err = cause
		}
	}

	// Finalisation writes must go through even if the action's own
	// cancellation/timeout context already fired.
	finalCtx := context.WithoutCancel(j.ctx)

	if err == nil {
		ok, cErr := j.st.CompleteJob(finalCtx, j.row.ID, j.clientID, output)
		if cErr != nil {
			j.logger.ErrorContext(finalCtx, "completeJob failed", "job", j.row.ID, "error", cErr)
			return cErr
		}
		if !ok {
			j.logger.InfoContext(finalCtx, "completeJob was a no-op; job concurrently cancelled or expired", "job", j.row.ID)
		}
		return nil
	}

	if domain.IsCancel(err) {
		if _, cErr := j.st.CancelJob(finalCtx, j.row.ID); cErr != nil {
			j.logger.ErrorContext(finalCtx, "cancelJob failed", "job", j.row.ID, "error", cErr)
		}
	} else {
		if _, fErr := j.st.FailJob(finalCtx, j.row.ID, j.clientID, domain.Serialise(err)); fErr != nil {
			j.logger.ErrorContext(finalCtx, "failJob failed", "job", j.row.ID, "error", fErr)
		}
	}
	return err
}

// execute runs the handler, converting a panicking handler into a
// stack-carrying non-retriable failure: the job must finalise as failed
// without taking down the worker pool goroutine (and every other
// in-flight job with it).
func (j *Job) execute() (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.ErrorContext(j.ctx, "action handler panicked", "job", j.row.ID, "panic", r)
			output = nil
			err = domain.NewPanic(r, debug.Stack())
		}
	}()
	return j.runtime.Execute(j.ctx, HandlerArgs{Job: j.row, Steps: j.steps})
}

// Cancel aborts the action signal with ActionCancel. In-flight steps
// observe it at their next suspension point and finalise as cancelled.
func (j *Job) Cancel(reason string) {
	j.cancelFn(domain.NewActionCancel(reason))
}

// Done reports a channel closed once Run has fully finished, including the
// drain-then-signal cleanup.
func (j *Job) Done() <-chan struct{} { return j.doneCh }

func (j *Job) finish() {
	j.doneOnce.Do(func() { close(j.doneCh) })
}
