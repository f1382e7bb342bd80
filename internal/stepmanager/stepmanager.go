// Package stepmanager implements one StepManager instance per in-flight
// ActionJob, holding a bounded dispatch queue and the set of step names
// already executed during this run.
//
// The dispatch queue is realized as a buffered admission channel plus a
// sync.WaitGroup, the idiomatic Go rendition of a bounded goroutine
// fan-out: up to N concurrent unit-of-work goroutines, joined via
// WaitGroup.
package stepmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/store"
)

// StepFunc is a handler-supplied step callback.
type StepFunc func(ctx context.Context) (json.RawMessage, error)

// RetryPolicy mirrors the action definition's steps.retry table:
// `{limit:4, factor:2, minTimeout:1000, maxTimeout:30000}`.
type RetryPolicy struct {
	Limit      int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
}

// DefaultRetryPolicy matches the action definition schema's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Limit: 4, Factor: 2, MinTimeout: time.Second, MaxTimeout: 30 * time.Second}
}

// Options parametrizes one step() call; Expire defaults to the action's
// steps.expire (default: 300000ms).
type Options struct {
	Expire time.Duration
	Retry  RetryPolicy
}

// Manager is one StepManager instance, scoped to a single job run.
type Manager struct {
	st       store.Store
	jobID    string
	logger   *slog.Logger
	defaults Options

	concurrency int
	sem         chan struct{}
	wg          sync.WaitGroup

	mu       sync.Mutex
	executed map[string]bool
}

// New constructs a Manager bounded to concurrency concurrent step callback
// executions (default 10). defaults supplies the owning action's
// steps.expire/steps.retry, applied to any Step call that leaves the
// corresponding option unset.
func New(st store.Store, jobID string, concurrency int, defaults Options, logger *slog.Logger) *Manager {
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		st:          st,
		jobID:       jobID,
		logger:      logger,
		defaults:    defaults,
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		executed:    make(map[string]bool),
	}
}

// Step implements the handler-facing step(name, cb, options) operation.
// ctx should be derived from the action's cancellation signal; it is
// further bounded by options.Expire for this step's own timeout.
func (m *Manager) Step(ctx context.Context, name string, cb StepFunc, opts Options) (json.RawMessage, error) {
	m.mu.Lock()
	if m.executed[name] {
		m.mu.Unlock()
		return nil, domain.NewStepAlreadyExecuted(name)
	}
	m.executed[name] = true
	m.mu.Unlock()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, cancellationCause(ctx)
	}
	m.wg.Add(1)
	defer func() {
		<-m.sem
		m.wg.Done()
	}()

	return m.run(ctx, name, cb, opts)
}

// Drain blocks until every dispatched step callback has finished.
// ActionJob calls this before finalising.
func (m *Manager) Drain() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, name string, cb StepFunc, opts Options) (json.RawMessage, error) {
	if opts.Expire <= 0 {
		opts.Expire = m.defaults.Expire
	}
	if opts.Expire <= 0 {
		opts.Expire = 5 * time.Minute
	}
	if opts.Retry.Limit == 0 && opts.Retry.Factor == 0 {
		opts.Retry = m.defaults.Retry
	}
	if opts.Retry.Limit == 0 && opts.Retry.Factor == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	lease, err := m.st.CreateOrRecoverJobStep(ctx, store.StepCreation{
		JobID:        m.jobID,
		Name:         name,
		TimeoutMs:    opts.Expire.Milliseconds(),
		RetriesLimit: opts.Retry.Limit,
	})
	if err != nil {
		return nil, domain.NewTransientStore("createOrRecoverJobStep", err)
	}
	if lease == nil {
		// Owning job is no longer active or has expired.
		return nil, domain.NewActionCancel("job no longer active")
	}

	switch lease.Status {
	case domain.StepCompleted:
		return lease.Output, nil
	case domain.StepFailed, domain.StepCancelled:
		return nil, domain.NewNonRetriable("step previously reached a terminal failure", lease.Error)
	}

	return m.attemptLoop(ctx, lease, cb, opts)
}

func (m *Manager) attemptLoop(ctx context.Context, lease *domain.StepLease, cb StepFunc, opts Options) (json.RawMessage, error) {
	maxAttempts := opts.Retry.Limit + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, err := m.callOnce(ctx, lease.TimeoutMs, cb)
		if err == nil {
			if ok, cErr := m.st.CompleteJobStep(ctx, lease.ID, output); cErr != nil {
				return nil, domain.NewTransientStore("completeJobStep", cErr)
			} else if !ok {
				m.logger.WarnContext(ctx, "completeJobStep was a no-op; job or step is no longer active", "step", lease.Name)
			}
			return output, nil
		}
		lastErr = err

		if !domain.IsRetryable(err) {
			return nil, m.finalizeFailure(ctx, lease.ID, err)
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(opts.Retry, attempt)
		if ok, dErr := m.st.DelayJobStep(ctx, lease.ID, domain.Serialise(err), delay.Milliseconds()); dErr != nil {
			return nil, domain.NewTransientStore("delayJobStep", dErr)
		} else if !ok {
			m.logger.WarnContext(ctx, "delayJobStep was a no-op; job or step is no longer active", "step", lease.Name)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, m.finalizeFailure(ctx, lease.ID, cancellationCause(ctx))
		}
	}

	return nil, m.finalizeFailure(ctx, lease.ID, lastErr)
}

func (m *Manager) finalizeFailure(ctx context.Context, stepID string, err error) error {
	// The step's terminal write must land even when the action's own
	// cancellation context has already fired.
	ctx = context.WithoutCancel(ctx)
	if domain.IsCancel(err) {
		if _, cErr := m.st.CancelJobStep(ctx, stepID); cErr != nil {
			return domain.NewTransientStore("cancelJobStep", cErr)
		}
		return err
	}
	if _, fErr := m.st.FailJobStep(ctx, stepID, domain.Serialise(err)); fErr != nil {
		return domain.NewTransientStore("failJobStep", fErr)
	}
	return err
}

// callOnce runs cb under a context bounded by both the caller's
// cancellation (the handler's abort signal) and a per-attempt timeout of
// timeoutMs, converting timer expiry into StepTimeout and a panicking
// callback into a stack-carrying PanicError.
func (m *Manager) callOnce(ctx context.Context, timeoutMs int64, cb StepFunc) (output json.RawMessage, err error) {
	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: domain.NewPanic(r, debug.Stack())}
			}
		}()
		out, cbErr := cb(stepCtx)
		done <- result{output: out, err: cbErr}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, cancellationCause(ctx)
		}
		return nil, domain.NewStepTimeout(timeoutMs)
	}
}

// cancellationCause maps a done handler context to the action-level error
// that tore it down: the CancelError or TimeoutError recorded as the
// cancellation cause, falling back to a plain cancel when none was.
func cancellationCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if domain.IsCancel(cause) || domain.IsTimeout(cause, "") {
		return cause
	}
	return domain.NewActionCancel("action aborted")
}

// backoffDelay implements the exponential backoff formula
// min(maxTimeout, minTimeout * factor^attempt), deliberately without
// jitter so a step's retry schedule is reproducible.
func backoffDelay(p RetryPolicy, attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	raw := float64(p.MinTimeout) * math.Pow(factor, float64(attempt))
	if p.MaxTimeout > 0 && raw > float64(p.MaxTimeout) {
		return p.MaxTimeout
	}
	return time.Duration(raw)
}
