package duron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"time"

	"github.com/duron-io/duron/internal/actionengine"
	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/stepmanager"
)

// StepsConfig is the `steps.{concurrency, retry, expire}` table from an
// action definition.
type StepsConfig struct {
	Concurrency int
	Retry       RetryPolicy
	Expire      time.Duration
}

// RetryPolicy mirrors stepmanager.RetryPolicy at the user-facing API
// boundary so callers configuring an Action don't need to import the
// internal package.
type RetryPolicy = stepmanager.RetryPolicy

// DefaultStepsConfig matches the schema's documented defaults:
// concurrency=10, retry={limit:4, factor:2, minTimeout:1000, maxTimeout:30000}, expire=300000ms.
func DefaultStepsConfig() StepsConfig {
	return StepsConfig{
		Concurrency: 10,
		Retry:       stepmanager.DefaultRetryPolicy(),
		Expire:      300 * time.Second,
	}
}

// ActionContext is the handler-facing context built by ActionJob for each
// job run: input, jobId, groupKey, var, logger, step.
type ActionContext[TInput any] struct {
	Context  context.Context
	Input    TInput
	JobID    string
	GroupKey string
	Var      *Variables
	Logger   *slog.Logger

	steps *stepmanager.Manager
}

// StepOptions parametrizes one Step(...) call; zero values fall back to
// the owning action's StepsConfig.
type StepOptions struct {
	Expire time.Duration
	Retry  RetryPolicy
}

// Step runs cb as a named, retryable, timeout-bound unit inside an
// action's handler — the generic, typed counterpart of a step(name, cb,
// options) call. TOutput is inferred from cb's return type.
func Step[TInput, TOutput any](ctx *ActionContext[TInput], name string, cb func(context.Context) (TOutput, error), opts StepOptions) (TOutput, error) {
	var zero TOutput

	raw, err := ctx.steps.Step(ctx.Context, name, func(stepCtx context.Context) (json.RawMessage, error) {
		out, cbErr := cb(stepCtx)
		if cbErr != nil {
			return nil, cbErr
		}
		b, mErr := json.Marshal(out)
		if mErr != nil {
			return nil, fmt.Errorf("duron: marshal step %q output: %w", name, mErr)
		}
		return b, nil
	}, stepmanager.Options{Expire: opts.Expire, Retry: opts.Retry})
	if err != nil {
		return zero, err
	}
	if len(raw) == 0 {
		return zero, nil
	}
	var result TOutput
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, fmt.Errorf("duron: unmarshal step %q output: %w", name, err)
	}
	return result, nil
}

// Action is a user-registered unit of work: typed input, typed output,
// optional group/concurrency resolution, and a handler. It is the generic
// counterpart of an action definition.
type Action[TInput, TOutput any] struct {
	Name    string
	Version string

	// GroupKey resolves the admission group for a job; defaults to
	// "@default" when nil.
	GroupKey func(ctx *ActionContext[TInput]) string
	// GroupConcurrency resolves the per-job concurrencyLimit; defaults to
	// the Client's groupConcurrencyLimit when nil.
	GroupConcurrency func(ctx *ActionContext[TInput]) int

	Steps  StepsConfig
	Expire time.Duration // job timeout default; 900000ms when unset

	Handler func(ctx *ActionContext[TInput]) (TOutput, error)
}

// checksum derives the content hash stored on every job: "name | version |
// handler-source". Go has no runtime source text for a function, so the
// handler's fully-qualified symbol name (via runtime.FuncForPC) stands in
// for "handler-source" — stable across repeated registration within one
// build, and changes whenever the handler is renamed or moved, which is
// the property recovery/retry identity actually needs.
func (a *Action[TInput, TOutput]) checksum() string {
	handlerSource := runtime.FuncForPC(reflect.ValueOf(a.Handler).Pointer()).Name()
	return domain.Checksum(a.Name, a.Version, handlerSource)
}

func (a *Action[TInput, TOutput]) effectiveSteps() StepsConfig {
	cfg := a.Steps
	defaults := DefaultStepsConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.Retry.Limit == 0 && cfg.Retry.Factor == 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.Expire <= 0 {
		cfg.Expire = defaults.Expire
	}
	return cfg
}

// runtimeAdapter makes Action[TInput, TOutput] satisfy
// actionengine.ActionRuntime by marshalling/unmarshalling at the json.RawMessage
// boundary and running the Schemas component's struct validation on both
// sides.
type runtimeAdapter[TInput, TOutput any] struct {
	action *Action[TInput, TOutput]
	vars   *Variables
	logger *slog.Logger
}

func (r *runtimeAdapter[TInput, TOutput]) Name() string     { return r.action.Name }
func (r *runtimeAdapter[TInput, TOutput]) Checksum() string { return r.action.checksum() }

func (r *runtimeAdapter[TInput, TOutput]) StepConcurrency() int {
	return r.action.effectiveSteps().Concurrency
}
func (r *runtimeAdapter[TInput, TOutput]) StepExpire() int64 {
	return r.action.effectiveSteps().Expire.Milliseconds()
}
func (r *runtimeAdapter[TInput, TOutput]) StepRetry() stepmanager.RetryPolicy {
	return r.action.effectiveSteps().Retry
}

// SampleInput implements actionengine.ActionRuntime's mock-input generation
// for GetActionsMetadata, sampling TInput's shape once.
func (r *runtimeAdapter[TInput, TOutput]) SampleInput() (json.RawMessage, error) {
	var zero TInput
	sample := sampleShape(reflect.TypeOf(zero)).Interface()
	return json.Marshal(sample)
}

func (r *runtimeAdapter[TInput, TOutput]) Execute(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error) {
	var input TInput
	if len(args.Job.Input) > 0 {
		if err := json.Unmarshal(args.Job.Input, &input); err != nil {
			return nil, domain.NewValidation("input", err)
		}
	}
	if err := validateShape("input", input); err != nil {
		return nil, err
	}

	actionCtx := &ActionContext[TInput]{
		Context:  ctx,
		Input:    input,
		JobID:    args.Job.ID,
		GroupKey: args.Job.GroupKey,
		Var:      r.vars,
		Logger:   r.logger,
		steps:    args.Steps,
	}

	output, err := r.action.Handler(actionCtx)
	if err != nil {
		return nil, err
	}

	if err := validateShape("output", output); err != nil {
		return nil, err
	}

	out, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("duron: marshal action %q output: %w", r.action.Name, err)
	}
	return out, nil
}
