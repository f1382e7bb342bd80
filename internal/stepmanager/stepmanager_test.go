package stepmanager_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/stepmanager"
	"github.com/duron-io/duron/internal/store"
)

// fakeStore is a hand-rolled in-memory Store covering only the step
// operations these tests exercise.
type fakeStore struct {
	store.Store // embed to satisfy the interface; only the methods below are exercised

	mu    sync.Mutex
	steps map[string]*domain.JobStep

	delayCalls    int
	completeCalls int
	failCalls     int
	cancelCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{steps: map[string]*domain.JobStep{}}
}

func (f *fakeStore) CreateOrRecoverJobStep(ctx context.Context, req store.StepCreation) (*domain.StepLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := req.JobID + "/" + req.Name
	if existing, ok := f.steps[key]; ok {
		return &domain.StepLease{JobStep: *existing, IsNew: false}, nil
	}
	s := &domain.JobStep{
		ID: key, JobID: req.JobID, Name: req.Name, Status: domain.StepActive,
		TimeoutMs: req.TimeoutMs, RetriesLimit: req.RetriesLimit,
		ExpiresAt: time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond),
	}
	f.steps[key] = s
	return &domain.StepLease{JobStep: *s, IsNew: true}, nil
}

func (f *fakeStore) CompleteJobStep(ctx context.Context, stepID string, output json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	s, ok := f.steps[stepID]
	if !ok || s.Status != domain.StepActive {
		return false, nil
	}
	s.Status = domain.StepCompleted
	s.Output = output
	return true, nil
}

func (f *fakeStore) FailJobStep(ctx context.Context, stepID string, stepErr *domain.SerialisedError) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls++
	s, ok := f.steps[stepID]
	if !ok || s.Status != domain.StepActive {
		return false, nil
	}
	s.Status = domain.StepFailed
	s.Error = stepErr
	return true, nil
}

func (f *fakeStore) CancelJobStep(ctx context.Context, stepID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	s, ok := f.steps[stepID]
	if !ok {
		return false, nil
	}
	s.Status = domain.StepCancelled
	return true, nil
}

func (f *fakeStore) DelayJobStep(ctx context.Context, stepID string, stepErr *domain.SerialisedError, delayMs int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayCalls++
	s, ok := f.steps[stepID]
	if !ok {
		return false, nil
	}
	s.RetriesCount++
	s.HistoryFailedAttempts = append(s.HistoryFailedAttempts, domain.FailedAttempt{FailedAt: time.Now(), Error: stepErr, DelayedMs: delayMs})
	return true, nil
}

func TestStepSucceedsOnFirstAttempt(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-1", 10, stepmanager.Options{}, nil)

	out, err := mgr.Step(context.Background(), "charge-card", func(ctx context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}, stepmanager.Options{Expire: time.Second, Retry: stepmanager.RetryPolicy{Limit: 3, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 10 * time.Millisecond}})

	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
	assert.Equal(t, 1, fs.completeCalls)
	assert.Zero(t, fs.delayCalls)
}

func TestStepReplayInSameRunFails(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-2", 10, stepmanager.Options{}, nil)

	cb := func(ctx context.Context) (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
	_, err := mgr.Step(context.Background(), "once", cb, stepmanager.Options{Expire: time.Second})
	require.NoError(t, err)

	_, err = mgr.Step(context.Background(), "once", cb, stepmanager.Options{Expire: time.Second})
	assert.True(t, domain.IsStepAlreadyExecuted(err))
}

func TestNonRetriableBypassesRetryWithNoDelay(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-3", 10, stepmanager.Options{}, nil)

	_, err := mgr.Step(context.Background(), "charge", func(ctx context.Context) (json.RawMessage, error) {
		return nil, domain.NewNonRetriable("stop", nil)
	}, stepmanager.Options{Expire: time.Second, Retry: stepmanager.RetryPolicy{Limit: 3, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 10 * time.Millisecond}})

	require.Error(t, err)
	assert.True(t, domain.IsNonRetriable(err))
	assert.Equal(t, 1, fs.failCalls)
	assert.Zero(t, fs.delayCalls, "non-retriable errors must not schedule a delay")

	step := fs.steps["job-3/charge"]
	require.NotNil(t, step)
	assert.Zero(t, step.RetriesCount)
	assert.Empty(t, step.HistoryFailedAttempts)
}

func TestRetryableFailureEventuallyFails(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-4", 10, stepmanager.Options{}, nil)

	attempts := 0
	_, err := mgr.Step(context.Background(), "flaky", func(ctx context.Context) (json.RawMessage, error) {
		attempts++
		return nil, errors.New("transient network blip")
	}, stepmanager.Options{Expire: time.Second, Retry: stepmanager.RetryPolicy{Limit: 2, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond}})

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "limit=2 means 3 total attempts")
	assert.Equal(t, 2, fs.delayCalls)
	assert.Equal(t, 1, fs.failCalls)
}

func TestActionCancellationFinalisesStepAsCancelled(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-6", 10, stepmanager.Options{}, nil)

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(domain.NewActionCancel("user requested"))
	}()

	_, err := mgr.Step(ctx, "slow", func(stepCtx context.Context) (json.RawMessage, error) {
		select {
		case <-stepCtx.Done():
			return nil, stepCtx.Err()
		case <-time.After(500 * time.Millisecond):
			return json.RawMessage(`{}`), nil
		}
	}, stepmanager.Options{Expire: time.Second})

	require.Error(t, err)
	assert.True(t, domain.IsCancel(err))
	assert.Equal(t, 1, fs.cancelCalls)
	assert.Zero(t, fs.failCalls)
	assert.Equal(t, domain.StepCancelled, fs.steps["job-6/slow"].Status)
}

func TestStepCallbackPanicFailsWithCapturedStack(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-8", 10, stepmanager.Options{}, nil)

	attempts := 0
	_, err := mgr.Step(context.Background(), "explosive", func(ctx context.Context) (json.RawMessage, error) {
		attempts++
		panic("boom")
	}, stepmanager.Options{Expire: time.Second, Retry: stepmanager.RetryPolicy{Limit: 3, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond}})

	require.Error(t, err)
	assert.True(t, domain.IsPanic(err))
	assert.Equal(t, 1, attempts, "a panicking callback must not be retried")
	assert.Equal(t, 1, fs.failCalls)
	assert.Zero(t, fs.delayCalls)

	step := fs.steps["job-8/explosive"]
	require.NotNil(t, step)
	require.NotNil(t, step.Error)
	assert.NotEmpty(t, step.Error.Stack, "the recovered panic's stack must be persisted")
}

func TestStepTimeoutBypassesRetry(t *testing.T) {
	fs := newFakeStore()
	mgr := stepmanager.New(fs, "job-7", 10, stepmanager.Options{}, nil)

	attempts := 0
	_, err := mgr.Step(context.Background(), "stuck", func(stepCtx context.Context) (json.RawMessage, error) {
		attempts++
		<-stepCtx.Done()
		return nil, stepCtx.Err()
	}, stepmanager.Options{Expire: 30 * time.Millisecond, Retry: stepmanager.RetryPolicy{Limit: 3, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 5 * time.Millisecond}})

	require.Error(t, err)
	assert.True(t, domain.IsTimeout(err, domain.TimeoutScopeStep))
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, fs.failCalls)
	assert.Zero(t, fs.delayCalls)
}

func TestRecoveredCompletedStepReturnsStoredOutputWithoutRerunning(t *testing.T) {
	fs := newFakeStore()
	fs.steps["job-5/send"] = &domain.JobStep{
		ID: "job-5/send", JobID: "job-5", Name: "send", Status: domain.StepCompleted,
		Output: json.RawMessage(`{"sent":true}`),
	}
	mgr := stepmanager.New(fs, "job-5", 10, stepmanager.Options{}, nil)

	called := false
	out, err := mgr.Step(context.Background(), "send", func(ctx context.Context) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`{}`), nil
	}, stepmanager.Options{Expire: time.Second})

	require.NoError(t, err)
	assert.False(t, called, "a completed step from a prior run must not re-invoke the callback")
	assert.JSONEq(t, `{"sent":true}`, string(out))
}
