package actionengine_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duron-io/duron/internal/actionengine"
	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/stepmanager"
	"github.com/duron-io/duron/internal/store"
)

type fakeRuntime struct {
	name    string
	handler func(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error)
}

func (r *fakeRuntime) Name() string     { return r.name }
func (r *fakeRuntime) Checksum() string { return "checksum-" + r.name }
func (r *fakeRuntime) Execute(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error) {
	return r.handler(ctx, args)
}
func (r *fakeRuntime) StepConcurrency() int              { return 10 }
func (r *fakeRuntime) StepExpire() int64                 { return 300000 }
func (r *fakeRuntime) StepRetry() stepmanager.RetryPolicy { return stepmanager.DefaultRetryPolicy() }
func (r *fakeRuntime) SampleInput() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }

type fakeJobStore struct {
	store.Store
	mu        sync.Mutex
	completed []string
	cancelled []string
	failed    []string
}

func (f *fakeJobStore) CompleteJob(ctx context.Context, jobID, clientID string, output json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, jobID)
	return true, nil
}
func (f *fakeJobStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return true, nil
}
func (f *fakeJobStore) FailJob(ctx context.Context, jobID, clientID string, jobErr *domain.SerialisedError) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	return true, nil
}

func TestManagerPushCompletesSuccessfulJob(t *testing.T) {
	fs := &fakeJobStore{}
	runtime := &fakeRuntime{
		name: "send-email",
		handler: func(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	mgr := actionengine.NewManager(fs, runtime, "client-a", 5, nil)

	row := &domain.Job{ID: "job-1", TimeoutMs: 1000}
	mgr.Push(row)
	mgr.Stop()

	assert.Equal(t, []string{"job-1"}, fs.completed)
	assert.Empty(t, fs.failed)
}

func TestManagerSurvivesPanickingHandler(t *testing.T) {
	fs := &fakeJobStore{}
	runtime := &fakeRuntime{
		name: "explosive",
		handler: func(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error) {
			panic("boom")
		},
	}
	mgr := actionengine.NewManager(fs, runtime, "client-a", 5, nil)

	mgr.Push(&domain.Job{ID: "job-panic", TimeoutMs: 1000})
	mgr.Stop()

	assert.Equal(t, []string{"job-panic"}, fs.failed, "a panicking handler must fail its job, not crash the pool")
	assert.Empty(t, fs.completed)
}

func TestManagerCancelJobAbortsInFlight(t *testing.T) {
	fs := &fakeJobStore{}
	started := make(chan struct{})
	runtime := &fakeRuntime{
		name: "long-running",
		handler: func(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, domain.NewActionCancel("aborted")
		},
	}
	mgr := actionengine.NewManager(fs, runtime, "client-a", 5, nil)

	row := &domain.Job{ID: "job-2", TimeoutMs: 60000}
	mgr.Push(row)
	<-started

	found := mgr.CancelJob("job-2")
	require.True(t, found)

	mgr.Stop()
	assert.Equal(t, []string{"job-2"}, fs.cancelled)
}

func TestManagerRespectsConcurrencyLimit(t *testing.T) {
	fs := &fakeJobStore{}
	var concurrent int32
	var maxObserved int32
	release := make(chan struct{})
	runtime := &fakeRuntime{
		name: "bounded",
		handler: func(ctx context.Context, args actionengine.HandlerArgs) (json.RawMessage, error) {
			n := atomic.AddInt32(&concurrent, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			<-release
			atomic.AddInt32(&concurrent, -1)
			return json.RawMessage(`{}`), nil
		},
	}
	mgr := actionengine.NewManager(fs, runtime, "client-a", 2, nil)

	// Push blocks while the pool is full, so the pushes run on their own
	// goroutine until release frees the slots.
	pushed := make(chan struct{})
	go func() {
		defer close(pushed)
		for i := 0; i < 5; i++ {
			mgr.Push(&domain.Job{ID: jobIDFor(i), TimeoutMs: 60000})
		}
	}()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 2)

	close(release)
	<-pushed
	mgr.Stop()
	assert.Len(t, fs.completed, 5)
}

func jobIDFor(i int) string {
	return "job-bounded-" + string(rune('a'+i))
}
