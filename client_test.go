package duron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/ptr"
	"github.com/duron-io/duron/internal/store"
)

// stubStore records the calls the Client delegates to the Store; only the
// methods these tests exercise are implemented.
type stubStore struct {
	store.Store

	jobs      map[string]*domain.Job
	cancelled []string

	createdAction string
	createdGroup  string
	createdLimit  int
	createdInput  json.RawMessage
}

func (s *stubStore) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (s *stubStore) CancelJob(ctx context.Context, jobID string) (bool, error) {
	s.cancelled = append(s.cancelled, jobID)
	return true, nil
}

func (s *stubStore) CreateJob(ctx context.Context, actionName, groupKey string, input json.RawMessage, timeoutMs int64, checksum string, concurrencyLimit int) (string, bool, error) {
	s.createdAction = actionName
	s.createdGroup = groupKey
	s.createdLimit = concurrencyLimit
	s.createdInput = input
	return "job-new", true, nil
}

type greetInput struct {
	Name string `json:"name" validate:"required"`
}

type greetOutput struct {
	Greeting string `json:"greeting"`
}

func greetAction() *Action[greetInput, greetOutput] {
	return &Action[greetInput, greetOutput]{
		Name: "greet",
		Handler: func(ctx *ActionContext[greetInput]) (greetOutput, error) {
			return greetOutput{Greeting: "hi " + ctx.Input.Name}, nil
		},
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()

	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, SyncHybrid, cfg.SyncPattern)
	assert.Equal(t, 5*time.Second, cfg.PullInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 100, cfg.ActionConcurrencyLimit)
	assert.Equal(t, 10, cfg.GroupConcurrencyLimit)
	assert.Equal(t, 5*time.Second, cfg.ProcessTimeout)
	assert.NotNil(t, cfg.Logger)
}

func TestRunActionDefaultsGroupKeyAndLimit(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{}}
	c := New(Config{GroupConcurrencyLimit: 7}, st, nil)
	RegisterAction(c, greetAction())

	jobID, err := RunAction(context.Background(), c, greetAction(), greetInput{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "job-new", jobID)
	assert.Equal(t, "greet", st.createdAction)
	assert.Equal(t, "@default", st.createdGroup)
	assert.Equal(t, 7, st.createdLimit)
	assert.JSONEq(t, `{"name":"ada"}`, string(st.createdInput))
}

func TestRunActionResolvesGroupFunctions(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{}}
	c := New(Config{}, st, nil)

	action := greetAction()
	action.GroupKey = func(ctx *ActionContext[greetInput]) string { return "tenant-" + ctx.Input.Name }
	action.GroupConcurrency = func(ctx *ActionContext[greetInput]) int { return 3 }
	RegisterAction(c, action)

	_, err := RunAction(context.Background(), c, action, greetInput{Name: "ada"})
	require.NoError(t, err)
	assert.Equal(t, "tenant-ada", st.createdGroup)
	assert.Equal(t, 3, st.createdLimit)
}

func TestRunActionRejectsInvalidInput(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{}}
	c := New(Config{}, st, nil)
	RegisterAction(c, greetAction())

	_, err := RunAction(context.Background(), c, greetAction(), greetInput{})
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Empty(t, st.createdAction, "createJob must not be reached for invalid input")
}

func TestRunActionByNameUnknownAction(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{}}
	c := New(Config{}, st, nil)

	_, err := c.RunActionByName(context.Background(), "nope", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestWaitForJobResolvesImmediatelyForTerminalJob(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{
		"job-1": {ID: "job-1", Status: domain.JobCompleted, FinishedAt: ptr.To(time.Now())},
	}}
	c := New(Config{}, st, nil)

	job, err := c.WaitForJob(context.Background(), "job-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, domain.JobCompleted, job.Status)
}

func TestWaitForJobTimesOutToNil(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{
		"job-2": {ID: "job-2", Status: domain.JobActive},
	}}
	c := New(Config{}, st, nil)

	job, err := c.WaitForJob(context.Background(), "job-2", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCancelJobFallsThroughToStore(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{}}
	c := New(Config{}, st, nil)

	ok, err := c.CancelJob(context.Background(), "job-3")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"job-3"}, st.cancelled)
}

func TestGetActionsMetadataIsCachedAndSorted(t *testing.T) {
	st := &stubStore{jobs: map[string]*domain.Job{}}
	c := New(Config{}, st, nil)
	RegisterAction(c, greetAction())

	first := c.GetActionsMetadata()
	require.Len(t, first, 1)
	assert.Equal(t, "greet", first[0].Name)
	assert.JSONEq(t, `{"name":"string"}`, string(first[0].MockInput))

	second := c.GetActionsMetadata()
	require.Len(t, second, 1)
	assert.Equal(t, string(first[0].MockInput), string(second[0].MockInput))
}
