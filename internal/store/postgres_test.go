package store_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duron-io/duron/internal/domain"
	"github.com/duron-io/duron/internal/store"
)

// newTestStore opens a real PostgreSQL-backed Store, skipping the test when
// DUR_TEST_POSTGRES_DSN is unset — an opt-in integration convention.
func newTestStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("DUR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUR_TEST_POSTGRES_DSN not set, skipping PostgreSQL-backed store test")
	}
	pool, err := store.Open(context.Background(), store.PoolConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return store.NewPostgresStore(pool, nil)
}

func TestCreateJobThenFetchAdmitsAndOwns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, ok, err := s.CreateJob(ctx, "send-email", "tenant-1", json.RawMessage(`{"to":"a@example.com"}`), 5000, "checksum-1", 1)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := s.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCreated, status)

	claimed, err := s.Fetch(ctx, "client-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, jobID, claimed[0].ID)
	require.NotNil(t, claimed[0].ClientID)
	require.Equal(t, "client-a", *claimed[0].ClientID)

	ok, err = s.CompleteJob(ctx, jobID, "client-a", json.RawMessage(`{"sent":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	status, err = s.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCompleted, status)
}

func TestFetchRespectsGroupConcurrencyLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, ok, err := s.CreateJob(ctx, "send-email", "tenant-2", json.RawMessage(`{}`), 5000, "checksum-2", 1)
		require.NoError(t, err)
		require.True(t, ok)
	}

	claimed, err := s.Fetch(ctx, "client-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "group concurrencyLimit=1 must admit only one job at a time")
}

func TestCompleteJobRejectsWrongOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, _, err := s.CreateJob(ctx, "send-email", "tenant-3", json.RawMessage(`{}`), 5000, "checksum-3", 1)
	require.NoError(t, err)

	claimed, err := s.Fetch(ctx, "client-a", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := s.CompleteJob(ctx, jobID, "client-b", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.False(t, ok, "completeJob must no-op when caller does not own the job")
}

func TestRecoverJobsResetsOrphanedActiveJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, _, err := s.CreateJob(ctx, "send-email", "tenant-4", json.RawMessage(`{}`), 1000, "checksum-4", 1)
	require.NoError(t, err)
	claimed, err := s.Fetch(ctx, "dead-client", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := s.RecoverJobs(ctx, []string{"dead-client"}, []string{"checksum-4"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	status, err := s.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCreated, status)

	job, err := s.GetJobByID(ctx, jobID)
	require.NoError(t, err)
	require.Nil(t, job.ClientID)
	require.Nil(t, job.StartedAt)
	require.Nil(t, job.ExpiresAt)
}

func TestCreateOrRecoverJobStepLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, _, err := s.CreateJob(ctx, "send-email", "tenant-5", json.RawMessage(`{}`), 5000, "checksum-5", 1)
	require.NoError(t, err)
	_, err = s.Fetch(ctx, "client-a", 10)
	require.NoError(t, err)

	lease, err := s.CreateOrRecoverJobStep(ctx, store.StepCreation{JobID: jobID, Name: "send", TimeoutMs: 1000, RetriesLimit: 2})
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.True(t, lease.IsNew)

	ok, err := s.CompleteJobStep(ctx, lease.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	recovered, err := s.CreateOrRecoverJobStep(ctx, store.StepCreation{JobID: jobID, Name: "send", TimeoutMs: 1000, RetriesLimit: 2})
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.False(t, recovered.IsNew)
	require.Equal(t, domain.StepCompleted, recovered.Status)
}

func TestDelayJobStepExtendsExpiryAndRecordsHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, _, err := s.CreateJob(ctx, "send-email", "tenant-6", json.RawMessage(`{}`), 5000, "checksum-6", 1)
	require.NoError(t, err)
	_, err = s.Fetch(ctx, "client-a", 10)
	require.NoError(t, err)

	lease, err := s.CreateOrRecoverJobStep(ctx, store.StepCreation{JobID: jobID, Name: "charge", TimeoutMs: 1000, RetriesLimit: 3})
	require.NoError(t, err)

	before, err := s.GetJobStepByID(ctx, lease.ID)
	require.NoError(t, err)

	ok, err := s.DelayJobStep(ctx, lease.ID, domain.Serialise(domain.NewTransientStore("charge", context.DeadlineExceeded)), 250)
	require.NoError(t, err)
	require.True(t, ok)

	after, err := s.GetJobStepByID(ctx, lease.ID)
	require.NoError(t, err)
	require.Equal(t, 1, after.RetriesCount)
	require.Len(t, after.HistoryFailedAttempts, 1)
	require.True(t, after.ExpiresAt.After(before.ExpiresAt))
}

func TestRetryJobPreventsDuplicateNonTerminalSibling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID, _, err := s.CreateJob(ctx, "send-email", "tenant-7", json.RawMessage(`{"x":1}`), 5000, "checksum-7", 1)
	require.NoError(t, err)
	ok, err := s.CancelJob(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	newID, ok, err := s.RetryJob(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, newID)

	// A non-terminal sibling now exists; retrying the original again must
	// be a no-op under the "at most one non-terminal sibling" invariant.
	_, ok, err = s.RetryJob(ctx, jobID)
	require.NoError(t, err)
	require.False(t, ok)
}
