package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duron-io/duron/internal/domain"
)

func TestJobCanTransitionTo(t *testing.T) {
	cases := []struct {
		name   string
		from   domain.JobStatus
		to     domain.JobStatus
		expect bool
	}{
		{"created to active", domain.JobCreated, domain.JobActive, true},
		{"created to cancelled", domain.JobCreated, domain.JobCancelled, true},
		{"active to completed", domain.JobActive, domain.JobCompleted, true},
		{"active to failed", domain.JobActive, domain.JobFailed, true},
		{"active to cancelled", domain.JobActive, domain.JobCancelled, true},
		{"active to created", domain.JobActive, domain.JobCreated, false},
		{"completed to anything", domain.JobCompleted, domain.JobActive, false},
		{"created to completed direct", domain.JobCreated, domain.JobCompleted, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := &domain.Job{Status: tc.from}
			assert.Equal(t, tc.expect, j.CanTransitionTo(tc.to))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, domain.JobCreated.Terminal())
	assert.False(t, domain.JobActive.Terminal())
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobFailed.Terminal())
	assert.True(t, domain.JobCancelled.Terminal())
}

func TestChecksumStableAndSensitive(t *testing.T) {
	a := domain.Checksum("sendEmail", "v1", "func handler() {}")
	b := domain.Checksum("sendEmail", "v1", "func handler() {}")
	c := domain.Checksum("sendEmail", "v2", "func handler() {}")

	require.Equal(t, a, b, "checksum must be deterministic for identical inputs")
	assert.NotEqual(t, a, c, "checksum must change when the version changes")
}

func TestSerialisedErrorRoundTrip(t *testing.T) {
	se := &domain.SerialisedError{
		Name:    "NonRetriableError",
		Message: "stop",
		Cause: &domain.SerialisedError{
			Name:    "Error",
			Message: "upstream failed",
		},
	}

	assert.Equal(t, "stop", se.Error())
	assert.Equal(t, se.Cause, se.Unwrap())
}
