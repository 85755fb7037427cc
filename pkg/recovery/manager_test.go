package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foreman/pkg/models"
)

func failedResult(msg string) *models.TaskResult {
	return &models.TaskResult{
		Success: false,
		Error:   &models.TaskError{Message: msg, Recoverable: true},
	}
}

func TestRetryWithRecoveryContext(t *testing.T) {
	m := New(3)

	d := m.HandleFailure("t1", "fix the build", "a1",
		failedResult("commit count mismatch"), []string{"commits_created"})

	require.True(t, d.Retry)
	require.NotNil(t, d.Recovery)
	assert.Nil(t, d.Escalation)

	assert.Equal(t, 2, d.Recovery.AttemptNumber)
	require.Len(t, d.Recovery.PreviousFailures, 1)
	assert.Equal(t, "commit count mismatch", d.Recovery.PreviousFailures[0].FailureReason)
	assert.WithinDuration(t, time.Now().UTC(), d.Recovery.PreviousFailures[0].Timestamp, time.Minute)
	assert.Equal(t, []string{"commits_created"}, d.Recovery.FailurePatterns)
}

func TestEscalationAfterExhaustion(t *testing.T) {
	m := New(3)

	d1 := m.HandleFailure("t1", "fix the build", "a1",
		failedResult("error one"), []string{"commits_created"})
	require.True(t, d1.Retry)

	d2 := m.HandleFailure("t1", "fix the build", "a2",
		failedResult("error two"), []string{"files_modified"})
	require.True(t, d2.Retry)
	assert.Equal(t, 3, d2.Recovery.AttemptNumber)
	// Patterns accumulate and de-duplicate across attempts.
	assert.ElementsMatch(t, []string{"commits_created", "files_modified"},
		d2.Recovery.FailurePatterns)

	d3 := m.HandleFailure("t1", "fix the build", "a1",
		failedResult("error three"), []string{"commits_created"})
	require.False(t, d3.Retry)
	require.NotNil(t, d3.Escalation)
	assert.Nil(t, d3.Recovery)

	esc := d3.Escalation
	assert.Equal(t, "t1", esc.TaskID)
	assert.Equal(t, "fix the build", esc.TaskDescription)
	require.Len(t, esc.Attempts, 3)
	// Each attempt in the transcript records when it failed.
	for _, rec := range esc.Attempts {
		assert.False(t, rec.Timestamp.IsZero())
	}
	assert.Equal(t, []string{
		"simplify the task description",
		"provide additional context or examples",
		"perform manually and record the fix",
	}, esc.SuggestedActions)
}

func TestFailureReasonFallsBackToChecks(t *testing.T) {
	m := New(3)
	d := m.HandleFailure("t1", "desc", "a1",
		&models.TaskResult{Success: false}, []string{"tests_pass", "types_valid"})
	require.True(t, d.Retry)
	assert.Equal(t, "verification failed: tests_pass, types_valid",
		d.Recovery.PreviousFailures[0].FailureReason)
}

func TestTasksTrackedIndependently(t *testing.T) {
	m := New(2)

	d := m.HandleFailure("t1", "one", "a1", failedResult("boom"), nil)
	require.True(t, d.Retry)
	d = m.HandleFailure("t2", "two", "a1", failedResult("boom"), nil)
	require.True(t, d.Retry)

	d = m.HandleFailure("t1", "one", "a1", failedResult("boom"), nil)
	assert.False(t, d.Retry)
	assert.Equal(t, 1, m.Attempts("t2"))
}

func TestSeedAttemptsSurvivesRestart(t *testing.T) {
	m := New(3)

	// A restarted coordinator seeds from the durable counter; the next
	// failure is the third and final one.
	m.SeedAttempts("t1", 2)
	d := m.HandleFailure("t1", "desc", "a1", failedResult("boom"), nil)
	assert.False(t, d.Retry)
	require.NotNil(t, d.Escalation)

	// Seeding never lowers an in-memory count.
	m.SeedAttempts("t2", 2)
	m.SeedAttempts("t2", 1)
	assert.Equal(t, 2, m.Attempts("t2"))
}

func TestReset(t *testing.T) {
	m := New(3)
	m.HandleFailure("t1", "desc", "a1", failedResult("boom"), nil)
	require.Equal(t, 1, m.Attempts("t1"))

	m.Reset("t1")
	assert.Equal(t, 0, m.Attempts("t1"))
}
