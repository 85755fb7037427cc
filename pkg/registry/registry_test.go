package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foreman/pkg/models"
)

func TestRegisterAndCapacity(t *testing.T) {
	r := New(2)

	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	require.NoError(t, r.Register(models.Agent{ID: "a2"}))
	assert.Equal(t, 2, r.Size())

	err := r.Register(models.Agent{ID: "a3"})
	assert.ErrorIs(t, err, ErrAgentLimit)

	// Re-registering a known agent is a refresh, not a new slot.
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	assert.Equal(t, 2, r.Size())
}

func TestAssignAndRelease(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))

	require.NoError(t, r.Assign("a1", "t1"))
	agent, ok := r.Get("a1")
	require.True(t, ok)
	assert.Equal(t, models.AgentStatusBusy, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, "t1", *agent.CurrentTaskID)

	// Busy agents cannot take a second task.
	assert.Error(t, r.Assign("a1", "t2"))

	r.Release("a1")
	agent, _ = r.Get("a1")
	assert.Equal(t, models.AgentStatusIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)
}

func TestFindIdleRotates(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	require.NoError(t, r.Register(models.Agent{ID: "a2"}))
	require.NoError(t, r.Register(models.Agent{ID: "a3"}))

	first := r.FindIdle()
	second := r.FindIdle()
	third := r.FindIdle()
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, []string{first, second, third})

	// Wraps around once every agent has been offered.
	assert.Equal(t, first, r.FindIdle())
}

func TestFindIdleSkipsBusy(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	require.NoError(t, r.Register(models.Agent{ID: "a2"}))
	require.NoError(t, r.Assign("a1", "t1"))

	assert.Equal(t, "a2", r.FindIdle())
	require.NoError(t, r.Assign("a2", "t2"))
	assert.Equal(t, "", r.FindIdle())
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	r := New(4)
	err := r.Heartbeat("ghost", models.AgentStatusIdle, nil, models.AgentResources{})
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestHeartbeatWithoutTaskKeepsAssignment(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	require.NoError(t, r.Assign("a1", "t1"))

	// Heartbeats may omit the current task; the assignment survives.
	require.NoError(t, r.Heartbeat("a1", models.AgentStatusBusy, nil, models.AgentResources{}))
	agent, ok := r.Get("a1")
	require.True(t, ok)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, "t1", *agent.CurrentTaskID)

	// A stale idle report cannot demote an agent holding a task.
	require.NoError(t, r.Heartbeat("a1", models.AgentStatusIdle, nil, models.AgentResources{}))
	agent, _ = r.Get("a1")
	assert.Equal(t, models.AgentStatusBusy, agent.Status)
	assert.Equal(t, "", r.FindIdle())

	// The task follows the agent into the sweep result.
	dead := r.Sweep(time.Nanosecond)
	require.Len(t, dead, 1)
	assert.Equal(t, "t1", dead[0].TaskID)
}

func TestSweepRemovesStaleAgents(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	require.NoError(t, r.Register(models.Agent{ID: "a2"}))
	require.NoError(t, r.Assign("a1", "t1"))

	// a2 heartbeats recently, a1 goes silent.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Heartbeat("a2", models.AgentStatusIdle, nil, models.AgentResources{}))

	dead := r.Sweep(10 * time.Millisecond)
	require.Len(t, dead, 1)
	assert.Equal(t, "a1", dead[0].AgentID)
	assert.Equal(t, "t1", dead[0].TaskID)

	_, ok := r.Get("a1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Size())
}

func TestDeregisterReturnsCurrentTask(t *testing.T) {
	r := New(4)
	require.NoError(t, r.Register(models.Agent{ID: "a1"}))
	require.NoError(t, r.Assign("a1", "t1"))

	taskID, err := r.Deregister("a1")
	require.NoError(t, err)
	assert.Equal(t, "t1", taskID)

	_, err = r.Deregister("a1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	r := New(4)
	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, r.Register(models.Agent{ID: id}))
	}
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a1", snap[0].ID)
	assert.Equal(t, "a3", snap[2].ID)
}
