package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/foreman/pkg/models"
	"github.com/forgeworks/foreman/test/util"
)

func newTestStore(t *testing.T) *Store {
	db, _ := util.SetupTestDatabase(t)
	return New(db)
}

func createTask(t *testing.T, store *Store, priority models.TaskPriority) *models.Task {
	t.Helper()
	task, err := store.Create(context.Background(), uuid.New().String(), priority,
		models.TaskPayload{Description: "test task"})
	require.NoError(t, err)
	return task
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := createTask(t, store, models.PriorityHigh)
	assert.Equal(t, models.TaskStatusQueued, created.Status)
	assert.Equal(t, 0, created.Attempts)

	fetched, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
	assert.Equal(t, models.PriorityHigh, fetched.Priority)

	payload, err := fetched.Payload()
	require.NoError(t, err)
	assert.Equal(t, "test task", payload.Description)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusHappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, models.PriorityNormal)

	agentID := "a1"
	now := time.Now().UTC()
	updated, err := store.UpdateStatus(ctx, task.ID, models.TaskStatusDispatched, Patch{
		AssignedAgentID: &agentID,
		DispatchedAt:    &now,
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDispatched, updated.Status)
	require.NotNil(t, updated.AssignedAgentID)
	assert.Equal(t, "a1", *updated.AssignedAgentID)
	require.NotNil(t, updated.DispatchedAt)

	_, err = store.UpdateStatus(ctx, task.ID, models.TaskStatusRunning, Patch{})
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, task.ID, models.TaskStatusVerifying, Patch{})
	require.NoError(t, err)

	result := &models.TaskResult{TaskID: task.ID, Success: true}
	completedAt := time.Now().UTC()
	final, err := store.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, Patch{
		Result:      result,
		CompletedAt: &completedAt,
	})
	require.NoError(t, err)

	stored, err := final.Result()
	require.NoError(t, err)
	assert.True(t, stored.Success)
}

func TestUpdateStatusRejectsIllegalTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, models.PriorityNormal)

	_, err := store.UpdateStatus(ctx, task.ID, models.TaskStatusCompleted, Patch{})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	// The failed row stays untouched.
	current, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, current.Status)
}

func TestTerminalStability(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, models.PriorityNormal)

	_, err := store.UpdateStatus(ctx, task.ID, models.TaskStatusCancelled, Patch{})
	require.NoError(t, err)

	// A late result cannot resurrect a cancelled task.
	_, err = store.UpdateStatus(ctx, task.ID, models.TaskStatusVerifying, Patch{})
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = store.UpdateStatus(ctx, task.ID, models.TaskStatusDispatched, Patch{})
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRetryEdge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, models.PriorityNormal)

	agentID := "a1"
	_, err := store.UpdateStatus(ctx, task.ID, models.TaskStatusDispatched, Patch{AssignedAgentID: &agentID})
	require.NoError(t, err)
	_, err = store.UpdateStatus(ctx, task.ID, models.TaskStatusFailed, Patch{})
	require.NoError(t, err)

	// failed -> dispatched is the recovery retry edge.
	agent2 := "a2"
	updated, err := store.UpdateStatus(ctx, task.ID, models.TaskStatusDispatched, Patch{AssignedAgentID: &agent2})
	require.NoError(t, err)
	assert.Equal(t, "a2", *updated.AssignedAgentID)
}

func TestIncrementAttempts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	task := createTask(t, store, models.PriorityNormal)

	n, err := store.IncrementAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.IncrementAttempts(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	active := createTask(t, store, models.PriorityNormal)
	done := createTask(t, store, models.PriorityNormal)
	_, err := store.UpdateStatus(ctx, done.ID, models.TaskStatusCancelled, Patch{})
	require.NoError(t, err)

	tasks, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, active.ID, tasks[0].ID)
}

func TestCountByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	createTask(t, store, models.PriorityNormal)
	createTask(t, store, models.PriorityNormal)
	cancelled := createTask(t, store, models.PriorityNormal)
	_, err := store.UpdateStatus(ctx, cancelled.ID, models.TaskStatusCancelled, Patch{})
	require.NoError(t, err)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.TaskStatusQueued])
	assert.Equal(t, 1, counts[models.TaskStatusCancelled])
}
