// Package taskstore persists task records and enforces the task status
// state machine at the storage boundary.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/forgeworks/foreman/pkg/models"
)

// ErrNotFound is returned when no task exists for the given id.
var ErrNotFound = errors.New("task not found")

// ErrIllegalTransition is returned when an update would violate the task
// state machine.
var ErrIllegalTransition = errors.New("illegal task status transition")

// Store is the Postgres-backed task repository.
type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new task in queued status.
func (s *Store) Create(ctx context.Context, id string, priority models.TaskPriority, payload models.TaskPayload) (*models.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := &models.Task{
		ID:         id,
		Status:     models.TaskStatusQueued,
		Priority:   priority,
		PayloadRaw: raw,
		QueuedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, status, priority, payload, attempts, queued_at)
		VALUES ($1, $2, $3, $4, 0, $5)`,
		task.ID, task.Status, task.Priority, task.PayloadRaw, task.QueuedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task %s: %w", id, err)
	}
	return task, nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task,
		`SELECT * FROM tasks WHERE task_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &task, nil
}

// Patch carries the optional fields set alongside a status transition.
type Patch struct {
	AssignedAgentID *string
	ClearAgent      bool
	Result          *models.TaskResult
	DispatchedAt    *time.Time
	CompletedAt     *time.Time
}

// UpdateStatus moves a task to a new status. The current row is locked and
// the edge validated, so out-of-order bus events (a result arriving for an
// already-cancelled task) are rejected rather than applied.
func (s *Store) UpdateStatus(ctx context.Context, id string, to models.TaskStatus, patch Patch) (*models.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var task models.Task
	err = tx.GetContext(ctx, &task,
		`SELECT * FROM tasks WHERE task_id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock task %s: %w", id, err)
	}

	if !models.CanTransition(task.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s for task %s",
			ErrIllegalTransition, task.Status, to, id)
	}

	task.Status = to
	if patch.AssignedAgentID != nil {
		task.AssignedAgentID = patch.AssignedAgentID
	}
	if patch.ClearAgent {
		task.AssignedAgentID = nil
	}
	if patch.DispatchedAt != nil {
		task.DispatchedAt = patch.DispatchedAt
	}
	if patch.CompletedAt != nil {
		task.CompletedAt = patch.CompletedAt
	}
	if patch.Result != nil {
		raw, err := json.Marshal(patch.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal task result: %w", err)
		}
		task.ResultRaw = raw
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $2, assigned_agent_id = $3, result = $4,
		    dispatched_at = $5, completed_at = $6
		WHERE task_id = $1`,
		task.ID, task.Status, task.AssignedAgentID, task.ResultRaw,
		task.DispatchedAt, task.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task update: %w", err)
	}
	return &task, nil
}

// IncrementAttempts bumps the durable attempt counter and returns the new
// value.
func (s *Store) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE tasks SET attempts = attempts + 1
		WHERE task_id = $1
		RETURNING attempts`, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// ListActive returns tasks that are not in a terminal status, oldest first.
// Used for startup reconciliation.
func (s *Store) ListActive(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM tasks
		WHERE status IN ('queued', 'dispatched', 'running', 'verifying')
		ORDER BY queued_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tasks: %w", err)
	}
	return tasks, nil
}

// ListByAgent returns non-terminal tasks assigned to one agent.
func (s *Store) ListByAgent(ctx context.Context, agentID string) ([]models.Task, error) {
	var tasks []models.Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM tasks
		WHERE assigned_agent_id = $1
		  AND status IN ('dispatched', 'running', 'verifying')
		ORDER BY queued_at ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for agent %s: %w", agentID, err)
	}
	return tasks, nil
}

// List returns recent tasks, optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status models.TaskStatus, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var tasks []models.Task
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &tasks, `
			SELECT * FROM tasks ORDER BY queued_at DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &tasks, `
			SELECT * FROM tasks WHERE status = $1
			ORDER BY queued_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// CountByStatus returns task counts grouped by status, for pool health.
func (s *Store) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
