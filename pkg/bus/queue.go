package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrQueueEmpty is returned by Dequeue when no task is waiting.
var ErrQueueEmpty = errors.New("task queue is empty")

// QueueEntry is one waiting task with its computed priority score.
type QueueEntry struct {
	TaskID   string
	Score    int
	QueuedAt time.Time
}

// DurableQueue is the Postgres-backed priority queue. Ordering is score
// descending, then enqueue time ascending, so equal-priority tasks drain
// FIFO. Claims use FOR UPDATE SKIP LOCKED so concurrent dequeuers never
// receive the same task.
type DurableQueue struct {
	db *sql.DB
}

func NewDurableQueue(db *sql.DB) *DurableQueue {
	return &DurableQueue{db: db}
}

// Enqueue inserts a task with its score. Re-enqueueing an existing task
// updates the score and refreshes the enqueue time, moving it behind its
// new priority band.
func (q *DurableQueue) Enqueue(ctx context.Context, taskID string, score int) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO task_queue (task_id, score, queued_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (task_id)
		DO UPDATE SET score = EXCLUDED.score, queued_at = NOW()`,
		taskID, score)
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", taskID, err)
	}
	return nil
}

// Dequeue claims and removes the highest-priority entry. Returns
// ErrQueueEmpty if nothing is waiting or every waiting row is locked by a
// concurrent claim.
func (q *DurableQueue) Dequeue(ctx context.Context) (string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var taskID string
	err = tx.QueryRowContext(ctx, `
		SELECT task_id FROM task_queue
		ORDER BY score DESC, queued_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrQueueEmpty
	}
	if err != nil {
		return "", fmt.Errorf("failed to claim queue head: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_queue WHERE task_id = $1`, taskID); err != nil {
		return "", fmt.Errorf("failed to delete claimed task %s: %w", taskID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit dequeue: %w", err)
	}
	return taskID, nil
}

// Remove deletes a specific task from the queue, for cancellation of tasks
// that were never dispatched. Returns false if the task was not queued.
func (q *DurableQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM task_queue WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to remove task %s from queue: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// Length reports how many tasks are waiting.
func (q *DurableQueue) Length(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return n, nil
}

// Position reports a task's 1-based place in dequeue order, or 0 if the task
// is not queued.
func (q *DurableQueue) Position(ctx context.Context, taskID string) (int, error) {
	var pos sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT rank FROM (
			SELECT task_id,
			       RANK() OVER (ORDER BY score DESC, queued_at ASC) AS rank
			FROM task_queue
		) ranked
		WHERE task_id = $1`, taskID).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue position: %w", err)
	}
	return int(pos.Int64), nil
}
