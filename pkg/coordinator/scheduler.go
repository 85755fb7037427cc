package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeworks/foreman/pkg/bus"
	"github.com/forgeworks/foreman/pkg/models"
)

// dispatch assigns a task to an agent and publishes the dispatch message.
// Callers hold schedMu.
func (c *PoolCoordinator) dispatch(ctx context.Context, task *models.Task, agentID string, rc *models.RecoveryContext) error {
	now := time.Now().UTC()
	agentRef := agentID

	opCtx, cancel := c.opContext(ctx)
	updated, err := c.store.UpdateStatus(opCtx, task.ID, models.TaskStatusDispatched, Patch{
		AssignedAgentID: &agentRef,
		DispatchedAt:    &now,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to mark task dispatched: %w", err)
	}

	if err := c.registry.Assign(agentID, task.ID); err != nil {
		return fmt.Errorf("failed to assign agent: %w", err)
	}

	payload, err := updated.Payload()
	if err != nil {
		return fmt.Errorf("unreadable payload for task %s: %w", task.ID, err)
	}

	c.captureBaseline(task.ID, payload.WorktreePath)

	msg := bus.TaskDispatch{
		TaskID:        task.ID,
		TargetAgentID: agentID,
		Task: bus.DispatchTask{
			Description:  payload.Description,
			CodebaseID:   payload.CodebaseID,
			WorktreePath: payload.WorktreePath,
			Priority:     string(updated.Priority),
		},
		Timestamp: now,
	}
	if rc != nil {
		msg.Task.Context = &bus.DispatchContext{
			PreviousAttempts: rc.AttemptNumber - 1,
			RecoveryHints:    recoveryHints(rc),
		}
	}

	opCtx, cancel = c.opContext(ctx)
	err = c.bus.Publish(opCtx, bus.TaskDispatchChannel(agentID), msg)
	cancel()
	if err != nil {
		c.registry.Release(agentID)
		slog.Error("Dispatch publish failed", "task_id", task.ID,
			"agent_id", agentID, "error", err)
		// Route through the failure path off this goroutine; callers hold
		// schedMu and the retry path re-acquires it.
		go c.failAbandonedTask(context.Background(), task.ID, agentID,
			"Dispatch publish failed")
		return err
	}

	slog.Info("Task dispatched", "task_id", task.ID, "agent_id", agentID,
		"attempt", updated.Attempts+1)
	return nil
}

// ProcessQueue drains the durable queue onto idle agents. Safe to call from
// any goroutine.
func (c *PoolCoordinator) ProcessQueue(ctx context.Context) {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	c.processQueueLocked(ctx)
}

// processQueueLocked is bounded to the current idle-agent count, so an
// always-refilling queue cannot pin the scheduler. Callers hold schedMu.
func (c *PoolCoordinator) processQueueLocked(ctx context.Context) {
	for i := c.registry.IdleCount(); i > 0; i-- {
		agentID := c.registry.FindIdle()
		if agentID == "" {
			return
		}

		opCtx, cancel := c.opContext(ctx)
		taskID, err := c.bus.Dequeue(opCtx)
		cancel()
		if errors.Is(err, bus.ErrQueueEmpty) {
			return
		}
		if err != nil {
			slog.Error("Dequeue failed", "error", err)
			return
		}

		opCtx, cancel = c.opContext(ctx)
		task, err := c.store.Get(opCtx, taskID)
		cancel()
		if err != nil {
			slog.Warn("Dequeued unknown task, dropping", "task_id", taskID)
			i++ // agent still free
			continue
		}
		// Cancelled while queued: drop and keep draining.
		if task.Status.Terminal() {
			slog.Info("Dropping cancelled task from queue", "task_id", taskID)
			i++
			continue
		}

		rc := c.takeRecoveryContext(taskID)
		if err := c.dispatch(ctx, task, agentID, rc); err != nil {
			slog.Error("Queue dispatch failed", "task_id", taskID, "error", err)
		}
	}
}

// sweepLoop drives agent liveness and the overall task timeout on an
// independent monotonic ticker.
func (c *PoolCoordinator) sweepLoop(ctx context.Context) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx)
		}
	}
}

func (c *PoolCoordinator) sweepOnce(ctx context.Context) {
	dead := c.registry.Sweep(c.cfg.HeartbeatTimeout)
	h := c.callbacks()
	for _, d := range dead {
		agentID := d.AgentID
		if h.OnAgentDead != nil {
			c.enqueueCallback(func() { h.OnAgentDead(agentID) })
		}
		if d.TaskID != "" {
			c.failAbandonedTask(ctx, d.TaskID, d.AgentID, "Agent heartbeat timeout")
		}
	}

	expired := c.expireOverdueTasks(ctx)

	if len(dead) > 0 || expired {
		c.schedMu.Lock()
		c.processQueueLocked(ctx)
		c.schedMu.Unlock()
	}
}

// expireOverdueTasks treats tasks past the overall timeout as dead-agent
// failures, covering agents that heartbeat but never finish. The owning
// agent is killed and deregistered, never returned to the idle pool: it may
// still be executing the expired task, and an idle slot would let the
// scheduler hand it a second one.
func (c *PoolCoordinator) expireOverdueTasks(ctx context.Context) bool {
	opCtx, cancel := c.opContext(ctx)
	active, err := c.store.ListActive(opCtx)
	cancel()
	if err != nil {
		slog.Error("Failed to list active tasks", "error", err)
		return false
	}

	h := c.callbacks()
	expired := false
	cutoff := time.Now().Add(-c.cfg.TaskTimeout)
	for _, task := range active {
		if task.DispatchedAt == nil || task.DispatchedAt.After(cutoff) {
			continue
		}
		expired = true
		agentID := ""
		if task.AssignedAgentID != nil {
			agentID = *task.AssignedAgentID
			kill := bus.KillMessage{
				AgentID:   agentID,
				Reason:    "task timeout exceeded",
				Timestamp: time.Now().UTC(),
			}
			opCtx, cancel := c.opContext(ctx)
			if err := c.bus.Publish(opCtx, bus.ControlKillChannel(agentID), kill); err != nil {
				slog.Warn("Failed to publish kill", "agent_id", agentID, "error", err)
			}
			cancel()
			if _, err := c.registry.Deregister(agentID); err == nil {
				if h.OnAgentDead != nil {
					deadID := agentID
					c.enqueueCallback(func() { h.OnAgentDead(deadID) })
				}
			}
		}
		slog.Warn("Task exceeded overall timeout", "task_id", task.ID,
			"dispatched_at", task.DispatchedAt)
		c.failAbandonedTask(ctx, task.ID, agentID, "Task timeout exceeded")
	}
	return expired
}

// reconcile repairs scheduling state after startup or a bus reconnect:
// queued tasks regain their queue rows, and the queue is drained onto any
// idle agents. Dispatched tasks whose agents silently died are left to the
// sweep.
func (c *PoolCoordinator) reconcile(ctx context.Context) {
	opCtx, cancel := c.opContext(ctx)
	active, err := c.store.ListActive(opCtx)
	cancel()
	if err != nil {
		slog.Error("Reconciliation failed to list tasks", "error", err)
		return
	}

	for _, task := range active {
		if task.Status != models.TaskStatusQueued {
			continue
		}
		opCtx, cancel := c.opContext(ctx)
		err := c.bus.Enqueue(opCtx, task.ID, task.Priority.Score())
		cancel()
		if err != nil {
			slog.Error("Reconciliation enqueue failed", "task_id", task.ID, "error", err)
		}
	}

	slog.Info("Reconciliation complete", "active_tasks", len(active))

	c.schedMu.Lock()
	c.processQueueLocked(ctx)
	c.schedMu.Unlock()
}

// captureBaseline records the worktree's commit count before the agent
// starts, for the commits_created check. The git subprocess runs on its own
// goroutine; dispatch callers hold schedMu and must not wait on it.
// Verification blocks on the done channel instead.
func (c *PoolCoordinator) captureBaseline(taskID, worktree string) {
	if worktree == "" {
		return
	}
	b := &commitBaseline{done: make(chan struct{})}
	c.baselinesMu.Lock()
	c.baselines[taskID] = b
	c.baselinesMu.Unlock()

	go func() {
		defer close(b.done)
		count, err := c.verifier.CommitCount(context.Background(), worktree)
		if err != nil {
			slog.Warn("Failed to record commit baseline", "task_id", taskID, "error", err)
			return
		}
		b.count = count
	}()
}

func (c *PoolCoordinator) dropBaseline(taskID string) {
	c.baselinesMu.Lock()
	delete(c.baselines, taskID)
	c.baselinesMu.Unlock()
}

func (c *PoolCoordinator) storeRecoveryContext(taskID string, rc *models.RecoveryContext) {
	if rc == nil {
		return
	}
	c.pendingRCMu.Lock()
	c.pendingRC[taskID] = rc
	c.pendingRCMu.Unlock()
}

func (c *PoolCoordinator) takeRecoveryContext(taskID string) *models.RecoveryContext {
	c.pendingRCMu.Lock()
	defer c.pendingRCMu.Unlock()
	rc := c.pendingRC[taskID]
	delete(c.pendingRC, taskID)
	return rc
}

// recoveryHints flattens a recovery context into prompt-ready strings.
func recoveryHints(rc *models.RecoveryContext) []string {
	var hints []string
	for _, rec := range rc.PreviousFailures {
		hints = append(hints, fmt.Sprintf("attempt %d failed: %s",
			rec.AttemptNumber, rec.FailureReason))
	}
	for _, pattern := range rc.FailurePatterns {
		hints = append(hints, "avoid repeating failure: "+pattern)
	}
	return hints
}
