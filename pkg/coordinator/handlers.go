package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeworks/foreman/pkg/bus"
	"github.com/forgeworks/foreman/pkg/models"
	"github.com/forgeworks/foreman/pkg/taskstore"
	"github.com/forgeworks/foreman/pkg/verify"
)

func (c *PoolCoordinator) handleAgentRegister(channel string, payload []byte) {
	var msg bus.AgentRegister
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("Malformed register message", "error", err)
		return
	}

	agent := models.Agent{
		ID:           msg.AgentID,
		Status:       models.AgentStatusIdle,
		Capabilities: capabilityNames(msg.Capabilities),
		System:       msg.System,
	}
	if err := c.registry.Register(agent); err != nil {
		slog.Warn("Registration refused", "agent_id", msg.AgentID, "error", err)
		return
	}

	c.schedMu.Lock()
	c.processQueueLocked(context.Background())
	c.schedMu.Unlock()
}

func (c *PoolCoordinator) handleAgentHeartbeat(channel string, payload []byte) {
	var msg bus.AgentHeartbeat
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("Malformed heartbeat message", "error", err)
		return
	}

	var taskID *string
	if msg.CurrentTask != nil {
		taskID = &msg.CurrentTask.TaskID
	}
	if err := c.registry.Heartbeat(msg.AgentID, msg.Status, taskID, msg.Resources); err != nil {
		slog.Warn("Heartbeat from unknown agent", "agent_id", msg.AgentID)
		return
	}

	// A heartbeat naming a task confirms the agent picked the dispatch up.
	if taskID == nil {
		return
	}
	opCtx, cancel := c.opContext(context.Background())
	defer cancel()
	task, err := c.store.Get(opCtx, *taskID)
	if err != nil || task.Status != models.TaskStatusDispatched {
		return
	}
	if _, err := c.store.UpdateStatus(opCtx, *taskID, models.TaskStatusRunning, Patch{}); err != nil {
		slog.Warn("Failed to mark task running", "task_id", *taskID, "error", err)
	}
}

func (c *PoolCoordinator) handleAgentStatus(channel string, payload []byte) {
	var msg bus.AgentStatusChange
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("Malformed status message", "error", err)
		return
	}

	if err := c.registry.SetStatus(msg.AgentID, msg.CurrentStatus); err != nil {
		slog.Warn("Status change from unknown agent", "agent_id", msg.AgentID)
		return
	}
	if msg.CurrentStatus == models.AgentStatusIdle {
		c.schedMu.Lock()
		c.processQueueLocked(context.Background())
		c.schedMu.Unlock()
	}
}

// handleToolCall is a pass-through stream; no state changes.
func (c *PoolCoordinator) handleToolCall(channel string, payload []byte) {
	var msg bus.ToolCall
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("Malformed toolcall message", "error", err)
		return
	}
	h := c.callbacks()
	if h.OnToolCall != nil {
		c.enqueueCallback(func() { h.OnToolCall(msg.AgentID, msg.TaskID, msg.Tool) })
	}
}

func (c *PoolCoordinator) handleTaskResult(channel string, payload []byte) {
	var msg bus.TaskResultMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("Malformed result message", "error", err)
		return
	}

	// Results from agents that deregistered between publish and receipt
	// still drive verification as long as the task exists.
	if _, known := c.registry.Get(msg.AgentID); !known {
		slog.Warn("Result from unknown agent", "agent_id", msg.AgentID, "task_id", msg.TaskID)
	}

	ctx := context.Background()
	opCtx, cancel := c.opContext(ctx)
	task, err := c.store.Get(opCtx, msg.TaskID)
	cancel()
	if err != nil {
		slog.Warn("Result for unknown task", "task_id", msg.TaskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		slog.Warn("Result for terminal task dropped",
			"task_id", msg.TaskID, "status", task.Status)
		return
	}

	opCtx, cancel = c.opContext(ctx)
	task, err = c.store.UpdateStatus(opCtx, msg.TaskID, models.TaskStatusVerifying, Patch{})
	cancel()
	if err != nil {
		if errors.Is(err, taskstore.ErrIllegalTransition) {
			slog.Warn("Result dropped, illegal transition",
				"task_id", msg.TaskID, "error", err)
			return
		}
		slog.Error("Failed to mark task verifying", "task_id", msg.TaskID, "error", err)
		return
	}

	if !msg.Success {
		c.finishFailure(ctx, task, msg.AgentID, msg.Result(), nil)
		return
	}

	// Verification runs subprocesses for minutes at worst. It gets its own
	// goroutine so this worker returns immediately and other agents'
	// results keep flowing; the verifying status guards against a second
	// result racing in for the same task.
	c.verifyWG.Add(1)
	go func() {
		defer c.verifyWG.Done()
		c.verifyAndFinish(ctx, task, msg)
	}()
}

// verifyAndFinish runs the verification engine against the agent's claims
// and routes the verdict into the success or failure path.
func (c *PoolCoordinator) verifyAndFinish(ctx context.Context, task *models.Task, msg bus.TaskResultMessage) {
	verdict := c.runVerification(ctx, task, msg.Claims)
	if verdict.Success {
		c.finishSuccess(ctx, task, msg.AgentID, msg.Result())
		return
	}

	failing := verdict.FailingChecks()
	synth := &models.TaskResult{
		TaskID:  task.ID,
		AgentID: msg.AgentID,
		Status:  "failed",
		Claims:  msg.Claims,
		Error: &models.TaskError{
			Message:     "verification failed: " + strings.Join(failing, ", "),
			Recoverable: true,
		},
	}
	c.finishFailure(ctx, task, msg.AgentID, synth, failing)
}

func (c *PoolCoordinator) handleAgentDeregister(channel string, payload []byte) {
	var msg bus.AgentDeregister
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Error("Malformed deregister message", "error", err)
		return
	}

	taskID, err := c.registry.Deregister(msg.AgentID)
	if err != nil {
		slog.Warn("Deregister from unknown agent", "agent_id", msg.AgentID)
		return
	}
	if taskID != "" {
		c.failAbandonedTask(context.Background(), taskID, msg.AgentID,
			"Agent deregistered mid-task")
	}
}

// runVerification builds the verify request from the task payload and the
// recorded baseline.
func (c *PoolCoordinator) runVerification(ctx context.Context, task *models.Task, claims models.TaskClaims) models.VerificationResult {
	payload, err := task.Payload()
	if err != nil {
		slog.Error("Unreadable task payload", "task_id", task.ID, "error", err)
	}

	c.baselinesMu.Lock()
	b := c.baselines[task.ID]
	c.baselinesMu.Unlock()

	baseline := 0
	if b != nil {
		// The capture goroutine is bounded by the git command timeout and
		// always closes done.
		select {
		case <-b.done:
			baseline = b.count
		case <-ctx.Done():
		}
	}

	req := verify.Request{
		Claims:          claims,
		WorkDir:         payload.WorktreePath,
		BaselineCommits: baseline,
		RunTests:        c.verify.TestsEnabled,
		RunTypeCheck:    c.verify.TypecheckEnabled,
	}
	if c.verify.TestCommand != "" {
		req.TestCommand = strings.Fields(c.verify.TestCommand)
	}
	if c.verify.TypecheckCommand != "" {
		req.TypeCheckCommand = strings.Fields(c.verify.TypecheckCommand)
	}
	return c.verifier.Verify(ctx, req)
}

func (c *PoolCoordinator) finishSuccess(ctx context.Context, task *models.Task, agentID string, result *models.TaskResult) {
	now := time.Now().UTC()
	opCtx, cancel := c.opContext(ctx)
	updated, err := c.store.UpdateStatus(opCtx, task.ID, models.TaskStatusCompleted, Patch{
		Result:      result,
		CompletedAt: &now,
	})
	cancel()
	if err != nil {
		slog.Error("Failed to complete task", "task_id", task.ID, "error", err)
		return
	}

	c.registry.Release(agentID)
	c.recovery.Reset(task.ID)
	c.dropBaseline(task.ID)

	slog.Info("Task completed", "task_id", task.ID, "agent_id", agentID)

	h := c.callbacks()
	if h.OnTaskComplete != nil {
		c.enqueueCallback(func() { h.OnTaskComplete(updated, result) })
	}

	c.schedMu.Lock()
	c.processQueueLocked(ctx)
	c.schedMu.Unlock()
}

// finishFailure marks the task failed, consults recovery, and either
// re-dispatches with context or escalates. failedChecks is nil for
// agent-reported and synthesised failures.
func (c *PoolCoordinator) finishFailure(ctx context.Context, task *models.Task, agentID string, result *models.TaskResult, failedChecks []string) {
	opCtx, cancel := c.opContext(ctx)
	updated, err := c.store.UpdateStatus(opCtx, task.ID, models.TaskStatusFailed, Patch{
		Result: result,
	})
	cancel()
	if err != nil {
		slog.Error("Failed to mark task failed", "task_id", task.ID, "error", err)
		return
	}

	if agentID != "" {
		c.registry.Release(agentID)
	}

	payload, _ := updated.Payload()

	if c.cfg.DurableAttempts {
		c.recovery.SeedAttempts(task.ID, updated.Attempts)
	}
	decision := c.recovery.HandleFailure(task.ID, payload.Description, agentID, result, failedChecks)

	h := c.callbacks()
	if h.OnTaskFailed != nil {
		c.enqueueCallback(func() { h.OnTaskFailed(updated, result) })
	}

	if decision.Retry {
		c.retryTask(ctx, updated, decision.Recovery)
		return
	}

	c.dropBaseline(task.ID)
	c.recovery.Reset(task.ID)
	slog.Warn("Task failed terminally", "task_id", task.ID)
	if h.OnEscalation != nil && decision.Escalation != nil {
		info := *decision.Escalation
		c.enqueueCallback(func() { h.OnEscalation(info) })
	}

	c.schedMu.Lock()
	c.processQueueLocked(ctx)
	c.schedMu.Unlock()
}

// retryTask issues a new dispatch attempt for the same task id.
func (c *PoolCoordinator) retryTask(ctx context.Context, task *models.Task, rc *models.RecoveryContext) {
	opCtx, cancel := c.opContext(ctx)
	attempts, err := c.store.IncrementAttempts(opCtx, task.ID)
	cancel()
	if err != nil {
		slog.Error("Failed to increment attempts", "task_id", task.ID, "error", err)
		return
	}
	task.Attempts = attempts

	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	if agentID := c.registry.FindIdle(); agentID != "" {
		if err := c.dispatch(ctx, task, agentID, rc); err != nil {
			slog.Error("Retry dispatch failed", "task_id", task.ID, "error", err)
		}
		return
	}

	opCtx, cancel = c.opContext(ctx)
	defer cancel()
	c.storeRecoveryContext(task.ID, rc)
	if err := c.bus.Enqueue(opCtx, task.ID, task.Priority.Score()); err != nil {
		slog.Error("Failed to enqueue retry", "task_id", task.ID, "error", err)
		return
	}
	slog.Info("Retry enqueued", "task_id", task.ID, "attempt", rc.AttemptNumber)
}

// failAbandonedTask synthesises a recoverable failure for a task whose agent
// is gone (deregistered, heartbeat timeout, or overall task timeout).
func (c *PoolCoordinator) failAbandonedTask(ctx context.Context, taskID, agentID, reason string) {
	opCtx, cancel := c.opContext(ctx)
	task, err := c.store.Get(opCtx, taskID)
	cancel()
	if err != nil {
		slog.Warn("Abandoned task not found", "task_id", taskID, "error", err)
		return
	}
	if task.Status.Terminal() || task.Status == models.TaskStatusFailed {
		return
	}

	synth := &models.TaskResult{
		TaskID:  taskID,
		AgentID: agentID,
		Status:  "failed",
		Error:   &models.TaskError{Message: reason, Recoverable: true},
	}
	c.finishFailure(ctx, task, agentID, synth, nil)
}

func capabilityNames(caps map[string]any) []string {
	if len(caps) == 0 {
		return nil
	}
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	return names
}
