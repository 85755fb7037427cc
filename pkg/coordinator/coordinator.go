// Package coordinator is the integrating component: it owns the scheduling
// loop, wires the bus, registry, task store, verification engine, and
// recovery manager together, and exposes the external surface.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeworks/foreman/pkg/bus"
	"github.com/forgeworks/foreman/pkg/config"
	"github.com/forgeworks/foreman/pkg/models"
	"github.com/forgeworks/foreman/pkg/recovery"
	"github.com/forgeworks/foreman/pkg/registry"
	"github.com/forgeworks/foreman/pkg/taskstore"
	"github.com/forgeworks/foreman/pkg/verify"
)

// MessageBus is the coordination-bus surface the coordinator depends on.
// Satisfied by *bus.Bus.
type MessageBus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	SetOnReconnect(fn func())
	Publish(ctx context.Context, channel string, message any) error
	Subscribe(ctx context.Context, channel string, h bus.Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	Enqueue(ctx context.Context, taskID string, score int) error
	Dequeue(ctx context.Context) (string, error)
	RemoveQueued(ctx context.Context, taskID string) (bool, error)
	QueueLength(ctx context.Context) (int, error)
	QueuePosition(ctx context.Context, taskID string) (int, error)
}

// TaskStore is the persistence surface. Satisfied by *taskstore.Store.
type TaskStore interface {
	Create(ctx context.Context, id string, priority models.TaskPriority, payload models.TaskPayload) (*models.Task, error)
	Get(ctx context.Context, id string) (*models.Task, error)
	UpdateStatus(ctx context.Context, id string, to models.TaskStatus, patch Patch) (*models.Task, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	ListActive(ctx context.Context) ([]models.Task, error)
	CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error)
}

// Patch aliases the task store's patch type so fakes can share it.
type Patch = taskstore.Patch

// RecoveryDecision aliases the recovery manager's verdict type.
type RecoveryDecision = recovery.Decision

// Verifier turns claims into a verdict. Satisfied by *verify.Engine.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) models.VerificationResult
	CommitCount(ctx context.Context, dir string) (int, error)
}

// Recoverer decides retry versus escalation. Satisfied by *recovery.Manager.
type Recoverer interface {
	HandleFailure(taskID, description, agentID string, result *models.TaskResult, failedChecks []string) RecoveryDecision
	SeedAttempts(taskID string, attempts int)
	Attempts(taskID string) int
	Reset(taskID string)
}

// Handlers is the caller-facing callback contract. All callbacks run on the
// bounded callback pool, after state is persisted, and never block message
// consumption.
type Handlers struct {
	OnTaskComplete func(task *models.Task, result *models.TaskResult)
	OnTaskFailed   func(task *models.Task, result *models.TaskResult)
	OnToolCall     func(agentID, taskID string, tool bus.ToolCallRef)
	OnAgentDead    func(agentID string)
	OnEscalation   func(info models.EscalationInfo)
}

// commitBaseline is the pre-dispatch commit count for one task. done is
// closed once the capture finishes; a failed capture leaves count zero.
type commitBaseline struct {
	done  chan struct{}
	count int
}

// PoolCoordinator runs the scheduling and liveness loop.
type PoolCoordinator struct {
	cfg      config.CoordinatorConfig
	bus      MessageBus
	registry *registry.Registry
	store    TaskStore
	verifier Verifier
	recovery Recoverer
	verify   config.VerifyConfig

	// schedMu serialises every mutation of scheduling state: assignment
	// decisions, queue moves, and task status writes driven by handlers.
	schedMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   Handlers

	// baselines holds the pre-dispatch commit count per task, keyed by
	// task id. In-memory only; lost baselines degrade to a zero baseline.
	baselinesMu sync.Mutex
	baselines   map[string]*commitBaseline

	// pendingRC holds recovery contexts for retries that had to queue,
	// handed to the agent when the retry finally dispatches.
	pendingRCMu sync.Mutex
	pendingRC   map[string]*models.RecoveryContext

	callbackMu     sync.RWMutex
	callbackClosed bool
	callbackCh     chan func()
	callbackWG     sync.WaitGroup

	// verifyWG tracks in-flight verification goroutines so Stop can wait
	// for them before tearing down the callback pool.
	verifyWG sync.WaitGroup

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	started bool
}

// New builds a coordinator from its collaborators.
func New(cfg *config.Config, mb MessageBus, reg *registry.Registry, store TaskStore, verifier Verifier, rec Recoverer) *PoolCoordinator {
	return &PoolCoordinator{
		cfg:        cfg.Coordinator,
		verify:     cfg.Verify,
		bus:        mb,
		registry:   reg,
		store:      store,
		verifier:   verifier,
		recovery:   rec,
		baselines:  make(map[string]*commitBaseline),
		pendingRC:  make(map[string]*models.RecoveryContext),
		callbackCh: make(chan func(), 64),
	}
}

// SetHandlers registers the caller's callbacks. Call before Start; may be
// called again later to swap handlers.
func (c *PoolCoordinator) SetHandlers(h Handlers) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = h
}

// Start connects the bus, subscribes to every agent channel, launches the
// callback pool and the liveness sweep, then reconciles persisted state.
func (c *PoolCoordinator) Start(ctx context.Context) error {
	c.bus.SetOnReconnect(func() { c.reconcile(context.Background()) })

	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordination bus: %w", err)
	}

	subs := map[string]bus.Handler{
		bus.ChannelAgentRegister:   c.handleAgentRegister,
		bus.ChannelAgentHeartbeat:  c.handleAgentHeartbeat,
		bus.ChannelAgentStatus:     c.handleAgentStatus,
		bus.ChannelAgentToolCall:   c.handleToolCall,
		bus.ChannelTaskResult:      c.handleTaskResult,
		bus.ChannelAgentDeregister: c.handleAgentDeregister,
	}
	for channel, handler := range subs {
		if err := c.bus.Subscribe(ctx, channel, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}

	for i := 0; i < c.cfg.CallbackWorkers; i++ {
		c.callbackWG.Add(1)
		go c.callbackWorker()
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})
	go c.sweepLoop(sweepCtx)

	c.started = true
	c.reconcile(ctx)

	slog.Info("Pool coordinator started",
		"max_agents", c.cfg.MaxAgents,
		"heartbeat_timeout", c.cfg.HeartbeatTimeout,
		"max_attempts", c.cfg.MaxAttempts)
	return nil
}

// Stop sends Kill to every known agent, stops the sweep, drains callbacks,
// and disconnects the bus.
func (c *PoolCoordinator) Stop(ctx context.Context) {
	if !c.started {
		return
	}
	c.started = false

	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}

	for _, agent := range c.registry.Snapshot() {
		msg := bus.KillMessage{
			AgentID:   agent.ID,
			Reason:    "coordinator shutting down",
			Timestamp: time.Now().UTC(),
		}
		if err := c.bus.Publish(ctx, bus.ControlKillChannel(agent.ID), msg); err != nil {
			slog.Warn("Failed to publish kill on shutdown",
				"agent_id", agent.ID, "error", err)
		}
	}

	for _, channel := range bus.CoordinatorChannels {
		if err := c.bus.Unsubscribe(ctx, channel); err != nil {
			slog.Warn("Failed to unsubscribe", "channel", channel, "error", err)
		}
	}

	// The bus drains its router workers first, so no handler can reach the
	// callback channel after it closes. Verifications spawned by the last
	// results finish before the pool tears down.
	c.bus.Stop(ctx)
	c.verifyWG.Wait()

	c.callbackMu.Lock()
	c.callbackClosed = true
	c.callbackMu.Unlock()
	close(c.callbackCh)
	c.callbackWG.Wait()

	slog.Info("Pool coordinator stopped")
}

// SubmitTask persists the task and dispatches it to an idle agent, or
// enqueues it. Never blocks on agent execution.
func (c *PoolCoordinator) SubmitTask(ctx context.Context, req models.TaskRequest) (*models.SubmitOutcome, error) {
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	payload := models.TaskPayload{
		Description:  req.Description,
		CodebaseID:   req.CodebaseID,
		WorktreePath: req.WorktreePath,
		TaskType:     req.TaskType,
		Extra:        req.Extra,
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	task, err := c.store.Create(opCtx, uuid.New().String(), priority, payload)
	if err != nil {
		return nil, err
	}

	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	if agentID := c.registry.FindIdle(); agentID != "" {
		if err := c.dispatch(ctx, task, agentID, nil); err != nil {
			return nil, err
		}
		return &models.SubmitOutcome{TaskID: task.ID, Dispatched: true, AgentID: agentID}, nil
	}

	if err := c.bus.Enqueue(opCtx, task.ID, priority.Score()); err != nil {
		return nil, err
	}
	pos, err := c.bus.QueuePosition(opCtx, task.ID)
	if err != nil {
		slog.Warn("Failed to read queue position", "task_id", task.ID, "error", err)
	}
	slog.Info("Task enqueued", "task_id", task.ID, "priority", priority, "position", pos)
	return &models.SubmitOutcome{TaskID: task.ID, QueuePosition: pos}, nil
}

// StopTask cancels a queued task outright, or publishes a best-effort stop
// to the owning agent. Returns whether anything was issued; a stopped
// running task keeps its status until a result arrives or liveness expires.
func (c *PoolCoordinator) StopTask(ctx context.Context, taskID, reason string) (bool, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	task, err := c.store.Get(opCtx, taskID)
	if err != nil {
		return false, err
	}

	switch task.Status {
	case models.TaskStatusQueued:
		c.schedMu.Lock()
		defer c.schedMu.Unlock()
		if _, err := c.bus.RemoveQueued(opCtx, taskID); err != nil {
			return false, err
		}
		if _, err := c.store.UpdateStatus(opCtx, taskID, models.TaskStatusCancelled, Patch{}); err != nil {
			return false, err
		}
		slog.Info("Queued task cancelled", "task_id", taskID, "reason", reason)
		return true, nil

	case models.TaskStatusDispatched, models.TaskStatusRunning:
		if task.AssignedAgentID == nil {
			return false, nil
		}
		msg := bus.StopMessage{
			AgentID:   *task.AssignedAgentID,
			TaskID:    taskID,
			Reason:    reason,
			Timestamp: time.Now().UTC(),
		}
		if err := c.bus.Publish(opCtx, bus.ControlStopChannel(*task.AssignedAgentID), msg); err != nil {
			return false, err
		}
		slog.Info("Stop published", "task_id", taskID,
			"agent_id", *task.AssignedAgentID, "reason", reason)
		return true, nil
	}
	return false, nil
}

// PoolHealth is the operator-facing projection of the pool.
type PoolHealth struct {
	Agents      []models.Agent            `json:"agents"`
	TaskCounts  map[models.TaskStatus]int `json:"taskCounts"`
	QueueLength int                       `json:"queueLength"`
}

// PoolSnapshot returns a read-only view of agents, task counts, and queue
// depth.
func (c *PoolCoordinator) PoolSnapshot(ctx context.Context) (*PoolHealth, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	counts, err := c.store.CountByStatus(opCtx)
	if err != nil {
		return nil, err
	}
	qlen, err := c.bus.QueueLength(opCtx)
	if err != nil {
		return nil, err
	}
	return &PoolHealth{
		Agents:      c.registry.Snapshot(),
		TaskCounts:  counts,
		QueueLength: qlen,
	}, nil
}

// GetTask fetches one task.
func (c *PoolCoordinator) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	return c.store.Get(opCtx, taskID)
}

func (c *PoolCoordinator) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.StoreOpTimeout)
}

// enqueueCallback runs fn on the bounded pool; if the pool is saturated or
// already torn down the callback runs on its own goroutine, so message
// consumption never blocks and no callback is dropped.
func (c *PoolCoordinator) enqueueCallback(fn func()) {
	if fn == nil {
		return
	}
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()
	if c.callbackClosed {
		go runIsolated(fn)
		return
	}
	select {
	case c.callbackCh <- fn:
	default:
		go runIsolated(fn)
	}
}

func (c *PoolCoordinator) callbackWorker() {
	defer c.callbackWG.Done()
	for fn := range c.callbackCh {
		runIsolated(fn)
	}
}

func runIsolated(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Callback panic", "panic", r)
		}
	}()
	fn()
}

func (c *PoolCoordinator) callbacks() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}
