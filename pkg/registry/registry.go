// Package registry tracks the live agent pool in memory. The registry is
// rebuilt from agent re-registration after a coordinator restart, so nothing
// here is persisted.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

// ErrAgentLimit is returned when registering would exceed the pool cap.
var ErrAgentLimit = errors.New("agent pool is at capacity")

// ErrAgentNotFound is returned for operations on an unknown agent id.
var ErrAgentNotFound = errors.New("agent not registered")

// Registry is the authoritative in-memory view of connected agents.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*models.Agent
	order     []string // registration order, drives the rotating idle scan
	maxAgents int
	cursor    int
}

func New(maxAgents int) *Registry {
	return &Registry{
		agents:    make(map[string]*models.Agent),
		maxAgents: maxAgents,
	}
}

// Register adds an agent to the pool, or refreshes it if the id is already
// known (an agent reconnecting after a coordinator restart).
func (r *Registry) Register(agent models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[agent.ID]; ok {
		existing.Status = agent.Status
		existing.Capabilities = agent.Capabilities
		existing.System = agent.System
		existing.LastHeartbeatAt = time.Now()
		slog.Info("Agent re-registered", "agent_id", agent.ID)
		return nil
	}

	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return fmt.Errorf("%w: %d agents registered", ErrAgentLimit, len(r.agents))
	}

	a := agent
	if a.Status == "" {
		a.Status = models.AgentStatusIdle
	}
	a.RegisteredAt = time.Now()
	a.LastHeartbeatAt = a.RegisteredAt
	r.agents[a.ID] = &a
	r.order = append(r.order, a.ID)
	slog.Info("Agent registered", "agent_id", a.ID, "pool_size", len(r.agents))
	return nil
}

// Deregister removes an agent. Returns the task it was running, if any, so
// the caller can recover it.
func (r *Registry) Deregister(agentID string) (currentTaskID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.CurrentTaskID != nil {
		currentTaskID = *a.CurrentTaskID
	}
	delete(r.agents, agentID)
	r.removeFromOrder(agentID)
	slog.Info("Agent deregistered", "agent_id", agentID, "pool_size", len(r.agents))
	return currentTaskID, nil
}

// Heartbeat refreshes an agent's liveness timestamp and resource sample.
// Heartbeats from unknown agents are rejected; the agent must re-register.
// The task assignment is coordinator-owned: a heartbeat that omits the
// current task never erases it, and an idle report cannot demote an agent
// that still holds an assignment.
func (r *Registry) Heartbeat(agentID string, status models.AgentStatus, currentTaskID *string, res models.AgentResources) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.LastHeartbeatAt = time.Now()
	a.Resources = res
	if currentTaskID != nil {
		a.CurrentTaskID = currentTaskID
	}
	if status != "" && !(status == models.AgentStatusIdle && a.CurrentTaskID != nil) {
		a.Status = status
	}
	return nil
}

// SetStatus records an agent's reported status transition.
func (r *Registry) SetStatus(agentID string, status models.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.Status = status
	return nil
}

// Assign marks an agent busy on a task. Fails if the agent is not idle, so a
// task is never double-assigned.
func (r *Registry) Assign(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Status != models.AgentStatusIdle {
		return fmt.Errorf("agent %s is %s, not idle", agentID, a.Status)
	}
	tid := taskID
	a.Status = models.AgentStatusBusy
	a.CurrentTaskID = &tid
	return nil
}

// Release returns an agent to idle after its task finishes.
func (r *Registry) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok {
		a.Status = models.AgentStatusIdle
		a.CurrentTaskID = nil
	}
}

// FindIdle picks an idle agent, rotating through the pool so work spreads
// instead of piling on the first registrant. Returns "" when no agent is
// free.
func (r *Registry) FindIdle() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.order)
	for i := 0; i < n; i++ {
		id := r.order[(r.cursor+i)%n]
		a, ok := r.agents[id]
		if ok && a.Status == models.AgentStatusIdle {
			r.cursor = (r.cursor + i + 1) % n
			return id
		}
	}
	return ""
}

// DeadAgent is one agent removed by a liveness sweep, with the task it held.
type DeadAgent struct {
	AgentID string
	TaskID  string
}

// Sweep removes agents whose last heartbeat is older than timeout and
// returns them with any task they were running.
func (r *Registry) Sweep(timeout time.Duration) []DeadAgent {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var dead []DeadAgent
	for id, a := range r.agents {
		if a.LastHeartbeatAt.After(cutoff) {
			continue
		}
		d := DeadAgent{AgentID: id}
		if a.CurrentTaskID != nil {
			d.TaskID = *a.CurrentTaskID
		}
		dead = append(dead, d)
		delete(r.agents, id)
		r.removeFromOrder(id)
		slog.Warn("Agent missed heartbeat window, removed from pool",
			"agent_id", id, "last_heartbeat", a.LastHeartbeatAt)
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].AgentID < dead[j].AgentID })
	return dead
}

// Get returns a copy of one agent's record.
func (r *Registry) Get(agentID string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return models.Agent{}, false
	}
	return *a, true
}

// Snapshot returns copies of all agents in registration order.
func (r *Registry) Snapshot() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, id := range r.order {
		if a, ok := r.agents[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// Size reports the current pool size.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// IdleCount reports how many agents are idle.
func (r *Registry) IdleCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.agents {
		if a.Status == models.AgentStatusIdle {
			n++
		}
	}
	return n
}

func (r *Registry) removeFromOrder(agentID string) {
	for i, id := range r.order {
		if id == agentID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.cursor > i {
				r.cursor--
			}
			if len(r.order) > 0 {
				r.cursor %= len(r.order)
			} else {
				r.cursor = 0
			}
			return
		}
	}
}
