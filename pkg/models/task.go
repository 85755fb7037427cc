// Package models defines the shared domain types for tasks, agents, and
// verification results.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusVerifying  TaskStatus = "verifying"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions except
// the failed→dispatched retry edge.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// transitions is the set of legal status edges. failed→dispatched is the
// retry edge used by recovery.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusQueued:     {TaskStatusDispatched, TaskStatusCancelled},
	TaskStatusDispatched: {TaskStatusRunning, TaskStatusVerifying, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusRunning:    {TaskStatusVerifying, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled},
	TaskStatusVerifying:  {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusFailed:     {TaskStatusDispatched},
}

// CanTransition reports whether from→to is a legal status edge.
func CanTransition(from, to TaskStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// TaskPriority is the scheduling band of a task.
type TaskPriority string

const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityNormal   TaskPriority = "normal"
	PriorityLow      TaskPriority = "low"
)

// Score maps a priority band to its queue score. Higher drains first; ties
// drain FIFO by enqueue time. Unknown bands score as normal.
func (p TaskPriority) Score() int {
	switch p {
	case PriorityCritical:
		return 40
	case PriorityHigh:
		return 30
	case PriorityLow:
		return 10
	default:
		return 20
	}
}

// Valid reports whether p is one of the known bands.
func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// TaskPayload is the work description handed to an agent.
type TaskPayload struct {
	Description  string            `json:"description"`
	CodebaseID   string            `json:"codebaseId,omitempty"`
	WorktreePath string            `json:"worktreePath,omitempty"`
	TaskType     string            `json:"taskType,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Task is the persisted scheduling record. PayloadRaw and ResultRaw hold the
// JSONB columns verbatim; use Payload and Result to decode.
type Task struct {
	ID              string          `db:"task_id" json:"taskId"`
	Status          TaskStatus      `db:"status" json:"status"`
	Priority        TaskPriority    `db:"priority" json:"priority"`
	PayloadRaw      json.RawMessage `db:"payload" json:"payload"`
	AssignedAgentID *string         `db:"assigned_agent_id" json:"assignedAgentId,omitempty"`
	Attempts        int             `db:"attempts" json:"attempts"`
	ResultRaw       json.RawMessage `db:"result" json:"result,omitempty"`
	QueuedAt        time.Time       `db:"queued_at" json:"queuedAt"`
	DispatchedAt    *time.Time      `db:"dispatched_at" json:"dispatchedAt,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completedAt,omitempty"`
}

// Payload decodes the task payload.
func (t *Task) Payload() (TaskPayload, error) {
	var p TaskPayload
	if len(t.PayloadRaw) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.PayloadRaw, &p)
	return p, err
}

// Result decodes the stored result, nil if none.
func (t *Task) Result() (*TaskResult, error) {
	if len(t.ResultRaw) == 0 {
		return nil, nil
	}
	var r TaskResult
	if err := json.Unmarshal(t.ResultRaw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// TaskRequest is an inbound submission before a task record exists.
type TaskRequest struct {
	Description  string            `json:"description" binding:"required"`
	Priority     TaskPriority      `json:"priority,omitempty"`
	CodebaseID   string            `json:"codebaseId,omitempty"`
	WorktreePath string            `json:"worktreePath,omitempty"`
	TaskType     string            `json:"taskType,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// SubmitOutcome reports what happened to a submitted task: immediate
// dispatch to an idle agent, or its place in the queue.
type SubmitOutcome struct {
	TaskID        string `json:"taskId"`
	Dispatched    bool   `json:"dispatched"`
	AgentID       string `json:"agentId,omitempty"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}
