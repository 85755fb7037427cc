package bus

import (
	"time"

	"github.com/forgeworks/foreman/pkg/models"
)

// Wire schemas for agent ↔ coordinator messages. Field names are part of the
// agent protocol and must stay backward compatible; they use camelCase keys
// unlike the coordinator's own REST responses.

// AgentRegister announces a new agent to the coordinator.
type AgentRegister struct {
	AgentID      string                 `json:"agentId"`
	Capabilities map[string]any         `json:"capabilities,omitempty"`
	System       models.AgentSystemInfo `json:"system"`
	Timestamp    time.Time              `json:"timestamp"`
}

// AgentHeartbeat is the periodic liveness report.
type AgentHeartbeat struct {
	AgentID     string                `json:"agentId"`
	Status      models.AgentStatus    `json:"status"`
	CurrentTask *HeartbeatTask        `json:"currentTask,omitempty"`
	Resources   models.AgentResources `json:"resources"`
	Timestamp   time.Time             `json:"timestamp"`
}

// HeartbeatTask names the task an agent believes it is working on.
type HeartbeatTask struct {
	TaskID string `json:"taskId"`
}

// AgentStatusChange reports an agent-side status transition.
type AgentStatusChange struct {
	AgentID        string             `json:"agentId"`
	PreviousStatus models.AgentStatus `json:"previousStatus"`
	CurrentStatus  models.AgentStatus `json:"currentStatus"`
	Reason         string             `json:"reason,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// ToolCall streams one tool invocation from a running session. Transient:
// published NOTIFY-only, never persisted.
type ToolCall struct {
	AgentID   string      `json:"agentId"`
	TaskID    string      `json:"taskId"`
	Tool      ToolCallRef `json:"tool"`
	Timestamp time.Time   `json:"timestamp"`
}

// ToolCallRef identifies the tool and its input.
type ToolCallRef struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// TaskResultMessage is the agent's terminal report for a dispatch attempt.
type TaskResultMessage struct {
	TaskID     string            `json:"taskId"`
	AgentID    string            `json:"agentId"`
	Status     string            `json:"status"`
	Success    bool              `json:"success"`
	Claims     models.TaskClaims `json:"claims"`
	Summary    string            `json:"summary,omitempty"`
	Error      *models.TaskError `json:"error,omitempty"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    time.Time         `json:"endTime"`
	DurationMs int64             `json:"durationMs"`
}

// Result converts the wire message to the domain result type.
func (m TaskResultMessage) Result() *models.TaskResult {
	return &models.TaskResult{
		TaskID:     m.TaskID,
		AgentID:    m.AgentID,
		Status:     m.Status,
		Success:    m.Success,
		Claims:     m.Claims,
		Summary:    m.Summary,
		Error:      m.Error,
		StartTime:  m.StartTime,
		EndTime:    m.EndTime,
		DurationMs: m.DurationMs,
	}
}

// AgentDeregister announces a clean agent shutdown.
type AgentDeregister struct {
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`
}

// DispatchContext carries recovery hints into a retry dispatch.
type DispatchContext struct {
	PreviousAttempts int      `json:"previousAttempts"`
	RecoveryHints    []string `json:"recoveryHints,omitempty"`
	MemoryContext    string   `json:"memoryContext,omitempty"`
}

// DispatchTask is the task body inside a TaskDispatch.
type DispatchTask struct {
	Description  string           `json:"description"`
	CodebaseID   string           `json:"codebaseId,omitempty"`
	WorktreePath string           `json:"worktreePath,omitempty"`
	Priority     string           `json:"priority"`
	Context      *DispatchContext `json:"context,omitempty"`
}

// TaskDispatch assigns a task to an agent. The payload carries everything the
// agent needs to run end-to-end.
type TaskDispatch struct {
	TaskID         string       `json:"taskId"`
	TargetAgentID  string       `json:"targetAgentId"`
	Task           DispatchTask `json:"task"`
	ConversationID string       `json:"conversationId,omitempty"`
	Platform       string       `json:"platform,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// StopMessage asks an agent to wind down its current task. Best-effort.
type StopMessage struct {
	AgentID   string    `json:"agentId"`
	TaskID    string    `json:"taskId"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// KillMessage tells an agent to terminate immediately.
type KillMessage struct {
	AgentID   string    `json:"agentId"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
