package models

import "time"

// AgentStatus is the pool-visible state of an agent process.
type AgentStatus string

const (
	AgentStatusIdle     AgentStatus = "idle"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusStopping AgentStatus = "stopping"
	AgentStatusError    AgentStatus = "error"
	AgentStatusOffline  AgentStatus = "offline"
)

// AgentSystemInfo is the host fingerprint an agent reports at registration.
type AgentSystemInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	MemoryMB int    `json:"memoryMb,omitempty"`
	CPUs     int    `json:"cpus,omitempty"`
}

// AgentResources is the usage sample carried on each heartbeat.
type AgentResources struct {
	MemoryUsedMB int     `json:"memoryUsedMb,omitempty"`
	CPUPercent   float64 `json:"cpuPercent,omitempty"`
}

// Agent is one registered worker in the pool.
type Agent struct {
	ID              string          `json:"agentId"`
	Status          AgentStatus     `json:"status"`
	CurrentTaskID   *string         `json:"currentTaskId,omitempty"`
	LastHeartbeatAt time.Time       `json:"lastHeartbeatAt"`
	Capabilities    []string        `json:"capabilities,omitempty"`
	System          AgentSystemInfo `json:"system,omitempty"`
	Resources       AgentResources  `json:"resources,omitempty"`
	RegisteredAt    time.Time       `json:"registeredAt"`
}
