// Package bus provides typed publish/subscribe over PostgreSQL
// NOTIFY/LISTEN plus the durable task priority queue.
//
// Persistent channels write the full payload to the bus_events table and
// fire NOTIFY in the same transaction, so a notification is never visible
// without its row. NOTIFY payloads are capped at 8000 bytes by PostgreSQL;
// oversized payloads are replaced by a truncation envelope and subscribers
// re-read the full row by id.
package bus

// Coordinator-side channels (agent → coordinator). The coordinator LISTENs
// on all of these for its whole lifetime.
const (
	ChannelTaskResult      = "task_result"
	ChannelAgentRegister   = "agent_register"
	ChannelAgentHeartbeat  = "agent_heartbeat"
	ChannelAgentStatus     = "agent_status"
	ChannelAgentToolCall   = "agent_toolcall"
	ChannelAgentDeregister = "agent_deregister"
)

// ChannelTaskDispatch is the broadcast dispatch channel for agents that
// consume work without a directed channel.
const ChannelTaskDispatch = "task_dispatch"

// TaskDispatchChannel returns the directed dispatch channel for one agent.
func TaskDispatchChannel(agentID string) string {
	return "task_dispatch_" + agentID
}

// ControlStopChannel returns the per-agent stop channel. Single-consumer by
// construction: only the named agent listens.
func ControlStopChannel(agentID string) string {
	return "control_stop_" + agentID
}

// ControlKillChannel returns the per-agent kill channel.
func ControlKillChannel(agentID string) string {
	return "control_kill_" + agentID
}

// CoordinatorChannels is the fixed LISTEN set for the coordinator.
var CoordinatorChannels = []string{
	ChannelTaskResult,
	ChannelAgentRegister,
	ChannelAgentHeartbeat,
	ChannelAgentStatus,
	ChannelAgentToolCall,
	ChannelAgentDeregister,
}
