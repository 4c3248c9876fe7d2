// Package events carries hub lifecycle events from the orchestration core to pluggable sinks.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Type denotes which lifecycle milestone an Event represents.
type Type string

// Supported event types.
const (
	AgentRegistered   Type = "agent.registered"
	AgentDisconnected Type = "agent.disconnected"
	AgentUnhealthy    Type = "agent.unhealthy"
	AgentRecovered    Type = "agent.recovered"
	TaskCreated       Type = "task.created"
	TaskAssigned      Type = "task.assigned"
	TaskCompleted     Type = "task.completed"
	TaskFailed        Type = "task.failed"
	TaskRequeued      Type = "task.requeued"
	TaskTimeout       Type = "task.timeout"
	LeaseAcquired     Type = "lease.acquired"
	LeaseReleased     Type = "lease.released"
	LeaseExpired      Type = "lease.expired"
)

// Event is one lifecycle milestone.
type Event struct {
	// Type names the milestone.
	Type Type `json:"type"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// AgentID is set for agent-scoped and assignment events.
	AgentID string `json:"agentId,omitempty"`
	// TaskID is set for task events.
	TaskID string `json:"taskId,omitempty"`
	// Key is the work-unit key for lease events.
	Key string `json:"key,omitempty"`
	// Capability is the agent's or task's browser type when known.
	Capability string `json:"capability,omitempty"`
	// Dur captures task latency for completions.
	Dur time.Duration `json:"durNs,omitempty"`
	// Note carries low-volume context such as an error text or failure kind.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case AgentRegistered, AgentDisconnected, AgentUnhealthy, AgentRecovered:
		if e.AgentID == "" {
			return fmt.Errorf("%s requires agent id", e.Type)
		}
	case TaskCreated, TaskAssigned, TaskCompleted, TaskFailed, TaskRequeued, TaskTimeout:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Type)
		}
	case LeaseAcquired, LeaseReleased, LeaseExpired:
		if e.Key == "" {
			return fmt.Errorf("%s requires key", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
