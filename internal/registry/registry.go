// Package registry is the authoritative in-memory record of connected agents.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// ErrDuplicateAgent is returned when a live agent already owns the connection id.
var ErrDuplicateAgent = errors.New("agent already registered")

// Stats aggregates the registry by capability and status.
type Stats struct {
	TotalAgents  int                       `json:"totalAgents"`
	ByCapability map[fleet.Capability]int  `json:"browserStats"`
	ByStatus     map[fleet.AgentStatus]int `json:"statusStats"`
	QueueLength  int                       `json:"queueLength"`
	ActiveTasks  int                       `json:"activeTasks"`
}

// Registry owns every Agent record. Callers receive copies and mutate through methods.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*fleet.Agent
	clock  fleet.Clock
	logger *zap.Logger
}

// New constructs an empty Registry.
func New(clock fleet.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		agents: make(map[string]*fleet.Agent),
		clock:  clock,
		logger: logger,
	}
}

// Register creates an idle agent for the connection.
func (r *Registry) Register(id string, info fleet.AgentInfo) (fleet.Agent, error) {
	if id == "" {
		return fleet.Agent{}, errors.New("agent id is required")
	}
	if !info.Capability.Valid() {
		return fleet.Agent{}, fmt.Errorf("register %s: %w: %q", id, fleet.ErrUnsupportedCapability, info.Capability)
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		return fleet.Agent{}, fmt.Errorf("register %s: %w", id, ErrDuplicateAgent)
	}
	agent := &fleet.Agent{
		ID:           id,
		Capability:   info.Capability,
		Version:      info.Version,
		Status:       fleet.AgentIdle,
		Address:      info.Address,
		Port:         info.Port,
		VMID:         info.VMID,
		LastActivity: now,
		ConnectedAt:  now,
	}
	r.agents[id] = agent
	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("capability", string(info.Capability)),
		zap.String("version", info.Version),
		zap.String("address", agent.HostPort()),
	)
	return *agent, nil
}

// Remove deletes the agent and returns its final state.
func (r *Registry) Remove(id string) (fleet.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fleet.Agent{}, false
	}
	delete(r.agents, id)
	out := *agent
	out.Status = fleet.AgentDisconnected
	r.logger.Info("agent removed", zap.String("agent_id", id), zap.Int("tasks_in_progress", out.TasksInProgress))
	return out, true
}

// Find returns a copy of the agent with the given id.
func (r *Registry) Find(id string) (fleet.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return fleet.Agent{}, false
	}
	return *agent, true
}

// FindByAddress returns the agent advertising hostPort. A bare host matches an agent without a port.
func (r *Registry) FindByAddress(hostPort string) (fleet.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, agent := range r.agents {
		if agent.HostPort() == hostPort {
			return *agent, true
		}
	}
	return fleet.Agent{}, false
}

// ListAvailable returns idle agents matching capability, ordered by id.
func (r *Registry) ListAvailable(capability fleet.Capability) []fleet.Agent {
	r.mu.RLock()
	out := make([]fleet.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		if agent.Status == fleet.AgentIdle && agent.Capability.Matches(capability) {
			out = append(out, *agent)
		}
	}
	r.mu.RUnlock()
	sortByID(out)
	return out
}

// List returns every agent ordered by id.
func (r *Registry) List() []fleet.Agent {
	r.mu.RLock()
	out := make([]fleet.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		out = append(out, *agent)
	}
	r.mu.RUnlock()
	sortByID(out)
	return out
}

// MarkBusy moves an idle agent to busy and counts one more task in progress.
// It fails with fleet.ErrAgentBusy or fleet.ErrAgentUnhealthy when the agent is not idle,
// which makes it the reservation step for concurrent selections.
func (r *Registry) MarkBusy(id string) error {
	var status fleet.AgentStatus
	err := r.update(id, func(a *fleet.Agent) {
		status = a.Status
		if status != fleet.AgentIdle {
			return
		}
		a.Status = fleet.AgentBusy
		a.TasksInProgress++
	})
	if err != nil {
		return err
	}
	switch status {
	case fleet.AgentIdle:
		return nil
	case fleet.AgentBusy:
		return fmt.Errorf("mark busy %s: %w", id, fleet.ErrAgentBusy)
	default:
		return fmt.Errorf("mark busy %s: %w", id, fleet.ErrAgentUnhealthy)
	}
}

// MarkIdle moves the agent to idle.
func (r *Registry) MarkIdle(id string) error {
	return r.update(id, func(a *fleet.Agent) {
		a.Status = fleet.AgentIdle
	})
}

// MarkError flags the agent unhealthy. It reports whether the status actually changed.
func (r *Registry) MarkError(id string) (bool, error) {
	changed := false
	err := r.update(id, func(a *fleet.Agent) {
		if a.Status != fleet.AgentError {
			a.Status = fleet.AgentError
			changed = true
		}
	})
	return changed, err
}

// RecoverFromError moves an agent in error back to idle, or to busy while it still
// holds a task. Other statuses are left alone.
func (r *Registry) RecoverFromError(id string) (bool, error) {
	recovered := false
	err := r.update(id, func(a *fleet.Agent) {
		if a.Status != fleet.AgentError {
			return
		}
		a.Status = fleet.AgentIdle
		if a.TasksInProgress > 0 {
			a.Status = fleet.AgentBusy
		}
		recovered = true
	})
	return recovered, err
}

// IncrementCompleted records a finished task and returns the agent to idle.
func (r *Registry) IncrementCompleted(id string) error {
	return r.update(id, func(a *fleet.Agent) {
		a.TasksCompleted++
		if a.TasksInProgress > 0 {
			a.TasksInProgress--
		}
		if a.Status == fleet.AgentBusy {
			a.Status = fleet.AgentIdle
		}
	})
}

// ReleaseTask undoes MarkBusy for a task that never reached the agent.
func (r *Registry) ReleaseTask(id string) error {
	return r.update(id, func(a *fleet.Agent) {
		if a.TasksInProgress > 0 {
			a.TasksInProgress--
		}
		if a.Status == fleet.AgentBusy {
			a.Status = fleet.AgentIdle
		}
	})
}

// Touch records activity without changing status.
func (r *Registry) Touch(id string) error {
	return r.update(id, func(*fleet.Agent) {})
}

// Stats aggregates the registry. Queue and active counts come from the coordinator.
func (r *Registry) Stats(queueLength, activeTasks int) Stats {
	stats := Stats{
		ByCapability: make(map[fleet.Capability]int),
		ByStatus: map[fleet.AgentStatus]int{
			fleet.AgentIdle:         0,
			fleet.AgentBusy:         0,
			fleet.AgentError:        0,
			fleet.AgentDisconnected: 0,
		},
		QueueLength: queueLength,
		ActiveTasks: activeTasks,
	}
	for _, c := range fleet.Capabilities() {
		stats.ByCapability[c] = 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats.TotalAgents = len(r.agents)
	for _, agent := range r.agents {
		stats.ByCapability[agent.Capability]++
		stats.ByStatus[agent.Status]++
	}
	return stats
}

func (r *Registry) update(id string, fn func(*fleet.Agent)) error {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, fleet.ErrAgentNotFound)
	}
	fn(agent)
	agent.LastActivity = now
	return nil
}

func sortByID(agents []fleet.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

