// Package rolling picks agents least-recently-used first so load spreads across the fleet.
package rolling

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// AgentSource is the registry view the selector reads.
type AgentSource interface {
	FindByAddress(hostPort string) (fleet.Agent, bool)
	ListAvailable(capability fleet.Capability) []fleet.Agent
	List() []fleet.Agent
}

// HealthChecker reports heartbeat health.
type HealthChecker interface {
	IsHealthy(id string) bool
}

// AgentStat is the rolling view of one agent.
type AgentStat struct {
	ID              string            `json:"id"`
	Address         string            `json:"address"`
	Capability      fleet.Capability  `json:"capability"`
	Status          fleet.AgentStatus `json:"status"`
	Healthy         bool              `json:"healthy"`
	LastUsed        *time.Time        `json:"lastUsed,omitempty"`
	IdleForMs       int64             `json:"idleForMs"`
	BlockedCount    int               `json:"blockedCount"`
	LastBlockReason string            `json:"lastBlockReason,omitempty"`
	LastBlockedAt   *time.Time        `json:"lastBlockedAt,omitempty"`
}

type blockRecord struct {
	count  int
	reason string
	at     time.Time
}

// Selector keeps last-used and blocking bookkeeping under its own lock.
type Selector struct {
	agents AgentSource
	health HealthChecker
	clock  fleet.Clock
	logger *zap.Logger

	mu       sync.Mutex
	lastUsed map[string]time.Time
	blocks   map[string]blockRecord
}

// New constructs a Selector.
func New(agents AgentSource, health HealthChecker, clock fleet.Clock, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		agents:   agents,
		health:   health,
		clock:    clock,
		logger:   logger,
		lastUsed: make(map[string]time.Time),
		blocks:   make(map[string]blockRecord),
	}
}

// SelectNext returns the agent that should run the next task.
//
// A non-empty pinned address bypasses rotation and is returned as-is when it is idle and
// healthy. Otherwise the idle, healthy agent matching capability that was used longest ago
// wins and its last-used time is set to now.
func (s *Selector) SelectNext(capability fleet.Capability, pinned string) (fleet.Agent, error) {
	if pinned != "" {
		return s.selectPinned(pinned)
	}

	candidates := s.agents.ListAvailable(capability)
	healthy := candidates[:0]
	for _, agent := range candidates {
		if s.health.IsHealthy(agent.ID) {
			healthy = append(healthy, agent)
		}
	}
	if len(healthy) == 0 {
		return fleet.Agent{}, fmt.Errorf("select %q: %w", capability, fleet.ErrNoAvailableAgents)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	best := healthy[0]
	bestUsed := s.lastUsed[best.ID]
	for _, agent := range healthy[1:] {
		if used := s.lastUsed[agent.ID]; used.Before(bestUsed) {
			best, bestUsed = agent, used
		}
	}
	s.lastUsed[best.ID] = s.clock.Now()
	s.logger.Debug("agent selected",
		zap.String("agent_id", best.ID),
		zap.String("capability", string(best.Capability)),
		zap.Int("candidates", len(healthy)),
	)
	return best, nil
}

func (s *Selector) selectPinned(pinned string) (fleet.Agent, error) {
	agent, ok := s.agents.FindByAddress(pinned)
	if !ok {
		return fleet.Agent{}, fmt.Errorf("select pinned %s: %w", pinned, fleet.ErrAgentNotFound)
	}
	switch {
	case agent.Status == fleet.AgentBusy:
		return fleet.Agent{}, fmt.Errorf("select pinned %s: %w", pinned, fleet.ErrAgentBusy)
	case agent.Status != fleet.AgentIdle || !s.health.IsHealthy(agent.ID):
		return fleet.Agent{}, fmt.Errorf("select pinned %s: %w", pinned, fleet.ErrAgentUnhealthy)
	}
	return agent, nil
}

// RecordBlockingEvent notes that an agent hit a block page. It does not affect eligibility.
func (s *Selector) RecordBlockingEvent(id, reason string) {
	now := s.clock.Now()
	s.mu.Lock()
	rec := s.blocks[id]
	rec.count++
	rec.reason = reason
	rec.at = now
	s.blocks[id] = rec
	s.mu.Unlock()
	s.logger.Warn("agent blocked", zap.String("agent_id", id), zap.String("reason", reason), zap.Int("count", rec.count))
}

// Forget drops all bookkeeping for a disconnected agent.
func (s *Selector) Forget(id string) {
	s.mu.Lock()
	delete(s.lastUsed, id)
	delete(s.blocks, id)
	s.mu.Unlock()
}

// Stats reports every registered agent, least recently used first.
func (s *Selector) Stats() []AgentStat {
	agents := s.agents.List()
	now := s.clock.Now()

	s.mu.Lock()
	out := make([]AgentStat, 0, len(agents))
	used := make(map[string]time.Time, len(agents))
	for _, agent := range agents {
		st := AgentStat{
			ID:         agent.ID,
			Address:    agent.HostPort(),
			Capability: agent.Capability,
			Status:     agent.Status,
		}
		if t, ok := s.lastUsed[agent.ID]; ok {
			at := t
			st.LastUsed = &at
			st.IdleForMs = now.Sub(t).Milliseconds()
			used[agent.ID] = t
		}
		if rec, ok := s.blocks[agent.ID]; ok {
			at := rec.at
			st.BlockedCount = rec.count
			st.LastBlockReason = rec.reason
			st.LastBlockedAt = &at
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	for i := range out {
		out[i].Healthy = s.health.IsHealthy(out[i].ID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return used[out[i].ID].Before(used[out[j].ID])
	})
	return out
}
