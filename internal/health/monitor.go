// Package health tracks agent heartbeats and flags agents that go quiet.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/events"
	"github.com/JakeFAU/rankhub/internal/fleet"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// AgentFlagger is the slice of the registry the monitor drives.
type AgentFlagger interface {
	MarkError(id string) (bool, error)
	RecoverFromError(id string) (bool, error)
}

// Config tunes heartbeat staleness.
type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Status is the health view of one agent.
type Status struct {
	AgentID   string        `json:"agentId"`
	Healthy   bool          `json:"healthy"`
	LastSeen  time.Time     `json:"lastSeen"`
	Elapsed   time.Duration `json:"-"`
	ElapsedMs int64         `json:"elapsedMs"`
}

// Monitor keeps the last heartbeat per agent under its own lock.
type Monitor struct {
	cfg     Config
	agents  AgentFlagger
	clock   fleet.Clock
	emitter events.Emitter
	logger  *zap.Logger

	mu       sync.RWMutex
	lastSeen map[string]time.Time
}

// New constructs a Monitor.
func New(cfg Config, agents AgentFlagger, clock fleet.Clock, emitter events.Emitter, logger *zap.Logger) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		agents:   agents,
		clock:    clock,
		emitter:  events.OrDiscard(emitter),
		logger:   logger,
		lastSeen: make(map[string]time.Time),
	}
}

// RecordHeartbeat stamps the agent as seen now and clears an error flag left by a sweep.
func (m *Monitor) RecordHeartbeat(id string) {
	now := m.clock.Now()
	m.mu.Lock()
	m.lastSeen[id] = now
	m.mu.Unlock()

	recovered, err := m.agents.RecoverFromError(id)
	if err != nil {
		m.logger.Debug("heartbeat from unregistered agent", zap.String("agent_id", id), zap.Error(err))
		return
	}
	if recovered {
		m.logger.Info("agent recovered", zap.String("agent_id", id))
		m.emitter.Emit(events.Event{Type: events.AgentRecovered, TS: now, AgentID: id})
	}
}

// RemoveRecord forgets the agent.
func (m *Monitor) RemoveRecord(id string) {
	m.mu.Lock()
	delete(m.lastSeen, id)
	m.mu.Unlock()
}

// HealthOf reports the agent's health. Untracked agents are unhealthy.
func (m *Monitor) HealthOf(id string) Status {
	m.mu.RLock()
	seen, ok := m.lastSeen[id]
	m.mu.RUnlock()
	if !ok {
		return Status{AgentID: id}
	}
	return m.status(id, seen, m.clock.Now())
}

// IsHealthy is shorthand for HealthOf(id).Healthy.
func (m *Monitor) IsHealthy(id string) bool {
	return m.HealthOf(id).Healthy
}

// Snapshot lists every tracked agent ordered by id.
func (m *Monitor) Snapshot() []Status {
	now := m.clock.Now()
	m.mu.RLock()
	out := make([]Status, 0, len(m.lastSeen))
	for id, seen := range m.lastSeen {
		out = append(out, m.status(id, seen, now))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Run sweeps on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep flags every stale agent as error and returns the ids that changed.
// Records are kept; a later heartbeat recovers the agent.
func (m *Monitor) Sweep() []string {
	var flagged []string
	for _, st := range m.Snapshot() {
		if st.Healthy {
			continue
		}
		changed, err := m.agents.MarkError(st.AgentID)
		if err != nil || !changed {
			continue
		}
		flagged = append(flagged, st.AgentID)
		m.logger.Warn("agent heartbeat stale",
			zap.String("agent_id", st.AgentID),
			zap.Time("last_seen", st.LastSeen),
			zap.Duration("elapsed", st.Elapsed),
		)
		m.emitter.Emit(events.Event{
			Type:    events.AgentUnhealthy,
			TS:      m.clock.Now(),
			AgentID: st.AgentID,
			Dur:     st.Elapsed,
		})
	}
	return flagged
}

func (m *Monitor) status(id string, seen, now time.Time) Status {
	elapsed := now.Sub(seen)
	if elapsed < 0 {
		elapsed = 0
	}
	return Status{
		AgentID:   id,
		Healthy:   elapsed <= m.cfg.Timeout,
		LastSeen:  seen,
		Elapsed:   elapsed,
		ElapsedMs: elapsed.Milliseconds(),
	}
}
