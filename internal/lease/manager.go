// Package lease grants time-bounded exclusive claims on batch work units.
package lease

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
	DefaultDuration      = 20 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Config tunes lease lifetime.
type Config struct {
	Duration      time.Duration
	SweepInterval time.Duration
}

// Info describes one live lease.
type Info struct {
	Key         string    `json:"key"`
	Holder      string    `json:"holder"`
	AcquiredAt  time.Time `json:"acquiredAt"`
	RenewedAt   time.Time `json:"renewedAt"`
	AgeMs       int64     `json:"ageMs"`
	RemainingMs int64     `json:"remainingMs"`
}

// Status is the diagnostic view of the lease table.
type Status struct {
	Total      int    `json:"total"`
	DurationMs int64  `json:"durationMs"`
	Leases     []Info `json:"leases"`
}

type lease struct {
	holder     string
	acquiredAt time.Time
	renewedAt  time.Time
}

// Manager owns the lease table. Every grant and replace happens under one mutex.
type Manager struct {
	cfg     Config
	clock   fleet.Clock
	emitter events.Emitter
	logger  *zap.Logger

	mu     sync.Mutex
	leases map[string]lease
}

// New constructs a Manager.
func New(cfg Config, clock fleet.Clock, emitter events.Emitter, logger *zap.Logger) *Manager {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		clock:   clock,
		emitter: events.OrDiscard(emitter),
		logger:  logger,
		leases:  make(map[string]lease),
	}
}

// Duration reports the configured lease lifetime.
func (m *Manager) Duration() time.Duration {
	return m.cfg.Duration
}

// Acquire grants key to holder when it is free or its lease has expired. It never blocks.
func (m *Manager) Acquire(key, holder string) bool {
	now := m.clock.Now()
	m.mu.Lock()
	ok := m.acquireLocked(key, holder, now)
	m.mu.Unlock()
	if ok {
		m.emitter.Emit(events.Event{Type: events.LeaseAcquired, TS: now, Key: key, AgentID: holder})
	}
	return ok
}

// AcquireMany tries keys in order and stops after limit grants.
func (m *Manager) AcquireMany(keys []string, holder string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	now := m.clock.Now()
	granted := make([]string, 0, min(limit, len(keys)))
	m.mu.Lock()
	for _, key := range keys {
		if len(granted) >= limit {
			break
		}
		if m.acquireLocked(key, holder, now) {
			granted = append(granted, key)
		}
	}
	m.mu.Unlock()
	for _, key := range granted {
		m.emitter.Emit(events.Event{Type: events.LeaseAcquired, TS: now, Key: key, AgentID: holder})
	}
	m.logger.Debug("leases acquired",
		zap.String("holder", holder),
		zap.Int("requested", limit),
		zap.Int("candidates", len(keys)),
		zap.Int("granted", len(granted)),
	)
	return granted
}

func (m *Manager) acquireLocked(key, holder string, now time.Time) bool {
	if cur, ok := m.leases[key]; ok && !m.expired(cur, now) {
		return false
	}
	m.leases[key] = lease{holder: holder, acquiredAt: now, renewedAt: now}
	return true
}

// Release drops holder's lease on key. Releasing a missing lease succeeds; releasing
// another holder's lease fails and leaves it in place.
func (m *Manager) Release(key, holder string) bool {
	m.mu.Lock()
	cur, ok := m.leases[key]
	if !ok {
		m.mu.Unlock()
		return true
	}
	if cur.holder != holder {
		m.mu.Unlock()
		m.logger.Warn("lease release rejected",
			zap.String("key", key),
			zap.String("holder", holder),
			zap.String("owner", cur.holder),
		)
		return false
	}
	delete(m.leases, key)
	m.mu.Unlock()
	m.emitter.Emit(events.Event{Type: events.LeaseReleased, TS: m.clock.Now(), Key: key, AgentID: holder})
	return true
}

// Renew extends holder's live lease on key.
func (m *Manager) Renew(key, holder string) bool {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.leases[key]
	if !ok || cur.holder != holder || m.expired(cur, now) {
		return false
	}
	cur.renewedAt = now
	m.leases[key] = cur
	return true
}

// ReleaseHolder drops every lease held by holder and returns how many were released.
func (m *Manager) ReleaseHolder(holder string) int {
	m.mu.Lock()
	n := 0
	for key, cur := range m.leases {
		if cur.holder == holder {
			delete(m.leases, key)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.logger.Info("leases released for holder", zap.String("holder", holder), zap.Int("count", n))
	}
	return n
}

// Run deletes expired leases on the sweep interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
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

// Sweep deletes expired leases and returns their keys.
func (m *Manager) Sweep() []string {
	now := m.clock.Now()
	var expired []string
	m.mu.Lock()
	for key, cur := range m.leases {
		if m.expired(cur, now) {
			delete(m.leases, key)
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(expired)
	for _, key := range expired {
		m.emitter.Emit(events.Event{Type: events.LeaseExpired, TS: now, Key: key})
	}
	if len(expired) > 0 {
		m.logger.Info("expired leases swept", zap.Int("count", len(expired)))
	}
	return expired
}

// Status snapshots the table ordered by key.
func (m *Manager) Status() Status {
	now := m.clock.Now()
	m.mu.Lock()
	out := make([]Info, 0, len(m.leases))
	for key, cur := range m.leases {
		age := now.Sub(cur.acquiredAt)
		remaining := m.cfg.Duration - now.Sub(cur.renewedAt)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Info{
			Key:         key,
			Holder:      cur.holder,
			AcquiredAt:  cur.acquiredAt,
			RenewedAt:   cur.renewedAt,
			AgeMs:       age.Milliseconds(),
			RemainingMs: remaining.Milliseconds(),
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return Status{Total: len(out), DurationMs: m.cfg.Duration.Milliseconds(), Leases: out}
}

func (m *Manager) expired(l lease, now time.Time) bool {
	return now.Sub(l.renewedAt) > m.cfg.Duration
}
