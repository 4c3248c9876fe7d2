// Package dispatcher re-dispatches queued tasks, such as those orphaned by a lost agent,
// whenever capacity may have appeared.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/metrics"
)

// DefaultInterval is how often a pass runs without a wakeup.
const DefaultInterval = 2 * time.Second

// TaskQueue is the coordinator surface the dispatcher drives.
type TaskQueue interface {
	Pending() []fleet.Task
	ExpirePending(maxAge time.Duration) []string
	Assign(taskID, agentID string) error
	Dispatch(taskID string) error
	Wakeups() <-chan struct{}
	Nudge()
}

// Selector picks an agent for a task.
type Selector interface {
	SelectNext(capability fleet.Capability, pinned string) (fleet.Agent, error)
}

// Config tunes the dispatcher.
type Config struct {
	Interval time.Duration
	// MaxPendingAge drops queued tasks nobody can still be waiting for.
	MaxPendingAge time.Duration
}

// Dispatcher pairs queued tasks with idle agents.
type Dispatcher struct {
	cfg      Config
	tasks    TaskQueue
	selector Selector
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, tasks TaskQueue, selector Selector, logger *zap.Logger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, tasks: tasks, selector: selector, logger: logger}
}

// Notify requests a pass soon, for example after an agent registers.
func (d *Dispatcher) Notify() {
	d.tasks.Nudge()
}

// Run performs passes on the interval and on every wakeup until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.tasks.Wakeups():
		}
		d.Pass()
	}
}

// Pass expires stale queued tasks, then assigns and dispatches what it can.
// It returns how many tasks were dispatched.
func (d *Dispatcher) Pass() int {
	if d.cfg.MaxPendingAge > 0 {
		if expired := d.tasks.ExpirePending(d.cfg.MaxPendingAge); len(expired) > 0 {
			d.logger.Info("expired queued tasks", zap.Int("count", len(expired)))
		}
	}
	dispatched := 0
	for _, task := range d.tasks.Pending() {
		agent, err := d.selector.SelectNext(task.Params.Capability, task.Params.Pinned)
		if errors.Is(err, fleet.ErrNoAvailableAgents) {
			break
		}
		if err != nil {
			d.logger.Debug("queued task not placeable", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if err := d.tasks.Assign(task.ID, agent.ID); err != nil {
			d.logger.Debug("assign queued task failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		if err := d.tasks.Dispatch(task.ID); err != nil {
			d.logger.Warn("redispatch failed", zap.String("task_id", task.ID), zap.String("agent_id", agent.ID), zap.Error(err))
			continue
		}
		dispatched++
		d.logger.Info("task redispatched", zap.String("task_id", task.ID), zap.String("agent_id", agent.ID))
	}
	metrics.ObserveRedispatch(dispatched)
	return dispatched
}
