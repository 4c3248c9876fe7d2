// Package coordinator owns the task lifecycle: creation, assignment, dispatch and the
// correlation of agent completions back to waiting callers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/events"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/protocol"
)

// DefaultAwaitTimeout bounds how long a caller waits for an agent report.
const DefaultAwaitTimeout = 30 * time.Second

// AgentBook is the registry surface the coordinator drives.
type AgentBook interface {
	Find(id string) (fleet.Agent, bool)
	MarkBusy(id string) error
	IncrementCompleted(id string) error
	ReleaseTask(id string) error
}

// Selector picks agents for new work.
type Selector interface {
	SelectNext(capability fleet.Capability, pinned string) (fleet.Agent, error)
	RecordBlockingEvent(id, reason string)
}

// Config tunes the coordinator.
type Config struct {
	AwaitTimeout time.Duration
	DefaultPages int
	// SelectAttempts bounds re-selection when a chosen agent was reserved by a concurrent request.
	SelectAttempts int
}

// Stats summarizes the task tables.
type Stats struct {
	QueueLength int `json:"queueLength"`
	ActiveTasks int `json:"activeTasks"`
	Waiters     int `json:"waiters"`
}

type completion struct {
	outcome fleet.TaskOutcome
	err     error
}

// Coordinator tracks every live task. Terminal tasks leave the table.
type Coordinator struct {
	cfg      Config
	agents   AgentBook
	selector Selector
	sender   fleet.Sender
	ids      fleet.IDGenerator
	clock    fleet.Clock
	emitter  events.Emitter
	recorder LookupRecorder
	logger   *zap.Logger
	wake     chan struct{}

	// mu guards tasks, queue and orphans. Lock order is mu then wmu.
	mu      sync.Mutex
	tasks   map[string]*fleet.Task
	queue   []string
	orphans map[string]string

	wmu     sync.Mutex
	waiters map[string]chan completion
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Agents   AgentBook
	Selector Selector
	Sender   fleet.Sender
	IDs      fleet.IDGenerator
	Clock    fleet.Clock
	Emitter  events.Emitter
	Recorder LookupRecorder
	Logger   *zap.Logger
}

// New constructs a Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Agents == nil || deps.Selector == nil || deps.Sender == nil {
		return nil, errors.New("coordinator requires agents, selector and sender")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("coordinator requires id generator and clock")
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if cfg.DefaultPages <= 0 {
		cfg.DefaultPages = 1
	}
	if cfg.SelectAttempts <= 0 {
		cfg.SelectAttempts = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Coordinator{
		cfg:      cfg,
		agents:   deps.Agents,
		selector: deps.Selector,
		sender:   deps.Sender,
		ids:      deps.IDs,
		clock:    deps.Clock,
		emitter:  events.OrDiscard(deps.Emitter),
		recorder: recorder,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		tasks:    make(map[string]*fleet.Task),
		orphans:  make(map[string]string),
		waiters:  make(map[string]chan completion),
	}, nil
}

// AwaitTimeout is the configured await ceiling.
func (c *Coordinator) AwaitTimeout() time.Duration {
	return c.cfg.AwaitTimeout
}

// Wakeups fires when pending work or idle capacity may have appeared.
func (c *Coordinator) Wakeups() <-chan struct{} {
	return c.wake
}

// Nudge signals Wakeups without blocking.
func (c *Coordinator) Nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// CreateTask allocates a pending task and queues it for the dispatcher.
func (c *Coordinator) CreateTask(params fleet.TaskParams, requester string) (fleet.Task, error) {
	return c.createTask(params, requester, true)
}

// createTask allocates a pending task. Unqueued tasks belong to the caller until
// assigned; only HandleAgentRemoved hands them to the dispatcher.
func (c *Coordinator) createTask(params fleet.TaskParams, requester string, queued bool) (fleet.Task, error) {
	id, err := c.ids.NewID()
	if err != nil {
		return fleet.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	if params.Pages <= 0 {
		params.Pages = c.cfg.DefaultPages
	}
	task := &fleet.Task{
		ID:        id,
		Requester: requester,
		Params:    params,
		Status:    fleet.TaskPending,
		CreatedAt: c.clock.Now(),
	}
	c.mu.Lock()
	c.tasks[id] = task
	if queued {
		c.queue = append(c.queue, id)
	}
	out := *task
	c.mu.Unlock()

	c.emitter.Emit(events.Event{Type: events.TaskCreated, TS: out.CreatedAt, TaskID: id, Capability: string(params.Capability)})
	c.logger.Debug("task created", zap.String("task_id", id), zap.String("keyword", params.Keyword), zap.String("code", params.ProductCode))
	return out, nil
}

// Task returns a copy of a live task.
func (c *Coordinator) Task(id string) (fleet.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return fleet.Task{}, false
	}
	return *task, true
}

// Assign moves a pending task to in_progress on agentID. The agent is reserved first;
// a non-idle agent fails the assignment and leaves the task pending.
func (c *Coordinator) Assign(taskID, agentID string) error {
	if err := c.agents.MarkBusy(agentID); err != nil {
		return fmt.Errorf("assign %s: %w", taskID, err)
	}
	now := c.clock.Now()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status != fleet.TaskPending {
		c.mu.Unlock()
		_ = c.agents.ReleaseTask(agentID)
		if !ok {
			return fmt.Errorf("assign %s: %w", taskID, fleet.ErrTaskNotFound)
		}
		return fmt.Errorf("assign %s: task is %s", taskID, task.Status)
	}
	task.Status = fleet.TaskInProgress
	task.AgentID = agentID
	task.StartedAt = &now
	c.removeQueuedLocked(taskID)
	capability := task.Params.Capability
	c.mu.Unlock()

	c.emitter.Emit(events.Event{Type: events.TaskAssigned, TS: now, TaskID: taskID, AgentID: agentID, Capability: string(capability)})
	return nil
}

// Dispatch sends the task frame to its agent. A send failure fails the task.
func (c *Coordinator) Dispatch(taskID string) error {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status != fleet.TaskInProgress {
		c.mu.Unlock()
		return fmt.Errorf("dispatch %s: %w", taskID, fleet.ErrTaskNotFound)
	}
	snapshot := *task
	c.mu.Unlock()

	frame, err := protocol.Encode(protocol.NewTask(c.clock.Now(), snapshot))
	if err == nil {
		err = c.sender.Send(snapshot.AgentID, frame)
	}
	if err != nil {
		err = fmt.Errorf("dispatch %s to %s: %w", taskID, snapshot.AgentID, err)
		c.fail(taskID, err, fleet.FailureNetwork)
		return err
	}
	c.logger.Debug("task dispatched", zap.String("task_id", taskID), zap.String("agent_id", snapshot.AgentID))
	return nil
}

// AwaitCompletion blocks until the task completes, the timeout elapses or ctx ends.
// It always removes its waiter before returning.
func (c *Coordinator) AwaitCompletion(ctx context.Context, taskID string, timeout time.Duration) (fleet.TaskOutcome, error) {
	ch, err := c.watch(taskID)
	if err != nil {
		return fleet.TaskOutcome{}, err
	}
	return c.wait(ctx, taskID, ch, timeout)
}

func (c *Coordinator) watch(taskID string) (chan completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		return nil, fmt.Errorf("await %s: %w", taskID, fleet.ErrTaskNotFound)
	}
	ch := make(chan completion, 1)
	c.wmu.Lock()
	c.waiters[taskID] = ch
	c.wmu.Unlock()
	return ch, nil
}

func (c *Coordinator) unwatch(taskID string, ch chan completion) {
	c.wmu.Lock()
	if cur, ok := c.waiters[taskID]; ok && cur == ch {
		delete(c.waiters, taskID)
	}
	c.wmu.Unlock()
}

func (c *Coordinator) wait(ctx context.Context, taskID string, ch chan completion, timeout time.Duration) (fleet.TaskOutcome, error) {
	defer c.unwatch(taskID, ch)
	if timeout <= 0 {
		timeout = c.cfg.AwaitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res.outcome, res.err
	case <-timer.C:
		return fleet.TaskOutcome{}, fmt.Errorf("await %s after %s: %w", taskID, timeout, fleet.ErrTimeout)
	case <-ctx.Done():
		return fleet.TaskOutcome{}, fmt.Errorf("await %s: %w", taskID, ctx.Err())
	}
}

// Complete records an agent report. Unknown or terminal tasks are ignored, so a task
// completes at most once. It reports whether the outcome was applied.
func (c *Coordinator) Complete(taskID string, outcome fleet.TaskOutcome) bool {
	return c.complete("", taskID, outcome)
}

// CompleteFrom is Complete for a report sent by reporterID. A report for a task held
// by a different agent is ignored.
func (c *Coordinator) CompleteFrom(reporterID, taskID string, outcome fleet.TaskOutcome) bool {
	return c.complete(reporterID, taskID, outcome)
}

func (c *Coordinator) complete(reporterID, taskID string, outcome fleet.TaskOutcome) bool {
	now := c.clock.Now()

	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		agentID, late := c.orphans[taskID]
		if late && reporterID != "" && reporterID != agentID {
			c.mu.Unlock()
			c.logger.Warn("late report from foreign agent ignored", zap.String("task_id", taskID), zap.String("agent_id", reporterID))
			return false
		}
		delete(c.orphans, taskID)
		c.mu.Unlock()
		if late {
			// The caller already gave up; only the agent's slot needs freeing.
			_ = c.agents.IncrementCompleted(agentID)
			c.logger.Info("late task report dropped", zap.String("task_id", taskID), zap.String("agent_id", agentID))
			c.Nudge()
		}
		return false
	}
	if task.Status != fleet.TaskInProgress {
		c.mu.Unlock()
		c.logger.Warn("report for unassigned task ignored", zap.String("task_id", taskID))
		return false
	}
	if reporterID != "" && task.AgentID != reporterID {
		c.mu.Unlock()
		c.logger.Warn("report from foreign agent ignored",
			zap.String("task_id", taskID),
			zap.String("agent_id", reporterID),
			zap.String("assigned_to", task.AgentID),
		)
		return false
	}
	task.Status = fleet.TaskCompleted
	if !outcome.Success {
		task.Status = fleet.TaskFailed
	}
	task.CompletedAt = &now
	task.Outcome = &outcome
	snapshot := *task
	delete(c.tasks, taskID)
	c.deliverLocked(taskID, completion{outcome: outcome})
	c.mu.Unlock()

	_ = c.agents.IncrementCompleted(snapshot.AgentID)
	c.emitCompletion(snapshot, now)
	c.Nudge()
	return true
}

func (c *Coordinator) emitCompletion(task fleet.Task, now time.Time) {
	evt := events.Event{
		Type:       events.TaskCompleted,
		TS:         now,
		TaskID:     task.ID,
		AgentID:    task.AgentID,
		Capability: string(task.Params.Capability),
	}
	if task.StartedAt != nil {
		evt.Dur = now.Sub(*task.StartedAt)
	}
	if task.Outcome != nil && !task.Outcome.Success {
		evt.Type = events.TaskFailed
		evt.Note = string(failureKind(*task.Outcome))
	}
	c.emitter.Emit(evt)
}

// fail moves a live task to failed and resolves its waiter with err.
func (c *Coordinator) fail(taskID string, cause error, kind fleet.FailureKind) {
	now := c.clock.Now()
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	wasAssigned := task.Status == fleet.TaskInProgress
	c.removeQueuedLocked(taskID)
	task.Status = fleet.TaskFailed
	task.CompletedAt = &now
	task.Outcome = &fleet.TaskOutcome{Error: cause.Error(), ErrorType: kind}
	snapshot := *task
	delete(c.tasks, taskID)
	c.deliverLocked(taskID, completion{outcome: *task.Outcome, err: cause})
	c.mu.Unlock()

	if wasAssigned {
		_ = c.agents.ReleaseTask(snapshot.AgentID)
	}
	c.emitter.Emit(events.Event{Type: events.TaskFailed, TS: now, TaskID: taskID, AgentID: snapshot.AgentID, Note: string(kind)})
}

// timeout fails an abandoned task. If an agent holds it, its late report is
// still routed to IncrementCompleted so the agent returns to idle.
func (c *Coordinator) timeout(taskID string) {
	now := c.clock.Now()
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	if task.Status == fleet.TaskInProgress {
		c.orphans[taskID] = task.AgentID
	}
	c.removeQueuedLocked(taskID)
	agentID := task.AgentID
	delete(c.tasks, taskID)
	c.mu.Unlock()

	c.emitter.Emit(events.Event{Type: events.TaskTimeout, TS: now, TaskID: taskID, AgentID: agentID})
	c.logger.Warn("task timed out", zap.String("task_id", taskID), zap.String("agent_id", agentID))
}

// deliverLocked hands res to the task's waiter. Callers hold mu.
func (c *Coordinator) deliverLocked(taskID string, res completion) {
	c.wmu.Lock()
	ch, ok := c.waiters[taskID]
	delete(c.waiters, taskID)
	c.wmu.Unlock()
	if ok {
		ch <- res
	}
}

// HandleAgentRemoved puts the agent's in-flight tasks back in the queue and
// returns their ids.
func (c *Coordinator) HandleAgentRemoved(agentID string) []string {
	now := c.clock.Now()
	var requeued []string
	c.mu.Lock()
	for id, task := range c.tasks {
		if task.AgentID != agentID || task.Status != fleet.TaskInProgress {
			continue
		}
		task.Status = fleet.TaskPending
		task.AgentID = ""
		task.StartedAt = nil
		c.queue = append(c.queue, id)
		requeued = append(requeued, id)
	}
	for id, owner := range c.orphans {
		if owner == agentID {
			delete(c.orphans, id)
		}
	}
	c.mu.Unlock()

	for _, id := range requeued {
		c.emitter.Emit(events.Event{Type: events.TaskRequeued, TS: now, TaskID: id, AgentID: agentID})
	}
	if len(requeued) > 0 {
		c.logger.Info("tasks requeued after agent loss", zap.String("agent_id", agentID), zap.Int("count", len(requeued)))
		c.Nudge()
	}
	return requeued
}

// NextPending removes and returns the oldest pending task an agent with capability can run.
func (c *Coordinator) NextPending(capability fleet.Capability) (fleet.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.queue {
		task, ok := c.tasks[id]
		if !ok {
			continue
		}
		if capability == fleet.CapabilityAny || capability.Matches(task.Params.Capability) {
			c.queue = slices.Delete(c.queue, i, i+1)
			return *task, true
		}
	}
	return fleet.Task{}, false
}

// Pending returns the queued tasks oldest first.
func (c *Coordinator) Pending() []fleet.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fleet.Task, 0, len(c.queue))
	for _, id := range c.queue {
		if task, ok := c.tasks[id]; ok {
			out = append(out, *task)
		}
	}
	return out
}

// ExpirePending fails pending tasks older than maxAge and returns their ids.
func (c *Coordinator) ExpirePending(maxAge time.Duration) []string {
	cutoff := c.clock.Now().Add(-maxAge)
	var expired []string
	c.mu.Lock()
	for _, id := range c.queue {
		if task, ok := c.tasks[id]; ok && task.CreatedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()
	for _, id := range expired {
		c.fail(id, fmt.Errorf("task %s waited longer than %s: %w", id, maxAge, fleet.ErrTimeout), fleet.FailureTimeout)
	}
	return expired
}

// Stats reports table sizes.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	stats := Stats{QueueLength: len(c.queue)}
	for _, task := range c.tasks {
		if task.Status == fleet.TaskInProgress {
			stats.ActiveTasks++
		}
	}
	c.mu.Unlock()
	c.wmu.Lock()
	stats.Waiters = len(c.waiters)
	c.wmu.Unlock()
	return stats
}

func (c *Coordinator) removeQueuedLocked(taskID string) {
	for i, id := range c.queue {
		if id == taskID {
			c.queue = slices.Delete(c.queue, i, i+1)
			return
		}
	}
}

func failureKind(o fleet.TaskOutcome) fleet.FailureKind {
	if o.ErrorType != "" {
		return o.ErrorType
	}
	if o.Blocked {
		return fleet.FailureBlocked
	}
	return fleet.ClassifyFailure(o.Error)
}
