package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// LookupRequest is one interactive rank lookup.
type LookupRequest struct {
	Requester   string
	Keyword     string
	ProductCode string
	Pages       int
	Capability  fleet.Capability
	Pinned      string
}

// LookupResponse is a successful lookup.
type LookupResponse struct {
	TaskID   string
	Agent    fleet.Agent
	Rank     fleet.RankResult
	Blocked  bool
	Duration time.Duration
}

// LookupRecord is what the recorder sees once a lookup resolves.
type LookupRecord struct {
	Request  LookupRequest
	Agent    fleet.Agent
	Rank     fleet.RankResult
	Success  bool
	Err      error
	Duration time.Duration
}

// LookupRecorder persists lookup side effects such as billing and history.
// Errors are logged and never fail the lookup.
type LookupRecorder interface {
	// BeginLookup runs before the task is created and reports whether the query is billable.
	BeginLookup(ctx context.Context, req LookupRequest) (bool, error)
	// FinishLookup runs once the lookup has resolved.
	FinishLookup(ctx context.Context, rec LookupRecord) error
}

type noopRecorder struct{}

func (noopRecorder) BeginLookup(context.Context, LookupRequest) (bool, error) { return false, nil }
func (noopRecorder) FinishLookup(context.Context, LookupRecord) error          { return nil }

// SubmitLookup runs one lookup end to end: create, select, assign, dispatch and await.
// The task is terminal when it returns. Selection errors come back as the fleet
// sentinels; agent-reported failures come back as *fleet.RemoteFailure.
func (c *Coordinator) SubmitLookup(ctx context.Context, req LookupRequest) (LookupResponse, error) {
	start := c.clock.Now()
	logger := c.logger.With(
		zap.String("keyword", req.Keyword),
		zap.String("code", req.ProductCode),
		zap.String("capability", string(req.Capability)),
	)

	if billable, err := c.recorder.BeginLookup(ctx, req); err != nil {
		logger.Warn("billing check failed", zap.Error(err))
	} else if billable {
		logger.Info("new billable query")
	}

	resp, agent, err := c.runLookup(ctx, req, logger)
	resp.Duration = c.clock.Now().Sub(start)

	rec := LookupRecord{
		Request:  req,
		Agent:    agent,
		Rank:     resp.Rank,
		Success:  err == nil,
		Err:      err,
		Duration: resp.Duration,
	}
	if recErr := c.recorder.FinishLookup(context.WithoutCancel(ctx), rec); recErr != nil {
		logger.Warn("lookup record failed", zap.Error(recErr))
	}
	if err != nil {
		return LookupResponse{}, err
	}
	return resp, nil
}

func (c *Coordinator) runLookup(ctx context.Context, req LookupRequest, logger *zap.Logger) (LookupResponse, fleet.Agent, error) {
	// The lookup assigns its own task, so the dispatcher must not see it yet.
	task, err := c.createTask(fleet.TaskParams{
		Keyword:     req.Keyword,
		ProductCode: req.ProductCode,
		Pages:       req.Pages,
		Capability:  req.Capability,
		Pinned:      req.Pinned,
	}, req.Requester, false)
	if err != nil {
		return LookupResponse{}, fleet.Agent{}, err
	}
	logger = logger.With(zap.String("task_id", task.ID))

	agent, err := c.selectAndAssign(task)
	if err != nil {
		c.fail(task.ID, err, fleet.FailureUnknown)
		logger.Info("no agent for lookup", zap.Error(err))
		return LookupResponse{}, fleet.Agent{}, err
	}
	logger = logger.With(zap.String("agent_id", agent.ID))

	// The waiter goes in before the frame goes out so a fast report cannot be missed.
	ch, err := c.watch(task.ID)
	if err != nil {
		return LookupResponse{}, agent, err
	}
	if err := c.Dispatch(task.ID); err != nil {
		c.unwatch(task.ID, ch)
		logger.Warn("dispatch failed", zap.Error(err))
		return LookupResponse{}, agent, err
	}

	outcome, err := c.wait(ctx, task.ID, ch, c.cfg.AwaitTimeout)
	if err != nil {
		c.timeout(task.ID)
		if errors.Is(err, fleet.ErrTimeout) {
			logger.Warn("lookup timed out", zap.Duration("timeout", c.cfg.AwaitTimeout))
		}
		return LookupResponse{}, agent, err
	}

	if outcome.Blocked {
		c.selector.RecordBlockingEvent(agent.ID, outcome.BlockReason)
	}
	if !outcome.Success {
		return LookupResponse{}, agent, &fleet.RemoteFailure{
			Kind:        failureKind(outcome),
			Message:     outcome.Error,
			Blocked:     outcome.Blocked,
			BlockReason: outcome.BlockReason,
		}
	}
	rank, err := outcome.DecodeRank()
	if err != nil {
		return LookupResponse{}, agent, err
	}
	return LookupResponse{TaskID: task.ID, Agent: agent, Rank: rank, Blocked: outcome.Blocked}, agent, nil
}

// selectAndAssign picks an agent and reserves it. A lost race for an unpinned agent
// triggers a fresh selection.
func (c *Coordinator) selectAndAssign(task fleet.Task) (fleet.Agent, error) {
	var lastErr error
	for range c.cfg.SelectAttempts {
		agent, err := c.selector.SelectNext(task.Params.Capability, task.Params.Pinned)
		if err != nil {
			return fleet.Agent{}, err
		}
		err = c.Assign(task.ID, agent.ID)
		if err == nil {
			return agent, nil
		}
		lastErr = err
		if task.Params.Pinned != "" || !(errors.Is(err, fleet.ErrAgentBusy) || errors.Is(err, fleet.ErrAgentUnhealthy)) {
			return fleet.Agent{}, err
		}
	}
	return fleet.Agent{}, fmt.Errorf("select after %d attempts: %w: %w", c.cfg.SelectAttempts, fleet.ErrNoAvailableAgents, lastErr)
}
