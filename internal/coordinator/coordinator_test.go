package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankhub/internal/clock/fake"
	"github.com/JakeFAU/rankhub/internal/dispatcher"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/health"
	"github.com/JakeFAU/rankhub/internal/protocol"
	"github.com/JakeFAU/rankhub/internal/registry"
	"github.com/JakeFAU/rankhub/internal/rolling"
)

var epoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", s.n.Add(1)), nil
}

// fakeSender records frames and optionally answers them like an agent would.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][]protocol.TaskMessage
	err    error
	onTask func(agentID string, msg protocol.TaskMessage)
}

func (f *fakeSender) Send(agentID string, frame []byte) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	var msg protocol.TaskMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		f.mu.Unlock()
		return err
	}
	if f.frames == nil {
		f.frames = make(map[string][]protocol.TaskMessage)
	}
	f.frames[agentID] = append(f.frames[agentID], msg)
	cb := f.onTask
	f.mu.Unlock()
	if cb != nil {
		go cb(agentID, msg)
	}
	return nil
}

func (f *fakeSender) sent(agentID string) []protocol.TaskMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.TaskMessage(nil), f.frames[agentID]...)
}

type recorderSpy struct {
	mu      sync.Mutex
	begun   int
	records []LookupRecord
}

func (r *recorderSpy) BeginLookup(context.Context, LookupRequest) (bool, error) {
	r.mu.Lock()
	r.begun++
	r.mu.Unlock()
	return true, nil
}

func (r *recorderSpy) FinishLookup(_ context.Context, rec LookupRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return errors.New("history offline")
}

type fixture struct {
	clk    *fake.Clock
	reg    *registry.Registry
	mon    *health.Monitor
	sel    *rolling.Selector
	sender *fakeSender
	rec    *recorderSpy
	coord  *Coordinator
}

func newFixture(t *testing.T, await time.Duration) *fixture {
	t.Helper()
	clk := fake.New(epoch)
	reg := registry.New(clk, nil)
	mon := health.New(health.Config{Timeout: time.Minute}, reg, clk, nil, nil)
	sel := rolling.New(reg, mon, clk, nil)
	sender := &fakeSender{}
	rec := &recorderSpy{}
	coord, err := New(Config{AwaitTimeout: await}, Deps{
		Agents:   reg,
		Selector: sel,
		Sender:   sender,
		IDs:      &seqIDs{},
		Clock:    clk,
		Recorder: rec,
	})
	require.NoError(t, err)
	return &fixture{clk: clk, reg: reg, mon: mon, sel: sel, sender: sender, rec: rec, coord: coord}
}

func (f *fixture) addAgent(t *testing.T, id, addr string, port int) {
	t.Helper()
	_, err := f.reg.Register(id, fleet.AgentInfo{Capability: fleet.CapabilityChrome, Version: "120", Address: addr, Port: port, VMID: "vm-" + id})
	require.NoError(t, err)
	f.mon.RecordHeartbeat(id)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

// One idle agent answers one lookup; afterwards it is idle with one completed task.
func TestSubmitLookupSingleAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "10.0.0.1", 9222)
	f.sender.onTask = func(_ string, msg protocol.TaskMessage) {
		f.coord.Complete(msg.TaskID, fleet.TaskOutcome{
			Success: true,
			Result:  json.RawMessage(`{"rank":3,"realRank":5,"product":{"name":"mouse","price":12900}}`),
		})
	}

	resp, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Requester: "key", Keyword: "mouse", ProductCode: "42"})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Rank.Rank)
	require.Equal(t, 5, resp.Rank.RealRank)
	require.Equal(t, "mouse", resp.Rank.Product.Name)
	require.Equal(t, "a1", resp.Agent.ID)

	agent, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, agent.Status)
	require.Equal(t, 1, agent.TasksCompleted)
	require.Zero(t, agent.TasksInProgress)

	frames := f.sender.sent("a1")
	require.Len(t, frames, 1)
	require.Equal(t, 1, frames[0].Params.Pages)
	require.Equal(t, "42", frames[0].Params.ProductCode)

	stats := f.coord.Stats()
	require.Zero(t, stats.QueueLength)
	require.Zero(t, stats.ActiveTasks)
	require.Zero(t, stats.Waiters)

	require.Equal(t, 1, f.rec.begun)
	require.Len(t, f.rec.records, 1)
	require.True(t, f.rec.records[0].Success)
	require.Equal(t, "a1", f.rec.records[0].Agent.ID)
}

func TestSubmitLookupNoAgents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c"})
	require.ErrorIs(t, err, fleet.ErrNoAvailableAgents)
	require.Equal(t, Stats{}, f.coord.Stats())
	require.Len(t, f.rec.records, 1)
	require.False(t, f.rec.records[0].Success)
}

// A pinned lookup for an unknown address fails without leaving an in-progress task behind.
func TestSubmitLookupPinnedNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "10.0.0.1", 9222)

	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c", Pinned: "10.0.0.9:9222"})
	require.ErrorIs(t, err, fleet.ErrAgentNotFound)
	require.Equal(t, Stats{}, f.coord.Stats())
	require.Empty(t, f.sender.sent("a1"))

	agent, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, agent.Status)
}

func TestSubmitLookupPinnedBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "10.0.0.1", 9222)
	require.NoError(t, f.reg.MarkBusy("a1"))

	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c", Pinned: "10.0.0.1:9222"})
	require.ErrorIs(t, err, fleet.ErrAgentBusy)
}

// A silent agent yields TIMEOUT; its late report still frees it.
func TestSubmitLookupTimeoutAndLateReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30*time.Millisecond)
	f.addAgent(t, "a1", "h", 1)

	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c"})
	require.ErrorIs(t, err, fleet.ErrTimeout)
	require.Equal(t, fleet.CodeTimeout, fleet.Code(err))
	require.Zero(t, f.coord.Stats().ActiveTasks)

	agent, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentBusy, agent.Status)

	frames := f.sender.sent("a1")
	require.Len(t, frames, 1)
	require.False(t, f.coord.Complete(frames[0].TaskID, fleet.TaskOutcome{Success: true}))

	agent, _ = f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, agent.Status)
	require.Equal(t, 1, agent.TasksCompleted)
}

func TestSubmitLookupRemoteFailureRecordsBlock(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)
	f.sender.onTask = func(_ string, msg protocol.TaskMessage) {
		f.coord.Complete(msg.TaskID, fleet.TaskOutcome{
			Error:       "access denied 403",
			ErrorType:   fleet.FailureBlocked,
			Blocked:     true,
			BlockReason: "403",
		})
	}

	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c"})
	var remote *fleet.RemoteFailure
	require.ErrorAs(t, err, &remote)
	require.Equal(t, fleet.FailureBlocked, remote.Kind)
	require.True(t, remote.Blocked)

	stats := f.sel.Stats()
	require.Equal(t, 1, stats[0].BlockedCount)
	require.Equal(t, "403", stats[0].LastBlockReason)

	agent, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, agent.Status)
}

func TestSubmitLookupDispatchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)
	f.sender.err = fmt.Errorf("send buffer full: %w", fleet.ErrAgentBusy)

	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c"})
	require.ErrorIs(t, err, fleet.ErrAgentBusy)
	require.Equal(t, Stats{}, f.coord.Stats())

	agent, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, agent.Status)
	require.Zero(t, agent.TasksInProgress)
}

func TestCompleteIsAppliedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)
	task, err := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "c"}, "key")
	require.NoError(t, err)
	require.NoError(t, f.coord.Assign(task.ID, "a1"))

	require.True(t, f.coord.Complete(task.ID, fleet.TaskOutcome{Success: true}))
	require.False(t, f.coord.Complete(task.ID, fleet.TaskOutcome{Success: false, Error: "dup"}))
	require.False(t, f.coord.Complete("unknown", fleet.TaskOutcome{Success: true}))

	agent, _ := f.reg.Find("a1")
	require.Equal(t, 1, agent.TasksCompleted)
}

func TestCompleteFromRejectsForeignAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)
	f.addAgent(t, "a2", "h", 2)
	task, err := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "c"}, "key")
	require.NoError(t, err)
	require.NoError(t, f.coord.Assign(task.ID, "a1"))

	require.False(t, f.coord.CompleteFrom("a2", task.ID, fleet.TaskOutcome{Success: false, Error: "forged"}))
	require.Equal(t, 1, f.coord.Stats().ActiveTasks)
	a1, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentBusy, a1.Status)

	require.True(t, f.coord.CompleteFrom("a1", task.ID, fleet.TaskOutcome{Success: true}))
	a1, _ = f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, a1.Status)
	require.Equal(t, 1, a1.TasksCompleted)
	a2, _ := f.reg.Find("a2")
	require.Zero(t, a2.TasksCompleted)
}

func TestCompleteFromLateReportNeedsOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 30*time.Millisecond)
	f.addAgent(t, "a1", "h", 1)
	f.addAgent(t, "a2", "h", 2)

	_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c", Pinned: "h:1"})
	require.ErrorIs(t, err, fleet.ErrTimeout)
	frames := f.sender.sent("a1")
	require.Len(t, frames, 1)

	require.False(t, f.coord.CompleteFrom("a2", frames[0].TaskID, fleet.TaskOutcome{Success: true}))
	a1, _ := f.reg.Find("a1")
	require.Equal(t, fleet.AgentBusy, a1.Status, "a foreign report must not free the owner")

	require.False(t, f.coord.CompleteFrom("a1", frames[0].TaskID, fleet.TaskOutcome{Success: true}))
	a1, _ = f.reg.Find("a1")
	require.Equal(t, fleet.AgentIdle, a1.Status)
	require.Equal(t, 1, a1.TasksCompleted)
}

func TestAwaitCompletionResolves(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)

	_, err := f.coord.AwaitCompletion(context.Background(), "missing", time.Second)
	require.ErrorIs(t, err, fleet.ErrTaskNotFound)

	task, err := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "c"}, "")
	require.NoError(t, err)
	require.NoError(t, f.coord.Assign(task.ID, "a1"))

	_, err = f.coord.AwaitCompletion(context.Background(), task.ID, 20*time.Millisecond)
	require.ErrorIs(t, err, fleet.ErrTimeout)
	require.Zero(t, f.coord.Stats().Waiters)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.coord.AwaitCompletion(ctx, task.ID, time.Second)
	require.ErrorIs(t, err, context.Canceled)

	done := make(chan fleet.TaskOutcome, 1)
	go func() {
		out, err := f.coord.AwaitCompletion(context.Background(), task.ID, time.Second)
		if err == nil {
			done <- out
		}
	}()
	require.Eventually(t, func() bool { return f.coord.Stats().Waiters == 1 }, time.Second, time.Millisecond)
	f.coord.Complete(task.ID, fleet.TaskOutcome{Success: true, Result: json.RawMessage(`{"rank":1}`)})

	select {
	case out := <-done:
		require.True(t, out.Success)
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved")
	}
	require.Zero(t, f.coord.Stats().Waiters)
}

func TestAssignRejectsBusyAgentAndKeepsTaskPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)
	t1, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "1"}, "")
	t2, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "2"}, "")

	require.NoError(t, f.coord.Assign(t1.ID, "a1"))
	require.ErrorIs(t, f.coord.Assign(t2.ID, "a1"), fleet.ErrAgentBusy)

	got, ok := f.coord.Task(t2.ID)
	require.True(t, ok)
	require.Equal(t, fleet.TaskPending, got.Status)
	require.Equal(t, Stats{QueueLength: 1, ActiveTasks: 1}, f.coord.Stats())
}

func TestHandleAgentRemovedRequeues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.addAgent(t, "a1", "h", 1)
	task, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "c"}, "")
	require.NoError(t, f.coord.Assign(task.ID, "a1"))
	require.Equal(t, Stats{ActiveTasks: 1}, f.coord.Stats())

	require.Equal(t, []string{task.ID}, f.coord.HandleAgentRemoved("a1"))
	got, ok := f.coord.Task(task.ID)
	require.True(t, ok)
	require.Equal(t, fleet.TaskPending, got.Status)
	require.Empty(t, got.AgentID)
	require.Nil(t, got.StartedAt)
	require.Equal(t, Stats{QueueLength: 1}, f.coord.Stats())

	select {
	case <-f.coord.Wakeups():
	default:
		t.Fatal("expected a wakeup after requeue")
	}
	require.Empty(t, f.coord.HandleAgentRemoved("a1"))
}

func TestNextPendingMatchesCapability(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	ff, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "1", Capability: fleet.CapabilityFirefox}, "")
	anyTask, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "2"}, "")

	got, ok := f.coord.NextPending(fleet.CapabilityChrome)
	require.True(t, ok)
	require.Equal(t, anyTask.ID, got.ID)

	_, ok = f.coord.NextPending(fleet.CapabilityChrome)
	require.False(t, ok)

	got, ok = f.coord.NextPending(fleet.CapabilityFirefox)
	require.True(t, ok)
	require.Equal(t, ff.ID, got.ID)
	require.Empty(t, f.coord.Pending())
}

func TestExpirePendingFailsWaiters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	old, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "1"}, "")
	f.clk.Advance(40 * time.Second)
	fresh, _ := f.coord.CreateTask(fleet.TaskParams{Keyword: "k", ProductCode: "2"}, "")

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.AwaitCompletion(context.Background(), old.ID, 5*time.Second)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.coord.Stats().Waiters == 1 }, time.Second, time.Millisecond)

	require.Equal(t, []string{old.ID}, f.coord.ExpirePending(30*time.Second))
	require.ErrorIs(t, <-errCh, fleet.ErrTimeout)

	pending := f.coord.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, fresh.ID, pending[0].ID)
}

// Concurrent lookups against one agent: exactly one wins the agent, the rest see no capacity.
func TestConcurrentLookupsReserveAgentOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 200*time.Millisecond)
	f.addAgent(t, "a1", "h", 1)
	release := make(chan struct{})
	f.sender.onTask = func(_ string, msg protocol.TaskMessage) {
		<-release
		f.coord.Complete(msg.TaskID, fleet.TaskOutcome{Success: true})
	}

	const n = 8
	var wg sync.WaitGroup
	var ok, noCapacity atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "k", ProductCode: "c"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, fleet.ErrNoAvailableAgents):
				noCapacity.Add(1)
			}
		}()
	}
	require.Eventually(t, func() bool { return noCapacity.Load() == n-1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	require.Equal(t, int32(1), ok.Load())
	require.Len(t, f.sender.sent("a1"), 1)
}

// passingSelector runs a redispatch pass right before every selection.
type passingSelector struct {
	Selector
	pass func()
}

func (p *passingSelector) SelectNext(capability fleet.Capability, pinned string) (fleet.Agent, error) {
	if p.pass != nil {
		p.pass()
	}
	return p.Selector.SelectNext(capability, pinned)
}

func newRedispatchFixture(t *testing.T) (*fixture, *Coordinator, *dispatcher.Dispatcher, *passingSelector) {
	t.Helper()
	f := newFixture(t, time.Second)
	sel := &passingSelector{Selector: f.sel}
	coord, err := New(Config{AwaitTimeout: time.Second}, Deps{
		Agents:   f.reg,
		Selector: sel,
		Sender:   f.sender,
		IDs:      &seqIDs{},
		Clock:    f.clk,
	})
	require.NoError(t, err)
	d := dispatcher.New(dispatcher.Config{}, coord, f.sel, nil)
	return f, coord, d, sel
}

func TestSubmitLookupNotTakenByRedispatch(t *testing.T) {
	t.Parallel()

	f, coord, d, sel := newRedispatchFixture(t)
	f.addAgent(t, "a1", "10.0.0.1", 9222)
	f.addAgent(t, "a2", "10.0.0.2", 9222)
	var redispatched atomic.Int64
	sel.pass = func() { redispatched.Add(int64(d.Pass())) }
	f.sender.onTask = func(_ string, msg protocol.TaskMessage) {
		coord.Complete(msg.TaskID, fleet.TaskOutcome{Success: true, Result: json.RawMessage(`{"rank":2,"realRank":2}`)})
	}

	resp, err := coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "mouse", ProductCode: "42"})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Rank.Rank)
	require.Zero(t, redispatched.Load())
	require.Len(t, f.sender.sent(resp.Agent.ID), 1)
	require.Len(t, append(f.sender.sent("a1"), f.sender.sent("a2")...), 1)

	for _, id := range []string{"a1", "a2"} {
		agent, _ := f.reg.Find(id)
		require.Equal(t, fleet.AgentIdle, agent.Status)
		require.Zero(t, agent.TasksInProgress)
	}
}

func TestSubmitLookupRedispatchedAfterAgentLoss(t *testing.T) {
	t.Parallel()

	f, coord, d, _ := newRedispatchFixture(t)
	f.addAgent(t, "a1", "10.0.0.1", 9222)
	f.sender.onTask = func(agentID string, msg protocol.TaskMessage) {
		if agentID == "a2" {
			coord.Complete(msg.TaskID, fleet.TaskOutcome{Success: true, Result: json.RawMessage(`{"rank":7,"realRank":6}`)})
		}
	}

	type result struct {
		resp LookupResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := coord.SubmitLookup(context.Background(), LookupRequest{Keyword: "mouse", ProductCode: "42"})
		done <- result{resp, err}
	}()
	require.Eventually(t, func() bool { return len(f.sender.sent("a1")) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, coord.Pending())

	f.addAgent(t, "a2", "10.0.0.2", 9222)
	_, removed := f.reg.Remove("a1")
	require.True(t, removed)
	require.Len(t, coord.HandleAgentRemoved("a1"), 1)
	require.Equal(t, 1, d.Pass())

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, 7, res.resp.Rank.Rank)
}
