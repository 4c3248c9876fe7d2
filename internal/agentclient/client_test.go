package agentclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/protocol"
)

type fakeScraper struct {
	mu     sync.Mutex
	calls  []fleet.TaskParams
	result fleet.RankResult
	err    error
	delay  time.Duration
}

func (f *fakeScraper) Search(ctx context.Context, params fleet.TaskParams) (fleet.RankResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return fleet.RankResult{}, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeScraper) Calls() []fleet.TaskParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.TaskParams(nil), f.calls...)
}

// fakeHub plays the hub's side of the control channel.
type fakeHub struct {
	reject   bool
	task     *protocol.TaskMessage
	register chan protocol.RegisterMessage
	complete chan protocol.TaskCompleteMessage
	apiKey   chan string
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		register: make(chan protocol.RegisterMessage, 1),
		complete: make(chan protocol.TaskCompleteMessage, 1),
		apiKey:   make(chan string, 1),
	}
}

func (h *fakeHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != ChannelPath {
		http.NotFound(w, r)
		return
	}
	h.apiKey <- r.Header.Get("X-API-Key")
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.Close() }()

	write := func(msg any) {
		frame, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			return
		}
		switch typ {
		case protocol.TypeRegister:
			var msg protocol.RegisterMessage
			_ = protocol.Decode(data, &msg)
			h.register <- msg
			if h.reject {
				write(protocol.NewError(time.Now(), protocol.CodeRegisterFailed, "unsupported browser"))
				continue
			}
			write(protocol.NewRegisterAck(time.Now(), "agent-1", time.Hour))
			if h.task != nil {
				write(*h.task)
			}
		case protocol.TypeTaskComplete:
			var msg protocol.TaskCompleteMessage
			_ = protocol.Decode(data, &msg)
			h.complete <- msg
		}
	}
}

func TestChannelURL(t *testing.T) {
	t.Parallel()

	u, err := channelURL("http://hub.local:3001/")
	require.NoError(t, err)
	require.Equal(t, "ws://hub.local:3001/ws/agent", u)

	u, err = channelURL("https://hub.example.com")
	require.NoError(t, err)
	require.Equal(t, "wss://hub.example.com/ws/agent", u)

	_, err = channelURL("ftp://hub")
	require.Error(t, err)
}

func TestNewClientRejectsUnknownCapability(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{HubURL: "http://hub", Info: fleet.AgentInfo{Capability: "safari"}}, &fakeScraper{}, nil)
	require.ErrorIs(t, err, fleet.ErrUnsupportedCapability)

	_, err = NewClient(ClientConfig{HubURL: "http://hub", Info: fleet.AgentInfo{Capability: fleet.CapabilityChrome}}, nil, nil)
	require.Error(t, err)
}

func TestClientRegistersAndAnswersTask(t *testing.T) {
	t.Parallel()

	hub := newFakeHub()
	task := protocol.NewTask(time.Now(), fleet.Task{
		ID:     "task-1",
		Params: fleet.TaskParams{Keyword: "mouse", ProductCode: "444", Pages: 2},
	})
	hub.task = &task
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	scraper := &fakeScraper{result: fleet.RankResult{Rank: 5, RealRank: 4, Page: 1}}
	client, err := NewClient(ClientConfig{
		HubURL: srv.URL,
		APIKey: "secret",
		Info:   fleet.AgentInfo{Capability: fleet.CapabilityChrome, Version: "131.0", VMID: "vm-7"},
	}, scraper, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Serve(ctx) }()

	require.Equal(t, "secret", <-hub.apiKey)
	reg := <-hub.register
	require.Equal(t, fleet.CapabilityChrome, reg.Capability)
	require.Equal(t, "vm-7", reg.VMID)

	select {
	case msg := <-hub.complete:
		require.Equal(t, "task-1", msg.TaskID)
		require.True(t, msg.Success)
		rank, err := msg.DecodeRank()
		require.NoError(t, err)
		require.Equal(t, 5, rank.Rank)
		require.Equal(t, 4, rank.RealRank)
	case <-time.After(5 * time.Second):
		t.Fatal("no task-complete frame")
	}
	require.Equal(t, "agent-1", client.AgentID())
	calls := scraper.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "444", calls[0].ProductCode)
	require.Equal(t, 2, calls[0].Pages)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestClientReportsScrapeFailure(t *testing.T) {
	t.Parallel()

	hub := newFakeHub()
	task := protocol.NewTask(time.Now(), fleet.Task{ID: "task-2", Params: fleet.TaskParams{Keyword: "k", ProductCode: "1"}})
	hub.task = &task
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	scraper := &fakeScraper{err: &SearchError{Kind: fleet.FailureBlocked, Message: "blocked on page 1", BlockReason: BlockForbidden}}
	client, err := NewClient(ClientConfig{HubURL: srv.URL, Info: fleet.AgentInfo{Capability: fleet.CapabilityFirefox}}, scraper, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = client.Serve(ctx) }()

	select {
	case msg := <-hub.complete:
		require.False(t, msg.Success)
		require.True(t, msg.Blocked)
		require.Equal(t, fleet.FailureBlocked, msg.ErrorType)
		require.Equal(t, BlockForbidden, msg.BlockReason)
		require.Equal(t, "blocked on page 1", msg.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("no task-complete frame")
	}
}

func TestClientRunStopsWhenRegistrationRejected(t *testing.T) {
	t.Parallel()

	hub := newFakeHub()
	hub.reject = true
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{
		HubURL:         srv.URL,
		Info:           fleet.AgentInfo{Capability: fleet.CapabilityEdge},
		ReconnectDelay: 10 * time.Millisecond,
	}, &fakeScraper{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	err = client.Run(ctx)
	require.True(t, errors.Is(err, ErrRegisterRejected), "got %v", err)
	require.Empty(t, client.AgentID())
}
