package agentclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/clock/system"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/protocol"
)

// ChannelPath is where the hub serves the agent control channel.
const ChannelPath = "/ws/agent"

// ErrRegisterRejected is returned when the hub refuses the register frame.
var ErrRegisterRejected = errors.New("registration rejected")

// ClientConfig configures the control-channel client.
type ClientConfig struct {
	// HubURL is the hub's base URL; http and https map to ws and wss.
	HubURL            string
	APIKey            string
	Info              fleet.AgentInfo
	HeartbeatInterval time.Duration
	ScrapeTimeout     time.Duration
	ReconnectDelay    time.Duration
	Clock             fleet.Clock
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = system.New()
	}
	return c
}

// Client keeps one registered connection to the hub and answers its tasks.
type Client struct {
	cfg     ClientConfig
	wsURL   string
	scraper Scraper
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu      sync.RWMutex
	agentID string
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg ClientConfig, scraper Scraper, logger *zap.Logger) (*Client, error) {
	if scraper == nil {
		return nil, errors.New("agent client requires a scraper")
	}
	if !cfg.Info.Capability.Valid() {
		return nil, fmt.Errorf("agent capability %q: %w", cfg.Info.Capability, fleet.ErrUnsupportedCapability)
	}
	wsURL, err := channelURL(cfg.HubURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg.withDefaults(),
		wsURL:   wsURL,
		scraper: scraper,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger.Named("agent"),
	}, nil
}

// AgentID returns the id the hub assigned on the current connection.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// Run connects, serves and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.Serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRegisterRejected) {
			return err
		}
		c.logger.Warn("control channel lost; reconnecting",
			zap.Error(err),
			zap.Duration("delay", c.cfg.ReconnectDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
	}
}

// Serve runs one connection: register, heartbeat and answer tasks until the connection drops.
func (c *Client) Serve(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.APIKey != "" {
		header.Set("X-API-Key", c.cfg.APIKey)
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	conn := &agentConn{ws: ws}
	defer func() { _ = ws.Close() }()

	heartbeat, err := c.register(conn)
	if err != nil {
		return err
	}

	// In-flight tasks are canceled before they are waited on.
	var tasks sync.WaitGroup
	defer tasks.Wait()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()

	go c.heartbeat(connCtx, conn, heartbeat)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if connCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			c.logger.Warn("bad frame from hub", zap.Error(err))
			continue
		}
		switch typ {
		case protocol.TypeTask:
			var msg protocol.TaskMessage
			if err := protocol.Decode(data, &msg); err != nil {
				c.logger.Warn("bad task frame", zap.Error(err))
				continue
			}
			tasks.Add(1)
			go func() {
				defer tasks.Done()
				c.runTask(connCtx, conn, msg)
			}()
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			if err := protocol.Decode(data, &msg); err == nil {
				c.logger.Warn("hub reported error", zap.String("code", msg.Code), zap.String("message", msg.Message))
			}
		}
	}
}

// register sends the register frame and waits for the ack. It returns the heartbeat interval to use.
func (c *Client) register(conn *agentConn) (time.Duration, error) {
	if err := conn.write(protocol.NewRegister(c.cfg.Clock.Now(), c.cfg.Info)); err != nil {
		return 0, err
	}
	_ = conn.ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer func() { _ = conn.ws.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("await register ack: %w", err)
		}
		typ, err := protocol.PeekType(data)
		if err != nil {
			return 0, err
		}
		switch typ {
		case protocol.TypeRegisterAck:
			var ack protocol.RegisterAckMessage
			if err := protocol.Decode(data, &ack); err != nil {
				return 0, err
			}
			c.mu.Lock()
			c.agentID = ack.AgentID
			c.mu.Unlock()
			interval := c.cfg.HeartbeatInterval
			if ack.HeartbeatIntervalMs > 0 {
				interval = time.Duration(ack.HeartbeatIntervalMs) * time.Millisecond
			}
			c.logger.Info("registered with hub",
				zap.String("agent_id", ack.AgentID),
				zap.String("capability", string(c.cfg.Info.Capability)),
				zap.Duration("heartbeat", interval),
			)
			return interval, nil
		case protocol.TypeError:
			var msg protocol.ErrorMessage
			_ = protocol.Decode(data, &msg)
			return 0, fmt.Errorf("%w: %s: %s", ErrRegisterRejected, msg.Code, msg.Message)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *agentConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.write(protocol.NewHeartbeat(c.cfg.Clock.Now())); err != nil {
				c.logger.Debug("heartbeat failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) runTask(ctx context.Context, conn *agentConn, msg protocol.TaskMessage) {
	logger := c.logger.With(zap.String("task_id", msg.TaskID), zap.String("keyword", msg.Params.Keyword))
	if msg.TaskType != fleet.TaskTypeSearch {
		logger.Warn("unsupported task type", zap.String("task_type", msg.TaskType))
		c.report(conn, msg.TaskID, fleet.TaskOutcome{
			Error:     "unsupported task type " + msg.TaskType,
			ErrorType: fleet.FailureUnknown,
		}, logger)
		return
	}

	scrapeCtx, cancel := context.WithTimeout(ctx, c.cfg.ScrapeTimeout)
	defer cancel()
	start := time.Now()
	rank, err := c.scraper.Search(scrapeCtx, msg.Params)
	outcome, encErr := outcomeFor(rank, err)
	if encErr != nil {
		outcome = fleet.TaskOutcome{Error: encErr.Error(), ErrorType: fleet.FailureUnknown}
	}
	logger.Info("task finished",
		zap.Bool("success", outcome.Success),
		zap.String("error_type", string(outcome.ErrorType)),
		zap.Duration("elapsed", time.Since(start)),
	)
	c.report(conn, msg.TaskID, outcome, logger)
}

func (c *Client) report(conn *agentConn, taskID string, outcome fleet.TaskOutcome, logger *zap.Logger) {
	if err := conn.write(protocol.NewTaskComplete(c.cfg.Clock.Now(), taskID, outcome)); err != nil {
		logger.Warn("task report failed", zap.Error(err))
	}
}

// agentConn serializes writes; gorilla allows one concurrent writer.
type agentConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (a *agentConn) write(msg any) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := a.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func channelURL(hubURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(hubURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("hub url %q: unsupported scheme", hubURL)
	}
	u.Path += ChannelPath
	return u.String(), nil
}
