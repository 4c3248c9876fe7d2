package channel

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/events"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/metrics"
	"github.com/JakeFAU/rankhub/internal/protocol"
)

// Config tunes connection handling.
type Config struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	SendBuffer        int
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// Registrar is the registry surface the channel needs.
type Registrar interface {
	Register(id string, info fleet.AgentInfo) (fleet.Agent, error)
	Remove(id string) (fleet.Agent, bool)
	Touch(id string) error
}

// Heartbeats records liveness.
type Heartbeats interface {
	RecordHeartbeat(id string)
	RemoveRecord(id string)
}

// Forgetter drops selector bookkeeping.
type Forgetter interface {
	Forget(id string)
}

// HolderReleaser frees leases held by a departed agent.
type HolderReleaser interface {
	ReleaseHolder(holder string) int
}

// TaskReporter routes reports and disconnects into the task lifecycle.
type TaskReporter interface {
	CompleteFrom(agentID, taskID string, outcome fleet.TaskOutcome) bool
	HandleAgentRemoved(agentID string) []string
}

// Notifier is poked when new capacity appears.
type Notifier interface {
	Notify()
}

// Deps bundles the server's collaborators.
type Deps struct {
	Hub      *Hub
	Agents   Registrar
	Health   Heartbeats
	Selector Forgetter
	Leases   HolderReleaser
	Tasks    TaskReporter
	Notifier Notifier
	IDs      fleet.IDGenerator
	Clock    fleet.Clock
	Emitter  events.Emitter
	Logger   *zap.Logger
}

// Server upgrades agent connections and runs their read and write pumps.
type Server struct {
	cfg      Config
	deps     Deps
	emitter  events.Emitter
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Hub == nil || deps.Agents == nil || deps.Health == nil || deps.Tasks == nil {
		return nil, errors.New("channel server requires hub, agents, health and tasks")
	}
	if deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("channel server requires id generator and clock")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		emitter: events.OrDiscard(deps.Emitter),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Error("allocate connection id", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &Connection{
		ID:         id,
		RemoteHost: remoteHost(r.RemoteAddr),
		ws:         ws,
		send:       make(chan []byte, s.cfg.SendBuffer),
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	s.deps.Hub.add(conn)
	metrics.IncConnections()
	s.logger.Debug("agent connection opened", zap.String("conn_id", id), zap.String("remote", conn.RemoteHost))

	go s.writePump(conn)
	s.readPump(conn)
}

func (s *Server) readPump(conn *Connection) {
	defer s.unregister(conn)

	_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("agent connection error", zap.String("conn_id", conn.ID), zap.Error(err))
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleMessage(conn, data)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				_ = conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Info("agent write failed", zap.String("conn_id", conn.ID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	typ, err := protocol.PeekType(data)
	if err != nil {
		s.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}
	if typ != protocol.TypeRegister && !conn.registered {
		s.sendError(conn, protocol.CodeNotRegistered, "send register first")
		return
	}
	switch typ {
	case protocol.TypeRegister:
		s.handleRegister(conn, data)
	case protocol.TypeHeartbeat:
		s.deps.Health.RecordHeartbeat(conn.ID)
		_ = s.deps.Agents.Touch(conn.ID)
	case protocol.TypeTaskComplete:
		s.handleTaskComplete(conn, data)
	default:
		s.sendError(conn, protocol.CodeInvalidMessage, "unknown message type: "+string(typ))
	}
}

func (s *Server) handleRegister(conn *Connection, data []byte) {
	if conn.registered {
		s.sendError(conn, protocol.CodeAlreadyRegistered, "connection already registered")
		return
	}
	var msg protocol.RegisterMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}
	info := msg.AgentInfo
	if info.Address == "" {
		info.Address = conn.RemoteHost
	}
	agent, err := s.deps.Agents.Register(conn.ID, info)
	if err != nil {
		s.logger.Warn("agent registration rejected", zap.String("conn_id", conn.ID), zap.Error(err))
		s.sendError(conn, protocol.CodeRegisterFailed, err.Error())
		return
	}
	conn.registered = true
	s.deps.Health.RecordHeartbeat(conn.ID)

	now := s.deps.Clock.Now()
	s.send(conn, protocol.NewRegisterAck(now, conn.ID, s.cfg.HeartbeatInterval))
	s.emitter.Emit(events.Event{Type: events.AgentRegistered, TS: now, AgentID: conn.ID, Capability: string(agent.Capability)})
	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify()
	}
}

func (s *Server) handleTaskComplete(conn *Connection, data []byte) {
	var msg protocol.TaskCompleteMessage
	if err := protocol.Decode(data, &msg); err != nil {
		s.sendError(conn, protocol.CodeInvalidMessage, err.Error())
		return
	}
	s.deps.Health.RecordHeartbeat(conn.ID)
	if !s.deps.Tasks.CompleteFrom(conn.ID, msg.TaskID, msg.TaskOutcome) {
		s.logger.Debug("task report not applied", zap.String("conn_id", conn.ID), zap.String("task_id", msg.TaskID))
	}
}

// unregister tears down every table entry tied to the connection.
func (s *Server) unregister(conn *Connection) {
	s.deps.Hub.remove(conn)
	metrics.DecConnections()
	if !conn.registered {
		return
	}
	agent, _ := s.deps.Agents.Remove(conn.ID)
	s.deps.Health.RemoveRecord(conn.ID)
	if s.deps.Selector != nil {
		s.deps.Selector.Forget(conn.ID)
	}
	released := 0
	if s.deps.Leases != nil {
		released = s.deps.Leases.ReleaseHolder(conn.ID)
	}
	requeued := s.deps.Tasks.HandleAgentRemoved(conn.ID)
	s.emitter.Emit(events.Event{
		Type:       events.AgentDisconnected,
		TS:         s.deps.Clock.Now(),
		AgentID:    conn.ID,
		Capability: string(agent.Capability),
	})
	s.logger.Info("agent disconnected",
		zap.String("agent_id", conn.ID),
		zap.Int("tasks_requeued", len(requeued)),
		zap.Int("leases_released", released),
	)
}

func (s *Server) send(conn *Connection, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode frame", zap.Error(err))
		return
	}
	if err := s.deps.Hub.Send(conn.ID, frame); err != nil {
		s.logger.Warn("queue frame failed", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

func (s *Server) sendError(conn *Connection, code, message string) {
	s.send(conn, protocol.NewError(s.deps.Clock.Now(), code, message))
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
