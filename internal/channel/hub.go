// Package channel serves the agent control channel over websockets.
package channel

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// Send errors. They wrap fleet sentinels so callers can map them to API codes.
var (
	ErrUnknownConnection = fmt.Errorf("unknown connection: %w", fleet.ErrAgentNotFound)
	ErrBufferFull        = fmt.Errorf("send buffer full: %w", fleet.ErrAgentBusy)
)

// Connection is one agent websocket.
type Connection struct {
	ID         string
	RemoteHost string

	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	// registered is only touched by the connection's read pump.
	registered bool
}

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub indexes live connections by id. Connection ids double as agent ids.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

// Send queues frame for the agent without blocking.
func (h *Hub) Send(agentID string, frame []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[agentID]
	if !ok {
		return fmt.Errorf("send to %s: %w", agentID, ErrUnknownConnection)
	}
	select {
	case conn.send <- frame:
		return nil
	default:
		return fmt.Errorf("send to %s: %w", agentID, ErrBufferFull)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
}

// remove drops the connection and closes its send queue. Holding the write lock
// guarantees no Send is mid-flight on the closed channel.
func (h *Hub) remove(conn *Connection) {
	h.mu.Lock()
	if cur, ok := h.conns[conn.ID]; ok && cur == conn {
		delete(h.conns, conn.ID)
	}
	conn.closeSend()
	h.mu.Unlock()
}
