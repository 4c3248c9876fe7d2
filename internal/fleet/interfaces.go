package fleet

import "time"

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and connection IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Sender delivers an encoded frame to one agent connection without blocking.
type Sender interface {
	Send(agentID string, frame []byte) error
}
