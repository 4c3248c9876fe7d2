package fleet

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Capacity and timeout errors surfaced to callers of the hub.
var (
	ErrNoAvailableAgents     = errors.New("no available agents")
	ErrAgentNotFound         = errors.New("agent not found")
	ErrAgentBusy             = errors.New("agent busy")
	ErrAgentUnhealthy        = errors.New("agent unhealthy")
	ErrTimeout               = errors.New("task timed out")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrTaskNotFound          = errors.New("task not found")
)

// Stable error codes exposed over the API.
const (
	CodeNoAvailableAgents = "NO_AVAILABLE_AGENTS"
	CodeAgentNotFound     = "AGENT_NOT_FOUND"
	CodeAgentBusy         = "AGENT_BUSY"
	CodeAgentUnhealthy    = "AGENT_UNHEALTHY"
	CodeTimeout           = "TIMEOUT"
	CodeRemoteFailure     = "REMOTE_FAILURE"
	CodeInternal          = "INTERNAL_ERROR"
)

// Code maps an error onto its stable API code.
func Code(err error) string {
	var remote *RemoteFailure
	switch {
	case errors.Is(err, ErrNoAvailableAgents):
		return CodeNoAvailableAgents
	case errors.Is(err, ErrAgentNotFound):
		return CodeAgentNotFound
	case errors.Is(err, ErrAgentBusy):
		return CodeAgentBusy
	case errors.Is(err, ErrAgentUnhealthy):
		return CodeAgentUnhealthy
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.As(err, &remote):
		return CodeRemoteFailure
	default:
		return CodeInternal
	}
}

// FailureKind classifies why a scrape failed.
type FailureKind string

// Failure kinds reported by agents or derived from their messages.
const (
	FailureBlocked    FailureKind = "BLOCKED"
	FailureTimeout    FailureKind = "TIMEOUT"
	FailureNetwork    FailureKind = "NETWORK"
	FailureHTTP2      FailureKind = "HTTP2_ERROR"
	FailureNavigation FailureKind = "NAVIGATION_ERROR"
	FailureSearch     FailureKind = "SEARCH_ERROR"
	FailureUnknown    FailureKind = "UNKNOWN"
)

var blockedPattern = regexp.MustCompile(`(?i)BLOCKED|차단|403|chrome-error:|ERR_HTTP2_PROTOCOL_ERROR`)

// ClassifyFailure derives a FailureKind from a free-form agent error message.
func ClassifyFailure(message string) FailureKind {
	switch {
	case blockedPattern.MatchString(message):
		return FailureBlocked
	case strings.Contains(message, "Timeout"):
		return FailureTimeout
	case strings.Contains(message, "Network"):
		return FailureNetwork
	case strings.Contains(message, "HTTP2"):
		return FailureHTTP2
	default:
		return FailureSearch
	}
}

// RemoteFailure carries an agent-reported failure through to the caller unchanged.
type RemoteFailure struct {
	Kind        FailureKind
	Message     string
	Blocked     bool
	BlockReason string
}

func (e *RemoteFailure) Error() string {
	if e.Kind == "" {
		return "remote failure: " + e.Message
	}
	return fmt.Sprintf("remote failure (%s): %s", e.Kind, e.Message)
}
