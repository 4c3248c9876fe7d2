// Package fleet defines core types shared across the hub's subsystems.
package fleet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Capability identifies the browser an agent drives.
type Capability string

// Supported capabilities. The set is closed; anything else is rejected at registration.
const (
	CapabilityChrome         Capability = "chrome"
	CapabilityFirefox        Capability = "firefox"
	CapabilityFirefoxNightly Capability = "firefox-nightly"
	CapabilityEdge           Capability = "edge"
)

// CapabilityAny is the wildcard preference accepted from callers ("auto").
const CapabilityAny Capability = ""

// Capabilities lists every member of the closed set in a stable order.
func Capabilities() []Capability {
	return []Capability{CapabilityChrome, CapabilityFirefox, CapabilityFirefoxNightly, CapabilityEdge}
}

// Valid reports whether c is a member of the closed capability set.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityChrome, CapabilityFirefox, CapabilityFirefoxNightly, CapabilityEdge:
		return true
	default:
		return false
	}
}

// Matches reports whether an agent with capability c satisfies preference want.
func (c Capability) Matches(want Capability) bool {
	return want == CapabilityAny || c == want
}

// ParseCapability maps user input onto the closed set. "" and "auto" map to CapabilityAny.
func ParseCapability(raw string) (Capability, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" || v == "auto" {
		return CapabilityAny, nil
	}
	c := Capability(v)
	if !c.Valid() {
		return CapabilityAny, fmt.Errorf("%w: %q", ErrUnsupportedCapability, raw)
	}
	return c, nil
}

// AgentStatus represents the lifecycle state of a connected agent.
type AgentStatus string

// Agent status values held by the registry.
const (
	AgentIdle         AgentStatus = "idle"
	AgentBusy         AgentStatus = "busy"
	AgentError        AgentStatus = "error"
	AgentDisconnected AgentStatus = "disconnected"
)

// AgentInfo is what an agent declares when it registers.
type AgentInfo struct {
	Capability Capability `json:"capability"`
	Version    string     `json:"version"`
	Address    string     `json:"address"`
	Port       int        `json:"port,omitempty"`
	VMID       string     `json:"vmId,omitempty"`
}

// Agent is the registry's record of one connected agent.
type Agent struct {
	ID              string      `json:"id"`
	Capability      Capability  `json:"capability"`
	Version         string      `json:"version"`
	Status          AgentStatus `json:"status"`
	Address         string      `json:"address"`
	Port            int         `json:"port,omitempty"`
	VMID            string      `json:"vmId,omitempty"`
	TasksCompleted  int         `json:"tasksCompleted"`
	TasksInProgress int         `json:"tasksInProgress"`
	LastActivity    time.Time   `json:"lastActivity"`
	ConnectedAt     time.Time   `json:"connectedAt"`
}

// HostPort returns the address pinned dispatch matches against.
func (a Agent) HostPort() string {
	if a.Port <= 0 {
		return a.Address
	}
	return fmt.Sprintf("%s:%d", a.Address, a.Port)
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values. Completed and failed are terminal.
const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskType names the work an agent is asked to perform.
const TaskTypeSearch = "coupang-search"

// TaskParams captures the work parameters of one lookup.
type TaskParams struct {
	Keyword     string     `json:"keyword"`
	ProductCode string     `json:"targetCode"`
	Pages       int        `json:"pages"`
	Capability  Capability `json:"-"`
	Pinned      string     `json:"-"`
}

// Task is one interactive lookup tracked by the coordinator.
type Task struct {
	ID          string       `json:"id"`
	Requester   string       `json:"requester,omitempty"`
	Params      TaskParams   `json:"params"`
	Status      TaskStatus   `json:"status"`
	AgentID     string       `json:"agentId,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Outcome     *TaskOutcome `json:"outcome,omitempty"`
}

// TaskOutcome is what an agent reports for a task.
type TaskOutcome struct {
	Success     bool            `json:"success"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorType   FailureKind     `json:"errorType,omitempty"`
	Blocked     bool            `json:"blocked,omitempty"`
	BlockReason string          `json:"blockReason,omitempty"`
}

// Product describes the matched listing.
type Product struct {
	Name        string  `json:"name,omitempty"`
	Price       int64   `json:"price,omitempty"`
	Thumbnail   string  `json:"thumbnail,omitempty"`
	Rating      float64 `json:"rating,omitempty"`
	ReviewCount int     `json:"reviewCount,omitempty"`
}

// RankResult is the structured payload of a successful search.
type RankResult struct {
	Rank     int      `json:"rank"`
	RealRank int      `json:"realRank,omitempty"`
	Page     int      `json:"page,omitempty"`
	Product  *Product `json:"product,omitempty"`
}

// DecodeRank parses a successful outcome's payload. An empty payload yields a zero rank.
func (o TaskOutcome) DecodeRank() (RankResult, error) {
	var r RankResult
	if len(o.Result) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(o.Result, &r); err != nil {
		return RankResult{}, fmt.Errorf("decode rank result: %w", err)
	}
	return r, nil
}

// WorkUnit is the smallest claimable piece of batch work.
type WorkUnit struct {
	Keyword     string `json:"keyword"`
	ProductCode string `json:"product_code"`
}

// UnitKeySeparator joins keyword and product code in a lease key.
const UnitKeySeparator = "|"

// Key returns the lease key for the unit. Keys are unique only among valid units.
func (u WorkUnit) Key() string {
	return u.Keyword + UnitKeySeparator + u.ProductCode
}

// Valid reports whether the unit names a keyword and product code and its keyword is
// free of the key separator.
func (u WorkUnit) Valid() bool {
	return strings.TrimSpace(u.Keyword) != "" &&
		strings.TrimSpace(u.ProductCode) != "" &&
		!strings.Contains(u.Keyword, UnitKeySeparator)
}

// ParseUnitKey splits a lease key back into a unit.
func ParseUnitKey(key string) (WorkUnit, bool) {
	keyword, code, ok := strings.Cut(key, UnitKeySeparator)
	if !ok {
		return WorkUnit{}, false
	}
	return WorkUnit{Keyword: keyword, ProductCode: code}, true
}
