package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrCheckSlotsFull signals that every check slot for the unit is used today.
var ErrCheckSlotsFull = errors.New("all check slots are full for today")

// UnitQuery selects units eligible for a batch claim.
type UnitQuery struct {
	// Limit caps how many candidates are returned.
	Limit int
	// MinCheckInterval is the minimum gap since the unit's last check today.
	MinCheckInterval time.Duration
	// SyncTimeLimit excludes units whose source list was not refreshed recently.
	SyncTimeLimit time.Duration
	// ProcessingTTL is how long a processing marker keeps a unit out of the pool.
	ProcessingTTL time.Duration
}

// UnitProvider supplies batch work.
type UnitProvider interface {
	// EligibleUnits returns candidates ordered by priority: fewest checks today first,
	// then longest since the last check.
	EligibleUnits(ctx context.Context, q UnitQuery) ([]fleet.WorkUnit, error)
	// MarkProcessing stamps the units as claimed.
	MarkProcessing(ctx context.Context, units []fleet.WorkUnit) error
}

// CheckResult is one successful batch scrape.
type CheckResult struct {
	Unit         fleet.WorkUnit
	Rank         int
	AgentID      string
	AgentIP      string
	Browser      string
	ProductName  string
	ThumbnailURL string
	Rating       *float64
	ReviewCount  *int
}

// FailureRecord is one failed batch scrape.
type FailureRecord struct {
	Unit    fleet.WorkUnit
	AgentID string
	AgentIP string
	Browser string
	Kind    fleet.FailureKind
	Blocked bool
	Message string
}

// CheckInfo describes today's slots for a unit. NextCheckNumber is 0 when every slot is used.
type CheckInfo struct {
	ID              *int64 `json:"id"`
	NextCheckNumber int    `json:"nextCheckNumber"`
	TodayChecks     int    `json:"todayChecks"`
	PreviousChecks  []int  `json:"previousChecks"`
}

// ResultStore persists batch outcomes.
type ResultStore interface {
	// SaveResult writes the rank into the next free slot and returns its number.
	// It returns ErrCheckSlotsFull when no slot is left.
	SaveResult(ctx context.Context, res CheckResult) (int, error)
	// SaveFailure clears the processing marker and logs the failure.
	SaveFailure(ctx context.Context, rec FailureRecord) error
	// CheckInfo reports today's slot usage for a unit.
	CheckInfo(ctx context.Context, unit fleet.WorkUnit) (CheckInfo, error)
}

// HistoryEntry is one interactive lookup, successful or not.
type HistoryEntry struct {
	Requester      string
	Unit           fleet.WorkUnit
	Rank           int
	RealRank       int
	Product        *fleet.Product
	PagesSearched  int
	Browser        string
	VMID           string
	BrowserVersion string
	ExecutionTime  time.Duration
	Success        bool
	ErrorMessage   string
}

// HistoryStore records lookup history.
type HistoryStore interface {
	SaveHistory(ctx context.Context, entry HistoryEntry) error
}

// BillingStore tracks per-day billable queries.
type BillingStore interface {
	// ProcessQuery reports whether this is the first query for the key and unit today.
	ProcessQuery(ctx context.Context, apiKey string, unit fleet.WorkUnit) (bool, error)
	// UpdateRequestResult bumps the success or error counter for the day.
	UpdateRequestResult(ctx context.Context, apiKey string, unit fleet.WorkUnit, success bool) error
}

// Pinger reports backend reachability for readiness probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store is the full persistence surface the hub wires at startup.
type Store interface {
	UnitProvider
	ResultStore
	HistoryStore
	BillingStore
	Pinger
	Close()
}
