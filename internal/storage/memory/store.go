// Package memory implements store.Store in process memory for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

const dayLayout = "2006-01-02"

// UnitDay is one unit's check row for a single day.
type UnitDay struct {
	ID               int64
	Checks           store.Checks
	CheckTimes       [store.MaxChecksPerDay]time.Time
	TotalChecks      int
	FoundCount       int
	Stats            store.RankStats
	Completed        bool
	CompletedAtCheck int
	Rating           *float64
	ReviewCount      *int
	ProcessingAt     *time.Time
}

// UnitRecord is a catalog entry.
type UnitRecord struct {
	Unit         fleet.WorkUnit
	Active       bool
	LastSyncAt   time.Time
	ProductName  string
	ThumbnailURL string
}

// AgentStats mirrors the per-agent daily counters.
type AgentStats struct {
	AgentID           string
	AgentIP           string
	Browser           string
	TotalRequests     int
	Successful        int
	Failed            int
	Blocked           int
	RanksFound        int
	ProductsNotFound  int
	ConsecutiveErrors int
	ConsecutiveBlocks int
	LastSuccessAt     *time.Time
	LastErrorAt       *time.Time
}

// Usage is one billing row.
type Usage struct {
	RequestCount  int
	SuccessCount  int
	ErrorCount    int
	BillingAmount int
}

// Failure is one logged failure row.
type Failure struct {
	Date        string
	CheckNumber int
	Record      store.FailureRecord
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	clock         fleet.Clock
	billingAmount int

	mu       sync.RWMutex
	nextID   int64
	units    map[string]*UnitRecord
	days     map[string]*UnitDay
	agents   map[string]*AgentStats
	usage    map[string]*Usage
	failures []Failure
	history  []store.HistoryEntry
}

var _ store.Store = (*Store)(nil)

// New constructs an empty Store. billingAmount is recorded on each new billable row.
func New(clock fleet.Clock, billingAmount int) *Store {
	return &Store{
		clock:         clock,
		billingAmount: billingAmount,
		units:         make(map[string]*UnitRecord),
		days:          make(map[string]*UnitDay),
		agents:        make(map[string]*AgentStats),
		usage:         make(map[string]*Usage),
	}
}

// Seed adds active units to the catalog, stamped as freshly synced. Invalid units are
// dropped.
func (s *Store) Seed(units ...fleet.WorkUnit) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		if !u.Valid() {
			continue
		}
		if rec, ok := s.units[u.Key()]; ok {
			rec.Active = true
			rec.LastSyncAt = now
			continue
		}
		s.units[u.Key()] = &UnitRecord{Unit: u, Active: true, LastSyncAt: now}
	}
}

// EligibleUnits implements store.UnitProvider.
func (s *Store) EligibleUnits(_ context.Context, q store.UnitQuery) ([]fleet.WorkUnit, error) {
	now := s.clock.Now()
	today := now.Format(dayLayout)

	type candidate struct {
		unit      fleet.WorkUnit
		checks    int
		lastCheck time.Time
	}
	s.mu.RLock()
	cands := make([]candidate, 0, len(s.units))
	for key, rec := range s.units {
		if !rec.Active || (q.SyncTimeLimit > 0 && now.Sub(rec.LastSyncAt) >= q.SyncTimeLimit) {
			continue
		}
		day, ok := s.days[dayKey(today, key)]
		if !ok {
			cands = append(cands, candidate{unit: rec.Unit})
			continue
		}
		if day.Completed || day.Checks.NextSlot() == 0 {
			continue
		}
		if day.ProcessingAt != nil && now.Sub(*day.ProcessingAt) < q.ProcessingTTL {
			continue
		}
		last := lastCheck(day)
		if !last.IsZero() && now.Sub(last) < q.MinCheckInterval {
			continue
		}
		cands = append(cands, candidate{unit: rec.Unit, checks: day.TotalChecks, lastCheck: last})
	}
	s.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].checks != cands[j].checks {
			return cands[i].checks < cands[j].checks
		}
		if !cands[i].lastCheck.Equal(cands[j].lastCheck) {
			return cands[i].lastCheck.Before(cands[j].lastCheck)
		}
		return cands[i].unit.Key() < cands[j].unit.Key()
	})
	if q.Limit > 0 && len(cands) > q.Limit {
		cands = cands[:q.Limit]
	}
	out := make([]fleet.WorkUnit, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.unit)
	}
	return out, nil
}

// MarkProcessing implements store.UnitProvider. Only units with a row for today are stamped.
func (s *Store) MarkProcessing(_ context.Context, units []fleet.WorkUnit) error {
	now := s.clock.Now()
	today := now.Format(dayLayout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		if day, ok := s.days[dayKey(today, u.Key())]; ok {
			at := now
			day.ProcessingAt = &at
		}
	}
	return nil
}

// SaveResult implements store.ResultStore.
func (s *Store) SaveResult(_ context.Context, res store.CheckResult) (int, error) {
	now := s.clock.Now()
	today := now.Format(dayLayout)
	s.mu.Lock()
	defer s.mu.Unlock()

	day := s.dayLocked(today, res.Unit.Key())
	slot := day.Checks.NextSlot()
	if slot == 0 {
		return 0, store.ErrCheckSlotsFull
	}
	rank := res.Rank
	day.Checks[slot-1] = &rank
	day.CheckTimes[slot-1] = now
	day.TotalChecks++
	if rank > 0 {
		day.FoundCount++
	}
	if res.Rating != nil {
		day.Rating = res.Rating
	}
	if res.ReviewCount != nil {
		day.ReviewCount = res.ReviewCount
	}
	day.ProcessingAt = nil
	day.Stats = day.Checks.Stats()
	if at := day.Checks.CompletedAt(); at > 0 && (day.CompletedAtCheck == 0 || day.CompletedAtCheck < at) {
		day.Completed = true
		day.CompletedAtCheck = at
	}

	s.agentLocked(res.AgentID, res.AgentIP, res.Browser, now, true, false, rank > 0)
	if rec, ok := s.units[res.Unit.Key()]; ok && rank > 0 && (res.ProductName != "" || res.ThumbnailURL != "") {
		if res.ProductName != "" {
			rec.ProductName = res.ProductName
		}
		if res.ThumbnailURL != "" {
			rec.ThumbnailURL = res.ThumbnailURL
		}
	}
	return slot, nil
}

// SaveFailure implements store.ResultStore.
func (s *Store) SaveFailure(_ context.Context, rec store.FailureRecord) error {
	now := s.clock.Now()
	today := now.Format(dayLayout)
	s.mu.Lock()
	defer s.mu.Unlock()

	checkNumber := 1
	if day, ok := s.days[dayKey(today, rec.Unit.Key())]; ok {
		day.ProcessingAt = nil
		if next := day.Checks.NextSlot(); next > 0 {
			checkNumber = next
		} else {
			checkNumber = store.MaxChecksPerDay
		}
	}
	s.agentLocked(rec.AgentID, rec.AgentIP, rec.Browser, now, false, rec.Blocked, false)
	s.failures = append(s.failures, Failure{Date: today, CheckNumber: checkNumber, Record: rec})
	return nil
}

// CheckInfo implements store.ResultStore.
func (s *Store) CheckInfo(_ context.Context, unit fleet.WorkUnit) (store.CheckInfo, error) {
	today := s.clock.Now().Format(dayLayout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	day, ok := s.days[dayKey(today, unit.Key())]
	if !ok {
		return store.CheckInfo{NextCheckNumber: 1, PreviousChecks: []int{}}, nil
	}
	id := day.ID
	return store.CheckInfo{
		ID:              &id,
		NextCheckNumber: day.Checks.NextSlot(),
		TodayChecks:     day.Checks.Count(),
		PreviousChecks:  day.Checks.Leading(store.PreviousChecksShown),
	}, nil
}

// SaveHistory implements store.HistoryStore.
func (s *Store) SaveHistory(_ context.Context, entry store.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// ProcessQuery implements store.BillingStore.
func (s *Store) ProcessQuery(_ context.Context, apiKey string, unit fleet.WorkUnit) (bool, error) {
	key := usageKey(s.clock.Now().Format(dayLayout), apiKey, unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[key]; ok {
		u.RequestCount++
		return false, nil
	}
	s.usage[key] = &Usage{RequestCount: 1, BillingAmount: s.billingAmount}
	return true, nil
}

// UpdateRequestResult implements store.BillingStore.
func (s *Store) UpdateRequestResult(_ context.Context, apiKey string, unit fleet.WorkUnit, success bool) error {
	key := usageKey(s.clock.Now().Format(dayLayout), apiKey, unit)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[key]
	if !ok {
		return store.ErrNotFound
	}
	if success {
		u.SuccessCount++
	} else {
		u.ErrorCount++
	}
	return nil
}

// Ping implements store.Pinger.
func (s *Store) Ping(context.Context) error {
	return nil
}

// Close implements store.Store.
func (s *Store) Close() {}

// Day returns a copy of today's row for unit.
func (s *Store) Day(unit fleet.WorkUnit) (UnitDay, bool) {
	today := s.clock.Now().Format(dayLayout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	day, ok := s.days[dayKey(today, unit.Key())]
	if !ok {
		return UnitDay{}, false
	}
	return *day, true
}

// Unit returns a copy of the catalog entry for unit.
func (s *Store) Unit(unit fleet.WorkUnit) (UnitRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.units[unit.Key()]
	if !ok {
		return UnitRecord{}, false
	}
	return *rec, true
}

// Agent returns today's counters for an agent.
func (s *Store) Agent(id string) (AgentStats, bool) {
	today := s.clock.Now().Format(dayLayout)
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[today+"|"+id]
	if !ok {
		return AgentStats{}, false
	}
	return *a, true
}

// Usage returns today's billing row for the key and unit.
func (s *Store) Usage(apiKey string, unit fleet.WorkUnit) (Usage, bool) {
	key := usageKey(s.clock.Now().Format(dayLayout), apiKey, unit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[key]
	if !ok {
		return Usage{}, false
	}
	return *u, true
}

// Failures returns every logged failure.
func (s *Store) Failures() []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Failure(nil), s.failures...)
}

// History returns every saved lookup.
func (s *Store) History() []store.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.HistoryEntry(nil), s.history...)
}

func (s *Store) dayLocked(today, key string) *UnitDay {
	dk := dayKey(today, key)
	day, ok := s.days[dk]
	if !ok {
		s.nextID++
		day = &UnitDay{ID: s.nextID}
		s.days[dk] = day
	}
	return day
}

func (s *Store) agentLocked(id, ip, browser string, now time.Time, success, blocked, found bool) {
	if id == "" {
		return
	}
	key := now.Format(dayLayout) + "|" + id
	a, ok := s.agents[key]
	if !ok {
		a = &AgentStats{AgentID: id}
		s.agents[key] = a
	}
	a.AgentIP = ip
	a.Browser = browser
	a.TotalRequests++
	at := now
	if success {
		a.Successful++
		a.LastSuccessAt = &at
		a.ConsecutiveErrors = 0
		a.ConsecutiveBlocks = 0
		if found {
			a.RanksFound++
		} else {
			a.ProductsNotFound++
		}
		return
	}
	a.Failed++
	a.LastErrorAt = &at
	a.ConsecutiveErrors++
	if blocked {
		a.Blocked++
		a.ConsecutiveBlocks++
	}
}

func lastCheck(day *UnitDay) time.Time {
	var last time.Time
	for _, t := range day.CheckTimes {
		if t.After(last) {
			last = t
		}
	}
	return last
}

func dayKey(day, unitKey string) string {
	return day + "|" + unitKey
}

func usageKey(day, apiKey string, unit fleet.WorkUnit) string {
	return day + "|" + apiKey + "|" + unit.Key()
}
