package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankhub/internal/clock/fake"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/lease"
	"github.com/JakeFAU/rankhub/internal/store"
)

type fakeUnits struct {
	mu         sync.Mutex
	pool       []fleet.WorkUnit
	queries    []store.UnitQuery
	marked     []fleet.WorkUnit
	markErr    error
	results    []store.CheckResult
	failures   []store.FailureRecord
	saveErr    error
	failureErr error
}

func (f *fakeUnits) EligibleUnits(_ context.Context, q store.UnitQuery) ([]fleet.WorkUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	n := min(q.Limit, len(f.pool))
	return append([]fleet.WorkUnit(nil), f.pool[:n]...), nil
}

func (f *fakeUnits) MarkProcessing(_ context.Context, units []fleet.WorkUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, units...)
	return f.markErr
}

func (f *fakeUnits) SaveResult(_ context.Context, res store.CheckResult) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.results = append(f.results, res)
	return len(f.results), nil
}

func (f *fakeUnits) SaveFailure(_ context.Context, rec store.FailureRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failureErr != nil {
		return f.failureErr
	}
	f.failures = append(f.failures, rec)
	return nil
}

func (f *fakeUnits) CheckInfo(_ context.Context, unit fleet.WorkUnit) (store.CheckInfo, error) {
	return store.CheckInfo{NextCheckNumber: 1, PreviousChecks: []int{}}, nil
}

func pool(n int) []fleet.WorkUnit {
	units := make([]fleet.WorkUnit, n)
	for i := range units {
		units[i] = fleet.WorkUnit{Keyword: fmt.Sprintf("kw%02d", i), ProductCode: fmt.Sprintf("p%02d", i)}
	}
	return units
}

func newService(t *testing.T, units *fakeUnits) (*Service, *lease.Manager, *fake.Clock) {
	t.Helper()
	clk := fake.New(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	leases := lease.New(lease.Config{Duration: 20 * time.Second}, clk, nil, nil)
	svc, err := New(Config{}, leases, units, nil)
	require.NoError(t, err)
	return svc, leases, clk
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, &fakeUnits{}, nil)
	require.Error(t, err)
}

// TestClaimUnitsSizing covers the default, the cap and the over-fetch window.
func TestClaimUnitsSizing(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{pool: pool(300)}
	svc, _, _ := newService(t, units)

	got, err := svc.ClaimUnits(context.Background(), "w1", 0)
	require.NoError(t, err)
	require.Len(t, got, DefaultLimit)
	require.Equal(t, DefaultOverfetchCap, units.queries[0].Limit)
	require.Equal(t, 20*time.Second, units.queries[0].ProcessingTTL)
	require.Equal(t, DefaultMinCheckInterval, units.queries[0].MinCheckInterval)

	got, err = svc.ClaimUnits(context.Background(), "w2", 500)
	require.NoError(t, err)
	require.Len(t, got, DefaultMaxLimit)
	require.Equal(t, DefaultOverfetchCap, units.queries[1].Limit)

	_, err = svc.ClaimUnits(context.Background(), "w3", 3)
	require.NoError(t, err)
	require.Equal(t, 60, units.queries[2].Limit)
}

func TestClaimUnitsSkipsAmbiguousKeys(t *testing.T) {
	t.Parallel()

	good := fleet.WorkUnit{Keyword: "a", ProductCode: "b|c"}
	clash := fleet.WorkUnit{Keyword: "a|b", ProductCode: "c"}
	units := &fakeUnits{pool: []fleet.WorkUnit{clash, good}}
	svc, leases, _ := newService(t, units)

	got, err := svc.ClaimUnits(context.Background(), "w1", 5)
	require.NoError(t, err)
	require.Equal(t, []fleet.WorkUnit{good}, got)
	require.Equal(t, 1, leases.Status().Total)

	_, err = svc.ReportResult(context.Background(), store.CheckResult{Unit: clash, Rank: 1, AgentID: "w1"})
	require.ErrorIs(t, err, ErrInvalidUnit)
	require.Equal(t, 1, leases.Status().Total, "a clashing report must not release the other unit's lease")
	require.Empty(t, units.results)
}

func TestClaimUnitsRequiresHolder(t *testing.T) {
	t.Parallel()

	svc, _, _ := newService(t, &fakeUnits{pool: pool(3)})
	_, err := svc.ClaimUnits(context.Background(), " ", 1)
	require.ErrorIs(t, err, ErrHolderRequired)
}

// TestClaimUnitsTwoWorkersPartitionPool runs two concurrent claimers over five units.
func TestClaimUnitsTwoWorkersPartitionPool(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{pool: pool(5)}
	svc, _, _ := newService(t, units)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for _, worker := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			got, err := svc.ClaimUnits(context.Background(), worker, 5)
			require.NoError(t, err)
			mu.Lock()
			for _, u := range got {
				claimed = append(claimed, u.Key())
			}
			mu.Unlock()
		}(worker)
	}
	wg.Wait()

	sort.Strings(claimed)
	want := make([]string, 0, 5)
	for _, u := range pool(5) {
		want = append(want, u.Key())
	}
	require.Equal(t, want, claimed)
}

func TestClaimUnitsAfterLeaseExpiry(t *testing.T) {
	t.Parallel()

	svc, _, clk := newService(t, &fakeUnits{pool: pool(2)})
	first, err := svc.ClaimUnits(context.Background(), "w1", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	none, err := svc.ClaimUnits(context.Background(), "w2", 2)
	require.NoError(t, err)
	require.Empty(t, none)

	clk.Advance(21 * time.Second)
	again, err := svc.ClaimUnits(context.Background(), "w2", 2)
	require.NoError(t, err)
	require.Len(t, again, 2)
}

func TestClaimUnitsIgnoresMarkingError(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{pool: pool(2), markErr: errors.New("db down")}
	svc, _, _ := newService(t, units)
	got, err := svc.ClaimUnits(context.Background(), "w1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, units.marked, 2)
}

func TestReportResultReleasesLease(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{pool: pool(1)}
	svc, leases, _ := newService(t, units)
	got, err := svc.ClaimUnits(context.Background(), "w1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := svc.ReportResult(context.Background(), store.CheckResult{Unit: got[0], AgentID: "w1", Rank: 4})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, leases.Status().Total)
	require.True(t, leases.Acquire(got[0].Key(), "w2"))
}

func TestReportResultSurfacesSlotsFull(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{saveErr: store.ErrCheckSlotsFull}
	svc, _, _ := newService(t, units)
	_, err := svc.ReportResult(context.Background(), store.CheckResult{Unit: pool(1)[0], AgentID: "w1"})
	require.ErrorIs(t, err, store.ErrCheckSlotsFull)

	_, err = svc.ReportResult(context.Background(), store.CheckResult{AgentID: "w1"})
	require.ErrorIs(t, err, ErrInvalidUnit)
}

func TestReportFailureClassifiesAndLogs(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{pool: pool(1)}
	svc, leases, _ := newService(t, units)
	got, err := svc.ClaimUnits(context.Background(), "w1", 1)
	require.NoError(t, err)

	report, err := svc.ReportFailure(context.Background(), store.FailureRecord{
		Unit: got[0], AgentID: "w1", Message: "page returned 403",
	})
	require.NoError(t, err)
	require.Equal(t, FailureReport{Kind: fleet.FailureBlocked, Logged: true}, report)
	require.True(t, units.failures[0].Blocked)
	require.Zero(t, leases.Status().Total)
}

func TestReportFailureStoreErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	units := &fakeUnits{failureErr: errors.New("insert failed")}
	svc, _, _ := newService(t, units)
	report, err := svc.ReportFailure(context.Background(), store.FailureRecord{
		Unit: pool(1)[0], AgentID: "w1", Kind: fleet.FailureNavigation, Message: "nav",
	})
	require.NoError(t, err)
	require.False(t, report.Logged)
	require.Equal(t, fleet.FailureNavigation, report.Kind)
}

func TestRenewOnlyOwnLeases(t *testing.T) {
	t.Parallel()

	svc, _, clk := newService(t, &fakeUnits{pool: pool(2)})
	got, err := svc.ClaimUnits(context.Background(), "w1", 2)
	require.NoError(t, err)

	require.Empty(t, svc.Renew("w2", got))
	clk.Advance(15 * time.Second)
	require.Len(t, svc.Renew("w1", got), 2)

	clk.Advance(15 * time.Second)
	require.Equal(t, 2, svc.Status().Total)
	none, err := svc.ClaimUnits(context.Background(), "w2", 2)
	require.NoError(t, err)
	require.Empty(t, none)
}
