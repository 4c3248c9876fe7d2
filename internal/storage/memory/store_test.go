package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankhub/internal/clock/fake"
	"github.com/JakeFAU/rankhub/internal/fleet"
	"github.com/JakeFAU/rankhub/internal/store"
)

var (
	unitA = fleet.WorkUnit{Keyword: "무선 이어폰", ProductCode: "1001"}
	unitB = fleet.WorkUnit{Keyword: "usb hub", ProductCode: "2002"}
)

func query() store.UnitQuery {
	return store.UnitQuery{
		Limit:            10,
		MinCheckInterval: 10 * time.Minute,
		SyncTimeLimit:    time.Hour,
		ProcessingTTL:    20 * time.Second,
	}
}

func newStore() (*Store, *fake.Clock) {
	clk := fake.New(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	return New(clk, 30), clk
}

func TestSeedDropsInvalidUnits(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	s.Seed(fleet.WorkUnit{Keyword: "a|b", ProductCode: "c"}, fleet.WorkUnit{Keyword: "a", ProductCode: "b|c"})

	got, err := s.EligibleUnits(context.Background(), query())
	require.NoError(t, err)
	require.Equal(t, []fleet.WorkUnit{{Keyword: "a", ProductCode: "b|c"}}, got)
}

func TestEligibleUnitsOrderingAndIntervals(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	s.Seed(unitA, unitB)
	ctx := context.Background()

	got, err := s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.ElementsMatch(t, []fleet.WorkUnit{unitA, unitB}, got)

	_, err = s.SaveResult(ctx, store.CheckResult{Unit: unitA, Rank: 3, AgentID: "a1"})
	require.NoError(t, err)

	got, err = s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.Equal(t, []fleet.WorkUnit{unitB}, got, "checked unit waits for the minimum interval")

	clk.Advance(11 * time.Minute)
	got, err = s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.Equal(t, []fleet.WorkUnit{unitB, unitA}, got, "fewest checks first")

	clk.Advance(time.Hour)
	got, err = s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.Empty(t, got, "stale catalog sync excludes everything")
}

func TestMarkProcessingHoldsUnitForTTL(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	s.Seed(unitA)
	ctx := context.Background()
	_, err := s.SaveResult(ctx, store.CheckResult{Unit: unitA, Rank: 1})
	require.NoError(t, err)
	clk.Advance(11 * time.Minute)

	require.NoError(t, s.MarkProcessing(ctx, []fleet.WorkUnit{unitA}))
	got, err := s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.Empty(t, got)

	clk.Advance(21 * time.Second)
	got, err = s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSaveResultFillsSlotsAndStats(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	s.Seed(unitA)
	ctx := context.Background()
	rating := 4.5

	for i, rank := range []int{5, 0, 9} {
		n, err := s.SaveResult(ctx, store.CheckResult{
			Unit: unitA, Rank: rank, AgentID: "a1", Browser: "chrome",
			ProductName: "earbuds", Rating: &rating,
		})
		require.NoError(t, err)
		require.Equal(t, i+1, n)
	}

	day, ok := s.Day(unitA)
	require.True(t, ok)
	require.Equal(t, 3, day.TotalChecks)
	require.Equal(t, 2, day.FoundCount)
	require.Equal(t, 5, *day.Stats.Min)
	require.Equal(t, 9, *day.Stats.Max)
	require.InDelta(t, 7.0, *day.Stats.Avg, 0.001)
	require.Equal(t, 4.5, *day.Rating)

	rec, ok := s.Unit(unitA)
	require.True(t, ok)
	require.Equal(t, "earbuds", rec.ProductName)

	agent, ok := s.Agent("a1")
	require.True(t, ok)
	require.Equal(t, 3, agent.TotalRequests)
	require.Equal(t, 2, agent.RanksFound)
	require.Equal(t, 1, agent.ProductsNotFound)
}

func TestSaveResultSlotsFull(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	for range store.MaxChecksPerDay {
		_, err := s.SaveResult(ctx, store.CheckResult{Unit: unitA, Rank: 1})
		require.NoError(t, err)
	}
	_, err := s.SaveResult(ctx, store.CheckResult{Unit: unitA, Rank: 1})
	require.ErrorIs(t, err, store.ErrCheckSlotsFull)

	info, err := s.CheckInfo(ctx, unitA)
	require.NoError(t, err)
	require.Zero(t, info.NextCheckNumber)
	require.Equal(t, store.MaxChecksPerDay, info.TodayChecks)
}

func TestThreeZerosCompleteUnit(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	s.Seed(unitA)
	ctx := context.Background()
	for range store.ZeroRunToComplete {
		_, err := s.SaveResult(ctx, store.CheckResult{Unit: unitA, Rank: 0})
		require.NoError(t, err)
	}
	day, _ := s.Day(unitA)
	require.True(t, day.Completed)
	require.Equal(t, 3, day.CompletedAtCheck)

	clk.Advance(time.Hour - time.Minute)
	got, err := s.EligibleUnits(ctx, query())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestCheckInfo(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()

	info, err := s.CheckInfo(ctx, unitA)
	require.NoError(t, err)
	require.Nil(t, info.ID)
	require.Equal(t, 1, info.NextCheckNumber)
	require.Equal(t, []int{}, info.PreviousChecks)

	for _, rank := range []int{4, 6, 8, 10} {
		_, err := s.SaveResult(ctx, store.CheckResult{Unit: unitA, Rank: rank})
		require.NoError(t, err)
	}
	info, err = s.CheckInfo(ctx, unitA)
	require.NoError(t, err)
	require.NotNil(t, info.ID)
	require.Equal(t, 5, info.NextCheckNumber)
	require.Equal(t, 4, info.TodayChecks)
	require.Equal(t, []int{4, 6, 8}, info.PreviousChecks)
}

func TestSaveFailureTracksAgentAndLog(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	ctx := context.Background()
	require.NoError(t, s.SaveFailure(ctx, store.FailureRecord{
		Unit: unitA, AgentID: "a1", Kind: fleet.FailureBlocked, Blocked: true, Message: "403",
	}))

	failures := s.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, 1, failures[0].CheckNumber)
	require.Equal(t, fleet.FailureBlocked, failures[0].Record.Kind)

	agent, ok := s.Agent("a1")
	require.True(t, ok)
	require.Equal(t, 1, agent.Blocked)
	require.Equal(t, 1, agent.ConsecutiveBlocks)
	require.NotNil(t, agent.LastErrorAt)
}

func TestBillingFirstQueryPerDay(t *testing.T) {
	t.Parallel()

	s, clk := newStore()
	ctx := context.Background()

	first, err := s.ProcessQuery(ctx, "key", unitA)
	require.NoError(t, err)
	require.True(t, first)
	again, err := s.ProcessQuery(ctx, "key", unitA)
	require.NoError(t, err)
	require.False(t, again)

	require.NoError(t, s.UpdateRequestResult(ctx, "key", unitA, true))
	require.NoError(t, s.UpdateRequestResult(ctx, "key", unitA, false))
	usage, ok := s.Usage("key", unitA)
	require.True(t, ok)
	require.Equal(t, Usage{RequestCount: 2, SuccessCount: 1, ErrorCount: 1, BillingAmount: 30}, usage)

	require.ErrorIs(t, s.UpdateRequestResult(ctx, "other", unitA, true), store.ErrNotFound)

	clk.Advance(24 * time.Hour)
	next, err := s.ProcessQuery(ctx, "key", unitA)
	require.NoError(t, err)
	require.True(t, next)
}

func TestSaveHistory(t *testing.T) {
	t.Parallel()

	s, _ := newStore()
	require.NoError(t, s.SaveHistory(context.Background(), store.HistoryEntry{Unit: unitA, Success: true, Rank: 2}))
	require.Len(t, s.History(), 1)
	require.NoError(t, s.Ping(context.Background()))
}
