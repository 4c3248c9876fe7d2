package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func checksOf(values ...int) Checks {
	var c Checks
	for i, v := range values {
		v := v
		c[i] = &v
	}
	return c
}

func TestNextSlotAndCount(t *testing.T) {
	t.Parallel()

	var empty Checks
	require.Equal(t, 1, empty.NextSlot())
	require.Zero(t, empty.Count())

	c := checksOf(3, 0, 5)
	require.Equal(t, 4, c.NextSlot())
	require.Equal(t, 3, c.Count())
	require.Equal(t, []int{3, 0, 5}, c.Values())

	full := checksOf(1, 1, 1, 1, 1, 1, 1, 1, 1, 1)
	require.Zero(t, full.NextSlot())
}

func TestStatsIgnoreZeroChecks(t *testing.T) {
	t.Parallel()

	stats := checksOf(0, 4, 0, 10, 7).Stats()
	require.Equal(t, 4, *stats.Min)
	require.Equal(t, 10, *stats.Max)
	require.InDelta(t, 7.0, *stats.Avg, 0.0001)

	none := checksOf(0, 0).Stats()
	require.Nil(t, none.Min)
	require.Nil(t, none.Max)
	require.Nil(t, none.Avg)
}

func TestCompletedAtNeedsConsecutiveZeros(t *testing.T) {
	t.Parallel()

	require.Zero(t, checksOf(0, 0, 5, 0, 0).CompletedAt())
	require.Equal(t, 4, checksOf(3, 0, 0, 0, 0).CompletedAt())
	require.Equal(t, 3, checksOf(0, 0, 0).CompletedAt())
	require.Zero(t, Checks{}.CompletedAt())
}

func TestLeadingReportsFirstSlots(t *testing.T) {
	t.Parallel()

	require.Equal(t, []int{3, 0, 5}, checksOf(3, 0, 5, 9).Leading(PreviousChecksShown))
	require.Equal(t, []int{2}, checksOf(2).Leading(PreviousChecksShown))
	require.Empty(t, Checks{}.Leading(PreviousChecksShown))
}
