package lease

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rankhub/internal/clock/fake"
	"github.com/JakeFAU/rankhub/internal/clock/system"
)

var epoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newManager() (*Manager, *fake.Clock) {
	clk := fake.New(epoch)
	return New(Config{Duration: 20 * time.Second}, clk, nil, nil), clk
}

func TestAcquireIsExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()

	m, clk := newManager()
	require.True(t, m.Acquire("kw|1", "w1"))
	require.False(t, m.Acquire("kw|1", "w2"))

	clk.Advance(20 * time.Second)
	require.False(t, m.Acquire("kw|1", "w2"), "a lease is live through its full duration")

	clk.Advance(time.Millisecond)
	require.True(t, m.Acquire("kw|1", "w2"))
	require.Equal(t, "w2", m.Status().Leases[0].Holder)
}

func TestReleaseRules(t *testing.T) {
	t.Parallel()

	m, _ := newManager()
	require.True(t, m.Release("missing", "anyone"))

	require.True(t, m.Acquire("k", "w1"))
	require.False(t, m.Release("k", "w2"))
	require.Equal(t, 1, m.Status().Total)
	require.False(t, m.Acquire("k", "w2"))

	require.True(t, m.Release("k", "w1"))
	require.Zero(t, m.Status().Total)
	require.True(t, m.Acquire("k", "w2"))
}

func TestAcquireManyStopsAtLimit(t *testing.T) {
	t.Parallel()

	m, _ := newManager()
	require.True(t, m.Acquire("b", "other"))

	got := m.AcquireMany([]string{"a", "b", "c", "d", "e"}, "w1", 3)
	require.Equal(t, []string{"a", "c", "d"}, got)
	require.True(t, m.Acquire("e", "w2"))

	require.Empty(t, m.AcquireMany([]string{"x"}, "w1", 0))
}

func TestRenewExtendsOnlyOwnLiveLease(t *testing.T) {
	t.Parallel()

	m, clk := newManager()
	require.True(t, m.Acquire("k", "w1"))

	clk.Advance(15 * time.Second)
	require.False(t, m.Renew("k", "w2"))
	require.True(t, m.Renew("k", "w1"))

	clk.Advance(15 * time.Second)
	require.False(t, m.Acquire("k", "w2"), "renewed lease is still live")
	st := m.Status()
	require.Equal(t, int64(30000), st.Leases[0].AgeMs)
	require.Equal(t, int64(5000), st.Leases[0].RemainingMs)

	clk.Advance(6 * time.Second)
	require.False(t, m.Renew("k", "w1"), "expired leases cannot be renewed")
	require.False(t, m.Renew("missing", "w1"))
}

func TestReleaseHolder(t *testing.T) {
	t.Parallel()

	m, _ := newManager()
	m.AcquireMany([]string{"a", "b", "c"}, "w1", 10)
	require.True(t, m.Acquire("d", "w2"))

	require.Equal(t, 3, m.ReleaseHolder("w1"))
	st := m.Status()
	require.Equal(t, 1, st.Total)
	require.Equal(t, "d", st.Leases[0].Key)
	require.Zero(t, m.ReleaseHolder("w1"))
}

func TestSweepDeletesExpired(t *testing.T) {
	t.Parallel()

	m, clk := newManager()
	require.True(t, m.Acquire("old", "w1"))
	clk.Advance(10 * time.Second)
	require.True(t, m.Acquire("new", "w1"))
	clk.Advance(11 * time.Second)

	require.Equal(t, []string{"old"}, m.Sweep())
	st := m.Status()
	require.Equal(t, 1, st.Total)
	require.Equal(t, "new", st.Leases[0].Key)
	require.Equal(t, int64(20000), st.DurationMs)
}

// Many goroutines race for the same keys; each key is granted exactly once.
func TestConcurrentAcquireGrantsEachKeyOnce(t *testing.T) {
	t.Parallel()

	m := New(Config{Duration: time.Minute}, system.New(), nil, nil)
	const keys = 50
	const workers = 16

	var granted [keys]atomic.Int32
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			for k := range keys {
				if m.Acquire(fmt.Sprintf("kw|%d", k), holder) {
					granted[k].Add(1)
				}
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	for k := range keys {
		require.Equal(t, int32(1), granted[k].Load(), "key %d", k)
	}
	require.Equal(t, keys, m.Status().Total)
}
