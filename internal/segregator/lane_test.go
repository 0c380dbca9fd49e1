package segregator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(poolSize int64) *Controller {
	return NewController(Config{
		PoolSize:          poolSize,
		SlowSlotPercent:   20,
		FastTimeout:       50 * time.Millisecond,
		SlowTimeout:       50 * time.Millisecond,
		IdleTimeout:       10 * time.Millisecond,
		MinSamples:        1,
		RecomputeEvery:    1,
		RecomputeInterval: time.Hour,
	})
}

func TestAdmitGrantsAndReleasesOwnLaneSlot(t *testing.T) {
	c := newTestController(10)

	release, err := c.Admit(context.Background(), "select 1")
	require.NoError(t, err)
	fast, _ := c.Stats()
	assert.Equal(t, fast.Capacity-1, fast.Free)

	release()
	fast, _ = c.Stats()
	assert.Equal(t, fast.Capacity, fast.Free)
}

func TestAdmitTimesOutWhenLaneSaturatedAndNoBorrowEligible(t *testing.T) {
	c := newTestController(5) // fast_cap=4, slow_cap=1

	var releases []func()
	for i := 0; i < 4; i++ {
		release, err := c.Admit(context.Background(), "select 1")
		require.NoError(t, err)
		releases = append(releases, release)
	}

	_, err := c.Admit(context.Background(), "select 1")
	assert.Error(t, err, "fast lane is saturated and slow lane has never been active, so no borrow is possible")

	for _, r := range releases {
		r()
	}
}

func TestAdmitBorrowsFromIdleOtherLane(t *testing.T) {
	c := newTestController(5) // fast_cap=4, slow_cap=1

	// Fix classification before admitting anything: a high-volume fast
	// fingerprint keeps the weighted overall average low enough for
	// "slow query" to clear the 2x threshold and route to the slow lane.
	for i := 0; i < 20; i++ {
		c.Latency.Record("fast query", 1*time.Millisecond)
	}
	c.Latency.Record("slow query", 500*time.Millisecond)
	c.Latency.Record("slow query", 500*time.Millisecond)
	require.Equal(t, LaneSlow, c.classify("slow query"))

	// Activate the slow lane once and release, so it becomes eligible to
	// lend once its idle window elapses.
	slowRelease, err := c.Admit(context.Background(), "slow query")
	require.NoError(t, err)
	slowRelease()

	time.Sleep(20 * time.Millisecond) // clear the idle-timeout window

	var fastReleases []func()
	for i := 0; i < 4; i++ {
		release, err := c.Admit(context.Background(), "fast query")
		require.NoError(t, err)
		fastReleases = append(fastReleases, release)
	}

	// Fast lane is now fully saturated; a fast-classified request should be
	// able to borrow the slow lane's idle slot.
	release, err := c.Admit(context.Background(), "fast query")
	require.NoError(t, err, "expected the idle slow lane to lend its spare slot")
	release()

	for _, r := range fastReleases {
		r()
	}
}

func TestClassifyRoutesToSlowLane(t *testing.T) {
	c := newTestController(10)
	for i := 0; i < 20; i++ {
		c.Latency.Record("tiny lookup", 1*time.Millisecond)
	}
	c.Latency.Record("big report", 1000*time.Millisecond)
	c.Latency.Record("big report", 1000*time.Millisecond)

	assert.Equal(t, LaneSlow, c.classify("big report"))
	assert.Equal(t, LaneFast, c.classify("tiny lookup"))
}
