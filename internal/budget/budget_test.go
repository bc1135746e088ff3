package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/airouter/internal/config"
	"github.com/ledgerline/airouter/internal/counterstore"
)

func setupTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(counterstore.New(rdb), 30, 1.5)
}

func testProvider() config.ProviderConfig {
	return config.ProviderConfig{
		Name:                 "alpha",
		DailyBudgetRequests:  100,
		DailyBudgetTokens:    10000,
		MaxConcurrency:       5,
		MaxRequestsPerMinute: 10,
		Enabled:              true,
	}
}

func TestSliceBudget(t *testing.T) {
	tr := setupTracker(t)
	p := testProvider()

	// 48 slices per day at 30 minutes; ceil(100/48*1.5) = 4.
	assert.Equal(t, int64(4), tr.SliceBudget(p))
}

func TestSnapshot_FreshProvider(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()

	snap, err := tr.Snapshot(ctx, p, time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(100), snap.DailyRemaining)
	assert.Equal(t, int64(10000), snap.TokensRemaining)
	assert.Equal(t, int64(4), snap.SliceRemaining)
	assert.Equal(t, int64(10), snap.MinuteRemaining)
	assert.Equal(t, int64(5), snap.ConcurrencyRemaining)
}

func TestSnapshot_UnlimitedTokens(t *testing.T) {
	tr := setupTracker(t)
	p := testProvider()
	p.DailyBudgetTokens = 0

	snap, err := tr.Snapshot(context.Background(), p, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), snap.TokensRemaining)
}

func TestRecordRequest_DrainsAllWindows(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.RecordRequest(ctx, p, now))
	}

	snap, err := tr.Snapshot(ctx, p, now)
	require.NoError(t, err)
	assert.Equal(t, int64(97), snap.DailyRemaining)
	assert.Equal(t, int64(1), snap.SliceRemaining)
	assert.Equal(t, int64(7), snap.MinuteRemaining)
}

func TestRecordTokens(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()
	now := time.Now()

	require.NoError(t, tr.RecordTokens(ctx, p, 2500, now))

	snap, err := tr.Snapshot(ctx, p, now)
	require.NoError(t, err)
	assert.Equal(t, int64(7500), snap.TokensRemaining)
}

func TestDailyBucket_RollsOver(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()

	day1 := time.Date(2026, 8, 27, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 28, 0, 1, 0, 0, time.UTC)

	require.NoError(t, tr.RecordRequest(ctx, p, day1))

	snap, err := tr.Snapshot(ctx, p, day2)
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.DailyRemaining, "new UTC day starts a fresh bucket")
}

func TestAcquireSlot_RespectsMax(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()
	p.MaxConcurrency = 2

	for i := 0; i < 2; i++ {
		ok, err := tr.AcquireSlot(ctx, p)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := tr.AcquireSlot(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok, "third slot must be refused")

	require.NoError(t, tr.ReleaseSlot(ctx, p))

	ok, err = tr.AcquireSlot(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok, "released slot becomes available again")
}

func TestReleaseSlot_ClampsAtZero(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()

	// Release without acquire must not push the counter negative.
	require.NoError(t, tr.ReleaseSlot(ctx, p))

	snap, err := tr.Snapshot(ctx, p, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ConcurrencyInUse)
	assert.Equal(t, int64(5), snap.ConcurrencyRemaining)
}

// Fifty concurrent callers against maxConcurrency=5: at no point may more
// than five hold a slot.
func TestAcquireSlot_ConcurrentNeverExceedsMax(t *testing.T) {
	tr := setupTracker(t)
	ctx := context.Background()
	p := testProvider()
	p.MaxConcurrency = 5

	var mu sync.Mutex
	held := 0
	maxHeld := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := tr.AcquireSlot(ctx, p)
			assert.NoError(t, err)
			if !ok {
				return
			}

			mu.Lock()
			held++
			if held > maxHeld {
				maxHeld = held
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			held--
			mu.Unlock()

			assert.NoError(t, tr.ReleaseSlot(ctx, p))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHeld, 5, "held slots must never exceed max_concurrency")

	snap, err := tr.Snapshot(ctx, p, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.ConcurrencyInUse, "all slots released")
}
