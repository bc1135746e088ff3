package extquota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/airouter/internal/backend"
	"github.com/ledgerline/airouter/internal/counterstore"
)

func setupTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(counterstore.New(rdb), 5*time.Minute, time.Hour), mr
}

func i64(n int64) *int64 { return &n }

func TestIngestAndGet(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()
	now := time.Now()
	reset := now.Add(30 * time.Minute)

	meta := &backend.Meta{
		RemainingRequests: i64(42),
		RemainingTokens:   i64(9000),
		ResetAt:           &reset,
	}
	require.NoError(t, tr.Ingest(ctx, "alpha", meta, now))

	q, ok, err := tr.Get(ctx, "alpha", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), *q.RemainingRequests)
	assert.Equal(t, int64(9000), *q.RemainingTokens)
}

func TestIngest_NilMetaIsNoop(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Ingest(ctx, "alpha", nil, time.Now()))

	_, ok, err := tr.Get(ctx, "alpha", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_StaleAfterReset(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()
	now := time.Now()
	reset := now.Add(10 * time.Minute)

	require.NoError(t, tr.Ingest(ctx, "alpha", &backend.Meta{
		RemainingRequests: i64(0),
		ResetAt:           &reset,
	}, now))

	// Before the reset the exhausted hint is trusted.
	q, ok, err := tr.Get(ctx, "alpha", now.Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), *q.RemainingRequests)

	// Once the reset passes, the hint is unknown — an exhausted figure
	// must not leak into the future.
	_, ok, err = tr.Get(ctx, "alpha", now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGet_NoResetTrustedUntilTTL(t *testing.T) {
	tr, mr := setupTracker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tr.Ingest(ctx, "alpha", &backend.Meta{RemainingRequests: i64(7)}, now))

	_, ok, err := tr.Get(ctx, "alpha", now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok, "hint without reset time stays valid inside default TTL")

	mr.FastForward(2 * time.Hour)

	_, ok, err = tr.Get(ctx, "alpha", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "entry expires with the default TTL")
}

func TestIngest_TTLFloor(t *testing.T) {
	tr, mr := setupTracker(t)
	ctx := context.Background()
	now := time.Now()
	reset := now.Add(10 * time.Second) // under the 5m floor

	require.NoError(t, tr.Ingest(ctx, "alpha", &backend.Meta{
		RemainingRequests: i64(3),
		ResetAt:           &reset,
	}, now))

	ttl := mr.TTL("router:extquota:alpha")
	assert.Equal(t, 5*time.Minute, ttl, "storage TTL is floored to avoid thrash")
}

func TestIngest_OverwritesPrevious(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, tr.Ingest(ctx, "alpha", &backend.Meta{RemainingRequests: i64(50)}, now))
	require.NoError(t, tr.Ingest(ctx, "alpha", &backend.Meta{RemainingRequests: i64(49)}, now.Add(time.Second)))

	q, ok, err := tr.Get(ctx, "alpha", now.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(49), *q.RemainingRequests)
}
