package health

import (
	"context"
	"errors"
	"fmt"
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
	return New(counterstore.New(rdb), 2*time.Minute, 6*time.Hour), mr
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"auth 401", &backend.Error{StatusCode: 401}, CategoryAuthConfig},
		{"forbidden 403", &backend.Error{StatusCode: 403}, CategoryAuthConfig},
		{"billing 402", &backend.Error{StatusCode: 402}, CategoryBilling},
		{"throttled 429", &backend.Error{StatusCode: 429}, CategoryRateLimited},
		{"server 500", &backend.Error{StatusCode: 500}, CategoryGeneric},
		{"transport", errors.New("connection refused"), CategoryGeneric},
		{"wrapped invalid payload", fmt.Errorf("parse: %w", backend.ErrInvalidPayload), CategoryInvalidResponse},
		{"wrapped typed error", fmt.Errorf("call: %w", &backend.Error{StatusCode: 402}), CategoryBilling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestScore_OptimisticDefault(t *testing.T) {
	st := State{}
	assert.Equal(t, 100.0, st.Score(), "untested provider scores 100")
}

func TestScore_PenaltyWeights(t *testing.T) {
	st := State{
		Success:          8,
		Failure:          2,
		InvalidResponses: 1,
		RateLimited:      1,
	}
	// 80 - (1*8 + 1*2) = 70
	assert.InDelta(t, 70.0, st.Score(), 0.001)
}

func TestScore_FlooredAtZero(t *testing.T) {
	st := State{
		Success:          0,
		Failure:          10,
		InvalidResponses: 10,
	}
	assert.Equal(t, 0.0, st.Score())
}

func TestRecordSuccess(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordSuccess(ctx, "alpha"))
	require.NoError(t, tr.RecordSuccess(ctx, "alpha"))

	st, err := tr.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Success)
	assert.Equal(t, int64(0), st.Failure)
}

func TestRecordFailure_RateLimited_AppliesCooldown(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordFailure(ctx, "alpha", CategoryRateLimited, "429 too many requests"))

	st, err := tr.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Failure)
	assert.Equal(t, int64(1), st.RateLimited)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "rate_limited", st.LastError.Category)

	_, cooling, err := tr.CooldownUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, cooling)

	_, blocked, err := tr.BlockedUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, blocked, "rate limiting must not hard-block")
}

func TestRecordFailure_Billing_AppliesHardBlock(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordFailure(ctx, "alpha", CategoryBilling, "payment required"))

	st, err := tr.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.BillingRequired)

	until, blocked, err := tr.BlockedUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.True(t, until.After(time.Now().Add(5*time.Hour)), "block window is long")
}

func TestRecordFailure_AuthConfig_AppliesHardBlock(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordFailure(ctx, "alpha", CategoryAuthConfig, "invalid api key"))

	st, err := tr.Load(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ProviderErrors)

	_, blocked, err := tr.BlockedUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestCooldown_ExpiresWithTTL(t *testing.T) {
	tr, mr := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordFailure(ctx, "alpha", CategoryGeneric, "boom"))

	_, cooling, err := tr.CooldownUntil(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, cooling)

	mr.FastForward(3 * time.Minute)

	_, cooling, err = tr.CooldownUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, cooling, "cooldown entry expires with its window")
}

func TestTimers_Independent(t *testing.T) {
	tr, _ := setupTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.RecordFailure(ctx, "alpha", CategoryInvalidResponse, "garbage"))
	require.NoError(t, tr.RecordFailure(ctx, "alpha", CategoryBilling, "pay up"))

	_, cooling, err := tr.CooldownUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, cooling)

	_, blocked, err := tr.BlockedUntil(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, blocked)
}
