// Package budget tracks per-provider consumption at every granularity the
// admission decision needs: UTC-day requests and tokens, intraday slice
// requests, per-minute requests, and live concurrency. All counters live in
// the shared counter store; bucket keys self-expire so stale buckets never
// need explicit cleanup.
package budget

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ledgerline/airouter/internal/config"
	"github.com/ledgerline/airouter/internal/counterstore"
)

// Bucket key TTLs. Daily buckets outlive the day they describe so the
// summary endpoint can still read yesterday's figures.
const (
	dailyTTL  = 48 * time.Hour
	minuteTTL = 2 * time.Minute

	// concurrencyTTL is the leaked-slot safety net: a crashed process
	// loses its slot after at most this long.
	concurrencyTTL = 60 * time.Second
)

// Snapshot is a point-in-time view of a provider's remaining budgets.
// TokensRemaining is -1 when no token budget is configured (unlimited).
type Snapshot struct {
	DailyUsed      int64
	DailyRemaining int64

	TokensUsed      int64
	TokensRemaining int64

	SliceBudget    int64
	SliceRemaining int64

	MinuteRemaining int64

	ConcurrencyInUse    int64
	ConcurrencyRemaining int64
}

// Tracker computes remaining budgets and records consumption.
type Tracker struct {
	store        *counterstore.Store
	sliceMinutes int
	burstFactor  float64
}

// New creates a budget tracker. sliceMinutes and burstFactor come from
// RouterSettings and are identical for all providers.
func New(store *counterstore.Store, sliceMinutes int, burstFactor float64) *Tracker {
	return &Tracker{
		store:        store,
		sliceMinutes: sliceMinutes,
		burstFactor:  burstFactor,
	}
}

// SliceBudget is the per-slice request ceiling: the even share of the daily
// budget scaled by the burst factor, so short bursts above the even
// allocation pass while runaway usage within one slice is still capped.
func (t *Tracker) SliceBudget(p config.ProviderConfig) int64 {
	slicesPerDay := float64(24*60) / float64(t.sliceMinutes)
	return int64(math.Ceil(float64(p.DailyBudgetRequests) / slicesPerDay * t.burstFactor))
}

// Snapshot reads all counters for a provider at the given instant.
func (t *Tracker) Snapshot(ctx context.Context, p config.ProviderConfig, now time.Time) (Snapshot, error) {
	var snap Snapshot

	daily, err := t.store.Read(ctx, dailyKey(p.Name, now))
	if err != nil {
		return snap, err
	}
	snap.DailyUsed = daily
	snap.DailyRemaining = p.DailyBudgetRequests - daily

	tokens, err := t.store.Read(ctx, tokensKey(p.Name, now))
	if err != nil {
		return snap, err
	}
	snap.TokensUsed = tokens
	if p.DailyBudgetTokens > 0 {
		snap.TokensRemaining = p.DailyBudgetTokens - tokens
	} else {
		snap.TokensRemaining = -1
	}

	slice, err := t.store.Read(ctx, t.sliceKey(p.Name, now))
	if err != nil {
		return snap, err
	}
	snap.SliceBudget = t.SliceBudget(p)
	snap.SliceRemaining = snap.SliceBudget - slice

	minute, err := t.store.Read(ctx, minuteKey(p.Name, now))
	if err != nil {
		return snap, err
	}
	snap.MinuteRemaining = p.MaxRequestsPerMinute - minute

	inUse, err := t.store.Read(ctx, concurrencyKey(p.Name))
	if err != nil {
		return snap, err
	}
	// Stored value can transiently dip below zero under racing releases;
	// never report that to callers.
	if inUse < 0 {
		inUse = 0
	}
	snap.ConcurrencyInUse = inUse
	snap.ConcurrencyRemaining = int64(p.MaxConcurrency) - inUse

	return snap, nil
}

// RecordRequest bumps the daily, slice, and minute request counters. Called
// once per dispatched attempt, after the concurrency slot is held.
func (t *Tracker) RecordRequest(ctx context.Context, p config.ProviderConfig, now time.Time) error {
	if _, err := t.store.Adjust(ctx, dailyKey(p.Name, now), 1, dailyTTL, false); err != nil {
		return err
	}
	sliceTTL := time.Duration(t.sliceMinutes) * 2 * time.Minute
	if _, err := t.store.Adjust(ctx, t.sliceKey(p.Name, now), 1, sliceTTL, false); err != nil {
		return err
	}
	if _, err := t.store.Adjust(ctx, minuteKey(p.Name, now), 1, minuteTTL, false); err != nil {
		return err
	}
	return nil
}

// RecordTokens bumps the daily token counter by the post-response estimate.
func (t *Tracker) RecordTokens(ctx context.Context, p config.ProviderConfig, tokens int64, now time.Time) error {
	if tokens <= 0 {
		return nil
	}
	_, err := t.store.Adjust(ctx, tokensKey(p.Name, now), tokens, dailyTTL, false)
	return err
}

// AcquireSlot attempts to take a concurrency slot. The increment is rolled
// back immediately when the post-increment value exceeds the configured
// maximum, so the counter never settles above it.
func (t *Tracker) AcquireSlot(ctx context.Context, p config.ProviderConfig) (bool, error) {
	key := concurrencyKey(p.Name)
	n, err := t.store.Adjust(ctx, key, 1, concurrencyTTL, false)
	if err != nil {
		return false, err
	}
	if n > int64(p.MaxConcurrency) {
		if _, err := t.store.Adjust(ctx, key, -1, concurrencyTTL, true); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ReleaseSlot returns a concurrency slot, clamped at zero, and refreshes
// the safety TTL.
func (t *Tracker) ReleaseSlot(ctx context.Context, p config.ProviderConfig) error {
	key := concurrencyKey(p.Name)
	if _, err := t.store.Adjust(ctx, key, -1, concurrencyTTL, true); err != nil {
		return err
	}
	return t.store.Touch(ctx, key, concurrencyTTL)
}

// Key layout: router:counter:<window>:<provider>:<bucket> and
// router:concurrency:<provider>. Collision-free across categories and
// stable across restarts.

func dailyKey(provider string, now time.Time) string {
	return fmt.Sprintf("router:counter:daily:%s:%s", provider, DayBucket(now))
}

func tokensKey(provider string, now time.Time) string {
	return fmt.Sprintf("router:counter:tokens:%s:%s", provider, DayBucket(now))
}

func (t *Tracker) sliceKey(provider string, now time.Time) string {
	u := now.UTC()
	idx := (u.Hour()*60 + u.Minute()) / t.sliceMinutes
	return fmt.Sprintf("router:counter:slice:%s:%s:%d", provider, DayBucket(now), idx)
}

func minuteKey(provider string, now time.Time) string {
	return fmt.Sprintf("router:counter:minute:%s:%s", provider, now.UTC().Format("200601021504"))
}

func concurrencyKey(provider string) string {
	return fmt.Sprintf("router:concurrency:%s", provider)
}

// DayBucket formats the UTC day bucket used by daily counters and the
// per-day metrics hash.
func DayBucket(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}
