// Package extquota absorbs the remaining-quota hints providers report in
// their response metadata and exposes them with expiry-aware decay. Hints
// only ever narrow a provider's effective budget; they never extend it.
package extquota

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/airouter/internal/backend"
	"github.com/ledgerline/airouter/internal/counterstore"
)

// Quota is the stored provider-reported view. Nil pointers mean the
// provider never reported that dimension. A zero ResetAt means the provider
// gave no reset time, in which case the hint is trusted until its storage
// TTL lapses.
type Quota struct {
	RemainingRequests *int64    `json:"remaining_requests,omitempty"`
	RemainingTokens   *int64    `json:"remaining_tokens,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Tracker stores and serves quota hints.
type Tracker struct {
	store      *counterstore.Store
	minTTL     time.Duration
	defaultTTL time.Duration
}

// New creates a tracker. minTTL floors the storage TTL so short reset
// windows don't cause entry thrash; defaultTTL applies when the provider
// reported no reset time.
func New(store *counterstore.Store, minTTL, defaultTTL time.Duration) *Tracker {
	return &Tracker{store: store, minTTL: minTTL, defaultTTL: defaultTTL}
}

// Ingest overwrites the stored hint with fresher provider metadata.
func (t *Tracker) Ingest(ctx context.Context, provider string, meta *backend.Meta, now time.Time) error {
	if meta == nil {
		return nil
	}

	q := Quota{
		RemainingRequests: meta.RemainingRequests,
		RemainingTokens:   meta.RemainingTokens,
		UpdatedAt:         now.UTC(),
	}

	ttl := t.defaultTTL
	if meta.ResetAt != nil {
		q.ResetAt = meta.ResetAt.UTC()
		ttl = meta.ResetAt.Sub(now)
	}
	if ttl < t.minTTL {
		ttl = t.minTTL
	}

	return t.store.SetValue(ctx, key(provider), q, ttl)
}

// Get returns the stored hint if it is still trustworthy. Once the
// reported reset time has passed the hint is unknown: a stale exhausted
// figure must not leak into the future.
func (t *Tracker) Get(ctx context.Context, provider string, now time.Time) (Quota, bool, error) {
	var q Quota
	ok, err := t.store.GetValue(ctx, key(provider), &q)
	if err != nil || !ok {
		return Quota{}, false, err
	}
	if !q.ResetAt.IsZero() && !now.Before(q.ResetAt) {
		return Quota{}, false, nil
	}
	return q, true, nil
}

func key(provider string) string {
	return fmt.Sprintf("router:extquota:%s", provider)
}
