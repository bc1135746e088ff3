// Package health keeps per-provider rolling success/failure state in the
// counter store, classifies failures into a closed set of categories, and
// owns the cooldown and hard-block timers that take a provider out of
// rotation.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/airouter/internal/backend"
	"github.com/ledgerline/airouter/internal/counterstore"
)

// Category is the closed failure taxonomy. Classification happens exactly
// once, at the boundary where a raw provider error is first observed, and
// is carried as data from then on.
type Category int

const (
	// CategoryInvalidResponse covers unparseable or non-schema-conforming
	// provider output.
	CategoryInvalidResponse Category = iota
	// CategoryAuthConfig covers credential and configuration failures.
	CategoryAuthConfig
	// CategoryBilling covers quota-exceeded failures that demand payment.
	CategoryBilling
	// CategoryRateLimited covers ordinary throttling.
	CategoryRateLimited
	// CategoryGeneric covers every other provider-side error, transport
	// failures and timeouts included.
	CategoryGeneric
)

func (c Category) String() string {
	switch c {
	case CategoryInvalidResponse:
		return "invalid_response"
	case CategoryAuthConfig:
		return "auth_or_config"
	case CategoryBilling:
		return "billing_required"
	case CategoryRateLimited:
		return "rate_limited"
	default:
		return "provider_error"
	}
}

// Classify maps a raw backend error to its category. Typed backend errors
// classify by HTTP status, unparseable payloads by sentinel; anything else
// is generic.
func Classify(err error) Category {
	if errors.Is(err, backend.ErrInvalidPayload) {
		return CategoryInvalidResponse
	}
	var be *backend.Error
	if errors.As(err, &be) {
		switch be.StatusCode {
		case 401, 403:
			return CategoryAuthConfig
		case 402:
			return CategoryBilling
		case 429:
			return CategoryRateLimited
		}
	}
	return CategoryGeneric
}

// State is the per-provider health snapshot assembled from the rolling
// counters. Counters are only ever appended to and expire after the
// retention window.
type State struct {
	Success          int64
	Failure          int64
	InvalidResponses int64
	RateLimited      int64
	BillingRequired  int64
	ProviderErrors   int64

	LastError *LastError
}

// LastError records the most recent failure for diagnostics.
type LastError struct {
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Penalty weights per failure category. Invalid responses weigh heaviest:
// a provider that returns garbage is worse than one that throttles.
const (
	penaltyInvalid     = 8.0
	penaltyBilling     = 5.0
	penaltyRateLimited = 2.0
	penaltyGeneric     = 2.0
)

const retention = 7 * 24 * time.Hour

// Tracker reads and mutates health state. Every counter mutation is a
// single atomic adjust on the store; no read-modify-write on shared keys.
type Tracker struct {
	store    *counterstore.Store
	cooldown time.Duration
	block    time.Duration
}

// New creates a health tracker with the configured exclusion windows.
func New(store *counterstore.Store, cooldown, block time.Duration) *Tracker {
	return &Tracker{store: store, cooldown: cooldown, block: block}
}

// RecordSuccess bumps the provider's success counter.
func (t *Tracker) RecordSuccess(ctx context.Context, provider string) error {
	_, err := t.store.Adjust(ctx, counterKey("success", provider), 1, retention, false)
	return err
}

// RecordFailure bumps the failure counters for the classified category and
// applies its side effect: auth/config and billing failures hard-block the
// provider; everything else applies the short cooldown.
func (t *Tracker) RecordFailure(ctx context.Context, provider string, cat Category, errMsg string) error {
	if _, err := t.store.Adjust(ctx, counterKey("failure", provider), 1, retention, false); err != nil {
		return err
	}

	var catField string
	switch cat {
	case CategoryInvalidResponse:
		catField = "invalid"
	case CategoryBilling:
		catField = "billing"
	case CategoryRateLimited:
		catField = "ratelimited"
	default:
		// Auth/config and generic failures share the provider-error counter.
		catField = "providererr"
	}
	if _, err := t.store.Adjust(ctx, counterKey(catField, provider), 1, retention, false); err != nil {
		return err
	}

	last := LastError{Category: cat.String(), Message: errMsg, UpdatedAt: time.Now().UTC()}
	if err := t.store.SetValue(ctx, lastErrorKey(provider), last, retention); err != nil {
		return err
	}

	switch cat {
	case CategoryAuthConfig, CategoryBilling:
		return t.startTimer(ctx, blockKey(provider), t.block)
	default:
		return t.startTimer(ctx, cooldownKey(provider), t.cooldown)
	}
}

// Load assembles the full health state for a provider.
func (t *Tracker) Load(ctx context.Context, provider string) (State, error) {
	var st State
	var err error

	if st.Success, err = t.store.Read(ctx, counterKey("success", provider)); err != nil {
		return st, err
	}
	if st.Failure, err = t.store.Read(ctx, counterKey("failure", provider)); err != nil {
		return st, err
	}
	if st.InvalidResponses, err = t.store.Read(ctx, counterKey("invalid", provider)); err != nil {
		return st, err
	}
	if st.RateLimited, err = t.store.Read(ctx, counterKey("ratelimited", provider)); err != nil {
		return st, err
	}
	if st.BillingRequired, err = t.store.Read(ctx, counterKey("billing", provider)); err != nil {
		return st, err
	}
	if st.ProviderErrors, err = t.store.Read(ctx, counterKey("providererr", provider)); err != nil {
		return st, err
	}

	var last LastError
	ok, err := t.store.GetValue(ctx, lastErrorKey(provider), &last)
	if err != nil {
		return st, err
	}
	if ok {
		st.LastError = &last
	}
	return st, nil
}

// Score computes the 0-100 health figure: success rate scaled to 100 minus
// the category-weighted penalty, floored at zero. A provider with no
// attempts yet scores 100, the optimistic default for untested providers.
func (st State) Score() float64 {
	attempts := st.Success + st.Failure
	rate := 100.0
	if attempts > 0 {
		rate = float64(st.Success) / float64(attempts) * 100
	}

	penalty := float64(st.InvalidResponses)*penaltyInvalid +
		float64(st.BillingRequired)*penaltyBilling +
		float64(st.RateLimited)*penaltyRateLimited +
		float64(st.ProviderErrors)*penaltyGeneric

	score := rate - penalty
	if score < 0 {
		return 0
	}
	return score
}

// CooldownUntil returns the active cooldown expiry, if any.
func (t *Tracker) CooldownUntil(ctx context.Context, provider string) (time.Time, bool, error) {
	return t.readTimer(ctx, cooldownKey(provider))
}

// BlockedUntil returns the active hard-block expiry, if any.
func (t *Tracker) BlockedUntil(ctx context.Context, provider string) (time.Time, bool, error) {
	return t.readTimer(ctx, blockKey(provider))
}

// startTimer stores the exclusion expiry with a matching TTL, so the entry
// disappears exactly when the window ends.
func (t *Tracker) startTimer(ctx context.Context, key string, d time.Duration) error {
	until := time.Now().UTC().Add(d)
	return t.store.SetValue(ctx, key, until, d)
}

func (t *Tracker) readTimer(ctx context.Context, key string) (time.Time, bool, error) {
	var until time.Time
	ok, err := t.store.GetValue(ctx, key, &until)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func counterKey(field, provider string) string {
	return fmt.Sprintf("router:health:%s:%s", field, provider)
}

func lastErrorKey(provider string) string {
	return fmt.Sprintf("router:health:lasterror:%s", provider)
}

func cooldownKey(provider string) string {
	return fmt.Sprintf("router:cooldown:%s", provider)
}

func blockKey(provider string) string {
	return fmt.Sprintf("router:block:%s", provider)
}
