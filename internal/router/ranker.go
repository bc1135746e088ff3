package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ledgerline/airouter/internal/budget"
	"github.com/ledgerline/airouter/internal/config"
	"github.com/ledgerline/airouter/internal/extquota"
	"github.com/ledgerline/airouter/internal/health"
	"github.com/ledgerline/airouter/internal/token"
)

// Candidate is one provider evaluated for a single routing decision. It is
// never persisted; the snapshot and reasons exist for this decision and its
// diagnostics only.
type Candidate struct {
	Provider string
	Reserved bool
	Eligible bool
	Score    float64
	Reasons  []string

	Budget          budget.Snapshot
	EstimatedTokens int64

	// Effective remaining figures after folding in external quota hints.
	// External hints only ever lower these, never raise them.
	EffectiveDailyRemaining  int64
	EffectiveTokensRemaining int64 // -1 when unlimited/unknown

	HealthScore float64

	cfg config.ProviderConfig
}

// ranker combines budget, health, and external quota state into an ordered
// candidate list, applying the reserve-provider policy.
type ranker struct {
	providers []config.ProviderConfig
	settings  config.RouterSettings
	budget    *budget.Tracker
	health    *health.Tracker
	quota     *extquota.Tracker
	estimator *token.Estimator
}

// rank evaluates every enabled provider in a single pass. It returns the
// eligible candidates sorted by score descending (stable on config order)
// and the full evaluated list in config order for diagnostics.
func (r *ranker) rank(ctx context.Context, prompt string, now time.Time) (eligible, all []Candidate, err error) {
	all = make([]Candidate, 0, len(r.providers))

	for _, p := range r.providers {
		c, err := r.evaluate(ctx, p, prompt, now)
		if err != nil {
			return nil, nil, err
		}
		all = append(all, c)
	}

	eligible = r.applyReservePolicy(all, now)

	// Stable: ties keep original configuration order.
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Score > eligible[j].Score
	})
	return eligible, all, nil
}

func (r *ranker) evaluate(ctx context.Context, p config.ProviderConfig, prompt string, now time.Time) (Candidate, error) {
	c := Candidate{
		Provider:                 p.Name,
		Reserved:                 p.Reserved,
		Eligible:                 true,
		EstimatedTokens:          r.estimator.Estimate(p.Model, prompt),
		EffectiveTokensRemaining: -1,
		cfg:                      p,
	}

	// Exclusion timers beat everything else, budgets included.
	if until, blocked, err := r.health.BlockedUntil(ctx, p.Name); err != nil {
		return c, err
	} else if blocked {
		c.ineligible(fmt.Sprintf("hard-blocked until %s", until.Format(time.RFC3339)))
	}
	if until, cooling, err := r.health.CooldownUntil(ctx, p.Name); err != nil {
		return c, err
	} else if cooling {
		c.ineligible(fmt.Sprintf("cooling down until %s", until.Format(time.RFC3339)))
	}

	snap, err := r.budget.Snapshot(ctx, p, now)
	if err != nil {
		return c, err
	}
	c.Budget = snap

	st, err := r.health.Load(ctx, p.Name)
	if err != nil {
		return c, err
	}
	c.HealthScore = st.Score()

	q, known, err := r.quota.Get(ctx, p.Name, now)
	if err != nil {
		return c, err
	}

	c.EffectiveDailyRemaining = snap.DailyRemaining
	if known && q.RemainingRequests != nil && *q.RemainingRequests < c.EffectiveDailyRemaining {
		c.EffectiveDailyRemaining = *q.RemainingRequests
	}

	c.EffectiveTokensRemaining = snap.TokensRemaining
	if known && q.RemainingTokens != nil {
		if c.EffectiveTokensRemaining < 0 || *q.RemainingTokens < c.EffectiveTokensRemaining {
			c.EffectiveTokensRemaining = *q.RemainingTokens
		}
	}

	if c.EffectiveDailyRemaining <= 0 {
		c.ineligible("daily request budget exhausted")
	}
	if snap.SliceRemaining <= 0 {
		c.ineligible("slice request budget exhausted")
	}
	if snap.MinuteRemaining <= 0 {
		c.ineligible("per-minute ceiling reached")
	}
	if snap.ConcurrencyRemaining <= 0 {
		c.ineligible("no concurrency slots free")
	}
	// A known positive token ceiling below the estimated cost blocks; an
	// unknown or zero ceiling does not.
	if c.EffectiveTokensRemaining > 0 && c.EffectiveTokensRemaining < c.EstimatedTokens {
		c.ineligible(fmt.Sprintf("insufficient tokens: %d remaining, %d estimated", c.EffectiveTokensRemaining, c.EstimatedTokens))
	}

	c.Score = r.score(p, c, snap, q, known)
	return c, nil
}

// score is the weighted sum of priority, health, and remaining-budget
// ratios, minus a penalty when the provider itself reports it is close to
// its own ceiling (discourages racing a provider to exhaustion).
func (r *ranker) score(p config.ProviderConfig, c Candidate, snap budget.Snapshot, q extquota.Quota, quotaKnown bool) float64 {
	s := r.settings

	score := float64(p.Priority)*s.PriorityWeight +
		c.HealthScore*s.HealthWeight +
		ratio(c.EffectiveDailyRemaining, p.DailyBudgetRequests)*s.DailyWeight +
		ratio(snap.SliceRemaining, snap.SliceBudget)*s.SliceWeight +
		ratio(snap.MinuteRemaining, p.MaxRequestsPerMinute)*s.MinuteWeight

	if quotaKnown && q.RemainingRequests != nil {
		if ratio(*q.RemainingRequests, p.DailyBudgetRequests) < s.LowQuotaThreshold {
			score -= s.LowQuotaPenalty
		}
	}
	return score
}

// applyReservePolicy returns the eligible set with the reserved provider
// excluded while any non-reserved provider can serve, unless the release
// condition holds: the daily reset is near and the non-reserved providers
// are close to exhaustion.
func (r *ranker) applyReservePolicy(all []Candidate, now time.Time) []Candidate {
	var nonReserved []Candidate
	var reserved *Candidate
	for i := range all {
		c := all[i]
		if !c.Eligible {
			continue
		}
		if c.Reserved {
			reserved = &all[i]
			continue
		}
		nonReserved = append(nonReserved, c)
	}

	if reserved == nil {
		return nonReserved
	}
	if len(nonReserved) == 0 {
		return append(nonReserved, *reserved)
	}
	if r.reserveReleased(nonReserved, now) {
		return append(nonReserved, *reserved)
	}

	reserved.Eligible = false
	reserved.Reasons = append(reserved.Reasons, "held in reserve")
	return nonReserved
}

func (r *ranker) reserveReleased(nonReserved []Candidate, now time.Time) bool {
	hoursToReset := hoursUntilNextUTCDay(now)
	if hoursToReset >= r.settings.ReserveReleaseHours {
		return false
	}

	var sum float64
	for _, c := range nonReserved {
		sum += ratio(c.EffectiveDailyRemaining, c.cfg.DailyBudgetRequests)
	}
	avg := sum / float64(len(nonReserved))
	return avg < r.settings.ReserveReleaseRatio
}

func hoursUntilNextUTCDay(now time.Time) float64 {
	u := now.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(u).Hours()
}

func ratio(remaining, budget int64) float64 {
	if budget <= 0 {
		return 0
	}
	r := float64(remaining) / float64(budget)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func (c *Candidate) ineligible(reason string) {
	c.Eligible = false
	c.Reasons = append(c.Reasons, reason)
}
