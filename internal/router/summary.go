package router

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/airouter/internal/budget"
)

// Per-day operational metrics live in one hash per provider per UTC day.
// Fields are only ever incremented atomically; the hash self-expires.
const metricsTTL = 72 * time.Hour

const (
	fieldAssigned  = "assigned"
	fieldSuccess   = "success"
	fieldError     = "error"
	fieldLatencyMS = "latency_ms"
	fieldTokens    = "tokens"
)

// DaySummary is one provider's figures for a UTC day.
type DaySummary struct {
	Assigned     int64   `json:"assigned"`
	Success      int64   `json:"success"`
	Errors       int64   `json:"errors"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
}

func metricsKey(day, provider string) string {
	return fmt.Sprintf("router:metrics:%s:%s", day, provider)
}

func (r *Router) recordAssigned(ctx context.Context, provider string, now time.Time) error {
	_, err := r.store.AdjustField(ctx, metricsKey(budget.DayBucket(now), provider), fieldAssigned, 1, metricsTTL)
	return err
}

func (r *Router) recordOutcome(ctx context.Context, provider, outcome string, latency time.Duration, now time.Time) error {
	key := metricsKey(budget.DayBucket(now), provider)
	field := fieldError
	if outcome == "success" {
		field = fieldSuccess
	}
	if _, err := r.store.AdjustField(ctx, key, field, 1, metricsTTL); err != nil {
		return err
	}
	_, err := r.store.AdjustField(ctx, key, fieldLatencyMS, latency.Milliseconds(), metricsTTL)
	return err
}

func (r *Router) recordTokensMetric(ctx context.Context, provider string, tokens int64, now time.Time) error {
	if tokens <= 0 {
		return nil
	}
	_, err := r.store.AdjustField(ctx, metricsKey(budget.DayBucket(now), provider), fieldTokens, tokens, metricsTTL)
	return err
}

// DailySummary returns per-provider figures for the given UTC day
// ("2006-01-02"); the empty string means today. Read-only: calling it twice
// without intervening executes returns identical figures.
func (r *Router) DailySummary(ctx context.Context, day string) (map[string]DaySummary, error) {
	if day == "" {
		day = budget.DayBucket(time.Now())
	}

	out := make(map[string]DaySummary, len(r.providers))
	for _, p := range r.providers {
		fields, err := r.store.ReadFields(ctx, metricsKey(day, p.Name))
		if err != nil {
			return nil, err
		}

		s := DaySummary{
			Assigned: fields[fieldAssigned],
			Success:  fields[fieldSuccess],
			Errors:   fields[fieldError],
			Tokens:   fields[fieldTokens],
		}
		s.Requests = s.Assigned
		if attempts := s.Success + s.Errors; attempts > 0 {
			s.AvgLatencyMS = float64(fields[fieldLatencyMS]) / float64(attempts)
		}
		out[p.Name] = s
	}
	return out, nil
}
