// Package router is the budget-aware, health-aware admission-control and
// routing layer: it ranks configured providers by budgets, health, and
// provider-reported quota, then attempts them in order until one returns a
// validated structured result.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/airouter/internal/backend"
	"github.com/ledgerline/airouter/internal/budget"
	"github.com/ledgerline/airouter/internal/config"
	"github.com/ledgerline/airouter/internal/counterstore"
	"github.com/ledgerline/airouter/internal/extquota"
	"github.com/ledgerline/airouter/internal/health"
	"github.com/ledgerline/airouter/internal/metrics"
	"github.com/ledgerline/airouter/internal/token"
)

// Validator checks a provider's raw structured payload and converts it to
// the caller's result type. A validation error counts as that candidate's
// failure, not a silent fallback.
type Validator func(provider string, raw json.RawMessage) (any, error)

// Request is one logical generate-structured-output call.
type Request struct {
	Prompt   string
	Schema   backend.SchemaDescriptor
	Validate Validator
}

// Response is the first successful, validated candidate result.
type Response struct {
	Provider string
	Data     any
	Raw      json.RawMessage
	Latency  time.Duration
}

// Router dispatches requests across the configured providers. All shared
// mutable state lives in the counter store; Router itself holds none, so
// any number of callers and processes may execute concurrently.
type Router struct {
	providers []config.ProviderConfig
	settings  config.RouterSettings
	backends  map[string]backend.Backend

	store      *counterstore.Store
	budget     *budget.Tracker
	health     *health.Tracker
	quota      *extquota.Tracker
	rank       *ranker
	estimator  *token.Estimator
	collectors *metrics.Collectors
}

// New constructs a Router. Configuration problems — no enabled provider,
// a provider without a backend binding, more than one reserved provider —
// fail here, not on the first call.
func New(cfg *config.Config, store *counterstore.Store, backends map[string]backend.Backend, collectors *metrics.Collectors) (*Router, error) {
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	enabled := cfg.Enabled()
	for _, p := range enabled {
		if _, ok := backends[p.Name]; !ok {
			return nil, fmt.Errorf("router: no backend bound for enabled provider %q", p.Name)
		}
	}

	bt := budget.New(store, cfg.Router.SliceMinutes, cfg.Router.BurstFactor)
	ht := health.New(store, cfg.Router.CooldownTime, cfg.Router.BlockTime)
	qt := extquota.New(store, cfg.Router.ExternalQuotaMinTTL, cfg.Router.ExternalQuotaDefaultTTL)
	est := token.New()

	return &Router{
		providers:  enabled,
		settings:   cfg.Router,
		backends:   backends,
		store:      store,
		budget:     bt,
		health:     ht,
		quota:      qt,
		estimator:  est,
		collectors: collectors,
		rank: &ranker{
			providers: enabled,
			settings:  cfg.Router,
			budget:    bt,
			health:    ht,
			quota:     qt,
			estimator: est,
		},
	}, nil
}

// Execute runs one routing decision: rank candidates, try them strictly in
// descending score order, and return the first validated result. When every
// candidate fails the last categorized error surfaces; a success is never
// synthesized.
func (r *Router) Execute(ctx context.Context, req Request) (*Response, error) {
	reqID := uuid.New().String()
	now := time.Now()

	eligible, all, err := r.rank.rank(ctx, req.Prompt, now)
	if err != nil {
		return nil, err
	}
	r.publishGauges(all)

	for _, c := range all {
		if !c.Eligible {
			log.Printf("router: req=%s provider=%s ineligible: %v", reqID, c.Provider, c.Reasons)
		}
	}

	if len(eligible) == 0 {
		return nil, fmt.Errorf("router: req=%s: %w", reqID, ErrNoEligibleProvider)
	}

	var lastErr *Error
	for _, cand := range eligible {
		resp, attemptErr, fatal := r.attempt(ctx, reqID, cand, req)
		if fatal != nil {
			return nil, fatal
		}
		if attemptErr == nil && resp != nil {
			return resp, nil
		}
		if attemptErr != nil {
			lastErr = attemptErr
		}
	}

	if lastErr == nil {
		// Every candidate lost its concurrency slot race; treat as no
		// eligible provider rather than inventing a provider failure.
		return nil, fmt.Errorf("router: req=%s: %w", reqID, ErrNoEligibleProvider)
	}
	return nil, lastErr
}

// attempt runs a single candidate. The returned fatal error aborts the
// whole decision (counter store unreachable); attemptErr moves on to the
// next candidate; a nil resp with nil errors means the concurrency slot
// could not be acquired and the candidate is skipped without penalty.
func (r *Router) attempt(ctx context.Context, reqID string, cand Candidate, req Request) (resp *Response, attemptErr *Error, fatal error) {
	p := cand.cfg

	acquired, err := r.budget.AcquireSlot(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	if !acquired {
		log.Printf("router: req=%s provider=%s skipped: concurrency slot unavailable", reqID, p.Name)
		r.collectors.RecordSkip(p.Name, "concurrency")
		return nil, nil, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.budget.ReleaseSlot(releaseCtx, p); err != nil {
			log.Printf("router: req=%s provider=%s release slot: %v", reqID, p.Name, err)
		}
	}()

	now := time.Now()

	// Request consumption is recorded for every attempt that holds a slot,
	// including ones that die before the network call — otherwise a
	// provider whose binding is broken in-process would be retried forever.
	if err := r.budget.RecordRequest(ctx, p, now); err != nil {
		return nil, nil, err
	}
	if err := r.recordAssigned(ctx, p.Name, now); err != nil {
		return nil, nil, err
	}

	b := r.backends[p.Name]
	start := time.Now()
	result, callErr := b.Execute(ctx, req.Prompt, req.Schema)
	latency := time.Since(start)

	if callErr == nil {
		var valErr error
		resp, valErr, fatal = r.finishSuccess(ctx, reqID, cand, req, result, latency)
		if fatal != nil {
			return nil, nil, fatal
		}
		if resp != nil {
			return resp, nil, nil
		}
		callErr = valErr
	}

	cat := health.Classify(callErr)
	if err := r.health.RecordFailure(ctx, p.Name, cat, callErr.Error()); err != nil {
		return nil, nil, err
	}
	if err := r.recordOutcome(ctx, p.Name, "error", latency, now); err != nil {
		return nil, nil, err
	}
	r.collectors.RecordAttempt(p.Name, "error")
	log.Printf("router: req=%s provider=%s failed (%s): %v", reqID, p.Name, cat, callErr)

	return nil, &Error{Category: cat, Provider: p.Name, Message: callErr.Error(), Err: callErr}, nil
}

// finishSuccess records consumption and outcome for a successful provider
// call and validates the payload. A validation failure comes back as
// valErr and counts as this candidate's failure; fatal covers counter
// store errors, which abort the whole decision.
func (r *Router) finishSuccess(ctx context.Context, reqID string, cand Candidate, req Request, result *backend.Result, latency time.Duration) (resp *Response, valErr, fatal error) {
	p := cand.cfg
	now := time.Now()

	// Tokens are estimated post-response from the payload actually
	// exchanged, so counters reflect real usage.
	tokens := cand.EstimatedTokens + r.estimator.Estimate(p.Model, string(result.Data))
	if err := r.budget.RecordTokens(ctx, p, tokens, now); err != nil {
		return nil, nil, err
	}
	if err := r.quota.Ingest(ctx, p.Name, result.Meta, now); err != nil {
		return nil, nil, err
	}

	data := any(result.Data)
	if req.Validate != nil {
		v, err := req.Validate(p.Name, result.Data)
		if err != nil {
			return nil, fmt.Errorf("validate %s payload: %v: %w", p.Name, err, backend.ErrInvalidPayload), nil
		}
		data = v
	}

	if err := r.health.RecordSuccess(ctx, p.Name); err != nil {
		return nil, nil, err
	}
	if err := r.recordOutcome(ctx, p.Name, "success", latency, now); err != nil {
		return nil, nil, err
	}
	if err := r.recordTokensMetric(ctx, p.Name, tokens, now); err != nil {
		return nil, nil, err
	}
	r.collectors.RecordAttempt(p.Name, "success")
	r.collectors.ObserveLatency(p.Name, latency.Seconds())
	r.collectors.AddTokens(p.Name, tokens)
	log.Printf("router: req=%s provider=%s succeeded in %s (%d tokens)", reqID, p.Name, latency, tokens)

	return &Response{
		Provider: p.Name,
		Data:     data,
		Raw:      result.Data,
		Latency:  latency,
	}, nil, nil
}

func (r *Router) publishGauges(all []Candidate) {
	for _, c := range all {
		r.collectors.SetDailyRemaining(c.Provider, ratio(c.EffectiveDailyRemaining, c.cfg.DailyBudgetRequests))
		r.collectors.SetHealthScore(c.Provider, c.HealthScore)
	}
}
