// Package metrics exports router observability to Prometheus.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the router's Prometheus metrics.
type Collectors struct {
	requestCounter *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	tokenCounter   *prometheus.CounterVec
	skipCounter    *prometheus.CounterVec
	dailyRemaining *prometheus.GaugeVec
	healthScore    *prometheus.GaugeVec
}

var (
	collectorsOnce sync.Once
	collectors     *Collectors
)

// NewCollectors creates (once) and returns the router metric collectors.
func NewCollectors() *Collectors {
	collectorsOnce.Do(func() {
		collectors = &Collectors{
			requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "airouter_attempts_total",
				Help: "Provider attempts by outcome",
			}, []string{"provider", "status"}),

			attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "airouter_attempt_latency_seconds",
				Help:    "Provider call latency",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider"}),

			tokenCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "airouter_tokens_total",
				Help: "Estimated tokens consumed",
			}, []string{"provider"}),

			skipCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "airouter_candidate_skips_total",
				Help: "Candidates skipped during routing",
			}, []string{"provider", "reason"}),

			dailyRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "airouter_daily_remaining_ratio",
				Help: "Effective remaining share of the daily request budget",
			}, []string{"provider"}),

			healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "airouter_health_score",
				Help: "Provider health score (0-100)",
			}, []string{"provider"}),
		}

		prometheus.MustRegister(
			collectors.requestCounter,
			collectors.attemptLatency,
			collectors.tokenCounter,
			collectors.skipCounter,
			collectors.dailyRemaining,
			collectors.healthScore,
		)
	})

	return collectors
}

func (c *Collectors) RecordAttempt(provider, status string) {
	if c == nil {
		return
	}
	c.requestCounter.WithLabelValues(provider, status).Inc()
}

func (c *Collectors) ObserveLatency(provider string, seconds float64) {
	if c == nil {
		return
	}
	c.attemptLatency.WithLabelValues(provider).Observe(seconds)
}

func (c *Collectors) AddTokens(provider string, tokens int64) {
	if c == nil {
		return
	}
	c.tokenCounter.WithLabelValues(provider).Add(float64(tokens))
}

func (c *Collectors) RecordSkip(provider, reason string) {
	if c == nil {
		return
	}
	c.skipCounter.WithLabelValues(provider, reason).Inc()
}

func (c *Collectors) SetDailyRemaining(provider string, ratio float64) {
	if c == nil {
		return
	}
	c.dailyRemaining.WithLabelValues(provider).Set(ratio)
}

func (c *Collectors) SetHealthScore(provider string, score float64) {
	if c == nil {
		return
	}
	c.healthScore.WithLabelValues(provider).Set(score)
}
