package config

import (
	"time"
)

// Config is the top-level router_config.yaml structure.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterSettings   `yaml:"router_settings"`

	// Overflow captures unknown top-level YAML fields so older configs
	// keep loading after fields are removed.
	Overflow map[string]any `yaml:",inline"`
}

// ProviderConfig describes one inference provider. Immutable for the
// process lifetime once loaded.
type ProviderConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	Model   string `yaml:"model,omitempty"`

	// Priority is a 0-100 relative weight used by the ranker.
	Priority int `yaml:"priority"`

	// DailyBudgetRequests caps requests per UTC day.
	DailyBudgetRequests int64 `yaml:"daily_budget_requests"`

	// DailyBudgetTokens caps tokens per UTC day. 0 means unlimited.
	DailyBudgetTokens int64 `yaml:"daily_budget_tokens,omitempty"`

	MaxConcurrency       int   `yaml:"max_concurrency"`
	MaxRequestsPerMinute int64 `yaml:"max_requests_per_minute"`

	Enabled bool `yaml:"enabled"`

	// Reserved withholds this provider from normal rotation until the
	// non-reserved providers near daily exhaustion. At most one provider
	// may be reserved.
	Reserved bool `yaml:"reserved,omitempty"`
}

// RouterSettings configures ranking, windows, and exclusion timers.
type RouterSettings struct {
	// SliceMinutes is the intraday burst-control window size.
	SliceMinutes int `yaml:"slice_minutes,omitempty"`

	// BurstFactor scales the per-slice budget above the perfectly even
	// daily allocation. Must be > 1.
	BurstFactor float64 `yaml:"burst_factor,omitempty"`

	// Score weights (w1..w5): priority, health, daily, slice, minute.
	PriorityWeight float64 `yaml:"priority_weight,omitempty"`
	HealthWeight   float64 `yaml:"health_weight,omitempty"`
	DailyWeight    float64 `yaml:"daily_weight,omitempty"`
	SliceWeight    float64 `yaml:"slice_weight,omitempty"`
	MinuteWeight   float64 `yaml:"minute_weight,omitempty"`

	// LowQuotaThreshold is the externally-reported remaining ratio under
	// which LowQuotaPenalty is subtracted from the score.
	LowQuotaThreshold float64 `yaml:"low_quota_threshold,omitempty"`
	LowQuotaPenalty   float64 `yaml:"low_quota_penalty,omitempty"`

	// Reserve release condition: the reserved provider joins the rotation
	// when hours until the next UTC daily reset drop below
	// ReserveReleaseHours AND the average remaining-daily ratio across
	// non-reserved eligible providers is below ReserveReleaseRatio.
	ReserveReleaseHours float64 `yaml:"reserve_release_hours,omitempty"`
	ReserveReleaseRatio float64 `yaml:"reserve_release_ratio,omitempty"`

	CooldownTime time.Duration `yaml:"cooldown_time,omitempty"`
	BlockTime    time.Duration `yaml:"block_time,omitempty"`

	// External quota entry lifetime bounds.
	ExternalQuotaMinTTL     time.Duration `yaml:"external_quota_min_ttl,omitempty"`
	ExternalQuotaDefaultTTL time.Duration `yaml:"external_quota_default_ttl,omitempty"`

	Overflow map[string]any `yaml:",inline"`
}

// Defaults applied by Load for unset RouterSettings fields.
const (
	DefaultSliceMinutes = 30
	DefaultBurstFactor  = 1.5

	DefaultPriorityWeight = 1.0
	DefaultHealthWeight   = 0.5
	DefaultDailyWeight    = 40.0
	DefaultSliceWeight    = 15.0
	DefaultMinuteWeight   = 10.0

	DefaultLowQuotaThreshold = 0.1
	DefaultLowQuotaPenalty   = 25.0

	DefaultReserveReleaseHours = 4.0
	DefaultReserveReleaseRatio = 0.2

	DefaultCooldownTime = 2 * time.Minute
	DefaultBlockTime    = 6 * time.Hour

	DefaultExternalQuotaMinTTL     = 5 * time.Minute
	DefaultExternalQuotaDefaultTTL = time.Hour
)

// ApplyDefaults fills unset RouterSettings fields. Load calls this; callers
// constructing a Config in code get the same defaulting via router.New.
func (c *Config) ApplyDefaults() {
	setDefaults(c)
}

func setDefaults(cfg *Config) {
	rs := &cfg.Router
	if rs.SliceMinutes <= 0 {
		rs.SliceMinutes = DefaultSliceMinutes
	}
	if rs.BurstFactor <= 1 {
		rs.BurstFactor = DefaultBurstFactor
	}
	if rs.PriorityWeight == 0 {
		rs.PriorityWeight = DefaultPriorityWeight
	}
	if rs.HealthWeight == 0 {
		rs.HealthWeight = DefaultHealthWeight
	}
	if rs.DailyWeight == 0 {
		rs.DailyWeight = DefaultDailyWeight
	}
	if rs.SliceWeight == 0 {
		rs.SliceWeight = DefaultSliceWeight
	}
	if rs.MinuteWeight == 0 {
		rs.MinuteWeight = DefaultMinuteWeight
	}
	if rs.LowQuotaThreshold == 0 {
		rs.LowQuotaThreshold = DefaultLowQuotaThreshold
	}
	if rs.LowQuotaPenalty == 0 {
		rs.LowQuotaPenalty = DefaultLowQuotaPenalty
	}
	if rs.ReserveReleaseHours == 0 {
		rs.ReserveReleaseHours = DefaultReserveReleaseHours
	}
	if rs.ReserveReleaseRatio == 0 {
		rs.ReserveReleaseRatio = DefaultReserveReleaseRatio
	}
	if rs.CooldownTime == 0 {
		rs.CooldownTime = DefaultCooldownTime
	}
	if rs.BlockTime == 0 {
		rs.BlockTime = DefaultBlockTime
	}
	if rs.ExternalQuotaMinTTL == 0 {
		rs.ExternalQuotaMinTTL = DefaultExternalQuotaMinTTL
	}
	if rs.ExternalQuotaDefaultTTL == 0 {
		rs.ExternalQuotaDefaultTTL = DefaultExternalQuotaDefaultTTL
	}
}

// Enabled returns the enabled providers in configuration order.
func (c *Config) Enabled() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}
