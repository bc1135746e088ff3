package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Load reads a router_config.yaml, resolves environment references,
// applies defaults, and validates the result. Validation failures are
// returned eagerly here rather than surfacing on the first routed call.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].APIKey = ResolveEnvVar(cfg.Providers[i].APIKey)
		cfg.Providers[i].BaseURL = ResolveEnvVar(cfg.Providers[i].BaseURL)
	}

	setDefaults(&cfg)
	warnOverflow(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks provider entries for construction-time errors.
func Validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("config: no providers defined")
	}

	seen := make(map[string]bool, len(cfg.Providers))
	enabled := 0
	reserved := 0
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: providers[%d] missing name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true

		if !p.Enabled {
			continue
		}
		enabled++
		if p.Reserved {
			reserved++
		}
		if p.Kind == "" {
			return fmt.Errorf("config: provider %q missing kind", p.Name)
		}
		if p.Priority < 0 || p.Priority > 100 {
			return fmt.Errorf("config: provider %q priority %d out of range [0,100]", p.Name, p.Priority)
		}
		if p.DailyBudgetRequests <= 0 {
			return fmt.Errorf("config: provider %q requires a positive daily_budget_requests", p.Name)
		}
		if p.DailyBudgetTokens < 0 {
			return fmt.Errorf("config: provider %q daily_budget_tokens must not be negative", p.Name)
		}
		if p.MaxConcurrency <= 0 {
			return fmt.Errorf("config: provider %q requires a positive max_concurrency", p.Name)
		}
		if p.MaxRequestsPerMinute <= 0 {
			return fmt.Errorf("config: provider %q requires a positive max_requests_per_minute", p.Name)
		}
	}

	if enabled == 0 {
		return fmt.Errorf("config: at least one enabled provider is required")
	}
	if reserved > 1 {
		return fmt.Errorf("config: at most one provider may be reserved, got %d", reserved)
	}
	return nil
}

func warnOverflow(cfg *Config) {
	logOverflow("config", cfg.Overflow)
	logOverflow("router_settings", cfg.Router.Overflow)
}

func logOverflow(section string, overflow map[string]any) {
	if len(overflow) == 0 {
		return
	}
	keys := make([]string, 0, len(overflow))
	for k := range overflow {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		warnf("config: unrecognized field %s.%s — field will be ignored", section, k)
	}
}
