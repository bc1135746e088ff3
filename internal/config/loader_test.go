package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "router_config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validConfig = `
providers:
  - name: primary
    kind: openai_compat
    base_url: https://api.example.com/v1
    api_key: os.environ/PRIMARY_API_KEY
    model: gpt-4o-mini
    priority: 90
    daily_budget_requests: 5000
    daily_budget_tokens: 2000000
    max_concurrency: 8
    max_requests_per_minute: 60
    enabled: true
  - name: fallback
    kind: openai_compat
    base_url: https://alt.example.com/v1
    model: gpt-4o
    priority: 20
    daily_budget_requests: 500
    max_concurrency: 2
    max_requests_per_minute: 10
    enabled: true
    reserved: true
router_settings:
  slice_minutes: 15
  burst_factor: 2.0
`

func TestLoad_Valid(t *testing.T) {
	t.Setenv("PRIMARY_API_KEY", "sk-test-123")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "sk-test-123", cfg.Providers[0].APIKey, "env reference resolves")
	assert.Equal(t, int64(2000000), cfg.Providers[0].DailyBudgetTokens)
	assert.True(t, cfg.Providers[1].Reserved)

	assert.Equal(t, 15, cfg.Router.SliceMinutes)
	assert.Equal(t, 2.0, cfg.Router.BurstFactor)
	// Unset fields get defaults.
	assert.Equal(t, DefaultCooldownTime, cfg.Router.CooldownTime)
	assert.Equal(t, DefaultReserveReleaseRatio, cfg.Router.ReserveReleaseRatio)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_NoEnabledProvider(t *testing.T) {
	cfg := &Config{Providers: []ProviderConfig{{Name: "a", Kind: "openai_compat"}}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one enabled provider")
}

func TestValidate_DuplicateNames(t *testing.T) {
	cfg := &Config{Providers: []ProviderConfig{
		{Name: "a", Kind: "openai_compat", Enabled: true, DailyBudgetRequests: 1, MaxConcurrency: 1, MaxRequestsPerMinute: 1},
		{Name: "a", Kind: "openai_compat"},
	}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate provider name")
}

func TestValidate_TwoReserved(t *testing.T) {
	p := ProviderConfig{Kind: "openai_compat", Enabled: true, Reserved: true, DailyBudgetRequests: 1, MaxConcurrency: 1, MaxRequestsPerMinute: 1}
	a, b := p, p
	a.Name = "a"
	b.Name = "b"
	cfg := &Config{Providers: []ProviderConfig{a, b}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most one provider may be reserved")
}

func TestValidate_BudgetBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ProviderConfig)
		want   string
	}{
		{"zero daily budget", func(p *ProviderConfig) { p.DailyBudgetRequests = 0 }, "daily_budget_requests"},
		{"negative token budget", func(p *ProviderConfig) { p.DailyBudgetTokens = -1 }, "daily_budget_tokens"},
		{"zero concurrency", func(p *ProviderConfig) { p.MaxConcurrency = 0 }, "max_concurrency"},
		{"zero rpm", func(p *ProviderConfig) { p.MaxRequestsPerMinute = 0 }, "max_requests_per_minute"},
		{"priority out of range", func(p *ProviderConfig) { p.Priority = 101 }, "priority"},
		{"missing kind", func(p *ProviderConfig) { p.Kind = "" }, "kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ProviderConfig{
				Name: "a", Kind: "openai_compat", Enabled: true,
				DailyBudgetRequests: 10, MaxConcurrency: 1, MaxRequestsPerMinute: 1,
			}
			tt.mutate(&p)
			err := Validate(&Config{Providers: []ProviderConfig{p}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveEnvVar(t *testing.T) {
	t.Setenv("SOME_KEY", "value-1")

	assert.Equal(t, "value-1", ResolveEnvVar("os.environ/SOME_KEY"))
	assert.Equal(t, "", ResolveEnvVar("os.environ/UNSET_KEY_XYZ"))
	assert.Equal(t, "plain", ResolveEnvVar("plain"))
}
