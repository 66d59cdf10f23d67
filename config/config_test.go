package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const inlineYAML = `
dry_run: true
log:
  level: warn
quote:
  cooldown_seconds: 45
markets:
  list:
    - condition_id: "0xabc"
      token1: "1"
      token2: "2"
      tick_size: 0.01
      max_spread: 3
      trade_size: 50
      max_size: 200
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// clearEnv aísla el test de las variables del entorno de desarrollo.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PK", "FUNDER", "BROWSER_ADDRESS", "RPC_URL", "REDIS_URL",
		"POLY_API_KEY", "POLY_API_SECRET", "POLY_API_PASSPHRASE",
		"DRY_RUN", "AGGRESSIVE_MODE", "TWO_SIDED_MARKET_MAKING", "SIMULATION_MATCHING_MODE",
		"LOG_LEVEL", "LOG_FORMAT", "HTTP_ADDR",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_InlineDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, inlineYAML))
	require.NoError(t, err)

	assert.True(t, cfg.DryRun)
	assert.Equal(t, "inline", cfg.Markets.Source)
	assert.Len(t, cfg.Markets.List, 1)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 45*time.Second, cfg.Cooldown())
	assert.Equal(t, 15*time.Second, cfg.StaleAfter())
	assert.Equal(t, 300*time.Second, cfg.SnapshotInterval())
	assert.Equal(t, "https://clob.polymarket.com", cfg.API.CLOBBase)
	assert.Equal(t, "aggressive", cfg.Simulation.Mode)
	assert.False(t, cfg.Stream.AcceptAllAssets, "accept-all is opt-in")
	assert.Equal(t, string(domain.StrategyInventory), cfg.Quote.Strategy)
	assert.InDelta(t, domain.DefaultSimulationBalance, cfg.Simulation.InitialBalance, 1e-9)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("AGGRESSIVE_MODE", "false")
	t.Setenv("TWO_SIDED_MARKET_MAKING", "true")
	t.Setenv("BROWSER_ADDRESS", "0xfunder")
	t.Setenv("POLY_API_KEY", "k")
	t.Setenv("POLY_API_SECRET", "s")
	t.Setenv("POLY_API_PASSPHRASE", "p")

	cfg, err := Load(writeConfig(t, inlineYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Stream.AcceptAllAssets)
	assert.Equal(t, "aggressive", cfg.Simulation.Mode, "AGGRESSIVE_MODE does not touch the matching mode")
	assert.Equal(t, string(domain.StrategyTwoSided), cfg.Quote.Strategy)
	assert.Equal(t, "0xfunder", cfg.Secrets.FunderAddress())
	assert.True(t, cfg.Secrets.HasAPICreds())
}

func TestLoad_AcceptAllAndMatchingModeAreIndependent(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGGRESSIVE_MODE", "true")
	t.Setenv("SIMULATION_MATCHING_MODE", "Conservative")

	cfg, err := Load(writeConfig(t, inlineYAML))
	require.NoError(t, err)
	assert.True(t, cfg.Stream.AcceptAllAssets)
	assert.Equal(t, "conservative", cfg.Simulation.Mode)

	clearEnv(t)
	t.Setenv("SIMULATION_MATCHING_MODE", "sideways")
	_, err = Load(writeConfig(t, inlineYAML))
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoad_AggressiveFlagOverride(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, inlineYAML), func(c *Config) { c.Stream.AcceptAllAssets = true })
	require.NoError(t, err)
	assert.True(t, cfg.Stream.AcceptAllAssets)
	assert.Equal(t, "aggressive", cfg.Simulation.Mode)
}

func TestLoad_LiveRequiresPrivateKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("DRY_RUN", "false")

	_, err := Load(writeConfig(t, inlineYAML))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "PK")

	// un flag -dry-run rescata la misma configuración
	cfg, err := Load(writeConfig(t, inlineYAML), func(c *Config) { c.DryRun = true })
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
}

func TestLoad_InvalidMarket(t *testing.T) {
	clearEnv(t)
	body := `
dry_run: true
markets:
  list:
    - condition_id: "0xabc"
      token1: "1"
      token2: "1"
      tick_size: 0.01
      max_spread: 3
      trade_size: 50
      max_size: 200
`
	_, err := Load(writeConfig(t, body))
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLoad_RedisSourceNeedsURL(t *testing.T) {
	clearEnv(t)
	body := "dry_run: true\nmarkets:\n  source: redis\n"
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Markets.Source)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "dry_run: [\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "dry_run: true\nlog:\n  format: xml\nmarkets:\n  file: m.yaml\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}

func TestDays(t *testing.T) {
	assert.Equal(t, 48*time.Hour, Days(2))
	assert.Zero(t, Days(0))
}
