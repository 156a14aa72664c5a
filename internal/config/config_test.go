package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "sniper-config-*.yaml")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	_, err = tmpFile.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_BIRDEYE_KEY", "be-secret")

	path := writeConfig(t, `
general:
  instance_id: "test-node"
  log_level: "debug"
  log_format: "text"

solana:
  ws_endpoint: "wss://example.invalid"
  keypair_path: "/tmp/id.json"

store:
  driver: memory
  blocked_creators:
    - "Creator1111"

qualifier:
  grace_period: 5s
  recheck_interval: 10s
  timeout: 60s
  thresholds:
    min_holders: 100

monitor:
  trail_stop_pct: 25

execution:
  buy_size_sol: 0.5
  simulation: true

providers:
  birdeye_key: "${TEST_BIRDEYE_KEY}"

dashboard:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "text", cfg.General.LogFormat)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, []string{"Creator1111"}, cfg.Store.BlockedCreators)
	assert.Equal(t, 5*time.Second, cfg.Qualifier.GracePeriod)
	assert.Equal(t, 100, cfg.Qualifier.Thresholds.MinHolders)
	assert.Equal(t, 70.0, cfg.Qualifier.Thresholds.MinLPLockedPct)
	assert.Equal(t, 25.0, cfg.Monitor.TrailStopPct)
	assert.Equal(t, 0.5, cfg.Execution.BuySizeSOL)
	assert.True(t, cfg.Execution.Simulation)
	assert.Equal(t, "be-secret", cfg.Providers.BirdeyeKey)
	assert.False(t, cfg.Dashboard.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
solana:
  ws_endpoint: "wss://example.invalid"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sniper-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P", cfg.Solana.ProgramID)
	assert.Equal(t, 5*time.Second, cfg.Qualifier.ScanInterval)
	assert.Equal(t, 20*time.Second, cfg.Qualifier.GracePeriod)
	assert.Equal(t, 30*time.Second, cfg.Qualifier.RecheckInterval)
	assert.Equal(t, 180*time.Second, cfg.Qualifier.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 35.0, cfg.Monitor.TrailStopPct)
	assert.Equal(t, 200.0, cfg.Monitor.TakeProfitPct)
	assert.Equal(t, 90.0, cfg.Monitor.BondingExitThreshold)
	assert.Equal(t, 0.01, cfg.Execution.BuySizeSOL)
	assert.Equal(t, 75, cfg.Execution.SlippageBps)
	assert.Equal(t, uint64(2_000_000), cfg.Execution.JitoTipLamports)
	assert.Equal(t, 3, cfg.Execution.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.Backoff)
	assert.Equal(t, 40, cfg.Providers.BirdeyeBatch)
	assert.True(t, cfg.Dashboard.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Dashboard.StreamInterval)
	assert.Equal(t, "processed", cfg.Feed.Commitment)
	assert.Equal(t, 2*time.Minute, cfg.Feed.StaleAfter)
	assert.Zero(t, cfg.Feed.LagThreshold)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/sniper.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoadConfig_BadYAML(t *testing.T) {
	path := writeConfig(t, "general: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Solana.WSEndpoint = "wss://example.invalid"
		cfg.Execution.Simulation = true
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "sqlite" }, "store.driver"},
		{"missing ws", func(c *Config) { c.Solana.WSEndpoint = "" }, "ws_endpoint"},
		{"live without key", func(c *Config) { c.Execution.Simulation = false }, "keypair_path"},
		{"trail too wide", func(c *Config) { c.Monitor.TrailStopPct = 100 }, "trail_stop_pct"},
		{"timeout below recheck", func(c *Config) { c.Qualifier.Timeout = time.Second }, "qualifier.timeout"},
		{"batch too small", func(c *Config) { c.Providers.BirdeyeBatch = 1 }, "birdeye_batch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
