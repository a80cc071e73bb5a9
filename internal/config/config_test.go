package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "predictledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, amm.DefaultFeeModel(), cfg.MarketRules().Fees)
	assert.False(t, cfg.ArchiveEnabled())
	assert.False(t, cfg.LeaseEnabled())
}

func TestLoadFile(t *testing.T) {
	path := writeTempFile(t, `
log_level = "debug"

[market]
fee_bps = 30
allow_early_resolution = false
collateral_assets = ["USDT"]

[persist]
flush_timeout = "25ms"

[redis]
addr = "localhost:6379"
lease_ttl = "3s"

[s3]
bucket = "ledger-snapshots"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(30), cfg.Market.FeeBPS)
	assert.Equal(t, uint64(10_000), cfg.Market.FeeDenominator, "unset keys keep defaults")
	assert.Equal(t, 25*time.Millisecond, cfg.Persist.FlushTimeout.Duration)
	assert.Equal(t, 3*time.Second, cfg.Redis.LeaseTTL.Duration)
	assert.True(t, cfg.ArchiveEnabled())
	assert.True(t, cfg.LeaseEnabled())

	rules := cfg.MarketRules()
	assert.False(t, rules.AllowEarlyResolution)
	assert.Equal(t, []string{"USDT"}, rules.CollateralAssets)
	require.NoError(t, rules.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeTempFile(t, `
[market]
fee_bsp = 30
`)
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "unknown keys")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeTempFile(t, `
[postgres]
dsn = "postgres://file"
`)
	t.Setenv("PREDICT_POSTGRES_DSN", "postgres://env")
	t.Setenv("PREDICT_MARKET_FEE_BPS", "75")
	t.Setenv("PREDICT_MARKET_COLLATERAL_ASSETS", " USDC , ,USDT")
	t.Setenv("PREDICT_PERSIST_FLUSH_TIMEOUT", "1s")
	t.Setenv("PREDICT_SNAPSHOT_INTERVAL", "not-a-number")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env", cfg.Postgres.DSN)
	assert.Equal(t, uint64(75), cfg.Market.FeeBPS)
	assert.Equal(t, []string{"USDC", "USDT"}, cfg.Market.CollateralAssets)
	assert.Equal(t, time.Second, cfg.Persist.FlushTimeout.Duration)
	assert.Equal(t, int64(100_000), cfg.Core.SnapshotInterval, "unparsable values are ignored")
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.GRPCAddr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{"zero denominator", func(c *config.Config) { c.Market.FeeDenominator = 0 }, "fee_denominator must be > 0"},
		{"fee takes everything", func(c *config.Config) { c.Market.FeeBPS = 10_000 }, "must be below fee_denominator"},
		{"no collateral", func(c *config.Config) { c.Market.CollateralAssets = nil }, "collateral_assets must not be empty"},
		{"unknown collateral", func(c *config.Config) { c.Market.CollateralAssets = []string{"DOGE"} }, `unknown collateral asset "DOGE"`},
		{"persist channel", func(c *config.Config) { c.Core.PersistChanSize = 0 }, "persist_chan_size must be > 0"},
		{"projection channel", func(c *config.Config) { c.Core.ProjectionChanSize = -1 }, "projection_chan_size must be > 0"},
		{"lease ttl", func(c *config.Config) {
			c.Redis.Addr = "localhost:6379"
			c.Redis.LeaseTTL.Duration = 0
		}, "lease_ttl must be > 0"},
		{"log level", func(c *config.Config) { c.LogLevel = "trace" }, `unknown log_level "trace"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
