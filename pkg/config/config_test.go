package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/gatehouse/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEHOUSE_PROFILE",
		"GATEHOUSE_LISTEN_ADDR",
		"GATEHOUSE_MAX_BYTES",
		"GATEHOUSE_MAX_GAS",
		"GATEHOUSE_CHAIN_ID",
		"GATEHOUSE_STORE_BACKEND",
		"GATEHOUSE_MIN_PROFIT_WEI",
		"GATEHOUSE_ALLOWED_ACCOUNTS",
		"GATEHOUSE_RATE_LIMIT",
		"GATEHOUSE_QUEUE_CAPACITY",
	} {
		t.Setenv(key, "")
	}
}

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "memory", cfg.Limiter.Backend)
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, int64(128*1024), cfg.Limits.MaxBytes)
	assert.Equal(t, int64(60_000), cfg.IdempotencyWindowMs)
	assert.False(t, cfg.Limits.RateLimit)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadProfileOverlay(t *testing.T) {
	clearEnv(t)
	path := writeProfile(t, `
listen_addr: ":9090"
chain_id: "8453"
limits:
  max_bytes: 65536
  rate_limit: true
profit_gate:
  min_profit_wei: "1000000000000000"
  min_roi_bps: 25
policy:
  allowed_accounts:
    - "0xAbCd000000000000000000000000000000000001"
store:
  backend: sqlite
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "8453", cfg.ChainID)
	assert.Equal(t, int64(65536), cfg.Limits.MaxBytes)
	assert.True(t, cfg.Limits.RateLimit)
	assert.Equal(t, "1000000000000000", cfg.ProfitGate.MinProfitWei)
	assert.Equal(t, int64(25), cfg.ProfitGate.MinRoiBps)
	assert.Equal(t, []string{"0xAbCd000000000000000000000000000000000001"}, cfg.Policy.AllowedAccounts)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1024, cfg.QueueCapacity)
	assert.Equal(t, "memory", cfg.Limiter.Backend)
}

func TestLoadEnvWinsOverProfile(t *testing.T) {
	clearEnv(t)
	path := writeProfile(t, `
limits:
  max_bytes: 65536
store:
  backend: sqlite
`)
	t.Setenv("GATEHOUSE_MAX_BYTES", "1024")
	t.Setenv("GATEHOUSE_STORE_BACKEND", "memory")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), cfg.Limits.MaxBytes)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadProfileFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeProfile(t, `listen_addr: ":7070"`)
	t.Setenv("GATEHOUSE_PROFILE", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}

func TestLoadBadNumericEnvAborts(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEHOUSE_MAX_BYTES", "oodles")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEHOUSE_MAX_BYTES")
}

func TestLoadBadWeiAborts(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEHOUSE_MIN_PROFIT_WEI", "1.5")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_profit_wei")
}

func TestLoadUnknownProfileKeyAborts(t *testing.T) {
	clearEnv(t)
	path := writeProfile(t, `listne_addr: ":9090"`)

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadUnknownBackendAborts(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEHOUSE_STORE_BACKEND", "etcd")

	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}

func TestLoadAllowedAccountsList(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEHOUSE_ALLOWED_ACCOUNTS", "0xA, 0xB ,,0xC")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xA", "0xB", "0xC"}, cfg.Policy.AllowedAccounts)
}

func TestWei(t *testing.T) {
	n, err := config.Wei("")
	require.NoError(t, err)
	assert.Equal(t, "0", n.String())

	n, err = config.Wei("123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234567890", n.String())

	n, err = config.Wei("1e15")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000", n.String())

	_, err = config.Wei("2.5")
	require.Error(t, err)

	_, err = config.Wei("plenty")
	require.Error(t, err)
}
