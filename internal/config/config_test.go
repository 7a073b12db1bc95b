package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pledgerails/internal/escrow"
)

const (
	treasury = "0x00000000000000000000000000000000000000aa"
	keeper   = "0x00000000000000000000000000000000000000bb"
	escrowAc = "0x00000000000000000000000000000000000000cc"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("SEED_PATH", filepath.Join(dir, "missing-seed.json"))
	t.Setenv("DEPLOYMENTS_PATH", filepath.Join(dir, "missing-deployments.json"))
	t.Setenv("APP_ENV", "")
	t.Setenv("ALLOW_DEV_PRINCIPAL", "")
	return dir
}

func TestLoadDefaultsWithoutFiles(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Service.IdempotencyWindow)
	assert.False(t, cfg.Auth.AllowDevHeader)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, escrow.DefaultPolicy(), p)
}

func TestLoadSeedDeploymentsAndEnv(t *testing.T) {
	dir := isolate(t)
	t.Setenv("SEED_PATH", writeFile(t, dir, "seed.json", `{
		"token": {"symbol": "PLG", "decimals": 8},
		"limits": {"minStake": "0.5", "maxDescriptionLength": 64},
		"policy": {"forfeitSink": "treasury", "completionGraceSeconds": 90,
		           "permissionlessSettlement": false, "keepers": ["`+keeper+`"]},
		"retry": {"maxAttempts": 7, "initialBackoffMs": 50},
		"timeouts": {"idempotencyWindowSeconds": 600}
	}`))
	t.Setenv("DEPLOYMENTS_PATH", writeFile(t, dir, "deployments.json", `{
		"chainId": 31337,
		"contracts": {"PledgeEscrow": "0x00000000000000000000000000000000000000dd"},
		"accounts": {"escrow": "`+escrowAc+`", "treasury": "`+treasury+`"}
	}`))
	t.Setenv("ENV_FILE", writeFile(t, dir, ".env", "API_HTTP_PORT=8088\nKAFKA_BROKERS=a:9092, b:9092\n"))
	// godotenv writes straight to the process environment.
	t.Cleanup(func() {
		os.Unsetenv("API_HTTP_PORT")
		os.Unsetenv("KAFKA_BROKERS")
	})
	t.Setenv("STORE_RETRY_BACKOFF", "3")
	t.Setenv("APP_ENV", "prod")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Service.HTTPPort)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Events.KafkaBrokers)
	assert.Equal(t, 7, cfg.Store.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Store.RetryBackoff)
	assert.Equal(t, 10*time.Minute, cfg.Service.IdempotencyWindow)
	assert.Equal(t, "0x00000000000000000000000000000000000000dd", cfg.Chain.ContractAddress)
	assert.False(t, cfg.Auth.AllowDevHeader)

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), p.MinStake)
	assert.Equal(t, 64, p.MaxDescriptionLen)
	assert.Equal(t, 90*time.Second, p.CompletionGrace)
	assert.False(t, p.PermissionlessSettlement)
	assert.Equal(t, common.HexToAddress(treasury), p.Sink)
	assert.Equal(t, common.HexToAddress(escrowAc), p.EscrowAccount)
	assert.Equal(t, []common.Address{common.HexToAddress(keeper)}, p.Keepers)
}

func TestPolicyRejectsBadValues(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Seed.Limits.MinStake = "0.000000001"
	_, err = bad.Policy()
	assert.Error(t, err)

	bad = *cfg
	bad.Seed.Policy.ForfeitSink = "somewhere"
	_, err = bad.Policy()
	assert.Error(t, err)

	bad = *cfg
	bad.Seed.Policy.ForfeitSink = "treasury"
	_, err = bad.Policy()
	assert.Error(t, err)

	for _, grace := range []int{-1, math.MaxInt} {
		bad = *cfg
		bad.Seed.Policy.CompletionGraceSeconds = grace
		_, err = bad.Policy()
		assert.Error(t, err, "grace %d", grace)
	}

	_, err = cfg.KeeperAddress()
	assert.Error(t, err)
	cfg.Keeper.Address = keeper
	addr, err := cfg.KeeperAddress()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(keeper), addr)
}

func TestDevPrincipalHeaderIsOptIn(t *testing.T) {
	isolate(t)
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Service.Env)
	assert.False(t, cfg.Auth.AllowDevHeader)

	t.Setenv("ALLOW_DEV_PRINCIPAL", "true")
	cfg, err = Load()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.AllowDevHeader)
}

func TestEnvOrDuration(t *testing.T) {
	t.Setenv("X_DURATION", "1m30s")
	assert.Equal(t, 90*time.Second, envOrDuration("X_DURATION", time.Second))
	t.Setenv("X_DURATION", "junk")
	assert.Equal(t, time.Second, envOrDuration("X_DURATION", time.Second))
}
