package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "dryrun"
log_level = "debug"

[chain]
rpc_url = "http://node:8545"
chain_id = 1

[signer]
backend = "local"
private_keys = ["0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"]

[simulator]
url = "http://sim:8545"

[scanner]
interval = "250ms"
strategies = ["cross_venue"]

[bundle]
executor = "0x00000000000000000000000000000000000000e1"

[bundle.routers]
x = "0x0000000000000000000000000000000000000a01"

[bundle.tokens.ETH]
address = "0x0000000000000000000000000000000000000b01"
decimals = 18

[safety]
daily_cap = 500
per_trade_cap = 100
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaultsFileAndEnv(t *testing.T) {
	t.Setenv("MEVBOT_SAFETY_DAILY_CAP", "750")
	t.Setenv("MEVBOT_SIGNER_KMS_KEY_IDS", "k1, k2 ,")
	t.Setenv("MEVBOT_SCANNER_FRESHNESS_THRESHOLD", "not-a-duration")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "dryrun", cfg.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Scanner.Interval.Duration)
	assert.Equal(t, 3*time.Second, cfg.Scanner.FreshnessThreshold.Duration, "unparsable override is ignored")
	assert.Equal(t, 750.0, cfg.Safety.DailyCap)
	assert.Equal(t, 100.0, cfg.Safety.PerTradeCap)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Signer.KMSKeyIDs)
	assert.Equal(t, 18, cfg.Bundle.Tokens["ETH"].Decimals)
	assert.Equal(t, 1.25, cfg.Submission.BumpFactor, "defaults survive")
	assert.Equal(t, "USDC", cfg.Safety.CapAsset)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "yolo"
	cfg.Signer.Backend = "hsm"
	cfg.Bundle.Executor = "nope"
	cfg.Scanner.Strategies = []string{"sandwich"}
	cfg.Safety.PerTradeCap = 1000
	cfg.Safety.DailyCap = 10
	cfg.Server.Enabled = true
	cfg.Server.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "yolo"`,
		`unknown backend "hsm"`,
		"executor must be a hex address",
		`unknown strategy "sandwich"`,
		"per_trade_cap must not exceed daily_cap",
		"simulator: url must not be empty",
		"server: addr must not be empty when enabled",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func validPipelineConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return *cfg
}

func TestValidateSafetyWindowAndCapAsset(t *testing.T) {
	cfg := validPipelineConfig(t)
	cfg.Safety.Window.Duration = 0
	cfg.Safety.CapAsset = " "

	err := cfg.Validate()
	assert.ErrorContains(t, err, "safety: window must be > 0")
	assert.ErrorContains(t, err, "safety: cap_asset must not be empty")

	cfg.Safety.Window.Duration = -time.Minute
	assert.ErrorContains(t, cfg.Validate(), "safety: window must be > 0")
}

func TestValidateNonceLockOutlivesSubmission(t *testing.T) {
	cfg := validPipelineConfig(t)
	// 3 × (5s + 5s + 2m + 500ms) = 6m31.5s
	assert.Equal(t, 6*time.Minute+31500*time.Millisecond, cfg.maxNonceHold())

	cfg.Submission.NonceLockTTL.Duration = 5 * time.Minute
	assert.ErrorContains(t, cfg.Validate(), "nonce_lock_ttl 5m0s must exceed")

	cfg.Submission.NonceLockTTL.Duration = 7 * time.Minute
	assert.NoError(t, cfg.Validate())

	cfg.Submission.MaxAttempts = 4
	assert.ErrorContains(t, cfg.Validate(), "nonce_lock_ttl")
}

func TestValidateRecoverNeedsOnlyStorageAndSigner(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "recover"
	cfg.Signer.Backend = "kms"
	cfg.Signer.KMSKeyIDs = []string{"alias/searcher"}
	require.NoError(t, cfg.Validate())

	cfg.Postgres.Enabled = false
	assert.ErrorContains(t, cfg.Validate(), "postgres: must be enabled for mode recover")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Signer.PrivateKeys = []string{"0xdead", ""}
	cfg.Relay.AuthKey = "0xbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "tok"
	cfg.Server.APIKey = "ops"
	cfg.Bundle.Routers["x"] = "0x01"

	out := RedactedConfig(&cfg)
	assert.Equal(t, []string{"***", ""}, out.Signer.PrivateKeys)
	assert.Equal(t, "***", out.Relay.AuthKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Bundle.Routers["x"] = "changed"
	out.Notify.Events[0] = "changed"
	assert.Equal(t, "0x01", cfg.Bundle.Routers["x"])
	assert.Equal(t, "kill_switch", cfg.Notify.Events[0])
	assert.Equal(t, "0xdead", cfg.Signer.PrivateKeys[0])
}
