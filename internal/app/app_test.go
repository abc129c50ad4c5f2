package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/config"
	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/metrics"
	"github.com/alanyoungcy/mevbot/internal/platform/chain"
	"github.com/alanyoungcy/mevbot/internal/safety"
	"github.com/alanyoungcy/mevbot/internal/server/handler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScaleToWei(t *testing.T) {
	assert.Equal(t, big.NewInt(200_000_000_000), scaleToWei(200, 9))
	assert.Equal(t, big.NewInt(50_000_000_000_000_000), scaleToWei(0.05, 18))
	assert.Nil(t, scaleToWei(0, 9), "zero disables the limit")
	assert.Nil(t, scaleToWei(-1, 9))
}

func TestSafetyLimitsFromConfig(t *testing.T) {
	c := config.Defaults().Safety
	limits := safetyLimits(c)
	assert.Equal(t, c.DailyCap, limits.DailyCap)
	assert.Equal(t, c.PerTradeCap, limits.PerTradeCap)
	assert.Equal(t, time.Hour, limits.Window)
	assert.True(t, limits.AutoKill)
	require.NotNil(t, limits.MaxGasPriceWei)
	assert.Equal(t, "200000000000", limits.MaxGasPriceWei.String())
}

func TestBuilderConfigNormalizesTokens(t *testing.T) {
	out := builderConfig(config.BundleConfig{
		Executor: "0x00000000000000000000000000000000000000e1",
		Routers:  map[string]string{"x": "0x0000000000000000000000000000000000000a01"},
		Tokens: map[string]config.TokenConfig{
			"eth": {Address: "0x0000000000000000000000000000000000000b01", Decimals: 18},
		},
		GasMultiplier: 1.2,
	})
	assert.Equal(t, common.HexToAddress("0xe1"), out.Executor)
	assert.Equal(t, common.HexToAddress("0xa01"), out.Routers["x"])
	require.Contains(t, out.Tokens, "ETH")
	assert.Equal(t, 18, out.Tokens["ETH"].Decimals)
}

func TestBuildStrategiesRegistersEveryKind(t *testing.T) {
	reg := buildStrategies(config.Defaults().Scanner)
	assert.Equal(t, []string{"cross_venue", "liquidation", "triangular"}, reg.List())

	selected, err := reg.Select([]string{"triangular"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, domain.StrategyTriangular, selected[0].Kind())

	_, err = reg.Select([]string{"sandwich"})
	assert.Error(t, err)
}

func TestBuildRelays(t *testing.T) {
	_, _, err := buildRelays(config.RelayConfig{}, nil, testLogger())
	assert.Error(t, err, "no channel at all")

	primary, fallback, err := buildRelays(config.RelayConfig{PublicFallback: true}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, chain.PublicName, primary.Name())
	assert.Nil(t, fallback)

	_, _, err = buildRelays(config.RelayConfig{URL: "http://relay", AuthKey: "zz"}, nil, testLogger())
	assert.Error(t, err, "bad auth key")

	primary, fallback, err = buildRelays(config.RelayConfig{URL: "http://relay", PublicFallback: true}, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "flashbots", primary.Name())
	require.NotNil(t, fallback)
	assert.Equal(t, chain.PublicName, fallback.Name())
}

func TestBuildSignerLocal(t *testing.T) {
	signer, err := buildSigner(context.Background(), config.SignerConfig{
		Backend:     "local",
		PrivateKeys: []string{"0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"},
	}, testLogger())
	require.NoError(t, err)
	assert.Len(t, signer.Accounts(), 1)

	_, err = buildSigner(context.Background(), config.SignerConfig{Backend: "local"}, testLogger())
	assert.Error(t, err)
	_, err = buildSigner(context.Background(), config.SignerConfig{Backend: "hsm"}, testLogger())
	assert.Error(t, err)
}

func TestNotifierDisabledWithoutSenders(t *testing.T) {
	assert.False(t, buildNotifier(config.NotifyConfig{}, testLogger()).Enabled())
	assert.True(t, buildNotifier(config.NotifyConfig{DiscordWebhookURL: "http://hook"}, testLogger()).Enabled())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNeedsPipeline(t *testing.T) {
	assert.True(t, needsPipeline(ModeRun))
	assert.True(t, needsPipeline(ModeDryRun))
	assert.False(t, needsPipeline(ModeRecover))
}

func TestSetKillSwitchRequiresRedis(t *testing.T) {
	cfg := config.Defaults()
	cfg.Redis.Enabled = false
	assert.Error(t, SetKillSwitch(context.Background(), &cfg, true, "test", testLogger()))
}

func TestBuildServerWithoutStores(t *testing.T) {
	cfg := config.Defaults()
	deps := &Dependencies{
		Metrics:  metrics.New(),
		Governor: safety.NewGovernor(safety.Config{Limits: safetyLimits(cfg.Safety)}, nil, testLogger()),
	}
	srv := buildServer(&cfg, ModeDryRun, deps, map[string]handler.HealthCheck{
		"chain": func(context.Context) error { return errors.New("dial refused") },
	}, testLogger())

	get := func(path string) int {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}
	assert.Equal(t, http.StatusServiceUnavailable, get("/healthz"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
	assert.Equal(t, http.StatusOK, get("/api/status"))
	assert.Equal(t, http.StatusNotFound, get("/api/submissions"), "no store, no route")
}
