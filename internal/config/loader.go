package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MEVBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MEVBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. Secrets
// are expected to arrive this way rather than through the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "MEVBOT_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "MEVBOT_CHAIN_ID")

	// ── Relay ──
	setStr(&cfg.Relay.URL, "MEVBOT_RELAY_URL")
	setStr(&cfg.Relay.AuthKey, "MEVBOT_RELAY_AUTH_KEY")
	setBool(&cfg.Relay.PublicFallback, "MEVBOT_RELAY_PUBLIC_FALLBACK")

	// ── Simulator ──
	setStr(&cfg.Simulator.URL, "MEVBOT_SIMULATOR_URL")

	// ── Signer ──
	setStr(&cfg.Signer.Backend, "MEVBOT_SIGNER_BACKEND")
	setStringSlice(&cfg.Signer.PrivateKeys, "MEVBOT_SIGNER_PRIVATE_KEYS")
	setStringSlice(&cfg.Signer.KeyFiles, "MEVBOT_SIGNER_KEY_FILES")
	setStr(&cfg.Signer.KeyPassword, "MEVBOT_SIGNER_KEY_PASSWORD")
	setStringSlice(&cfg.Signer.KMSKeyIDs, "MEVBOT_SIGNER_KMS_KEY_IDS")
	setStr(&cfg.Signer.KMSRegion, "MEVBOT_SIGNER_KMS_REGION")

	// ── Feed ──
	setStr(&cfg.Feed.WSURL, "MEVBOT_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Pairs, "MEVBOT_FEED_PAIRS")
	setBool(&cfg.Feed.BusEnabled, "MEVBOT_FEED_BUS_ENABLED")

	// ── Scanner / evaluator ──
	setDuration(&cfg.Scanner.Interval, "MEVBOT_SCANNER_INTERVAL")
	setDuration(&cfg.Scanner.FreshnessThreshold, "MEVBOT_SCANNER_FRESHNESS_THRESHOLD")
	setStringSlice(&cfg.Scanner.Strategies, "MEVBOT_SCANNER_STRATEGIES")
	setFloat64(&cfg.Evaluator.MinMargin, "MEVBOT_EVALUATOR_MIN_MARGIN")
	setFloat64(&cfg.Simulation.DiscrepancyTolerance, "MEVBOT_SIMULATION_DISCREPANCY_TOLERANCE")

	// ── Safety ──
	setStr(&cfg.Safety.CapAsset, "MEVBOT_SAFETY_CAP_ASSET")
	setFloat64(&cfg.Safety.PerTradeCap, "MEVBOT_SAFETY_PER_TRADE_CAP")
	setFloat64(&cfg.Safety.DailyCap, "MEVBOT_SAFETY_DAILY_CAP")
	setFloat64(&cfg.Safety.MaxGasPriceGwei, "MEVBOT_SAFETY_MAX_GAS_PRICE_GWEI")
	setFloat64(&cfg.Safety.MaxFeeEth, "MEVBOT_SAFETY_MAX_FEE_ETH")
	setBool(&cfg.Safety.AutoKill, "MEVBOT_SAFETY_AUTO_KILL")

	// ── Bundle / submission ──
	setStr(&cfg.Bundle.Executor, "MEVBOT_BUNDLE_EXECUTOR")
	setInt(&cfg.Submission.MaxAttempts, "MEVBOT_SUBMISSION_MAX_ATTEMPTS")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MEVBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MEVBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MEVBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MEVBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MEVBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MEVBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MEVBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MEVBOT_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "MEVBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MEVBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MEVBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MEVBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MEVBOT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "MEVBOT_REDIS_TLS_ENABLED")

	// ── S3 / archive ──
	setBool(&cfg.Archive.Enabled, "MEVBOT_ARCHIVE_ENABLED")
	setStr(&cfg.S3.Endpoint, "MEVBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MEVBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "MEVBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MEVBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MEVBOT_S3_SECRET_KEY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MEVBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MEVBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MEVBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MEVBOT_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MEVBOT_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "MEVBOT_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "MEVBOT_SERVER_API_KEY")

	// ── Top-level ──
	setStr(&cfg.Mode, "MEVBOT_MODE")
	setStr(&cfg.LogLevel, "MEVBOT_LOG_LEVEL")
	setStr(&cfg.LogFile, "MEVBOT_LOG_FILE")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
