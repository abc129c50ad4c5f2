// Package config defines the top-level configuration for the MEV bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MEVBOT_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Relay      RelayConfig      `toml:"relay"`
	Simulator  SimulatorConfig  `toml:"simulator"`
	Signer     SignerConfig     `toml:"signer"`
	Feed       FeedConfig       `toml:"feed"`
	Scanner    ScannerConfig    `toml:"scanner"`
	Evaluator  EvaluatorConfig  `toml:"evaluator"`
	Simulation SimulationConfig `toml:"simulation"`
	Safety     SafetyConfig     `toml:"safety"`
	Bundle     BundleConfig     `toml:"bundle"`
	Submission SubmissionConfig `toml:"submission"`
	Audit      AuditConfig      `toml:"audit"`
	Archive    ArchiveConfig    `toml:"archive"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Notify     NotifyConfig     `toml:"notify"`
	Server     ServerConfig     `toml:"server"`

	Mode          string `toml:"mode"`
	LogLevel      string `toml:"log_level"`
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
}

// ChainConfig holds the execution-layer RPC endpoint and fee parameters.
type ChainConfig struct {
	RPCURL            string   `toml:"rpc_url"`
	ChainID           int64    `toml:"chain_id"`
	BaseFeeMultiplier int64    `toml:"base_fee_multiplier"`
	HeadPollInterval  duration `toml:"head_poll_interval"`
}

// RelayConfig holds the private relay endpoint and its client protections.
type RelayConfig struct {
	URL             string   `toml:"url"`
	AuthKey         string   `toml:"auth_key"` // searcher key for X-Flashbots-Signature
	Timeout         duration `toml:"timeout"`
	RatePerSecond   float64  `toml:"rate_per_second"`
	Burst           int      `toml:"burst"`
	BreakerFailures uint32   `toml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown"`
	PublicFallback  bool     `toml:"public_fallback"`
}

// SimulatorConfig holds the simulation RPC endpoint.
type SimulatorConfig struct {
	URL string `toml:"url"`
}

// SignerConfig selects a signing backend. Backend is "local" or "kms".
type SignerConfig struct {
	Backend     string   `toml:"backend"`
	PrivateKeys []string `toml:"private_keys"`
	KeyFiles    []string `toml:"key_files"`
	KeyPassword string   `toml:"key_password"`
	KMSKeyIDs   []string `toml:"kms_key_ids"`
	KMSRegion   string   `toml:"kms_region"`
	Timeout     duration `toml:"timeout"`
}

// FeedConfig selects quote sources. Both may run at once.
type FeedConfig struct {
	WSURL      string   `toml:"ws_url"`
	Pairs      []string `toml:"pairs"`
	BusEnabled bool     `toml:"bus_enabled"`
	BusChannel string   `toml:"bus_channel"`
}

// ScannerConfig holds detection and cycle parameters.
type ScannerConfig struct {
	Interval           duration           `toml:"interval"`
	FreshnessThreshold duration           `toml:"freshness_threshold"`
	Strategies         []string           `toml:"strategies"`
	MaxConcurrent      int64              `toml:"max_concurrent"`
	MaxPerCycle        int                `toml:"max_per_cycle"`
	MaxTradeSize       float64            `toml:"max_trade_size"`
	DepthFraction      float64            `toml:"depth_fraction"`
	MinSpreadBps       float64            `toml:"min_spread_bps"`
	StartAssets        []string           `toml:"start_assets"`
	StartAmount        float64            `toml:"start_amount"`
	MaxRepay           float64            `toml:"max_repay"`
	NativeAsset        string             `toml:"native_asset"`
	NativePrice        map[string]float64 `toml:"native_price"`
	SwapGas            uint64             `toml:"swap_gas"`
	LiquidationGas     uint64             `toml:"liquidation_gas"`
}

// EvaluatorConfig holds the off-chain profit model parameters.
type EvaluatorConfig struct {
	MinMargin        float64            `toml:"min_margin"`
	MaxDepthFraction float64            `toml:"max_depth_fraction"`
	SlippageCoeff    float64            `toml:"slippage_coeff"`
	VenueFeeBps      map[string]float64 `toml:"venue_fee_bps"`
	DefaultFeeBps    float64            `toml:"default_fee_bps"`
}

// SimulationConfig holds simulation gate parameters.
type SimulationConfig struct {
	Timeout              duration `toml:"timeout"`
	DiscrepancyTolerance float64  `toml:"discrepancy_tolerance"`
}

// SafetyConfig holds the capital and gas limits. Caps, margins and the
// projected loss bound are denominated in CapAsset.
type SafetyConfig struct {
	CapAsset                string   `toml:"cap_asset"`
	PerTradeCap             float64  `toml:"per_trade_cap"`
	DailyCap                float64  `toml:"daily_cap"`
	MaxGasPriceGwei         float64  `toml:"max_gas_price_gwei"`
	MaxFeeEth               float64  `toml:"max_fee_eth"`
	MaxProjectedLoss        float64  `toml:"max_projected_loss"`
	MismatchKillThreshold   int      `toml:"mismatch_kill_threshold"`
	RevertRateKillThreshold float64  `toml:"revert_rate_kill_threshold"`
	MinRevertSamples        int      `toml:"min_revert_samples"`
	Window                  duration `toml:"window"`
	AutoKill                bool     `toml:"auto_kill"`
	ResetUTC                int      `toml:"reset_utc"`
	PersistInterval         duration `toml:"persist_interval"`
}

// TokenConfig describes one ERC-20 token the builder can route.
type TokenConfig struct {
	Address  string `toml:"address"`
	Decimals int    `toml:"decimals"`
}

// BundleConfig holds bundle builder parameters.
type BundleConfig struct {
	Executor          string                 `toml:"executor"`
	Routers           map[string]string      `toml:"routers"`
	Tokens            map[string]TokenConfig `toml:"tokens"`
	GasMultiplier     float64                `toml:"gas_multiplier"`
	SlippageTolerance float64                `toml:"slippage_tolerance"`
}

// SubmissionConfig holds submission controller parameters.
type SubmissionConfig struct {
	MaxAttempts  int      `toml:"max_attempts"`
	GraceBlocks  uint64   `toml:"grace_blocks"`
	PollInterval duration `toml:"poll_interval"`
	PollTimeout  duration `toml:"poll_timeout"`
	RetryBackoff duration `toml:"retry_backoff"`
	SendTimeout  duration `toml:"send_timeout"`
	BumpFactor   float64  `toml:"bump_factor"`
	NonceLockTTL duration `toml:"nonce_lock_ttl"`
}

// AuditConfig holds decision-record delivery parameters.
type AuditConfig struct {
	Buffer       int      `toml:"buffer"`
	WriteTimeout duration `toml:"write_timeout"`
	Stream       bool     `toml:"stream"`
}

// ArchiveConfig holds the object-storage archive schedule.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds the operator HTTP listener settings. The listener
// serves /metrics, /healthz and the read-only status API.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	// APIKey guards the /api routes. Empty disables authentication.
	APIKey string `toml:"api_key"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:            "http://localhost:8545",
			ChainID:           1,
			BaseFeeMultiplier: 2,
			HeadPollInterval:  duration{2 * time.Second},
		},
		Relay: RelayConfig{
			URL:             "https://relay.flashbots.net",
			Timeout:         duration{5 * time.Second},
			RatePerSecond:   5,
			Burst:           5,
			BreakerFailures: 5,
			BreakerCooldown: duration{30 * time.Second},
			PublicFallback:  true,
		},
		Signer: SignerConfig{
			Backend:   "local",
			KMSRegion: "us-east-1",
			Timeout:   duration{5 * time.Second},
		},
		Feed: FeedConfig{
			BusEnabled: true,
			BusChannel: "mevbot:quotes",
		},
		Scanner: ScannerConfig{
			Interval:           duration{500 * time.Millisecond},
			FreshnessThreshold: duration{3 * time.Second},
			Strategies:         []string{"cross_venue", "triangular", "liquidation"},
			MaxConcurrent:      4,
			MaxPerCycle:        16,
			MaxTradeSize:       1,
			DepthFraction:      0.5,
			StartAssets:        []string{"ETH", "USDC"},
			StartAmount:        1,
			NativeAsset:        "ETH",
			NativePrice:        map[string]float64{},
		},
		Evaluator: EvaluatorConfig{
			MinMargin:        0.01,
			MaxDepthFraction: 0.5,
			SlippageCoeff:    0.1,
			VenueFeeBps:      map[string]float64{},
			DefaultFeeBps:    30,
		},
		Simulation: SimulationConfig{
			Timeout:              duration{2 * time.Second},
			DiscrepancyTolerance: 0.2,
		},
		Safety: SafetyConfig{
			CapAsset:                "USDC",
			PerTradeCap:             1_000,
			DailyCap:                10_000,
			MaxGasPriceGwei:         200,
			MaxFeeEth:               0.05,
			MismatchKillThreshold:   5,
			RevertRateKillThreshold: 0.3,
			MinRevertSamples:        10,
			Window:                  duration{time.Hour},
			AutoKill:                true,
			PersistInterval:         duration{10 * time.Second},
		},
		Bundle: BundleConfig{
			Routers:           map[string]string{},
			Tokens:            map[string]TokenConfig{},
			GasMultiplier:     1.2,
			SlippageTolerance: 0.005,
		},
		Submission: SubmissionConfig{
			MaxAttempts:  3,
			GraceBlocks:  3,
			PollInterval: duration{time.Second},
			PollTimeout:  duration{2 * time.Minute},
			RetryBackoff: duration{500 * time.Millisecond},
			SendTimeout:  duration{5 * time.Second},
			BumpFactor:   1.25,
			NonceLockTTL: duration{10 * time.Minute},
		},
		Audit: AuditConfig{
			Buffer:       4096,
			WriteTimeout: duration{2 * time.Second},
			Stream:       true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Cron:          "0 3 * * *",
		},
		Postgres: PostgresConfig{
			Enabled:       true,
			Host:          "localhost",
			Port:          5432,
			Database:      "mevbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    true,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "mevbot-archive",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"kill_switch", "included", "abandoned", "signing_rejected"},
		},
		Server: ServerConfig{
			Addr: ":9102",
		},
		Mode:          "run",
		LogLevel:      "info",
		LogMaxSizeMB:  100,
		LogMaxBackups: 5,
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"dryrun":  true,
	"recover": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStrategies = map[string]bool{
	"cross_venue": true,
	"triangular":  true,
	"liquidation": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: run, dryrun, recover)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Chain
	if c.Chain.RPCURL == "" {
		add("chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		add("chain: chain_id must be positive")
	}
	if c.Chain.BaseFeeMultiplier < 1 {
		add("chain: base_fee_multiplier must be >= 1")
	}
	if c.Chain.HeadPollInterval.Duration <= 0 {
		add("chain: head_poll_interval must be > 0")
	}

	// Signer
	switch strings.ToLower(c.Signer.Backend) {
	case "local":
		if len(c.Signer.PrivateKeys) == 0 && len(c.Signer.KeyFiles) == 0 {
			add("signer: private_keys or key_files must be set for the local backend")
		}
		if len(c.Signer.KeyFiles) > 0 && c.Signer.KeyPassword == "" {
			add("signer: key_password is required when key_files is set")
		}
	case "kms":
		if len(c.Signer.KMSKeyIDs) == 0 {
			add("signer: kms_key_ids must be set for the kms backend")
		}
		if c.Signer.KMSRegion == "" {
			add("signer: kms_region must not be empty")
		}
	default:
		add("signer: unknown backend %q (valid: local, kms)", c.Signer.Backend)
	}

	if mode == "recover" {
		if !c.Postgres.Enabled {
			add("postgres: must be enabled for mode recover")
		}
		return joinErrs(errs)
	}

	// Pipeline endpoints
	if c.Relay.URL == "" && !c.Relay.PublicFallback {
		add("relay: url must be set or public_fallback enabled")
	}
	if c.Relay.RatePerSecond <= 0 || c.Relay.Burst < 1 {
		add("relay: rate_per_second must be > 0 and burst >= 1")
	}
	if c.Simulator.URL == "" {
		add("simulator: url must not be empty")
	}
	if c.Feed.WSURL == "" && !c.Feed.BusEnabled {
		add("feed: ws_url must be set or bus_enabled")
	}
	if c.Feed.BusEnabled && !c.Redis.Enabled {
		add("feed: bus_enabled requires redis.enabled")
	}

	// Scanner
	if c.Scanner.Interval.Duration <= 0 {
		add("scanner: interval must be > 0")
	}
	if c.Scanner.FreshnessThreshold.Duration <= 0 {
		add("scanner: freshness_threshold must be > 0")
	}
	if c.Scanner.MaxConcurrent < 1 {
		add("scanner: max_concurrent must be >= 1")
	}
	for _, s := range c.Scanner.Strategies {
		if !validStrategies[s] {
			add("scanner: unknown strategy %q", s)
		}
	}
	if c.Scanner.DepthFraction <= 0 || c.Scanner.DepthFraction > 1 {
		add("scanner: depth_fraction must be in (0, 1]")
	}

	// Evaluator / simulation
	if c.Evaluator.MinMargin < 0 {
		add("evaluator: min_margin must be >= 0")
	}
	if c.Evaluator.MaxDepthFraction <= 0 || c.Evaluator.MaxDepthFraction > 1 {
		add("evaluator: max_depth_fraction must be in (0, 1]")
	}
	if c.Simulation.DiscrepancyTolerance <= 0 {
		add("simulation: discrepancy_tolerance must be > 0")
	}

	// Safety
	if c.Safety.PerTradeCap < 0 || c.Safety.DailyCap < 0 {
		add("safety: caps must be >= 0")
	}
	if c.Safety.PerTradeCap > 0 && c.Safety.DailyCap > 0 && c.Safety.PerTradeCap > c.Safety.DailyCap {
		add("safety: per_trade_cap must not exceed daily_cap")
	}
	if c.Safety.RevertRateKillThreshold < 0 || c.Safety.RevertRateKillThreshold > 1 {
		add("safety: revert_rate_kill_threshold must be in [0, 1]")
	}
	if strings.TrimSpace(c.Safety.CapAsset) == "" {
		add("safety: cap_asset must not be empty")
	}
	if c.Safety.Window.Duration <= 0 {
		add("safety: window must be > 0")
	}
	if c.Safety.ResetUTC < 0 || c.Safety.ResetUTC > 23 {
		add("safety: reset_utc must be 0-23, got %d", c.Safety.ResetUTC)
	}

	// Bundle
	if !common.IsHexAddress(c.Bundle.Executor) {
		add("bundle: executor must be a hex address")
	}
	for venue, addr := range c.Bundle.Routers {
		if !common.IsHexAddress(addr) {
			add("bundle: router %s is not a hex address", venue)
		}
	}
	for sym, tok := range c.Bundle.Tokens {
		if !common.IsHexAddress(tok.Address) {
			add("bundle: token %s address is not a hex address", sym)
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			add("bundle: token %s decimals out of range", sym)
		}
	}
	if c.Bundle.GasMultiplier <= 1 {
		add("bundle: gas_multiplier must be > 1")
	}

	// Submission
	if c.Submission.MaxAttempts < 1 {
		add("submission: max_attempts must be >= 1")
	}
	if c.Submission.BumpFactor <= 1 {
		add("submission: bump_factor must be > 1")
	}
	if hold := c.maxNonceHold(); c.Submission.NonceLockTTL.Duration <= hold {
		add("submission: nonce_lock_ttl %s must exceed max_attempts × (signer.timeout + send_timeout + poll_timeout + retry_backoff) = %s",
			c.Submission.NonceLockTTL.Duration, hold)
	}

	// Storage
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
	}
	if c.Postgres.Enabled && c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must not exceed pool_max_conns")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			add("archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty when enabled")
	}

	return joinErrs(errs)
}

// maxNonceHold is the longest one submission can hold its account's nonce
// lock.
func (c *Config) maxNonceHold() time.Duration {
	s := c.Submission
	attempts := max(s.MaxAttempts, 1)
	per := c.Signer.Timeout.Duration + s.SendTimeout.Duration + s.PollTimeout.Duration + s.RetryBackoff.Duration
	return time.Duration(attempts) * per
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
