package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevbot/internal/arbitrage"
	"github.com/alanyoungcy/mevbot/internal/audit"
	s3blob "github.com/alanyoungcy/mevbot/internal/blob/s3"
	"github.com/alanyoungcy/mevbot/internal/cache/redis"
	"github.com/alanyoungcy/mevbot/internal/config"
	"github.com/alanyoungcy/mevbot/internal/crypto"
	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/executor"
	"github.com/alanyoungcy/mevbot/internal/feed"
	"github.com/alanyoungcy/mevbot/internal/market"
	"github.com/alanyoungcy/mevbot/internal/metrics"
	"github.com/alanyoungcy/mevbot/internal/notify"
	"github.com/alanyoungcy/mevbot/internal/pipeline"
	"github.com/alanyoungcy/mevbot/internal/platform/chain"
	"github.com/alanyoungcy/mevbot/internal/platform/flashbots"
	"github.com/alanyoungcy/mevbot/internal/platform/simulator"
	"github.com/alanyoungcy/mevbot/internal/safety"
	"github.com/alanyoungcy/mevbot/internal/server"
	"github.com/alanyoungcy/mevbot/internal/server/handler"
	"github.com/alanyoungcy/mevbot/internal/service"
	"github.com/alanyoungcy/mevbot/internal/store/postgres"
)

// Dependencies bundles everything the modes need. It is constructed by Wire
// and torn down by the returned cleanup function. Optional parts are nil when
// their backing service is disabled.
type Dependencies struct {
	Metrics *metrics.Metrics

	// Stores
	SubmissionStore domain.SubmissionStore
	LedgerStore     domain.LedgerStore
	AuditStore      domain.AuditStore

	// Redis
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	KillSwitch  *redis.KillSwitchSync

	Notifier *notify.Notifier
	Audit    *audit.Recorder
	Server   *server.Server

	Chain      *chain.Client
	Signer     domain.Signer
	Governor   *safety.Governor
	Controller *executor.Controller

	// Pipeline, nil in recover mode
	Market       *market.Cache
	Orchestrator *pipeline.Orchestrator
	WSFeed       *feed.WSFeed
	BusFeed      *feed.BusFeed
}

// needsPipeline reports whether the mode scans and submits new bundles.
func needsPipeline(mode string) bool {
	return mode == ModeRun || mode == ModeDryRun
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{Metrics: metrics.New()}
	checks := map[string]handler.HealthCheck{}

	// --- PostgreSQL ---
	var submissions *postgres.SubmissionStore
	var auditStore *postgres.AuditStore
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)
		checks["postgres"] = pgClient.Health

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		submissions = postgres.NewSubmissionStore(pool)
		auditStore = postgres.NewAuditStore(pool)
		deps.SubmissionStore = submissions
		deps.AuditStore = auditStore
		deps.LedgerStore = postgres.NewLedgerStore(pool)
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		checks["redis"] = redisClient.Ping
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- Notifications ---
	deps.Notifier = buildNotifier(cfg.Notify, logger)

	// --- Safety governor ---
	deps.Governor = safety.NewGovernor(safety.Config{
		Limits:   safetyLimits(cfg.Safety),
		ResetUTC: cfg.Safety.ResetUTC,
	}, deps.LedgerStore, logger)
	deps.Governor.OnKill(func(reason string) {
		deps.Metrics.SetKillSwitch(true)
	})
	deps.Governor.OnClear(func() {
		deps.Metrics.SetKillSwitch(false)
	})
	if redisClient != nil {
		deps.KillSwitch = redis.NewKillSwitchSync(redisClient, deps.SignalBus, deps.Governor, logger)
		deps.Governor.OnKill(deps.KillSwitch.OnTrip)
	}

	// --- Audit ---
	sinks := audit.Sinks{}
	if deps.AuditStore != nil {
		sinks.Store = deps.AuditStore
	}
	if deps.SignalBus != nil && cfg.Audit.Stream {
		sinks.Stream = deps.SignalBus
	}
	if deps.Notifier.Enabled() {
		sinks.Alerter = deps.Notifier
	}
	deps.Audit = audit.NewRecorder(audit.Config{
		Buffer:       cfg.Audit.Buffer,
		WriteTimeout: cfg.Audit.WriteTimeout.Duration,
	}, sinks, deps.Metrics, logger)

	// --- Chain and signing ---
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Config{
		BaseFeeMultiplier: cfg.Chain.BaseFeeMultiplier,
	}, logger)
	if err != nil {
		return fail("chain", err)
	}
	closers = append(closers, chainClient.Close)
	deps.Chain = chainClient
	checks["chain"] = func(ctx context.Context) error {
		_, err := chainClient.BlockNumber(ctx)
		return err
	}

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return fail("chain id", err)
	}
	if chainID.Int64() != cfg.Chain.ChainID {
		return fail("chain id", fmt.Errorf("node reports %s, config expects %d", chainID, cfg.Chain.ChainID))
	}

	deps.Signer, err = buildSigner(ctx, cfg.Signer, logger)
	if err != nil {
		return fail("signer", err)
	}

	// --- Submission controller ---
	relay, public, err := buildRelays(cfg.Relay, chainClient, logger)
	if err != nil {
		return fail("relay", err)
	}
	ctrlDeps := executor.Deps{
		Signer:  crypto.NewTxSigner(deps.Signer, chainID),
		Relay:   relay,
		Public:  public,
		Gas:     chainClient,
		Blocks:  chainClient,
		Nonces:  executor.NewNonceManager(chainClient, deps.LockManager, cfg.Submission.NonceLockTTL.Duration, logger),
		Safety:  deps.Governor,
		Bump:    executor.MultiplicativeBump{Factor: cfg.Submission.BumpFactor},
		Audit:   deps.Audit,
		Metrics: deps.Metrics,
	}
	if submissions != nil {
		ctrlDeps.Store = submissions
	}
	deps.Controller, err = executor.NewController(executor.Config{
		Accounts:     deps.Signer.Accounts(),
		MaxAttempts:  cfg.Submission.MaxAttempts,
		GraceBlocks:  cfg.Submission.GraceBlocks,
		PollInterval: cfg.Submission.PollInterval.Duration,
		PollTimeout:  cfg.Submission.PollTimeout.Duration,
		RetryBackoff: cfg.Submission.RetryBackoff.Duration,
		SignTimeout:  cfg.Signer.Timeout.Duration,
		SendTimeout:  cfg.Submission.SendTimeout.Duration,
		DryRun:       mode == ModeDryRun,
	}, ctrlDeps, logger)
	if err != nil {
		return fail("submission controller", err)
	}

	if !needsPipeline(mode) {
		return deps, cleanup, nil
	}

	if cfg.Server.Enabled {
		deps.Server = buildServer(cfg, mode, deps, checks, logger)
	}

	// --- Pipeline ---
	sim, err := simulator.Dial(ctx, cfg.Simulator.URL, logger)
	if err != nil {
		return fail("simulator", err)
	}
	closers = append(closers, sim.Close)

	deps.Market = market.NewCache(logger)
	evaluator := service.NewEvaluator(service.EvaluatorConfig{
		MinMargin:        cfg.Evaluator.MinMargin,
		MaxDepthFraction: cfg.Evaluator.MaxDepthFraction,
		SlippageCoeff:    cfg.Evaluator.SlippageCoeff,
		VenueFeeBps:      cfg.Evaluator.VenueFeeBps,
		DefaultFeeBps:    cfg.Evaluator.DefaultFeeBps,
	}, logger)

	strategies, err := buildStrategies(cfg.Scanner).Select(cfg.Scanner.Strategies)
	if err != nil {
		return fail("strategies", err)
	}
	scanner := arbitrage.NewScanner(strategies, evaluator, arbitrage.ScannerConfig{
		FreshnessThreshold:  cfg.Scanner.FreshnessThreshold.Duration,
		NativeAsset:         cfg.Scanner.NativeAsset,
		NativePriceFallback: cfg.Scanner.NativePrice,
		RiskAsset:           cfg.Safety.CapAsset,
	}, logger)

	gate := service.NewSimGate(sim, deps.Governor, service.SimGateConfig{
		Timeout:              cfg.Simulation.Timeout.Duration,
		MinMargin:            cfg.Evaluator.MinMargin,
		DiscrepancyTolerance: cfg.Simulation.DiscrepancyTolerance,
	}, logger)

	builder, err := service.NewBuilder(builderConfig(cfg.Bundle), logger)
	if err != nil {
		return fail("bundle builder", err)
	}

	var archiver *pipeline.Archiver
	if cfg.Archive.Enabled && submissions != nil {
		archiver, err = buildArchiver(ctx, cfg, submissions, auditStore, logger)
		if err != nil {
			return fail("archive", err)
		}
	}

	deps.Orchestrator, err = pipeline.NewOrchestrator(pipeline.Config{
		ScanInterval:    cfg.Scanner.Interval.Duration,
		MaxConcurrent:   cfg.Scanner.MaxConcurrent,
		MaxPerCycle:     cfg.Scanner.MaxPerCycle,
		PersistInterval: cfg.Safety.PersistInterval.Duration,
		ArchiveCron:     cfg.Archive.Cron,
	}, pipeline.Deps{
		Market:    deps.Market,
		Scanner:   scanner,
		Evaluator: evaluator,
		SimGate:   gate,
		Builder:   builder,
		Governor:  deps.Governor,
		Submitter: deps.Controller,
		Audit:     deps.Audit,
		Metrics:   deps.Metrics,
		Archiver:  archiver,
	}, logger)
	if err != nil {
		return fail("orchestrator", err)
	}

	// --- Quote feeds ---
	if cfg.Feed.WSURL != "" {
		deps.WSFeed = feed.NewWSFeed(feed.WSConfig{URL: cfg.Feed.WSURL, Pairs: cfg.Feed.Pairs}, deps.Market, logger)
		closers = append(closers, deps.WSFeed.Close)
	}
	if cfg.Feed.BusEnabled && deps.SignalBus != nil {
		deps.BusFeed = feed.NewBusFeed(deps.SignalBus, cfg.Feed.BusChannel, deps.Market, logger)
	}

	return deps, cleanup, nil
}

// buildServer assembles the operator listener.
func buildServer(cfg *config.Config, mode string, deps *Dependencies, checks map[string]handler.HealthCheck, logger *slog.Logger) *server.Server {
	var shared handler.SharedKillSwitch
	if deps.KillSwitch != nil {
		shared = deps.KillSwitch
	}
	h := server.Handlers{
		Metrics: deps.Metrics.Handler(),
		Health:  handler.NewHealthHandler(checks, logger),
		Status:  handler.NewStatusHandler(mode, deps.Governor, shared, logger),
	}
	if deps.SubmissionStore != nil {
		h.Submissions = handler.NewSubmissionHandler(deps.SubmissionStore, logger)
	}
	return server.New(server.Config{Addr: cfg.Server.Addr, APIKey: cfg.Server.APIKey}, h, logger)
}

// safetyLimits converts the human-unit config into the governor's limits.
func safetyLimits(c config.SafetyConfig) domain.SafetyLimits {
	return domain.SafetyLimits{
		PerTradeCap:             c.PerTradeCap,
		DailyCap:                c.DailyCap,
		MaxGasPriceWei:          scaleToWei(c.MaxGasPriceGwei, 9),
		MaxFeeWei:               scaleToWei(c.MaxFeeEth, 18),
		MaxProjectedLoss:        c.MaxProjectedLoss,
		MismatchKillThreshold:   c.MismatchKillThreshold,
		RevertRateKillThreshold: c.RevertRateKillThreshold,
		MinRevertSamples:        c.MinRevertSamples,
		Window:                  c.Window.Duration,
		AutoKill:                c.AutoKill,
	}
}

// scaleToWei returns v × 10^decimals, or nil when v is not positive so the
// limit stays disabled.
func scaleToWei(v float64, decimals int) *big.Int {
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	f := new(big.Float).SetFloat64(v)
	f.Mul(f, new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	out, _ := f.Int(nil)
	return out
}

func buildStrategies(c config.ScannerConfig) *arbitrage.Registry {
	gas := arbitrage.DefaultGasConfig()
	if c.SwapGas > 0 {
		gas.SwapGas = c.SwapGas
	}
	if c.LiquidationGas > 0 {
		gas.LiquidationGas = c.LiquidationGas
	}
	reg := arbitrage.NewRegistry()
	reg.Register(arbitrage.NewCrossVenue(arbitrage.CrossVenueConfig{
		MaxTradeSize:  c.MaxTradeSize,
		DepthFraction: c.DepthFraction,
		MinSpreadBps:  c.MinSpreadBps,
		Gas:           gas,
	}))
	reg.Register(arbitrage.NewTriangular(arbitrage.TriangularConfig{
		StartAssets:   c.StartAssets,
		StartAmount:   c.StartAmount,
		DepthFraction: c.DepthFraction,
		Gas:           gas,
	}))
	reg.Register(arbitrage.NewLiquidation(arbitrage.LiquidationConfig{
		MaxRepay:      c.MaxRepay,
		DepthFraction: c.DepthFraction,
		Gas:           gas,
	}))
	return reg
}

func builderConfig(c config.BundleConfig) service.BuilderConfig {
	out := service.BuilderConfig{
		Executor:          common.HexToAddress(c.Executor),
		Routers:           make(map[string]common.Address, len(c.Routers)),
		Tokens:            make(map[string]service.Token, len(c.Tokens)),
		GasMultiplier:     c.GasMultiplier,
		SlippageTolerance: c.SlippageTolerance,
	}
	for venue, addr := range c.Routers {
		out.Routers[venue] = common.HexToAddress(addr)
	}
	for sym, tok := range c.Tokens {
		out.Tokens[strings.ToUpper(sym)] = service.Token{
			Address:  common.HexToAddress(tok.Address),
			Decimals: tok.Decimals,
		}
	}
	return out
}

func buildSigner(ctx context.Context, c config.SignerConfig, logger *slog.Logger) (domain.Signer, error) {
	switch strings.ToLower(c.Backend) {
	case "kms":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.KMSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return crypto.NewKMSSigner(ctx, kms.NewFromConfig(awsCfg), c.KMSKeyIDs, c.Timeout.Duration, logger)
	case "local", "":
		keys, err := crypto.LoadKeys(crypto.KeySource{
			RawKeys:  c.PrivateKeys,
			KeyFiles: c.KeyFiles,
			Password: c.KeyPassword,
		})
		if err != nil {
			return nil, err
		}
		return crypto.NewLocalSigner(keys...), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// buildRelays returns the primary channel and the optional fallback. With no
// relay URL the public mempool becomes the primary channel.
func buildRelays(c config.RelayConfig, chainClient *chain.Client, logger *slog.Logger) (domain.Relay, domain.Relay, error) {
	var public domain.Relay
	if c.PublicFallback {
		public = chain.NewPublicRelay(chainClient, logger)
	}
	if c.URL == "" {
		if public == nil {
			return nil, nil, errors.New("no relay url and public fallback disabled")
		}
		return public, nil, nil
	}

	var auth flashbots.RequestSigner
	if c.AuthKey != "" {
		ra, err := crypto.NewRelayAuth(c.AuthKey)
		if err != nil {
			return nil, nil, err
		}
		auth = ra
	}
	relay := flashbots.New(flashbots.Config{
		URL:             c.URL,
		Timeout:         c.Timeout.Duration,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: c.BreakerCooldown.Duration,
	}, auth, chainClient, logger)
	return relay, public, nil
}

func buildNotifier(c config.NotifyConfig, logger *slog.Logger) *notify.Notifier {
	var senders []notify.Sender
	if c.TelegramToken != "" && c.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(c.TelegramToken, c.TelegramChatID))
	}
	if c.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(c.DiscordWebhookURL))
	}
	return notify.NewNotifier(senders, c.Events, logger)
}

func buildArchiver(ctx context.Context, cfg *config.Config, submissions *postgres.SubmissionStore, auditStore *postgres.AuditStore, logger *slog.Logger) (*pipeline.Archiver, error) {
	client, err := s3blob.New(ctx, s3blob.ClientConfig{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		UseSSL:         cfg.S3.UseSSL,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	if err := client.Health(ctx); err != nil {
		return nil, err
	}
	blobs := s3blob.NewArchiver(s3blob.NewWriter(client), s3blob.NewReader(client), submissions, auditStore)
	return pipeline.NewArchiver(blobs, cfg.Archive.RetentionDays, logger), nil
}
