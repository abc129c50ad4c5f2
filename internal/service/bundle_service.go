package service

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// executorABI is the on-chain executor contract every leg is routed through.
const executorABI = `[
  {"type":"function","name":"swap","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"router","type":"address"},
    {"name":"tokenIn","type":"address"},
    {"name":"tokenOut","type":"address"},
    {"name":"amountIn","type":"uint256"},
    {"name":"minAmountOut","type":"uint256"}]},
  {"type":"function","name":"liquidate","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"pool","type":"address"},
    {"name":"collateral","type":"address"},
    {"name":"debt","type":"address"},
    {"name":"borrower","type":"address"},
    {"name":"debtToCover","type":"uint256"}]}
]`

// Token describes an ERC-20 the executor can trade.
type Token struct {
	Address  common.Address
	Decimals int
}

// BuilderConfig configures calldata encoding and gas limits.
type BuilderConfig struct {
	Executor          common.Address
	Routers           map[string]common.Address // venue or protocol → router / pool
	Tokens            map[string]Token          // asset symbol → token
	GasMultiplier     float64                   // > 1.0
	SlippageTolerance float64                   // applied to minAmountOut
}

// Builder turns an accepted opportunity and its simulation into an unsigned
// bundle with one transaction per leg, in leg order.
type Builder struct {
	cfg    BuilderConfig
	abi    abi.ABI
	now    func() time.Time
	logger *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig, logger *slog.Logger) (*Builder, error) {
	if cfg.GasMultiplier <= 1.0 {
		return nil, fmt.Errorf("bundle builder: gas multiplier must be > 1.0, got %v", cfg.GasMultiplier)
	}
	parsed, err := abi.JSON(strings.NewReader(executorABI))
	if err != nil {
		return nil, fmt.Errorf("bundle builder: parse executor abi: %w", err)
	}
	return &Builder{
		cfg:    cfg,
		abi:    parsed,
		now:    time.Now,
		logger: logger.With(slog.String("component", "bundle_builder")),
	}, nil
}

// Build assembles the bundle. Fee fields stay unset.
func (b *Builder) Build(opp domain.Opportunity, sim domain.SimulationResult) (domain.Bundle, error) {
	if len(opp.Legs) == 0 {
		return domain.Bundle{}, fmt.Errorf("bundle builder: opportunity %s has no legs", opp.ID)
	}
	bundle := domain.Bundle{
		ID:             uuid.NewString(),
		OpportunityID:  opp.ID,
		Txs:            make([]domain.RawTx, 0, len(opp.Legs)),
		TargetBlock:    opp.TargetBlock,
		ExpectedProfit: sim.NetProfit,
		Notional:       opp.Notional,
		NativePrice:    opp.NativePrice,
		RiskPrice:      opp.RiskPrice,
		CreatedAt:      b.now(),
	}
	for i, leg := range opp.Legs {
		data, err := b.calldata(leg)
		if err != nil {
			return domain.Bundle{}, fmt.Errorf("bundle builder: leg %d: %w", i, err)
		}
		bundle.Txs = append(bundle.Txs, domain.RawTx{
			LegIndex: i,
			To:       b.cfg.Executor,
			Data:     data,
			Value:    new(big.Int),
			GasLimit: b.gasLimit(sim, i, len(opp.Legs)),
		})
	}
	b.logger.Debug("bundle built",
		slog.String("bundle_id", bundle.ID),
		slog.String("opp_id", opp.ID),
		slog.Int("txs", len(bundle.Txs)),
		slog.Uint64("gas_limit", bundle.TotalGasLimit()),
	)
	return bundle, nil
}

// gasLimit scales the simulated gas of leg i by the safety multiplier. When
// the simulator gave no per-leg breakdown the total is split evenly.
func (b *Builder) gasLimit(sim domain.SimulationResult, i, legs int) uint64 {
	used := float64(sim.GasUsed) / float64(legs)
	if len(sim.LegGasUsed) == legs {
		used = float64(sim.LegGasUsed[i])
	}
	return uint64(math.Ceil(used * b.cfg.GasMultiplier))
}

func (b *Builder) calldata(leg domain.Leg) ([]byte, error) {
	router, ok := b.cfg.Routers[leg.Venue]
	if !ok {
		return nil, fmt.Errorf("no router configured for venue %q", leg.Venue)
	}
	base, err := b.token(leg.Pair.Base)
	if err != nil {
		return nil, err
	}
	quote, err := b.token(leg.Pair.Quote)
	if err != nil {
		return nil, err
	}
	keep := 1 - b.cfg.SlippageTolerance

	switch leg.Direction {
	case domain.DirectionBuy:
		return b.abi.Pack("swap", router, quote.Address, base.Address,
			toUnits(leg.Notional(), quote.Decimals), toUnits(leg.Amount*keep, base.Decimals))
	case domain.DirectionSell:
		return b.abi.Pack("swap", router, base.Address, quote.Address,
			toUnits(leg.Amount, base.Decimals), toUnits(leg.Notional()*keep, quote.Decimals))
	case domain.DirectionLiquidate:
		if !common.IsHexAddress(leg.Borrower) {
			return nil, fmt.Errorf("invalid borrower address %q", leg.Borrower)
		}
		return b.abi.Pack("liquidate", router, base.Address, quote.Address,
			common.HexToAddress(leg.Borrower), toUnits(leg.Notional(), quote.Decimals))
	default:
		return nil, fmt.Errorf("unknown leg direction %q", leg.Direction)
	}
}

func (b *Builder) token(symbol string) (Token, error) {
	t, ok := b.cfg.Tokens[symbol]
	if !ok {
		return Token{}, fmt.Errorf("no token configured for %q", symbol)
	}
	return t, nil
}

// toUnits converts a decimal amount into integer token units.
func toUnits(amount float64, decimals int) *big.Int {
	if amount <= 0 {
		return new(big.Int)
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Mul(big.NewFloat(amount), scale).Int(nil)
	return out
}
