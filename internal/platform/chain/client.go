// Package chain adapts an Ethereum JSON-RPC node to the gas oracle, block
// source, nonce source and public submission interfaces.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// EthAPI is the subset of *ethclient.Client the adapter uses.
type EthAPI interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config configures fee suggestion.
type Config struct {
	BaseFeeMultiplier int64 // max fee = base fee × multiplier + tip
}

// Client implements domain.GasOracle, domain.BlockSource and
// domain.NonceSource over a node connection.
type Client struct {
	eth    EthAPI
	cfg    Config
	close  func()
	logger *slog.Logger
}

var (
	_ domain.GasOracle   = (*Client)(nil)
	_ domain.BlockSource = (*Client)(nil)
	_ domain.NonceSource = (*Client)(nil)
)

// Dial connects to the node at url.
func Dial(ctx context.Context, url string, cfg Config, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial: %w", err)
	}
	c := New(ec, cfg, logger)
	c.close = ec.Close
	return c, nil
}

// New wraps an existing API implementation.
func New(eth EthAPI, cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseFeeMultiplier <= 0 {
		cfg.BaseFeeMultiplier = 2
	}
	return &Client{
		eth:    eth,
		cfg:    cfg,
		close:  func() {},
		logger: logger.With(slog.String("component", "chain_client")),
	}
}

// Close releases the node connection.
func (c *Client) Close() { c.close() }

// ChainID returns the connected chain's id.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	return id, nil
}

// BlockNumber returns the current head.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// GasPrice returns the node's current gas price suggestion.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: gas price: %w", err)
	}
	return p, nil
}

// SuggestFees derives EIP-1559 fee fields from the latest base fee and the
// node's tip suggestion. Chains without a base fee fall back to the legacy
// gas price as the fee cap.
func (c *Client) SuggestFees(ctx context.Context) (domain.Fees, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return domain.Fees{}, fmt.Errorf("chain: tip cap: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return domain.Fees{}, fmt.Errorf("chain: latest header: %w", err)
	}
	if head.BaseFee == nil {
		price, err := c.GasPrice(ctx)
		if err != nil {
			return domain.Fees{}, err
		}
		return domain.Fees{MaxFeePerGas: price, MaxPriorityFeePerGas: minBig(tip, price)}, nil
	}
	maxFee := new(big.Int).Mul(head.BaseFee, big.NewInt(c.cfg.BaseFeeMultiplier))
	maxFee.Add(maxFee, tip)
	return domain.Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: new(big.Int).Set(tip)}, nil
}

// PendingNonceAt returns the next nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	n, err := c.eth.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("chain: pending nonce: %w", err)
	}
	return n, nil
}

// TransactionReceipt returns the receipt of a mined transaction, or
// ethereum.NotFound.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

// ChainStateSink receives head updates.
type ChainStateSink interface {
	SetChainState(gasPriceWei *big.Int, block uint64)
}

// PollHeads pushes the head and gas price into sink every interval until
// ctx is done. A failed poll is logged and retried on the next tick.
func (c *Client) PollHeads(ctx context.Context, interval time.Duration, sink ChainStateSink) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last uint64
	for {
		block, err := c.BlockNumber(ctx)
		if err == nil && block != last {
			var price *big.Int
			price, err = c.GasPrice(ctx)
			if err == nil {
				sink.SetChainState(price, block)
				last = block
			}
		}
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("head poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReceiptSource looks up transaction receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ReceiptInclusion reports a bundle as included once its last transaction
// has a receipt. Bundles execute atomically, so the last transaction
// landing means every transaction did.
func ReceiptInclusion(ctx context.Context, receipts ReceiptSource, bundle domain.SignedBundle) (domain.InclusionStatus, error) {
	if receipts == nil || len(bundle.Txs) == 0 {
		return domain.InclusionStatus{}, nil
	}
	last := bundle.Txs[len(bundle.Txs)-1].Hash
	rcpt, err := receipts.TransactionReceipt(ctx, last)
	if errors.Is(err, ethereum.NotFound) {
		return domain.InclusionStatus{}, nil
	}
	if err != nil {
		return domain.InclusionStatus{}, fmt.Errorf("chain: receipt %s: %w", last.Hex(), err)
	}
	return domain.InclusionStatus{
		Included:    true,
		Reverted:    rcpt.Status != types.ReceiptStatusSuccessful,
		BlockNumber: rcpt.BlockNumber.Uint64(),
	}, nil
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
