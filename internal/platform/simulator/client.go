// Package simulator calls a forked-state simulation service over JSON-RPC.
package simulator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Method is the JSON-RPC method the service exposes.
const Method = "sim_simulateLegs"

// Leg is the wire form of a domain.Leg.
type Leg struct {
	Venue     string  `json:"venue"`
	Base      string  `json:"base"`
	Quote     string  `json:"quote"`
	Direction string  `json:"direction"`
	Amount    float64 `json:"amount"`
	Price     float64 `json:"price"`
	Borrower  string  `json:"borrower,omitempty"`
}

// Result is the wire form of a simulation result.
type Result struct {
	NetProfit    float64          `json:"netProfit"`
	Reverted     bool             `json:"reverted"`
	RevertReason string           `json:"revertReason,omitempty"`
	GasUsed      hexutil.Uint64   `json:"gasUsed"`
	LegGasUsed   []hexutil.Uint64 `json:"legGasUsed,omitempty"`
}

// Client implements domain.Simulator.
type Client struct {
	rpc    *rpc.Client
	logger *slog.Logger
}

var _ domain.Simulator = (*Client)(nil)

// Dial connects to the simulation service.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("simulator: dial: %w", err)
	}
	return New(c, logger), nil
}

// New wraps an existing RPC client.
func New(c *rpc.Client, logger *slog.Logger) *Client {
	return &Client{rpc: c, logger: logger.With(slog.String("component", "simulator_client"))}
}

// Close closes the connection.
func (c *Client) Close() { c.rpc.Close() }

// Simulate runs legs against the state at targetBlock.
func (c *Client) Simulate(ctx context.Context, legs []domain.Leg, targetBlock uint64) (domain.SimulationResult, error) {
	wire := make([]Leg, len(legs))
	for i, l := range legs {
		wire[i] = Leg{
			Venue:     l.Venue,
			Base:      l.Pair.Base,
			Quote:     l.Pair.Quote,
			Direction: string(l.Direction),
			Amount:    l.Amount,
			Price:     l.Price,
			Borrower:  l.Borrower,
		}
	}

	var res Result
	if err := c.rpc.CallContext(ctx, &res, Method, wire, hexutil.Uint64(targetBlock)); err != nil {
		return domain.SimulationResult{}, fmt.Errorf("simulator: %s: %w", Method, err)
	}

	out := domain.SimulationResult{
		NetProfit:    res.NetProfit,
		Reverted:     res.Reverted,
		RevertReason: res.RevertReason,
		GasUsed:      uint64(res.GasUsed),
	}
	if len(res.LegGasUsed) == len(legs) {
		out.LegGasUsed = make([]uint64, len(res.LegGasUsed))
		for i, g := range res.LegGasUsed {
			out.LegGasUsed[i] = uint64(g)
		}
	}
	return out, nil
}
