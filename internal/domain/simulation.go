package domain

import (
	"context"
	"time"
)

// SimulationResult is the outcome of a forked-state execution of an
// opportunity's legs. It is produced once per opportunity by the simulation
// gate and never modified afterwards.
type SimulationResult struct {
	OpportunityID string
	NetProfit     float64
	Reverted      bool
	RevertReason  string
	GasUsed       uint64
	LegGasUsed    []uint64 // optional per-leg breakdown, in leg order
	Discrepancy   float64  // |simulated - estimated| / estimated
	SimulatedAt   time.Time
}

// Simulator executes legs against current chain state. Implementations may
// be remote and slow; callers always pass a deadline.
type Simulator interface {
	Simulate(ctx context.Context, legs []Leg, targetBlock uint64) (SimulationResult, error)
}
