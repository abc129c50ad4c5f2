package domain

import (
	"math/big"
	"time"
)

// SafetyLimits are the process-wide capital and gas limits enforced by the
// safety governor.
type SafetyLimits struct {
	PerTradeCap      float64
	DailyCap         float64
	MaxGasPriceWei   *big.Int
	MaxFeeWei        *big.Int // worst-case gas spend for one bundle
	MaxProjectedLoss float64  // worst-case fee minus expected profit; 0 disables

	MismatchKillThreshold   int     // mismatches within Window that recommend a kill
	RevertRateKillThreshold float64 // reverts / simulations within Window
	MinRevertSamples        int     // simulations required before the rate applies
	Window                  time.Duration
	AutoKill                bool // honor kill recommendations from the simulation gate
}

// LedgerSnapshot is the persisted form of the risk ledger.
type LedgerSnapshot struct {
	Day             time.Time
	Notional        float64
	MismatchCount   int64
	RevertCount     int64
	SimulationCount int64
	KillSwitch      bool
	KillReason      string
	UpdatedAt       time.Time
}
