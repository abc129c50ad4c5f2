package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RawTx is an unsigned transaction for one leg. Fee fields stay nil until
// submission time.
type RawTx struct {
	LegIndex int
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Bundle is an ordered set of transactions meant to execute atomically. It
// is owned by the pipeline run that built it.
type Bundle struct {
	ID             string
	OpportunityID  string
	Txs            []RawTx
	TargetBlock    uint64
	ExpectedProfit float64
	Notional       float64
	NativePrice    float64
	RiskPrice      float64
	CreatedAt      time.Time
}

// TotalGasLimit sums the gas limits of every transaction.
func (b Bundle) TotalGasLimit() uint64 {
	var total uint64
	for _, tx := range b.Txs {
		total += tx.GasLimit
	}
	return total
}

// Fees are the EIP-1559 fee fields finalized at submission time.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// WorstCaseCost is gas × max fee per gas in wei.
func (f Fees) WorstCaseCost(gas uint64) *big.Int {
	if f.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(gas), f.MaxFeePerGas)
}

// Signature is a secp256k1 signature in canonical low-s form. V is the
// recovery id (0 or 1).
type Signature struct {
	R *big.Int
	S *big.Int
	V byte
}

// Bytes returns the 65-byte r || s || v encoding used by go-ethereum.
func (s Signature) Bytes() []byte {
	out := make([]byte, 65)
	s.R.FillBytes(out[0:32])
	s.S.FillBytes(out[32:64])
	out[64] = s.V
	return out
}

// SignedTx is one signed leg transaction.
type SignedTx struct {
	Nonce     uint64
	Hash      common.Hash
	Raw       []byte
	Signature Signature
}

// SignedBundle is a bundle with signature material and the nonces reserved
// for its signing account.
type SignedBundle struct {
	Bundle  Bundle
	Account common.Address
	Txs     []SignedTx
	Fees    Fees
	Attempt int
}

// RawTxs returns the encoded transactions in bundle order.
func (s SignedBundle) RawTxs() [][]byte {
	out := make([][]byte, len(s.Txs))
	for i, tx := range s.Txs {
		out[i] = tx.Raw
	}
	return out
}

// TxHashes returns the transaction hashes in bundle order.
func (s SignedBundle) TxHashes() []common.Hash {
	out := make([]common.Hash, len(s.Txs))
	for i, tx := range s.Txs {
		out[i] = tx.Hash
	}
	return out
}

// Nonces returns the nonces used, in bundle order.
func (s SignedBundle) Nonces() []uint64 {
	out := make([]uint64, len(s.Txs))
	for i, tx := range s.Txs {
		out[i] = tx.Nonce
	}
	return out
}
