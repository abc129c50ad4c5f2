package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// GasOracle reports current network fee conditions.
type GasOracle interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	SuggestFees(ctx context.Context) (Fees, error)
}

// BlockSource reports the current chain head.
type BlockSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// NonceSource reports the next usable nonce for an account on chain.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}
