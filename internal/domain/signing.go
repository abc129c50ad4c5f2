package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Signer turns a 32-byte digest into a signature for account. Backends must
// never expose key material and must return *SigningError on failure.
type Signer interface {
	Sign(ctx context.Context, digest common.Hash, account common.Address) (Signature, error)
	Accounts() []common.Address
	Backend() string
}
