package crypto

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// TxSigner turns bundles into signed EIP-1559 transactions through a
// domain.Signer backend.
type TxSigner struct {
	signer  domain.Signer
	chainID *big.Int
	eth     types.Signer
}

// NewTxSigner creates a TxSigner for the given chain.
func NewTxSigner(signer domain.Signer, chainID *big.Int) *TxSigner {
	return &TxSigner{
		signer:  signer,
		chainID: new(big.Int).Set(chainID),
		eth:     types.LatestSignerForChainID(chainID),
	}
}

// Backend returns the underlying signing backend name.
func (t *TxSigner) Backend() string { return t.signer.Backend() }

// BuildTx constructs the unsigned EIP-1559 transaction for one bundle entry.
func (t *TxSigner) BuildTx(raw domain.RawTx, nonce uint64, fees domain.Fees) *types.Transaction {
	to := raw.To
	value := raw.Value
	if value == nil {
		value = new(big.Int)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(fees.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(fees.MaxFeePerGas),
		Gas:       raw.GasLimit,
		To:        &to,
		Value:     value,
		Data:      common.CopyBytes(raw.Data),
	})
}

// SignBundle signs every transaction of the bundle in order, assigning
// consecutive nonces from firstNonce.
func (t *TxSigner) SignBundle(ctx context.Context, bundle domain.Bundle, account common.Address, firstNonce uint64, fees domain.Fees) (domain.SignedBundle, error) {
	if fees.MaxFeePerGas == nil || fees.MaxPriorityFeePerGas == nil {
		return domain.SignedBundle{}, fmt.Errorf("crypto/tx: fees not finalized for bundle %s", bundle.ID)
	}
	out := domain.SignedBundle{
		Bundle:  bundle,
		Account: account,
		Txs:     make([]domain.SignedTx, 0, len(bundle.Txs)),
		Fees:    fees,
	}
	for i, raw := range bundle.Txs {
		nonce := firstNonce + uint64(i)
		tx := t.BuildTx(raw, nonce, fees)
		sig, err := t.signer.Sign(ctx, t.eth.Hash(tx), account)
		if err != nil {
			return domain.SignedBundle{}, err
		}
		signed, err := tx.WithSignature(t.eth, sig.Bytes())
		if err != nil {
			return domain.SignedBundle{}, &domain.SigningError{Kind: domain.SigningRejected, Backend: t.signer.Backend(), Err: err}
		}
		enc, err := signed.MarshalBinary()
		if err != nil {
			return domain.SignedBundle{}, fmt.Errorf("crypto/tx: encode tx %d: %w", i, err)
		}
		out.Txs = append(out.Txs, domain.SignedTx{
			Nonce:     nonce,
			Hash:      signed.Hash(),
			Raw:       enc,
			Signature: sig,
		})
	}
	return out, nil
}
