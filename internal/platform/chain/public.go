package chain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// PublicName is the channel name of the public mempool fallback.
const PublicName = "public"

// PublicRelay broadcasts bundle transactions one by one through the node's
// public mempool. Atomicity is lost, so it is only a fallback.
type PublicRelay struct {
	client *Client
	logger *slog.Logger
}

var _ domain.Relay = (*PublicRelay)(nil)

// NewPublicRelay creates the fallback relay.
func NewPublicRelay(client *Client, logger *slog.Logger) *PublicRelay {
	return &PublicRelay{client: client, logger: logger.With(slog.String("component", "public_relay"))}
}

// Name returns the channel name.
func (p *PublicRelay) Name() string { return PublicName }

// SubmitBundle sends each transaction in bundle order. A transaction the
// node already knows counts as sent.
func (p *PublicRelay) SubmitBundle(ctx context.Context, bundle domain.SignedBundle) (domain.RelayResponse, error) {
	for i, stx := range bundle.Txs {
		var tx types.Transaction
		if err := tx.UnmarshalBinary(stx.Raw); err != nil {
			return domain.RelayResponse{}, fmt.Errorf("%w: public: decode tx %d: %w", domain.ErrRelaySubmissionFailed, i, err)
		}
		if err := p.client.eth.SendTransaction(ctx, &tx); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already known") {
				continue
			}
			return domain.RelayResponse{}, fmt.Errorf("%w: public: send tx %d: %w", domain.ErrRelaySubmissionFailed, i, err)
		}
		p.logger.Debug("transaction broadcast",
			slog.String("bundle_id", bundle.Bundle.ID),
			slog.String("hash", tx.Hash().Hex()),
			slog.Uint64("nonce", tx.Nonce()),
		)
	}
	return domain.RelayResponse{Channel: PublicName}, nil
}

// PollInclusion checks the receipt of the last transaction.
func (p *PublicRelay) PollInclusion(ctx context.Context, bundle domain.SignedBundle) (domain.InclusionStatus, error) {
	return ReceiptInclusion(ctx, p.client, bundle)
}
