package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// Recover drives every non-terminal persisted submission to a terminal
// state after a restart. Bundles never sent are abandoned. Bundles that
// were sent are polled by transaction hash until their deadline; they are
// never re-signed, since their nonces may already be consumed.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	rec, err := c.BeginRecovery(ctx)
	if err != nil {
		return 0, err
	}
	return rec.Run(ctx), nil
}

// Recovery is a recovery pass whose accounts are already reserved. Every
// account with a sent bundle stays reserved until Run returns, so a new
// submission cannot sign over nonces a recovered bundle may still consume.
type Recovery struct {
	c        *Controller
	total    int
	sent     []domain.SubmissionState
	reserved []*NonceReservation
}

// BeginRecovery loads the open submissions, abandons the unsent ones and
// reserves the account of every sent one. On error no reservation is held.
func (c *Controller) BeginRecovery(ctx context.Context) (*Recovery, error) {
	rec := &Recovery{c: c}
	if c.deps.Store == nil {
		return rec, nil
	}
	open, err := c.deps.Store.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: list open submissions: %w", err)
	}
	c.logger.Info("recovering submissions", slog.Int("open", len(open)))
	rec.total = len(open)

	seen := make(map[common.Address]bool)
	for i := range open {
		st := open[i]
		c.dedup.IsDuplicate(st.BundleID)
		if !st.Sent || len(st.TxHashes) == 0 {
			c.terminate(ctx, &st, domain.SubmissionAbandoned, ReasonUnsent)
			continue
		}
		rec.sent = append(rec.sent, st)

		account := common.HexToAddress(st.Account)
		if seen[account] {
			continue
		}
		seen[account] = true
		res, err := c.deps.Nonces.Reserve(ctx, account)
		if err != nil {
			rec.release()
			return nil, fmt.Errorf("executor: recover: %w", err)
		}
		rec.reserved = append(rec.reserved, res)
	}
	return rec, nil
}

// Run polls every sent bundle to its deadline, then frees the reserved
// accounts. The next reservation resynchronizes each account with the chain.
// It returns the number of submissions recovered.
func (r *Recovery) Run(ctx context.Context) int {
	defer r.release()
	c := r.c
	for i := range r.sent {
		st := r.sent[i]
		incl, err := c.awaitInclusion(ctx, st.DeadlineBlock, c.recoveredAttempts(st))
		if err == nil && incl.Included {
			st.IncludedBlock = incl.BlockNumber
			c.terminate(ctx, &st, domain.SubmissionIncluded, "")
			continue
		}
		c.terminate(ctx, &st, domain.SubmissionAbandoned, ReasonRecoveredLost)
	}
	return r.total
}

func (r *Recovery) release() {
	for _, res := range r.reserved {
		res.Release()
	}
	r.reserved = nil
}

// recoveredAttempts rebuilds a pollable bundle from the persisted hashes
// and pairs it with every configured relay.
func (c *Controller) recoveredAttempts(st domain.SubmissionState) []sentAttempt {
	bundle := domain.SignedBundle{
		Bundle:  domain.Bundle{ID: st.BundleID, OpportunityID: st.OpportunityID, TargetBlock: st.TargetBlock},
		Account: common.HexToAddress(st.Account),
		Txs:     make([]domain.SignedTx, len(st.TxHashes)),
	}
	for i, h := range st.TxHashes {
		bundle.Txs[i].Hash = common.HexToHash(h)
		if i < len(st.Nonces) {
			bundle.Txs[i].Nonce = st.Nonces[i]
		}
	}
	out := []sentAttempt{{relay: c.deps.Relay, bundle: bundle}}
	if c.deps.Public != nil {
		out = append(out, sentAttempt{relay: c.deps.Public, bundle: bundle})
	}
	return out
}

func (c *Controller) terminate(ctx context.Context, st *domain.SubmissionState, status domain.SubmissionStatus, reason string) {
	st.Status = status
	st.Reason = reason
	c.save(ctx, st)
	decision := domain.DecisionAbandoned
	if status == domain.SubmissionIncluded {
		decision = domain.DecisionIncluded
	}
	c.record(ctx, st, domain.StageInclusion, decision, reason)
	c.deps.Metrics.Outcome(string(status))
	c.logger.Info("recovered submission",
		slog.String("bundle_id", st.BundleID),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
}
