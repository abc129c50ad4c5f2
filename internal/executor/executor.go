// Package executor drives signed bundles from submission to a terminal
// state: relay first, public fallback, inclusion polling, fee-bumped
// resubmission and abandonment.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/metrics"
	"github.com/alanyoungcy/mevbot/internal/safety"
)

// SafetyGate is the part of the safety governor the controller consults
// before every send.
type SafetyGate interface {
	FinalCheck(in safety.FinalCheckInput) error
	MaxFeePerGas(gasLimit uint64) *big.Int
}

// BundleSigner signs every transaction of a bundle with consecutive nonces.
type BundleSigner interface {
	SignBundle(ctx context.Context, bundle domain.Bundle, account common.Address, firstNonce uint64, fees domain.Fees) (domain.SignedBundle, error)
}

// Abandon reasons recorded on the submission state.
const (
	ReasonDryRun        = "dry_run"
	ReasonStopped       = "stopped"
	ReasonMaxAttempts   = "max_attempts"
	ReasonSigning       = "signing_rejected"
	ReasonNonce         = "nonce_unavailable"
	ReasonRecoveredLost = "recovered_deadline"
	ReasonUnsent        = "recovered_unsent"
)

// Config configures the submission controller.
type Config struct {
	Accounts     []common.Address
	MaxAttempts  int
	GraceBlocks  uint64        // inclusion deadline = target block + GraceBlocks
	PollInterval time.Duration // inclusion poll cadence
	PollTimeout  time.Duration // wall-clock bound on one inclusion wait
	RetryBackoff time.Duration
	SignTimeout  time.Duration
	SendTimeout  time.Duration
	DryRun       bool // sign, then abandon without sending
}

// Deps are the collaborators of the controller. Public, Store, Audit and
// Metrics may be nil.
type Deps struct {
	Signer  BundleSigner
	Relay   domain.Relay
	Public  domain.Relay
	Gas     domain.GasOracle
	Blocks  domain.BlockSource
	Nonces  *NonceManager
	Safety  SafetyGate
	Bump    FeeBumpPolicy
	Store   domain.SubmissionStore
	Audit   domain.AuditSink
	Metrics *metrics.Metrics
}

// Controller is the submission state machine:
//
//	Pending → Submitted → Included
//	                    → Failed → (resubmit) Submitted | Abandoned
//
// Each logical bundle keeps the same nonces across attempts, so at most one
// attempt can ever be included.
type Controller struct {
	cfg  Config
	deps Deps

	dedup *Dedup
	rr    atomic.Uint64

	mu     sync.Mutex
	states map[string]domain.SubmissionState

	now    func() time.Time
	logger *slog.Logger
}

// NewController validates cfg and creates a controller.
func NewController(cfg Config, deps Deps, logger *slog.Logger) (*Controller, error) {
	if len(cfg.Accounts) == 0 {
		return nil, errors.New("executor: no signing accounts")
	}
	if deps.Signer == nil || deps.Relay == nil || deps.Gas == nil || deps.Blocks == nil ||
		deps.Nonces == nil || deps.Safety == nil {
		return nil, errors.New("executor: missing collaborator")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Minute
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if deps.Bump == nil {
		deps.Bump = MultiplicativeBump{Factor: DefaultBumpFactor}
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		dedup:  NewDedup(time.Hour),
		states: make(map[string]domain.SubmissionState),
		now:    time.Now,
		logger: logger.With(slog.String("component", "submission_controller")),
	}, nil
}

// State returns the latest known state of a bundle.
func (c *Controller) State(ctx context.Context, bundleID string) (domain.SubmissionState, error) {
	c.mu.Lock()
	st, ok := c.states[bundleID]
	c.mu.Unlock()
	if ok {
		return st, nil
	}
	if c.deps.Store != nil {
		return c.deps.Store.Get(ctx, bundleID)
	}
	return domain.SubmissionState{}, domain.ErrNotFound
}

// CleanupDedup drops expired bundle IDs and forgets terminal states.
func (c *Controller) CleanupDedup() {
	c.dedup.Cleanup()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.states {
		if st.Status.Terminal() {
			delete(c.states, id)
		}
	}
}

// sentAttempt remembers where each attempt went so that any of them can be
// detected as included.
type sentAttempt struct {
	relay  domain.Relay
	bundle domain.SignedBundle
}

// Submit drives bundle to a terminal state. The returned state is Included
// or Abandoned. A bundle ID seen before returns its existing state with
// domain.ErrAlreadyExists and nothing is sent.
//
// Cancelling ctx stops new attempts; an attempt already sent is polled to
// its deadline on a context detached from ctx.
func (c *Controller) Submit(ctx context.Context, bundle domain.Bundle) (domain.SubmissionState, error) {
	if c.dedup.IsDuplicate(bundle.ID) {
		st, err := c.State(ctx, bundle.ID)
		if err != nil {
			return domain.SubmissionState{}, fmt.Errorf("executor: bundle %s: %w", bundle.ID, domain.ErrAlreadyExists)
		}
		return st, fmt.Errorf("executor: bundle %s: %w", bundle.ID, domain.ErrAlreadyExists)
	}

	detached := context.WithoutCancel(ctx)
	account := c.cfg.Accounts[int(c.rr.Add(1)-1)%len(c.cfg.Accounts)]
	st := domain.SubmissionState{
		BundleID:      bundle.ID,
		OpportunityID: bundle.OpportunityID,
		Account:       account.Hex(),
		Status:        domain.SubmissionPending,
		TargetBlock:   bundle.TargetBlock,
		DeadlineBlock: bundle.TargetBlock + c.cfg.GraceBlocks,
	}
	log := c.logger.With(
		slog.String("bundle_id", bundle.ID),
		slog.String("opportunity_id", bundle.OpportunityID),
		slog.String("account", st.Account),
	)

	res, err := c.deps.Nonces.Reserve(ctx, account)
	if err != nil {
		st.Status = domain.SubmissionAbandoned
		st.Reason = ReasonNonce
		c.save(detached, &st)
		c.record(detached, &st, domain.StageSubmit, domain.DecisionAbandoned, err.Error())
		return st, err
	}
	c.save(detached, &st)

	var (
		prev    *domain.Fees
		sent    []sentAttempt
		lastErr error
	)
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return c.abandon(detached, &st, res, ReasonStopped, ctx.Err())
		}

		signed, input, err := c.prepare(ctx, &bundle, res, prev, attempt)
		if err != nil {
			switch {
			case isSafetyAbort(err):
				c.record(detached, &st, domain.StageFinalCheck, domain.DecisionRejected, err.Error())
				return c.abandon(detached, &st, res, err.Error(), err)
			case domain.IsSigningRejected(err):
				c.record(detached, &st, domain.StageSign, domain.DecisionRejected, err.Error())
				return c.abandon(detached, &st, res, ReasonSigning, err)
			}
			lastErr = err
			c.fail(detached, &st, attempt, err.Error())
			log.Warn("attempt not sent", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			c.sleep(ctx, c.cfg.RetryBackoff)
			continue
		}
		prev = &signed.Fees

		if c.cfg.DryRun {
			st.Nonces = signed.Nonces()
			st.TxHashes = hashStrings(signed.TxHashes())
			log.Info("dry run: bundle signed, not sent", slog.Int("txs", len(signed.Txs)))
			return c.abandon(detached, &st, res, ReasonDryRun, nil)
		}
		if ctx.Err() != nil {
			return c.abandon(detached, &st, res, ReasonStopped, ctx.Err())
		}
		// The signer may have been slow; the kill switch could have tripped.
		if err := c.deps.Safety.FinalCheck(input); err != nil {
			c.record(detached, &st, domain.StageFinalCheck, domain.DecisionRejected, err.Error())
			return c.abandon(detached, &st, res, err.Error(), err)
		}

		st.Status = domain.SubmissionSubmitted
		st.Sent = true
		st.Attempts = attempt
		st.LastAttemptAt = c.now()
		st.Nonces = signed.Nonces()
		st.TxHashes = hashStrings(signed.TxHashes())
		st.TargetBlock = signed.Bundle.TargetBlock
		st.DeadlineBlock = signed.Bundle.TargetBlock + c.cfg.GraceBlocks
		st.Reason = ""
		c.save(detached, &st)

		relay, resp, err := c.send(ctx, signed)
		if err != nil {
			// A timed-out send may still have reached the relay.
			sent = append(sent, sentAttempt{relay: c.deps.Relay, bundle: signed})
			lastErr = err
			c.fail(detached, &st, attempt, err.Error())
			log.Warn("bundle send failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			c.sleep(ctx, c.cfg.RetryBackoff)
			continue
		}

		sent = append(sent, sentAttempt{relay: relay, bundle: signed})
		st.Channel = resp.Channel
		c.save(detached, &st)
		c.record(detached, &st, domain.StageSubmit, domain.DecisionSubmitted, "")
		log.Info("bundle submitted",
			slog.Int("attempt", attempt),
			slog.String("channel", resp.Channel),
			slog.Uint64("target_block", st.TargetBlock),
			slog.String("max_fee_per_gas", signed.Fees.MaxFeePerGas.String()),
		)

		incl, err := c.awaitInclusion(detached, st.DeadlineBlock, sent)
		if err == nil && incl.Included {
			st.Status = domain.SubmissionIncluded
			st.IncludedBlock = incl.BlockNumber
			st.Reason = ""
			if incl.Reverted {
				st.Reason = "reverted_on_chain"
				log.Warn("bundle mined but reverted", slog.Uint64("block", incl.BlockNumber))
			}
			c.save(detached, &st)
			c.record(detached, &st, domain.StageInclusion, domain.DecisionIncluded, "")
			c.deps.Metrics.Outcome(string(domain.SubmissionIncluded))
			if cerr := res.Commit(len(signed.Txs)); cerr != nil {
				log.Warn("nonce commit", slog.String("error", cerr.Error()))
			}
			log.Info("bundle included", slog.Uint64("block", incl.BlockNumber))
			return st, nil
		}
		if err == nil {
			err = domain.ErrInclusionDeadlineExceeded
		}
		lastErr = err
		c.fail(detached, &st, attempt, err.Error())
		log.Warn("bundle not included", slog.Int("attempt", attempt), slog.String("error", err.Error()))
	}

	return c.abandon(detached, &st, res, ReasonMaxAttempts, lastErr)
}

// prepare finalizes fees, runs the final safety check and signs. It also
// retargets the bundle when the chain head has moved past its target.
func (c *Controller) prepare(ctx context.Context, bundle *domain.Bundle, res *NonceReservation, prev *domain.Fees, attempt int) (domain.SignedBundle, safety.FinalCheckInput, error) {
	var in safety.FinalCheckInput

	head, err := c.deps.Blocks.BlockNumber(ctx)
	if err != nil {
		return domain.SignedBundle{}, in, fmt.Errorf("executor: block number: %w", err)
	}
	if bundle.TargetBlock <= head {
		bundle.TargetBlock = head + 1
	}

	suggested, err := c.deps.Gas.SuggestFees(ctx)
	if err != nil {
		return domain.SignedBundle{}, in, fmt.Errorf("executor: suggest fees: %w", err)
	}
	gasPrice, err := c.deps.Gas.GasPrice(ctx)
	if err != nil {
		return domain.SignedBundle{}, in, fmt.Errorf("executor: gas price: %w", err)
	}

	gasLimit := bundle.TotalGasLimit()
	fees := clampFees(c.deps.Bump.Next(prev, suggested, attempt), c.deps.Safety.MaxFeePerGas(gasLimit))
	in = safety.FinalCheckInput{
		GasPriceWei:    gasPrice,
		Fees:           fees,
		GasLimit:       gasLimit,
		ExpectedProfit: bundle.ExpectedProfit,
		NativePrice:    bundle.NativePrice,
		RiskPrice:      bundle.RiskPrice,
	}
	if err := c.deps.Safety.FinalCheck(in); err != nil {
		return domain.SignedBundle{}, in, err
	}

	start := time.Now()
	signCtx, cancel := context.WithTimeout(ctx, c.cfg.SignTimeout)
	defer cancel()
	signed, err := c.deps.Signer.SignBundle(signCtx, *bundle, res.Account(), res.Nonce(), fees)
	c.deps.Metrics.Observe(string(domain.StageSign), start)
	if err != nil {
		return domain.SignedBundle{}, in, err
	}
	signed.Attempt = attempt
	return signed, in, nil
}

// send tries the private relay, then the public fallback.
func (c *Controller) send(ctx context.Context, signed domain.SignedBundle) (domain.Relay, domain.RelayResponse, error) {
	resp, err := c.sendVia(ctx, c.deps.Relay, signed)
	if err == nil {
		return c.deps.Relay, resp, nil
	}
	if c.deps.Public == nil {
		return nil, domain.RelayResponse{}, err
	}
	c.logger.Warn("private relay failed, falling back to public submission",
		slog.String("bundle_id", signed.Bundle.ID),
		slog.String("error", err.Error()),
	)
	resp, perr := c.sendVia(ctx, c.deps.Public, signed)
	if perr != nil {
		return nil, domain.RelayResponse{}, fmt.Errorf("%w: %w", domain.ErrRelaySubmissionFailed, errors.Join(err, perr))
	}
	return c.deps.Public, resp, nil
}

func (c *Controller) sendVia(ctx context.Context, relay domain.Relay, signed domain.SignedBundle) (domain.RelayResponse, error) {
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	resp, err := relay.SubmitBundle(sendCtx, signed)
	c.deps.Metrics.Observe(string(domain.StageSubmit), start)
	if err != nil {
		c.deps.Metrics.Attempt(relay.Name(), "error")
		if !errors.Is(err, domain.ErrRelaySubmissionFailed) {
			err = fmt.Errorf("%w: %s: %w", domain.ErrRelaySubmissionFailed, relay.Name(), err)
		}
		return domain.RelayResponse{}, err
	}
	c.deps.Metrics.Attempt(relay.Name(), "ok")
	if resp.Channel == "" {
		resp.Channel = relay.Name()
	}
	return resp, nil
}

// awaitInclusion polls every attempt sent so far until one is included or
// the chain passes deadline. ctx is detached from the stop signal.
func (c *Controller) awaitInclusion(ctx context.Context, deadline uint64, sent []sentAttempt) (domain.InclusionStatus, error) {
	start := time.Now()
	defer c.deps.Metrics.Observe(string(domain.StageInclusion), start)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for i := len(sent) - 1; i >= 0; i-- {
			status, err := sent[i].relay.PollInclusion(ctx, sent[i].bundle)
			if err != nil {
				c.logger.Debug("inclusion poll failed",
					slog.String("relay", sent[i].relay.Name()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if status.Included {
				return status, nil
			}
		}
		head, err := c.deps.Blocks.BlockNumber(ctx)
		if err == nil && head > deadline {
			return domain.InclusionStatus{}, domain.ErrInclusionDeadlineExceeded
		}

		select {
		case <-ctx.Done():
			return domain.InclusionStatus{}, fmt.Errorf("%w: poll timeout", domain.ErrInclusionDeadlineExceeded)
		case <-ticker.C:
		}
	}
}

// abandon records the terminal state, then ends the nonce reservation.
func (c *Controller) abandon(ctx context.Context, st *domain.SubmissionState, res *NonceReservation, reason string, cause error) (domain.SubmissionState, error) {
	st.Status = domain.SubmissionAbandoned
	st.Reason = reason
	c.save(ctx, st)
	c.record(ctx, st, domain.StageSubmit, domain.DecisionAbandoned, reason)
	c.deps.Metrics.Outcome(string(domain.SubmissionAbandoned))
	res.Release()

	c.logger.Warn("bundle abandoned",
		slog.String("bundle_id", st.BundleID),
		slog.String("reason", reason),
		slog.Int("attempts", st.Attempts),
		slog.Bool("sent", st.Sent),
	)
	if cause == nil {
		return *st, nil
	}
	return *st, fmt.Errorf("executor: bundle %s abandoned: %w", st.BundleID, cause)
}

func (c *Controller) fail(ctx context.Context, st *domain.SubmissionState, attempt int, reason string) {
	st.Status = domain.SubmissionFailed
	st.Attempts = attempt
	st.LastAttemptAt = c.now()
	st.Reason = reason
	c.save(ctx, st)
	c.record(ctx, st, domain.StageSubmit, domain.DecisionFailed, reason)
}

func (c *Controller) save(ctx context.Context, st *domain.SubmissionState) {
	st.UpdatedAt = c.now()
	c.mu.Lock()
	c.states[st.BundleID] = *st
	c.mu.Unlock()
	if c.deps.Store == nil {
		return
	}
	if err := c.deps.Store.Save(ctx, *st); err != nil {
		c.logger.Error("persist submission state failed",
			slog.String("bundle_id", st.BundleID),
			slog.String("status", string(st.Status)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) record(ctx context.Context, st *domain.SubmissionState, stage domain.Stage, decision domain.Decision, reason string) {
	c.deps.Metrics.Decision(string(stage), string(decision))
	if c.deps.Audit == nil {
		return
	}
	c.deps.Audit.Record(ctx, domain.DecisionRecord{
		OpportunityID: st.OpportunityID,
		BundleID:      st.BundleID,
		Stage:         stage,
		Decision:      decision,
		Reason:        reason,
		Detail: map[string]any{
			"status":       string(st.Status),
			"attempts":     st.Attempts,
			"account":      st.Account,
			"channel":      st.Channel,
			"target_block": st.TargetBlock,
		},
		At: c.now(),
	})
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func isSafetyAbort(err error) bool {
	var breach *domain.SafetyLimitBreach
	return errors.Is(err, domain.ErrKillSwitchActive) || errors.As(err, &breach)
}

func hashStrings(hs []common.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}
