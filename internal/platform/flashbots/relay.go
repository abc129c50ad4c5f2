// Package flashbots is a private bundle relay client speaking the
// eth_sendBundle JSON-RPC dialect with X-Flashbots-Signature
// authentication.
package flashbots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/platform/chain"
)

// Name is the channel name reported for bundles sent through this relay.
const Name = "flashbots"

// RequestSigner produces the X-Flashbots-Signature header for a body.
type RequestSigner interface {
	Header(body []byte) (string, error)
}

// Config configures the relay client.
type Config struct {
	URL             string
	Timeout         time.Duration
	RatePerSecond   float64
	Burst           int
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerCooldown time.Duration // open → half-open delay
}

// Relay submits bundles to a private relay. It implements domain.Relay.
type Relay struct {
	url        string
	httpClient *http.Client
	auth       RequestSigner
	receipts   chain.ReceiptSource
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	nextID     atomic.Int64
	logger     *slog.Logger
}

var _ domain.Relay = (*Relay)(nil)

// New creates a relay client. auth may be nil for relays that accept
// unauthenticated bundles.
func New(cfg Config, auth RequestSigner, receipts chain.ReceiptSource, logger *slog.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	log := logger.With(slog.String("component", "flashbots_relay"))

	st := gobreaker.Settings{Name: Name, Timeout: cfg.BreakerCooldown}
	failures := cfg.BreakerFailures
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= failures }
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("relay circuit state changed", slog.String("from", from.String()), slog.String("to", to.String()))
	}

	return &Relay{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		auth:       auth,
		receipts:   receipts,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:    gobreaker.NewCircuitBreaker(st),
		logger:     log,
	}
}

// Name returns the channel name.
func (r *Relay) Name() string { return Name }

type sendBundleParams struct {
	Txs         []string `json:"txs"`
	BlockNumber string   `json:"blockNumber"`
}

type sendBundleResult struct {
	BundleHash string `json:"bundleHash"`
}

// SubmitBundle sends the signed transactions for the bundle's target block.
func (r *Relay) SubmitBundle(ctx context.Context, bundle domain.SignedBundle) (domain.RelayResponse, error) {
	if r.url == "" {
		return domain.RelayResponse{}, domain.ErrRelayNotConfigured
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return domain.RelayResponse{}, fmt.Errorf("%w: rate limit: %w", domain.ErrRelaySubmissionFailed, err)
	}

	params := sendBundleParams{
		Txs:         make([]string, 0, len(bundle.Txs)),
		BlockNumber: hexutil.EncodeUint64(bundle.Bundle.TargetBlock),
	}
	for _, raw := range bundle.RawTxs() {
		params.Txs = append(params.Txs, hexutil.Encode(raw))
	}

	out, err := r.breaker.Execute(func() (interface{}, error) {
		var res sendBundleResult
		if err := r.call(ctx, "eth_sendBundle", []any{params}, &res); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return domain.RelayResponse{}, fmt.Errorf("%w: flashbots: %w", domain.ErrRelaySubmissionFailed, err)
	}
	res := out.(sendBundleResult)
	r.logger.Debug("bundle accepted",
		slog.String("bundle_id", bundle.Bundle.ID),
		slog.String("bundle_hash", res.BundleHash),
		slog.Uint64("target_block", bundle.Bundle.TargetBlock),
	)
	return domain.RelayResponse{Channel: Name, BundleHash: res.BundleHash}, nil
}

// PollInclusion checks the receipt of the bundle's last transaction.
func (r *Relay) PollInclusion(ctx context.Context, bundle domain.SignedBundle) (domain.InclusionStatus, error) {
	return chain.ReceiptInclusion(ctx, r.receipts, bundle)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call posts one signed JSON-RPC request. The signature header covers the
// exact body bytes, so the request is encoded here rather than through a
// generic RPC client.
func (r *Relay) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: r.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.auth != nil {
		sig, err := r.auth.Header(body)
		if err != nil {
			return err
		}
		req.Header.Set("X-Flashbots-Signature", sig)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rr rpcResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
