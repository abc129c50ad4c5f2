package executor

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mevbot/internal/domain"
	"github.com/alanyoungcy/mevbot/internal/safety"
)

var testAccount = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeNonceSource struct {
	mu    sync.Mutex
	nonce uint64
	err   error
}

func (f *fakeNonceSource) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, f.err
}

type fakeGas struct {
	price *big.Int
	fees  domain.Fees
	err   error
}

func (f *fakeGas) GasPrice(context.Context) (*big.Int, error) { return f.price, f.err }
func (f *fakeGas) SuggestFees(context.Context) (domain.Fees, error) {
	return copyFees(f.fees), f.err
}

// fakeBlocks returns the current head and then advances it by step.
type fakeBlocks struct {
	head atomic.Uint64
	step uint64
}

func (f *fakeBlocks) BlockNumber(context.Context) (uint64, error) {
	return f.head.Add(f.step) - f.step, nil
}

type fakeSigner struct {
	mu     sync.Mutex
	fees   []domain.Fees
	nonces [][]uint64
	errs   []error
}

func (f *fakeSigner) SignBundle(_ context.Context, b domain.Bundle, account common.Address, first uint64, fees domain.Fees) (domain.SignedBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := len(f.fees)
	f.fees = append(f.fees, fees)
	if call < len(f.errs) && f.errs[call] != nil {
		return domain.SignedBundle{}, f.errs[call]
	}
	out := domain.SignedBundle{Bundle: b, Account: account, Fees: fees}
	for j := range b.Txs {
		out.Txs = append(out.Txs, domain.SignedTx{
			Nonce: first + uint64(j),
			Hash:  common.BigToHash(big.NewInt(int64(call*100 + j + 1))),
			Raw:   []byte{byte(call), byte(j)},
		})
	}
	f.nonces = append(f.nonces, out.Nonces())
	return out, nil
}

func (f *fakeSigner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fees)
}

type fakeRelay struct {
	name string

	mu           sync.Mutex
	submitted    []domain.SignedBundle
	submitErr    error
	onSubmit     func()
	includeAfter int // polls before reporting inclusion; 0 never includes
	polls        int
	onPoll       func(n int)
}

func (f *fakeRelay) Name() string { return f.name }

func (f *fakeRelay) SubmitBundle(_ context.Context, b domain.SignedBundle) (domain.RelayResponse, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, b)
	hook, err := f.onSubmit, f.submitErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return domain.RelayResponse{}, err
	}
	return domain.RelayResponse{Channel: f.name, BundleHash: "0xb1"}, nil
}

func (f *fakeRelay) PollInclusion(context.Context, domain.SignedBundle) (domain.InclusionStatus, error) {
	f.mu.Lock()
	f.polls++
	n, hook := f.polls, f.onPoll
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if f.includeAfter > 0 && n >= f.includeAfter {
		return domain.InclusionStatus{Included: true, BlockNumber: 102}, nil
	}
	return domain.InclusionStatus{}, nil
}

func (f *fakeRelay) submissions() []domain.SignedBundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SignedBundle(nil), f.submitted...)
}

type memStore struct {
	mu      sync.Mutex
	states  map[string]domain.SubmissionState
	history map[string][]domain.SubmissionStatus
}

func newMemStore() *memStore {
	return &memStore{
		states:  make(map[string]domain.SubmissionState),
		history: make(map[string][]domain.SubmissionStatus),
	}
}

func (m *memStore) Save(_ context.Context, st domain.SubmissionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.BundleID] = st
	h := m.history[st.BundleID]
	if len(h) == 0 || h[len(h)-1] != st.Status {
		m.history[st.BundleID] = append(h, st.Status)
	}
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.SubmissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return domain.SubmissionState{}, domain.ErrNotFound
	}
	return st, nil
}

func (m *memStore) ListOpen(context.Context) ([]domain.SubmissionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SubmissionState
	for _, st := range m.states {
		if !st.Status.Terminal() {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memStore) ListBefore(context.Context, time.Time) ([]domain.SubmissionState, error) {
	return nil, nil
}

func (m *memStore) statuses(id string) []domain.SubmissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SubmissionStatus(nil), m.history[id]...)
}

type auditRecorder struct {
	mu   sync.Mutex
	recs []domain.DecisionRecord
	hook func(domain.DecisionRecord)
}

func (a *auditRecorder) Record(_ context.Context, rec domain.DecisionRecord) {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	hook := a.hook
	a.mu.Unlock()
	if hook != nil {
		hook(rec)
	}
}

func (a *auditRecorder) has(stage domain.Stage, decision domain.Decision) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.recs {
		if r.Stage == stage && r.Decision == decision {
			return true
		}
	}
	return false
}

type harness struct {
	ctrl     *Controller
	governor *safety.Governor
	nonces   *NonceManager
	source   *fakeNonceSource
	gas      *fakeGas
	blocks   *fakeBlocks
	signer   *fakeSigner
	relay    *fakeRelay
	public   *fakeRelay
	store    *memStore
	audit    *auditRecorder
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		source: &fakeNonceSource{nonce: 5},
		gas: &fakeGas{
			price: big.NewInt(25e9),
			fees:  domain.Fees{MaxFeePerGas: big.NewInt(30e9), MaxPriorityFeePerGas: big.NewInt(2e9)},
		},
		blocks: &fakeBlocks{},
		signer: &fakeSigner{},
		relay:  &fakeRelay{name: "flashbots"},
		store:  newMemStore(),
		audit:  &auditRecorder{},
	}
	h.blocks.head.Store(100)
	h.governor = safety.NewGovernor(safety.Config{Limits: domain.SafetyLimits{
		MaxGasPriceWei: big.NewInt(100e9),
		MaxFeeWei:      big.NewInt(8e15), // 40 gwei over 200k gas
	}}, nil, testLogger())
	h.nonces = NewNonceManager(h.source, nil, 0, testLogger())

	cfg := Config{
		Accounts:     []common.Address{testAccount},
		MaxAttempts:  3,
		GraceBlocks:  2,
		PollInterval: time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
		SignTimeout:  time.Second,
		SendTimeout:  time.Second,
	}
	deps := Deps{
		Signer: h.signer,
		Relay:  h.relay,
		Gas:    h.gas,
		Blocks: h.blocks,
		Nonces: h.nonces,
		Safety: h.governor,
		Store:  h.store,
		Audit:  h.audit,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	ctrl, err := NewController(cfg, deps, testLogger())
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func testBundle(id string) domain.Bundle {
	return domain.Bundle{
		ID:            id,
		OpportunityID: "opp-" + id,
		Txs: []domain.RawTx{
			{LegIndex: 0, To: common.HexToAddress("0xe1"), Data: []byte{1}, GasLimit: 100_000},
			{LegIndex: 1, To: common.HexToAddress("0xe1"), Data: []byte{2}, GasLimit: 100_000},
		},
		TargetBlock:    101,
		ExpectedProfit: 10,
		NativePrice:    2000,
		RiskPrice:      1,
	}
}
