package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// NonceManager hands out exclusive per-account nonce reservations. While a
// reservation is held no other pipeline run can sign for that account, so
// two in-flight bundles never share a nonce.
type NonceManager struct {
	source  domain.NonceSource
	locks   domain.LockManager // optional, spans processes
	lockTTL time.Duration

	mu    sync.Mutex
	slots map[common.Address]*nonceSlot

	logger *slog.Logger
}

type nonceSlot struct {
	sem   chan struct{}
	next  uint64
	known bool
}

// NewNonceManager creates a manager that reads on-chain nonces from source.
// locks may be nil for a single-process deployment.
func NewNonceManager(source domain.NonceSource, locks domain.LockManager, lockTTL time.Duration, logger *slog.Logger) *NonceManager {
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &NonceManager{
		source:  source,
		locks:   locks,
		lockTTL: lockTTL,
		slots:   make(map[common.Address]*nonceSlot),
		logger:  logger.With(slog.String("component", "nonce_manager")),
	}
}

func (m *NonceManager) slot(account common.Address) *nonceSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[account]
	if !ok {
		s = &nonceSlot{sem: make(chan struct{}, 1)}
		m.slots[account] = s
	}
	return s
}

// Reserve blocks until account is free or ctx is done, then returns the
// next nonce to use. The caller must end the reservation with Commit or
// Release on every path.
func (m *NonceManager) Reserve(ctx context.Context, account common.Address) (*NonceReservation, error) {
	s := m.slot(account)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("executor: reserve nonce for %s: %w", account.Hex(), ctx.Err())
	}

	unlock := func() {}
	if m.locks != nil {
		u, err := m.acquireLock(ctx, account)
		if err != nil {
			<-s.sem
			return nil, err
		}
		unlock = u
	}

	chain, err := m.source.PendingNonceAt(ctx, account)
	if err != nil {
		unlock()
		<-s.sem
		return nil, fmt.Errorf("executor: pending nonce for %s: %w", account.Hex(), err)
	}
	if !s.known || chain > s.next {
		s.next = chain
		s.known = true
	}

	return &NonceReservation{m: m, slot: s, account: account, nonce: s.next, unlock: unlock}, nil
}

// acquireLock retries the distributed lock until ctx is done.
func (m *NonceManager) acquireLock(ctx context.Context, account common.Address) (func(), error) {
	key := "nonce:" + account.Hex()
	for {
		unlock, err := m.locks.Acquire(ctx, key, m.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("executor: nonce lock for %s: %w", account.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("executor: nonce lock for %s: %w", account.Hex(), ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// NonceReservation is an exclusive claim on an account's next nonces.
type NonceReservation struct {
	m       *NonceManager
	slot    *nonceSlot
	account common.Address
	nonce   uint64
	unlock  func()
	done    atomic.Bool
}

// Account returns the reserved account.
func (r *NonceReservation) Account() common.Address { return r.account }

// Nonce returns the first reserved nonce.
func (r *NonceReservation) Nonce() uint64 { return r.nonce }

// Commit records that used nonces were consumed on chain and frees the
// account.
func (r *NonceReservation) Commit(used int) error {
	if !r.done.CompareAndSwap(false, true) {
		return domain.ErrNonceReservationHeld
	}
	r.slot.next = r.nonce + uint64(used)
	r.free()
	return nil
}

// Release frees the account without advancing the cached nonce. The next
// reservation resynchronizes with the chain. Calling it after Commit or a
// previous Release does nothing.
func (r *NonceReservation) Release() {
	if !r.done.CompareAndSwap(false, true) {
		return
	}
	r.slot.known = false
	r.free()
}

func (r *NonceReservation) free() {
	r.unlock()
	<-r.slot.sem
	r.m.logger.Debug("nonce reservation ended",
		slog.String("account", r.account.Hex()),
		slog.Uint64("nonce", r.nonce),
	)
}
