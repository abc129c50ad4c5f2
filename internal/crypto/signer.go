package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// BackendLocal names the in-memory signer in errors and logs.
const BackendLocal = "local"

// LocalSigner signs with secp256k1 keys held in process memory. It is meant
// for development and test networks; production uses a remote backend.
type LocalSigner struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

var _ domain.Signer = (*LocalSigner)(nil)

// NewLocalSigner creates a signer holding the given keys.
func NewLocalSigner(keys ...*ecdsa.PrivateKey) *LocalSigner {
	s := &LocalSigner{keys: make(map[common.Address]*ecdsa.PrivateKey, len(keys))}
	for _, k := range keys {
		s.keys[ethcrypto.PubkeyToAddress(k.PublicKey)] = k
	}
	return s
}

// NewLocalSignerFromHex parses hex-encoded private keys (0x prefix optional).
func NewLocalSignerFromHex(hexKeys ...string) (*LocalSigner, error) {
	keys := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, h := range hexKeys {
		k, err := parseHexKey(h)
		if err != nil {
			return nil, fmt.Errorf("crypto/signer: key %d: %w", i, err)
		}
		keys = append(keys, k)
	}
	return NewLocalSigner(keys...), nil
}

// Backend returns the backend name.
func (s *LocalSigner) Backend() string { return BackendLocal }

// Accounts returns the addresses this signer holds keys for, sorted.
func (s *LocalSigner) Accounts() []common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Address, 0, len(s.keys))
	for a := range s.keys {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Sign signs digest with the key for account.
func (s *LocalSigner) Sign(ctx context.Context, digest common.Hash, account common.Address) (domain.Signature, error) {
	if err := ctx.Err(); err != nil {
		return domain.Signature{}, &domain.SigningError{Kind: domain.SigningTimeout, Backend: BackendLocal, Err: err}
	}
	s.mu.RLock()
	key, ok := s.keys[account]
	s.mu.RUnlock()
	if !ok {
		return domain.Signature{}, &domain.SigningError{
			Kind:    domain.SigningRejected,
			Backend: BackendLocal,
			Err:     fmt.Errorf("no key for account %s", account.Hex()),
		}
	}

	raw, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return domain.Signature{}, &domain.SigningError{Kind: domain.SigningRejected, Backend: BackendLocal, Err: err}
	}
	return canonical(splitSignature(raw)), nil
}
