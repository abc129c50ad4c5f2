package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RelayAuth signs relay request bodies with a searcher reputation key. The
// key identifies the searcher to the relay only; it never holds funds.
type RelayAuth struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewRelayAuth parses a hex searcher key.
func NewRelayAuth(keyHex string) (*RelayAuth, error) {
	k, err := parseHexKey(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/relayauth: %w", err)
	}
	return &RelayAuth{key: k, address: ethcrypto.PubkeyToAddress(k.PublicKey).Hex()}, nil
}

// Header returns the X-Flashbots-Signature value for body:
//
//	address:sign(text_hash(hex(keccak256(body))))
func (a *RelayAuth) Header(body []byte) (string, error) {
	digest := accounts.TextHash([]byte(hexutil.Encode(ethcrypto.Keccak256(body))))
	sig, err := ethcrypto.Sign(digest, a.key)
	if err != nil {
		return "", fmt.Errorf("crypto/relayauth: sign: %w", err)
	}
	return a.address + ":" + hexutil.Encode(sig), nil
}
