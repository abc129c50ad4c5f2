package crypto

import (
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

var (
	secp256k1N     = ethcrypto.S256().Params().N
	secp256k1HalfN = new(big.Int).Rsh(secp256k1N, 1)

	oidECPublicKey = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSecp256k1   = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

// ErrWrongCurve is returned when a public key is not on secp256k1.
var ErrWrongCurve = errors.New("crypto/der: public key is not secp256k1")

type derSignature struct {
	R, S *big.Int
}

type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ParseDERSignature decodes an ASN.1 DER ECDSA signature into r and s.
func ParseDERSignature(der []byte) (*big.Int, *big.Int, error) {
	var sig derSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto/der: invalid signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, nil, errors.New("crypto/der: trailing bytes after signature")
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 ||
		sig.R.Cmp(secp256k1N) >= 0 || sig.S.Cmp(secp256k1N) >= 0 {
		return nil, nil, errors.New("crypto/der: signature values out of range")
	}
	return sig.R, sig.S, nil
}

// RecoverSignature turns (r, s) into a low-s signature whose recovery id
// yields the expected address. Remote signers return no recovery id, so
// both candidates are tried.
func RecoverSignature(digest common.Hash, r, s *big.Int, expected common.Address) (domain.Signature, error) {
	sig := canonical(domain.Signature{R: r, S: s})
	for v := byte(0); v < 2; v++ {
		sig.V = v
		pub, err := ethcrypto.SigToPub(digest[:], sig.Bytes())
		if err != nil {
			continue
		}
		if ethcrypto.PubkeyToAddress(*pub) == expected {
			return sig, nil
		}
	}
	return domain.Signature{}, fmt.Errorf("crypto/der: no recovery id yields %s", expected.Hex())
}

// PublicKeyFromSPKI parses a DER SubjectPublicKeyInfo and requires the key
// to be on secp256k1.
func PublicKeyFromSPKI(der []byte) (*ecdsa.PublicKey, error) {
	var spki subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &spki)
	if err != nil {
		return nil, fmt.Errorf("crypto/der: invalid public key info: %w", err)
	}
	if len(rest) > 0 {
		return nil, errors.New("crypto/der: trailing bytes after public key info")
	}
	if !spki.Algorithm.Algorithm.Equal(oidECPublicKey) {
		return nil, fmt.Errorf("crypto/der: unexpected key algorithm %v", spki.Algorithm.Algorithm)
	}
	var curve asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(spki.Algorithm.Parameters.FullBytes, &curve); err != nil {
		return nil, fmt.Errorf("crypto/der: invalid curve parameters: %w", err)
	}
	if !curve.Equal(oidSecp256k1) {
		return nil, ErrWrongCurve
	}
	pub, err := ethcrypto.UnmarshalPubkey(spki.PublicKey.RightAlign())
	if err != nil {
		return nil, fmt.Errorf("crypto/der: invalid point: %w", err)
	}
	return pub, nil
}

// AddressFromSPKI derives the account address of a DER public key.
func AddressFromSPKI(der []byte) (common.Address, error) {
	pub, err := PublicKeyFromSPKI(der)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// canonical enforces s <= N/2. Flipping s to N-s negates the point's y
// parity, so the recovery id flips with it.
func canonical(sig domain.Signature) domain.Signature {
	if sig.S.Cmp(secp256k1HalfN) <= 0 {
		return sig
	}
	return domain.Signature{
		R: new(big.Int).Set(sig.R),
		S: new(big.Int).Sub(secp256k1N, sig.S),
		V: sig.V ^ 1,
	}
}

// splitSignature decodes go-ethereum's 65-byte r || s || v form.
func splitSignature(raw []byte) domain.Signature {
	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	return domain.Signature{
		R: new(big.Int).SetBytes(raw[0:32]),
		S: new(big.Int).SetBytes(raw[32:64]),
		V: v,
	}
}
