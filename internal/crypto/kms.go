package crypto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/mevbot/internal/domain"
)

// BackendKMS names the AWS KMS signer in errors and logs.
const BackendKMS = "aws_kms"

// KMSAPI is the subset of *kms.Client the signer uses.
type KMSAPI interface {
	Sign(ctx context.Context, in *kms.SignInput, opts ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, opts ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSSigner signs digests with asymmetric ECC_SECG_P256K1 keys held in AWS
// KMS. Key material never leaves KMS; the account address is derived from
// the public key at startup.
type KMSSigner struct {
	client  KMSAPI
	keys    map[common.Address]string // address → key id
	timeout time.Duration
	logger  *slog.Logger
}

var _ domain.Signer = (*KMSSigner)(nil)

// NewKMSSigner resolves the address of every key id. A key that is not a
// secp256k1 signing key fails startup.
func NewKMSSigner(ctx context.Context, client KMSAPI, keyIDs []string, timeout time.Duration, logger *slog.Logger) (*KMSSigner, error) {
	s := &KMSSigner{
		client:  client,
		keys:    make(map[common.Address]string, len(keyIDs)),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "kms_signer")),
	}
	for _, id := range keyIDs {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := client.GetPublicKey(callCtx, &kms.GetPublicKeyInput{KeyId: aws.String(id)})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("crypto/kms: get public key %s: %w", id, classifyKMSError(err))
		}
		addr, err := AddressFromSPKI(out.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("crypto/kms: key %s: %w", id, err)
		}
		s.keys[addr] = id
		s.logger.Info("kms key loaded", slog.String("key_id", id), slog.String("address", addr.Hex()))
	}
	return s, nil
}

// Backend returns the backend name.
func (s *KMSSigner) Backend() string { return BackendKMS }

// Accounts returns the addresses of all loaded keys, sorted.
func (s *KMSSigner) Accounts() []common.Address {
	out := make([]common.Address, 0, len(s.keys))
	for a := range s.keys {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Sign asks KMS for a DER signature over the digest and converts it to a
// low-s signature with the recovery id matching account.
func (s *KMSSigner) Sign(ctx context.Context, digest common.Hash, account common.Address) (domain.Signature, error) {
	keyID, ok := s.keys[account]
	if !ok {
		return domain.Signature{}, &domain.SigningError{
			Kind:    domain.SigningRejected,
			Backend: BackendKMS,
			Err:     fmt.Errorf("no kms key for account %s", account.Hex()),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.client.Sign(callCtx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          digest.Bytes(),
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		if callCtx.Err() != nil {
			err = errors.Join(err, callCtx.Err())
		}
		return domain.Signature{}, classifyKMSError(err)
	}

	r, sv, err := ParseDERSignature(out.Signature)
	if err != nil {
		return domain.Signature{}, &domain.SigningError{Kind: domain.SigningRejected, Backend: BackendKMS, Err: err}
	}
	sig, err := RecoverSignature(digest, r, sv, account)
	if err != nil {
		return domain.Signature{}, &domain.SigningError{Kind: domain.SigningRejected, Backend: BackendKMS, Err: err}
	}
	return sig, nil
}

// classifyKMSError maps SDK errors onto the signing error taxonomy.
func classifyKMSError(err error) *domain.SigningError {
	kind := domain.SigningUnavailable

	var (
		disabled     *kmstypes.DisabledException
		notFound     *kmstypes.NotFoundException
		invalidState *kmstypes.KMSInvalidStateException
		invalidUsage *kmstypes.InvalidKeyUsageException
		depTimeout   *kmstypes.DependencyTimeoutException
		apiErr       smithy.APIError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &depTimeout):
		kind = domain.SigningTimeout
	case errors.As(err, &disabled), errors.As(err, &notFound),
		errors.As(err, &invalidState), errors.As(err, &invalidUsage):
		kind = domain.SigningRejected
	case errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultClient &&
		apiErr.ErrorCode() != "ThrottlingException":
		kind = domain.SigningRejected
	}
	return &domain.SigningError{Kind: kind, Backend: BackendKMS, Err: err}
}
