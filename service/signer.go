package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/chainhelper"
	"github.com/vultisig/custodian/internal/custody"
	"github.com/vultisig/custodian/internal/types"
)

type ChainResolver interface {
	ResolveChain(ctx context.Context, address common.Address) (chainhelper.ChainParams, error)
}

type Signer interface {
	Sign(ctx context.Context, tx *types.Transaction) (*SignedTransaction, error)
}

// SignedTransaction holds the artifacts of a successful signature.
type SignedTransaction struct {
	Nonce   uint64
	Payload []byte
	Hash    common.Hash
	ChainID *big.Int
}

// TransactionSigner binds a Created transaction to a fresh nonce and signs it with
// the custody key of its sender.
type TransactionSigner struct {
	chains    ChainResolver
	allocator Allocator
	custody   custody.KeyCustody
	metrics   metrics
	logger    *logrus.Entry
}

func NewTransactionSigner(chains ChainResolver, allocator Allocator, keys custody.KeyCustody, sdClient statsd.ClientInterface, logger *logrus.Logger) (*TransactionSigner, error) {
	if chains == nil || allocator == nil || keys == nil {
		return nil, fmt.Errorf("chain resolver, allocator and custody are required")
	}
	entry := logger.WithField("service", "signer")
	return &TransactionSigner{
		chains:    chains,
		allocator: allocator,
		custody:   keys,
		metrics:   newMetrics(sdClient, entry),
		logger:    entry,
	}, nil
}

// Sign allocates a nonce and returns the signed payload. A nonce allocated before a
// later step fails is not returned to the ledger.
func (s *TransactionSigner) Sign(ctx context.Context, tx *types.Transaction) (*SignedTransaction, error) {
	defer s.metrics.measureTime("signer.sign.latency", time.Now(), nil)
	if tx.Status != types.StatusCreated {
		return nil, types.NewIllegalTransition(fmt.Sprintf("transaction must be %s to be signed: current status %s", types.StatusCreated, tx.Status))
	}

	params, err := s.chains.ResolveChain(ctx, tx.From)
	if err != nil {
		return nil, types.NewSigningFailed(types.ReasonUnknownChain, err)
	}
	if !params.Supports(tx.Fee.Type) {
		return nil, types.NewSigningFailed(types.ReasonUnsupportedFee,
			fmt.Errorf("fee model %s is not supported on chain %s", tx.Fee.Type, params.ChainID))
	}

	nonce, err := s.allocator.Allocate(ctx, tx.From)
	if err != nil {
		return nil, err
	}
	logger := s.logger.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"from":           tx.From.Hex(),
		"nonce":          nonce,
	})

	unsigned, err := params.NewUnsignedTx(tx, nonce)
	if err != nil {
		return nil, s.fail(logger, types.NewSigningFailed(types.ReasonUnsupportedFee, err))
	}
	signer := params.Signer()
	sig, err := s.custody.SignHash(ctx, tx.From, signer.Hash(unsigned).Bytes())
	if err != nil {
		return nil, s.fail(logger, types.NewSigningFailed(custodyReason(err), err))
	}
	signed, err := unsigned.WithSignature(signer, sig)
	if err != nil {
		return nil, s.fail(logger, types.NewSigningFailed(types.ReasonMalformed, err))
	}
	sender, err := gtypes.Sender(signer, signed)
	if err != nil {
		return nil, s.fail(logger, types.NewSigningFailed(types.ReasonMalformed, err))
	}
	if sender != tx.From {
		return nil, s.fail(logger, types.NewSigningFailed(types.ReasonSenderMismatch,
			fmt.Errorf("signature recovers %s, expected %s", sender.Hex(), tx.From.Hex())))
	}
	payload, err := signed.MarshalBinary()
	if err != nil {
		return nil, s.fail(logger, types.NewSigningFailed(types.ReasonMalformed, err))
	}

	logger.WithField("hash", signed.Hash().Hex()).Info("transaction signed")
	return &SignedTransaction{
		Nonce:   nonce,
		Payload: payload,
		Hash:    signed.Hash(),
		ChainID: new(big.Int).Set(params.ChainID),
	}, nil
}

func (s *TransactionSigner) fail(logger *logrus.Entry, err *types.TransactionError) error {
	s.metrics.incCounter("signer.sign.failed", []string{"reason:" + err.Reason})
	logger.WithError(err).Error("fail to sign transaction")
	return err
}

func custodyReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.ReasonTimeout
	case errors.Is(err, custody.ErrUnknownAccount):
		return types.ReasonUnknownAccount
	case errors.Is(err, custody.ErrAccountLocked):
		return types.ReasonAccountLocked
	default:
		return types.ReasonUnknown
	}
}
