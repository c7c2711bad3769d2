package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/internal/types"
)

type RawTransactionSender interface {
	SendRawTransaction(ctx context.Context, payload []byte) (common.Hash, error)
}

type Gateway interface {
	Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error)
}

// SubmissionGateway broadcasts signed payloads verbatim.
type SubmissionGateway struct {
	sender  RawTransactionSender
	timeout time.Duration
	metrics metrics
	logger  *logrus.Entry
}

func NewSubmissionGateway(sender RawTransactionSender, timeout time.Duration, sdClient statsd.ClientInterface, logger *logrus.Logger) (*SubmissionGateway, error) {
	if sender == nil {
		return nil, fmt.Errorf("raw transaction sender cannot be nil")
	}
	entry := logger.WithField("service", "gateway")
	return &SubmissionGateway{
		sender:  sender,
		timeout: timeout,
		metrics: newMetrics(sdClient, entry),
		logger:  entry,
	}, nil
}

func (g *SubmissionGateway) Submit(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	defer g.metrics.measureTime("gateway.submit.latency", time.Now(), nil)
	if tx.Status != types.StatusSigned {
		return common.Hash{}, types.NewIllegalTransition(fmt.Sprintf("transaction must be signed first: current status %s", tx.Status))
	}
	if len(tx.SignedPayload) == 0 {
		return common.Hash{}, &types.TransactionError{
			Code:    types.CodeSubmissionFailed,
			Reason:  types.ReasonMalformed,
			Message: "transaction has no signed payload",
		}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	logger := g.logger.WithField("transaction_id", tx.ID)
	hash, err := g.sender.SendRawTransaction(ctx, tx.SignedPayload)
	if err != nil {
		txErr := classifyBroadcastError(err, tx.From)
		if txErr.Reason == types.ReasonAlreadyKnown {
			if known, ok := payloadHash(tx); ok {
				logger.WithField("hash", known.Hex()).Info("transaction already known to the network")
				return known, nil
			}
		}
		g.metrics.incCounter("gateway.submit.failed", []string{"reason:" + txErr.Reason})
		logger.WithError(txErr).Error("fail to broadcast transaction")
		return common.Hash{}, txErr
	}

	logger.WithField("hash", hash.Hex()).Info("transaction broadcast")
	return hash, nil
}

// payloadHash is the hash the network assigns to the stored payload.
func payloadHash(tx *types.Transaction) (common.Hash, bool) {
	if tx.SignedTxHash != nil {
		return *tx.SignedTxHash, true
	}
	var decoded gtypes.Transaction
	if err := decoded.UnmarshalBinary(tx.SignedPayload); err != nil {
		return common.Hash{}, false
	}
	return decoded.Hash(), true
}

func classifyBroadcastError(err error, sender common.Address) *types.TransactionError {
	newErr := func(reason string, retriable bool, message string) *types.TransactionError {
		return &types.TransactionError{
			Code:      types.CodeSubmissionFailed,
			Reason:    reason,
			Message:   message,
			Retriable: retriable,
			Err:       err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newErr(types.ReasonTimeout, true, "broadcast timed out")
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "already known"), strings.Contains(errMsg, "known transaction"):
		return newErr(types.ReasonAlreadyKnown, false, "transaction already known")
	case strings.Contains(errMsg, "insufficient funds"):
		return newErr(types.ReasonInsufficientFund, false, fmt.Sprintf("account %s has insufficient funds", sender.Hex()))
	case strings.Contains(errMsg, "nonce too low"):
		return newErr(types.ReasonNonceTooLow, false, "nonce too low")
	case strings.Contains(errMsg, "nonce too high"):
		return newErr(types.ReasonNonceTooHigh, true, "nonce too high")
	case strings.Contains(errMsg, "intrinsic gas too low"):
		return newErr(types.ReasonIntrinsicGas, false, "intrinsic gas too low")
	case strings.Contains(errMsg, "max fee per gas less than block base fee"), strings.Contains(errMsg, "fee cap"):
		return newErr(types.ReasonFeeCapTooLow, true, "fee cap too low")
	case strings.Contains(errMsg, "underpriced"), strings.Contains(errMsg, "gas price too low"):
		return newErr(types.ReasonGasUnderpriced, true, "gas price too low")
	case strings.Contains(errMsg, "gas limit reached"), strings.Contains(errMsg, "exceeds block gas limit"):
		return newErr(types.ReasonGasTooLow, true, "gas limit rejected")
	case strings.Contains(errMsg, "rlp"), strings.Contains(errMsg, "invalid sender"), strings.Contains(errMsg, "typed transaction too short"):
		return newErr(types.ReasonMalformed, false, "payload rejected")
	case strings.Contains(errMsg, "connection refused"), strings.Contains(errMsg, "no such host"), strings.Contains(errMsg, "eof"):
		return newErr(types.ReasonRPCConnectionFailed, true, "rpc connection failed")
	default:
		return newErr(types.ReasonUnknown, false, "unknown rpc error")
	}
}
