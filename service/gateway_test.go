package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/service"
)

func signedTransaction(t *testing.T) (*harness, *types.Transaction) {
	t.Helper()
	ctx := context.Background()
	h := newHarness(t)
	from := h.custody.newAccount(t)
	created, err := h.svc.CreateTransaction(ctx, legacyRequest(from, recipient))
	require.NoError(t, err)
	signed, err := h.svc.RequestTransition(ctx, created.ID, types.StatusSigned)
	require.NoError(t, err)
	return h, signed
}

func TestSubmissionGatewayClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		reason    string
		retriable bool
	}{
		{name: "Nonce too low", err: errors.New("nonce too low: next nonce 4, tx nonce 3"), reason: types.ReasonNonceTooLow},
		{name: "Nonce too high", err: errors.New("nonce too high"), reason: types.ReasonNonceTooHigh, retriable: true},
		{name: "Underpriced", err: errors.New("replacement transaction underpriced"), reason: types.ReasonGasUnderpriced, retriable: true},
		{name: "Fee cap", err: errors.New("max fee per gas less than block base fee"), reason: types.ReasonFeeCapTooLow, retriable: true},
		{name: "Intrinsic gas", err: errors.New("intrinsic gas too low"), reason: types.ReasonIntrinsicGas},
		{name: "Insufficient funds", err: errors.New("insufficient funds for gas * price + value"), reason: types.ReasonInsufficientFund},
		{name: "Connection refused", err: errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), reason: types.ReasonRPCConnectionFailed, retriable: true},
		{name: "Timeout", err: fmt.Errorf("post: %w", context.DeadlineExceeded), reason: types.ReasonTimeout, retriable: true},
		{name: "Unknown", err: errors.New("something odd"), reason: types.ReasonUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, signed := signedTransaction(t)
			gateway, err := service.NewSubmissionGateway(&fakeSender{err: tc.err}, time.Second, nil, testLogger())
			require.NoError(t, err)

			_, err = gateway.Submit(context.Background(), signed)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrSubmissionFailed)
			txErr, ok := types.AsTransactionError(err)
			require.True(t, ok)
			assert.Equal(t, tc.reason, txErr.Reason)
			assert.Equal(t, tc.retriable, txErr.Retriable)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestSubmissionGatewayAlreadyKnown(t *testing.T) {
	_, signed := signedTransaction(t)
	gateway, err := service.NewSubmissionGateway(&fakeSender{err: errors.New("already known")}, 0, nil, testLogger())
	require.NoError(t, err)

	hash, err := gateway.Submit(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, *signed.SignedTxHash, hash)

	withoutHash := signed.Clone()
	withoutHash.SignedTxHash = nil
	hash, err = gateway.Submit(context.Background(), withoutHash)
	require.NoError(t, err)
	assert.Equal(t, *signed.SignedTxHash, hash, "hash is recovered from the payload")
}

func TestSubmissionGatewayRejectsUnsigned(t *testing.T) {
	gateway, err := service.NewSubmissionGateway(&fakeSender{}, 0, nil, testLogger())
	require.NoError(t, err)

	_, err = gateway.Submit(context.Background(), &types.Transaction{Status: types.StatusCreated})
	assert.ErrorIs(t, err, types.ErrIllegalTransition)

	_, err = gateway.Submit(context.Background(), &types.Transaction{Status: types.StatusSigned})
	assert.ErrorIs(t, err, types.ErrSubmissionFailed)
}

func TestSubmissionGatewayReturnsNetworkHash(t *testing.T) {
	_, signed := signedTransaction(t)
	want := common.HexToHash("0x1234")
	gateway, err := service.NewSubmissionGateway(senderFunc(func(context.Context, []byte) (common.Hash, error) {
		return want, nil
	}), 0, nil, testLogger())
	require.NoError(t, err)

	hash, err := gateway.Submit(context.Background(), signed)
	require.NoError(t, err)
	assert.Equal(t, want, hash)
}

type senderFunc func(ctx context.Context, payload []byte) (common.Hash, error)

func (f senderFunc) SendRawTransaction(ctx context.Context, payload []byte) (common.Hash, error) {
	return f(ctx, payload)
}
