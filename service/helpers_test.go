package service_test

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/custodian/chainhelper"
	"github.com/vultisig/custodian/internal/custody"
	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/service"
	"github.com/vultisig/custodian/storage"
	"github.com/vultisig/custodian/storage/memory"
)

const testChainID = 1337

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeOracle struct {
	mu     sync.Mutex
	counts map[common.Address]uint64
	err    error
	calls  atomic.Int32
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{counts: make(map[common.Address]uint64)}
}

func (o *fakeOracle) set(address common.Address, count uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[address] = count
}

func (o *fakeOracle) GetTransactionCount(_ context.Context, address common.Address) (uint64, error) {
	o.calls.Add(1)
	if o.err != nil {
		return 0, o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[address], nil
}

type keyCustody struct {
	keys   map[common.Address]*ecdsa.PrivateKey
	err    error
	onSign func()
}

func (k *keyCustody) SignHash(_ context.Context, address common.Address, hash []byte) ([]byte, error) {
	if k.onSign != nil {
		k.onSign()
	}
	if k.err != nil {
		return nil, k.err
	}
	key, ok := k.keys[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", custody.ErrUnknownAccount, address.Hex())
	}
	return crypto.Sign(hash, key)
}

func (k *keyCustody) newAccount(t *testing.T) common.Address {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)
	k.keys[address] = key
	return address
}

type fakeSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	onSend   func()
}

func (f *fakeSender) SendRawTransaction(_ context.Context, payload []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.err != nil {
		return common.Hash{}, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return crypto.Keccak256Hash(payload), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []types.TransactionStatus
}

func (r *recordingNotifier) Notify(tx *types.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, tx.Status)
}

func (r *recordingNotifier) statuses() []types.TransactionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.TransactionStatus(nil), r.events...)
}

// flakyLedger computes the next nonce normally but fails the write while storeErr is set.
type flakyLedger struct {
	storage.NonceLedger
	mu       sync.Mutex
	storeErr error
}

func (l *flakyLedger) failWrites(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.storeErr = err
}

func (l *flakyLedger) LockNonce(ctx context.Context, address common.Address, next storage.NextNonceFunc) (uint64, error) {
	l.mu.Lock()
	storeErr := l.storeErr
	l.mu.Unlock()
	if storeErr == nil {
		return l.NonceLedger.LockNonce(ctx, address, next)
	}
	return l.NonceLedger.LockNonce(ctx, address, func(ctx context.Context, last *uint64) (uint64, error) {
		if _, err := next(ctx, last); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("fail to store nonce, err: %w", storeErr)
	})
}

// flakyStore fails UpdateTransaction while updateErr is set.
type flakyStore struct {
	storage.TransactionStore
	mu        sync.Mutex
	updateErr error
}

func (s *flakyStore) failUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateErr = err
}

func (s *flakyStore) UpdateTransaction(ctx context.Context, tx *types.Transaction, expected types.TransactionStatus) (*types.Transaction, error) {
	s.mu.Lock()
	updateErr := s.updateErr
	s.mu.Unlock()
	if updateErr != nil {
		return nil, updateErr
	}
	return s.TransactionStore.UpdateTransaction(ctx, tx, expected)
}

type harness struct {
	db       *memory.Backend
	store    *flakyStore
	ledger   *flakyLedger
	oracle   *fakeOracle
	custody  *keyCustody
	sender   *fakeSender
	notifier *recordingNotifier
	signer   *service.TransactionSigner
	svc      *service.TransactionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	h := &harness{
		db:       memory.NewBackend(),
		oracle:   newFakeOracle(),
		custody:  &keyCustody{keys: make(map[common.Address]*ecdsa.PrivateKey)},
		sender:   &fakeSender{},
		notifier: &recordingNotifier{},
	}
	h.store = &flakyStore{TransactionStore: h.db}
	h.ledger = &flakyLedger{NonceLedger: h.db}
	registry, err := chainhelper.NewRegistry(testChainID, nil, nil)
	require.NoError(t, err)
	allocator, err := service.NewNonceAllocator(h.ledger, h.oracle, nil, logger)
	require.NoError(t, err)
	h.signer, err = service.NewTransactionSigner(registry, allocator, h.custody, nil, logger)
	require.NoError(t, err)
	gateway, err := service.NewSubmissionGateway(h.sender, 0, nil, logger)
	require.NoError(t, err)
	h.svc, err = service.NewTransactionService(h.store, h.signer, gateway, h.notifier, nil, nil, logger)
	require.NoError(t, err)
	return h
}

func legacyRequest(from, to common.Address) types.TransactionCreateRequest {
	return types.TransactionCreateRequest{
		From:     from.Hex(),
		To:       to.Hex(),
		Value:    "10",
		GasLimit: 21000,
		Type:     types.FeeLegacy,
		GasPrice: "5",
	}
}

func eip1559Request(from, to common.Address) types.TransactionCreateRequest {
	return types.TransactionCreateRequest{
		From:                 from.Hex(),
		To:                   to.Hex(),
		Value:                "1000000000000000000",
		GasLimit:             21000,
		Type:                 types.FeeEIP1559,
		MaxFeePerGas:         "30000000000",
		MaxPriorityFeePerGas: "2000000000",
		Data:                 "0xdeadbeef",
	}
}
