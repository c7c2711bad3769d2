// Package memory holds an in-process TransactionStore and NonceLedger.
// The ledger serializes per address with local mutexes, so it is only safe for a
// single process: tests and storage.driver=memory development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/storage"
)

var _ storage.DatabaseStorage = &Backend{}

type Backend struct {
	mu           sync.RWMutex
	transactions map[uuid.UUID]*types.Transaction

	locksMu sync.Mutex
	locks   map[common.Address]*sync.Mutex

	noncesMu sync.RWMutex
	nonces   map[common.Address]types.NonceRecord
}

func NewBackend() *Backend {
	return &Backend{
		transactions: make(map[uuid.UUID]*types.Transaction),
		locks:        make(map[common.Address]*sync.Mutex),
		nonces:       make(map[common.Address]types.NonceRecord),
	}
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) InsertTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.transactions[tx.ID]; ok {
		return nil, fmt.Errorf("transaction %s already exists", tx.ID)
	}
	b.transactions[tx.ID] = tx.Clone()
	return tx.Clone(), nil
}

func (b *Backend) GetTransaction(ctx context.Context, id uuid.UUID) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	tx, ok := b.transactions[id]
	if !ok {
		return nil, types.NewNotFound("no such transaction %s", id)
	}
	return tx.Clone(), nil
}

func (b *Backend) ListTransactions(ctx context.Context, statuses []types.TransactionStatus) ([]*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[types.TransactionStatus]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}

	b.mu.RLock()
	out := make([]*types.Transaction, 0, len(b.transactions))
	for _, tx := range b.transactions {
		if len(wanted) == 0 || wanted[tx.Status] {
			out = append(out, tx.Clone())
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) UpdateTransaction(ctx context.Context, tx *types.Transaction, expected types.TransactionStatus) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.transactions[tx.ID]
	if !ok {
		return nil, types.NewNotFound("no such transaction %s", tx.ID)
	}
	if current.Status != expected {
		return nil, types.NewIllegalTransition(fmt.Sprintf("transaction is %s, expected %s", current.Status, expected))
	}
	b.transactions[tx.ID] = tx.Clone()
	return tx.Clone(), nil
}

func (b *Backend) SetFailureReason(ctx context.Context, id uuid.UUID, expected types.TransactionStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.transactions[id]
	if !ok {
		return types.NewNotFound("no such transaction %s", id)
	}
	if current.Status != expected {
		return types.NewIllegalTransition(fmt.Sprintf("transaction is %s, expected %s", current.Status, expected))
	}
	current.FailureReason = &reason
	return nil
}

func (b *Backend) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.transactions[id]; !ok {
		return types.NewNotFound("no such transaction %s", id)
	}
	delete(b.transactions, id)
	return nil
}

func (b *Backend) DeleteAllTransactions(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := int64(len(b.transactions))
	b.transactions = make(map[uuid.UUID]*types.Transaction)
	return n, nil
}

func (b *Backend) addressLock(address common.Address) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[address]
	if !ok {
		l = &sync.Mutex{}
		b.locks[address] = l
	}
	return l
}

func (b *Backend) LockNonce(ctx context.Context, address common.Address, next storage.NextNonceFunc) (uint64, error) {
	l := b.addressLock(address)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.noncesMu.RLock()
	record, ok := b.nonces[address]
	b.noncesMu.RUnlock()

	var last *uint64
	if ok {
		v := record.LastAllocatedNonce
		last = &v
	}
	nonce, err := next(ctx, last)
	if err != nil {
		return 0, err
	}
	if last != nil && nonce <= *last {
		return 0, fmt.Errorf("nonce %d does not advance past %d", nonce, *last)
	}

	b.noncesMu.Lock()
	b.nonces[address] = types.NonceRecord{Address: address, LastAllocatedNonce: nonce, UpdatedAt: time.Now().UTC()}
	b.noncesMu.Unlock()
	return nonce, nil
}

func (b *Backend) GetNonce(ctx context.Context, address common.Address) (*types.NonceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.noncesMu.RLock()
	defer b.noncesMu.RUnlock()
	record, ok := b.nonces[address]
	if !ok {
		return nil, types.NewNotFound("no nonce record for %s", address.Hex())
	}
	return &record, nil
}
