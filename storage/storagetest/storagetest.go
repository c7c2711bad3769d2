// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/storage"
)

func newCreated(createdAt time.Time) *types.Transaction {
	return &types.Transaction{
		ID:        uuid.New(),
		Status:    types.StatusCreated,
		From:      common.HexToAddress("0xe5F238C95142be312852e864B830daADB9B7D290"),
		To:        common.HexToAddress("0xfA0635a1d083D0bF377EFbD48DA46BB17e0106cA"),
		Value:     new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil),
		GasLimit:  21000,
		Fee:       types.EIP1559Fee(big.NewInt(30_000_000_000), big.NewInt(1_000_000_000)),
		Data:      []byte{0xa9, 0x05, 0x9c, 0xbb},
		CreatedAt: createdAt.UTC().Truncate(time.Microsecond),
	}
}

func signedFrom(tx *types.Transaction, nonce uint64) *types.Transaction {
	next := tx.Clone()
	now := time.Now().UTC().Truncate(time.Microsecond)
	hash := common.HexToHash("0xabc1")
	next.Status = types.StatusSigned
	next.Nonce = &nonce
	next.ChainID = big.NewInt(1)
	next.SignedPayload = []byte{0x02, 0xf8, 0x01}
	next.SignedTxHash = &hash
	next.SignedAt = &now
	return next
}

// TestTransactionStore exercises a TransactionStore. newStore must return an empty store.
func TestTransactionStore(t *testing.T, newStore func(t *testing.T) storage.TransactionStore) {
	ctx := context.Background()

	t.Run("Insert and get", func(t *testing.T) {
		db := newStore(t)
		tx := newCreated(time.Now())
		saved, err := db.InsertTransaction(ctx, tx)
		require.NoError(t, err)
		assert.Equal(t, tx.ID, saved.ID)

		got, err := db.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCreated, got.Status)
		assert.Equal(t, tx.Value.String(), got.Value.String())
		assert.Equal(t, tx.Fee.MaxFeePerGas.String(), got.Fee.MaxFeePerGas.String())
		assert.Equal(t, tx.Data, got.Data)
		assert.True(t, tx.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.Nonce)

		_, err = db.GetTransaction(ctx, uuid.New())
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Compare and swap update", func(t *testing.T) {
		db := newStore(t)
		tx := newCreated(time.Now())
		_, err := db.InsertTransaction(ctx, tx)
		require.NoError(t, err)

		signed := signedFrom(tx, 4)
		updated, err := db.UpdateTransaction(ctx, signed, types.StatusCreated)
		require.NoError(t, err)
		assert.Equal(t, types.StatusSigned, updated.Status)
		require.NotNil(t, updated.Nonce)
		assert.Equal(t, uint64(4), *updated.Nonce)
		assert.Equal(t, signed.SignedPayload, updated.SignedPayload)

		_, err = db.UpdateTransaction(ctx, signedFrom(tx, 5), types.StatusCreated)
		assert.ErrorIs(t, err, types.ErrIllegalTransition)

		got, err := db.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), *got.Nonce, "a lost swap leaves the record untouched")

		missing := signedFrom(newCreated(time.Now()), 1)
		_, err = db.UpdateTransaction(ctx, missing, types.StatusCreated)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Concurrent swaps have one winner", func(t *testing.T) {
		db := newStore(t)
		tx := newCreated(time.Now())
		_, err := db.InsertTransaction(ctx, tx)
		require.NoError(t, err)

		const workers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(nonce uint64) {
				defer wg.Done()
				_, err := db.UpdateTransaction(ctx, signedFrom(tx, nonce), types.StatusCreated)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, types.ErrIllegalTransition)
			}(uint64(i))
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("Failure reason", func(t *testing.T) {
		db := newStore(t)
		tx := newCreated(time.Now())
		_, err := db.InsertTransaction(ctx, tx)
		require.NoError(t, err)

		require.NoError(t, db.SetFailureReason(ctx, tx.ID, types.StatusCreated, "SIGNING_FAILED"))
		got, err := db.GetTransaction(ctx, tx.ID)
		require.NoError(t, err)
		require.NotNil(t, got.FailureReason)
		assert.Equal(t, "SIGNING_FAILED", *got.FailureReason)
		assert.Equal(t, types.StatusCreated, got.Status)

		err = db.SetFailureReason(ctx, tx.ID, types.StatusSigned, "late")
		assert.ErrorIs(t, err, types.ErrIllegalTransition)
		assert.ErrorIs(t, db.SetFailureReason(ctx, uuid.New(), types.StatusCreated, "x"), types.ErrNotFound)
	})

	t.Run("List by status", func(t *testing.T) {
		db := newStore(t)
		base := time.Now().Add(-time.Hour)
		var ids []uuid.UUID
		for i := 0; i < 3; i++ {
			tx := newCreated(base.Add(time.Duration(i) * time.Minute))
			_, err := db.InsertTransaction(ctx, tx)
			require.NoError(t, err)
			ids = append(ids, tx.ID)
		}
		first, err := db.GetTransaction(ctx, ids[0])
		require.NoError(t, err)
		_, err = db.UpdateTransaction(ctx, signedFrom(first, 0), types.StatusCreated)
		require.NoError(t, err)

		all, err := db.ListTransactions(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) }))

		created, err := db.ListTransactions(ctx, []types.TransactionStatus{types.StatusCreated})
		require.NoError(t, err)
		assert.Len(t, created, 2)

		signed, err := db.ListTransactions(ctx, []types.TransactionStatus{types.StatusSigned, types.StatusAborted})
		require.NoError(t, err)
		require.Len(t, signed, 1)
		assert.Equal(t, ids[0], signed[0].ID)
	})

	t.Run("Delete", func(t *testing.T) {
		db := newStore(t)
		a := newCreated(time.Now())
		b := newCreated(time.Now())
		for _, tx := range []*types.Transaction{a, b} {
			_, err := db.InsertTransaction(ctx, tx)
			require.NoError(t, err)
		}

		require.NoError(t, db.DeleteTransaction(ctx, a.ID))
		assert.ErrorIs(t, db.DeleteTransaction(ctx, a.ID), types.ErrNotFound)

		n, err := db.DeleteAllTransactions(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		all, err := db.ListTransactions(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

// TestNonceLedger exercises a NonceLedger. newLedger must return an empty ledger.
func TestNonceLedger(t *testing.T, newLedger func(t *testing.T) storage.NonceLedger) {
	ctx := context.Background()
	address := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	nextOrSeed := func(seed uint64) storage.NextNonceFunc {
		return func(_ context.Context, last *uint64) (uint64, error) {
			if last == nil {
				return seed, nil
			}
			return *last + 1, nil
		}
	}

	t.Run("Seed then increment", func(t *testing.T) {
		ledger := newLedger(t)
		_, err := ledger.GetNonce(ctx, address)
		assert.ErrorIs(t, err, types.ErrNotFound)

		n, err := ledger.LockNonce(ctx, address, nextOrSeed(10))
		require.NoError(t, err)
		assert.Equal(t, uint64(10), n)
		n, err = ledger.LockNonce(ctx, address, nextOrSeed(10))
		require.NoError(t, err)
		assert.Equal(t, uint64(11), n)

		record, err := ledger.GetNonce(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, uint64(11), record.LastAllocatedNonce)
		assert.Equal(t, address, record.Address)
	})

	t.Run("Callback failure stores nothing", func(t *testing.T) {
		ledger := newLedger(t)
		boom := errors.New("oracle down")
		_, err := ledger.LockNonce(ctx, address, func(context.Context, *uint64) (uint64, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
		_, err = ledger.GetNonce(ctx, address)
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Rejects going backwards", func(t *testing.T) {
		ledger := newLedger(t)
		_, err := ledger.LockNonce(ctx, address, nextOrSeed(5))
		require.NoError(t, err)
		_, err = ledger.LockNonce(ctx, address, func(context.Context, *uint64) (uint64, error) { return 5, nil })
		assert.Error(t, err)
		record, err := ledger.GetNonce(ctx, address)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), record.LastAllocatedNonce)
	})

	t.Run("Concurrent allocations are contiguous", func(t *testing.T) {
		ledger := newLedger(t)
		const workers = 32
		var wg sync.WaitGroup
		results := make(chan uint64, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				n, err := ledger.LockNonce(ctx, address, nextOrSeed(0))
				if assert.NoError(t, err) {
					results <- n
				}
			}()
		}
		wg.Wait()
		close(results)
		var got []uint64
		for n := range results {
			got = append(got, n)
		}
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		require.Len(t, got, workers)
		for i, n := range got {
			assert.Equal(t, uint64(i), n)
		}
	})
}
