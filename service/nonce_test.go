package service_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/service"
	"github.com/vultisig/custodian/storage/memory"
)

func TestNonceAllocatorSeedsFromOracle(t *testing.T) {
	testCases := []struct {
		name        string
		oracleCount uint64
		allocations int
		expected    []uint64
	}{
		{name: "Fresh address", oracleCount: 0, allocations: 3, expected: []uint64{0, 1, 2}},
		{name: "Address with history", oracleCount: 42, allocations: 2, expected: []uint64{42, 43}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			address := common.HexToAddress("0x00000000000000000000000000000000000000aa")
			oracle := newFakeOracle()
			oracle.set(address, tc.oracleCount)
			allocator, err := service.NewNonceAllocator(memory.NewBackend(), oracle, nil, testLogger())
			require.NoError(t, err)

			var got []uint64
			for i := 0; i < tc.allocations; i++ {
				nonce, err := allocator.Allocate(context.Background(), address)
				require.NoError(t, err)
				got = append(got, nonce)
			}
			assert.Equal(t, tc.expected, got)
			assert.EqualValues(t, 1, oracle.calls.Load(), "oracle is consulted only for the first allocation")

			record, err := allocator.GetNonce(context.Background(), address)
			require.NoError(t, err)
			assert.Equal(t, tc.expected[len(tc.expected)-1], record.LastAllocatedNonce)
		})
	}
}

func TestNonceAllocatorConcurrentAllocationsAreContiguous(t *testing.T) {
	const workers = 64
	address := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	oracle := newFakeOracle()
	oracle.set(address, 7)
	allocator, err := service.NewNonceAllocator(memory.NewBackend(), oracle, nil, testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan uint64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := allocator.Allocate(context.Background(), address)
			assert.NoError(t, err)
			results <- nonce
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
		assert.Equal(t, uint64(7+i), n)
	}
}

func TestNonceAllocatorAddressesAreIndependent(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	b := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	oracle := newFakeOracle()
	oracle.set(b, 5)
	allocator, err := service.NewNonceAllocator(memory.NewBackend(), oracle, nil, testLogger())
	require.NoError(t, err)

	n, err := allocator.Allocate(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
	n, err = allocator.Allocate(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
	n, err = allocator.Allocate(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestNonceAllocatorFailures(t *testing.T) {
	address := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	t.Run("Oracle unavailable", func(t *testing.T) {
		oracle := newFakeOracle()
		oracle.err = errors.New("connection refused")
		db := memory.NewBackend()
		allocator, err := service.NewNonceAllocator(db, oracle, nil, testLogger())
		require.NoError(t, err)

		_, err = allocator.Allocate(context.Background(), address)
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrAllocationFailed)
		txErr, ok := types.AsTransactionError(err)
		require.True(t, ok)
		assert.True(t, txErr.Retriable)

		_, err = db.GetNonce(context.Background(), address)
		assert.ErrorIs(t, err, types.ErrNotFound, "nothing is stored when the oracle fails")
	})

	t.Run("Ledger write fails", func(t *testing.T) {
		oracle := newFakeOracle()
		db := memory.NewBackend()
		ledger := &flakyLedger{NonceLedger: db}
		allocator, err := service.NewNonceAllocator(ledger, oracle, nil, testLogger())
		require.NoError(t, err)

		first, err := allocator.Allocate(context.Background(), address)
		require.NoError(t, err)
		require.Equal(t, uint64(0), first)

		ledger.failWrites(errors.New("disk full"))
		_, err = allocator.Allocate(context.Background(), address)
		assert.ErrorIs(t, err, types.ErrAllocationFailed)

		ledger.failWrites(nil)
		next, err := allocator.Allocate(context.Background(), address)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), next, "a nonce that was never stored is handed out again")
	})
}

func TestNewNonceAllocatorRequiresDependencies(t *testing.T) {
	_, err := service.NewNonceAllocator(nil, newFakeOracle(), nil, testLogger())
	assert.Error(t, err)
	_, err = service.NewNonceAllocator(memory.NewBackend(), nil, nil, testLogger())
	assert.Error(t, err)
}
