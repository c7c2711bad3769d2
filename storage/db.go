package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vultisig/custodian/internal/types"
)

// TransactionStore persists transaction records. The state machine is its only writer.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*types.Transaction, error)
	// ListTransactions returns every record when statuses is empty.
	ListTransactions(ctx context.Context, statuses []types.TransactionStatus) ([]*types.Transaction, error)
	// UpdateTransaction writes tx only if the stored status still equals expected,
	// otherwise it returns types.ErrIllegalTransition. Missing ids return types.ErrNotFound.
	UpdateTransaction(ctx context.Context, tx *types.Transaction, expected types.TransactionStatus) (*types.Transaction, error)
	// SetFailureReason records a failure without touching the status.
	SetFailureReason(ctx context.Context, id uuid.UUID, expected types.TransactionStatus, reason string) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	DeleteAllTransactions(ctx context.Context) (int64, error)
}

// NextNonceFunc computes the value to store given the locked ledger value.
// last is nil when the address has never been allocated.
type NextNonceFunc func(ctx context.Context, last *uint64) (uint64, error)

// NonceLedger is the durable per-address counter store.
type NonceLedger interface {
	// LockNonce runs next inside a critical section scoped to address and durably
	// stores its result before returning it. Nothing is returned if the store fails.
	LockNonce(ctx context.Context, address common.Address, next NextNonceFunc) (uint64, error)
	GetNonce(ctx context.Context, address common.Address) (*types.NonceRecord, error)
}

type DatabaseStorage interface {
	TransactionStore
	NonceLedger
	Close() error
}
