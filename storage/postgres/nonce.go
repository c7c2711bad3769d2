package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/storage"
)

const NONCES_TABLE = "nonces"

func nonceKey(address common.Address) string {
	return strings.ToLower(address.Hex())
}

// LockNonce holds the nonce row of address under FOR UPDATE for the whole
// read-compute-write, so concurrent callers on any instance serialize on it.
// A missing row is inserted first; a concurrent inserter blocks on the primary key
// until the winner commits, then reads the winner's value.
func (p *PostgresBackend) LockNonce(ctx context.Context, address common.Address, next storage.NextNonceFunc) (uint64, error) {
	key := nonceKey(address)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin db transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (address) VALUES ($1) ON CONFLICT (address) DO NOTHING`, NONCES_TABLE), key)
	if err != nil {
		return 0, fmt.Errorf("fail to create nonce row, err: %w", err)
	}

	var stored *int64
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT last_nonce FROM %s WHERE address = $1 FOR UPDATE`, NONCES_TABLE), key).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("fail to lock nonce row, err: %w", err)
	}

	var last *uint64
	if stored != nil {
		v := uint64(*stored)
		last = &v
	}
	nonce, err := next(ctx, last)
	if err != nil {
		return 0, err
	}
	if last != nil && nonce <= *last {
		return 0, fmt.Errorf("nonce %d does not advance past %d", nonce, *last)
	}
	if nonce > math.MaxInt64 {
		return 0, fmt.Errorf("nonce %d overflows ledger column", nonce)
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET last_nonce = $2, updated_at = now() WHERE address = $1`, NONCES_TABLE), key, int64(nonce))
	if err != nil {
		return 0, fmt.Errorf("fail to store nonce, err: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return 0, fmt.Errorf("fail to store nonce, %d rows affected", tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit db transaction: %w", err)
	}
	return nonce, nil
}

func (p *PostgresBackend) GetNonce(ctx context.Context, address common.Address) (*types.NonceRecord, error) {
	query := fmt.Sprintf(`SELECT last_nonce, updated_at FROM %s WHERE address = $1 AND last_nonce IS NOT NULL`, NONCES_TABLE)

	var (
		last      int64
		updatedAt time.Time
	)
	err := p.pool.QueryRow(ctx, query, nonceKey(address)).Scan(&last, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFound("no nonce record for %s", address.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get nonce, err: %w", err)
	}
	return &types.NonceRecord{
		Address:            address,
		LastAllocatedNonce: uint64(last),
		UpdatedAt:          updatedAt.UTC(),
	}, nil
}
