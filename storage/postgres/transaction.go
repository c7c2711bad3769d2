package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vultisig/custodian/internal/types"
)

const TRANSACTIONS_TABLE = "transactions"

const transactionColumns = `id, status, from_addr, to_addr, value_wei::text, gas_limit, fee_type,
	gas_price_wei::text, max_fee_per_gas_wei::text, max_priority_fee_per_gas_wei::text, data, chain_id::text,
	nonce, signed_payload, signed_tx_hash, network_tx_hash, failure_reason,
	created_at, signed_at, submitted_at, aborted_at`

func (p *PostgresBackend) InsertTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	query := fmt.Sprintf(`INSERT INTO %s
	(id, status, from_addr, to_addr, value_wei, gas_limit, fee_type,
	 gas_price_wei, max_fee_per_gas_wei, max_priority_fee_per_gas_wei, data, created_at)
	VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11, $12)
	RETURNING %s`, TRANSACTIONS_TABLE, transactionColumns)

	rows, err := p.pool.Query(ctx, query,
		tx.ID,
		string(tx.Status),
		tx.From.Hex(),
		tx.To.Hex(),
		tx.Value.String(),
		int64(tx.GasLimit),
		string(tx.Fee.Type),
		numeric(tx.Fee.GasPrice),
		numeric(tx.Fee.MaxFeePerGas),
		numeric(tx.Fee.MaxPriorityFeePerGas),
		[]byte(tx.Data),
		tx.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("fail to insert transaction, err: %w", err)
	}
	saved, err := pgx.CollectOneRow(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("fail to insert transaction, err: %w", err)
	}
	return saved, nil
}

func (p *PostgresBackend) GetTransaction(ctx context.Context, id uuid.UUID) (*types.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1;`, transactionColumns, TRANSACTIONS_TABLE)

	rows, err := p.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	tx, err := pgx.CollectOneRow(rows, rowToTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewNotFound("no such transaction %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to get transaction, err: %w", err)
	}
	return tx, nil
}

func (p *PostgresBackend) ListTransactions(ctx context.Context, statuses []types.TransactionStatus) ([]*types.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, transactionColumns, TRANSACTIONS_TABLE)
	var args []any
	if len(statuses) > 0 {
		filter := make([]string, 0, len(statuses))
		for _, s := range statuses {
			filter = append(filter, string(s))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, filter)
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fail to list transactions, err: %w", err)
	}
	txs, err := pgx.CollectRows(rows, rowToTransaction)
	if err != nil {
		return nil, fmt.Errorf("fail to list transactions, err: %w", err)
	}
	return txs, nil
}

// UpdateTransaction compares-and-swaps on status. Write-once columns keep their first value.
func (p *PostgresBackend) UpdateTransaction(ctx context.Context, tx *types.Transaction, expected types.TransactionStatus) (*types.Transaction, error) {
	var nonce *int64
	if tx.Nonce != nil {
		n := int64(*tx.Nonce)
		nonce = &n
	}
	query := fmt.Sprintf(`UPDATE %s SET
		status = $3,
		chain_id = COALESCE(chain_id, $4::numeric),
		nonce = COALESCE(nonce, $5),
		signed_payload = COALESCE(signed_payload, $6),
		signed_tx_hash = COALESCE(signed_tx_hash, $7),
		network_tx_hash = COALESCE(network_tx_hash, $8),
		failure_reason = $9,
		signed_at = COALESCE(signed_at, $10),
		submitted_at = COALESCE(submitted_at, $11),
		aborted_at = COALESCE(aborted_at, $12)
	WHERE id = $1 AND status = $2
	RETURNING %s`, TRANSACTIONS_TABLE, transactionColumns)

	rows, err := p.pool.Query(ctx, query,
		tx.ID,
		string(expected),
		string(tx.Status),
		numeric(tx.ChainID),
		nonce,
		nullBytes(tx.SignedPayload),
		hashText(tx.SignedTxHash),
		hashText(tx.NetworkTxHash),
		tx.FailureReason,
		tx.SignedAt,
		tx.SubmittedAt,
		tx.AbortedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("fail to update transaction, err: %w", err)
	}
	updated, err := pgx.CollectOneRow(rows, rowToTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.explainMissedUpdate(ctx, tx.ID, expected)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to update transaction, err: %w", err)
	}
	return updated, nil
}

func (p *PostgresBackend) SetFailureReason(ctx context.Context, id uuid.UUID, expected types.TransactionStatus, reason string) error {
	query := fmt.Sprintf(`UPDATE %s SET failure_reason = $3 WHERE id = $1 AND status = $2`, TRANSACTIONS_TABLE)
	tag, err := p.pool.Exec(ctx, query, id, string(expected), reason)
	if err != nil {
		return fmt.Errorf("fail to set failure reason, err: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return p.explainMissedUpdate(ctx, id, expected)
	}
	return nil
}

// explainMissedUpdate tells a missing row apart from a lost status race.
func (p *PostgresBackend) explainMissedUpdate(ctx context.Context, id uuid.UUID, expected types.TransactionStatus) error {
	var status string
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, TRANSACTIONS_TABLE)
	err := p.pool.QueryRow(ctx, query, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewNotFound("no such transaction %s", id)
	}
	if err != nil {
		return fmt.Errorf("fail to read transaction status, err: %w", err)
	}
	return types.NewIllegalTransition(fmt.Sprintf("transaction is %s, expected %s", status, expected))
}

func (p *PostgresBackend) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1;`, TRANSACTIONS_TABLE)

	tag, err := p.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("fail to delete transaction, err: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewNotFound("no such transaction %s", id)
	}
	return nil
}

func (p *PostgresBackend) DeleteAllTransactions(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s;`, TRANSACTIONS_TABLE))
	if err != nil {
		return 0, fmt.Errorf("fail to delete transactions, err: %w", err)
	}
	return tag.RowsAffected(), nil
}

func rowToTransaction(row pgx.CollectableRow) (*types.Transaction, error) {
	var (
		tx                               types.Transaction
		status, from, to, value, feeType string
		gasLimit                         int64
		gasPrice, maxFee, maxPriority    *string
		chainID                          *string
		nonce                            *int64
		data, signedPayload              []byte
		signedHash, networkHash          *string
		signedAt, submittedAt, abortedAt *time.Time
	)
	err := row.Scan(
		&tx.ID, &status, &from, &to, &value, &gasLimit, &feeType,
		&gasPrice, &maxFee, &maxPriority, &data, &chainID,
		&nonce, &signedPayload, &signedHash, &networkHash, &tx.FailureReason,
		&tx.CreatedAt, &signedAt, &submittedAt, &abortedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = types.TransactionStatus(status)
	tx.From = common.HexToAddress(from)
	tx.To = common.HexToAddress(to)
	tx.GasLimit = uint64(gasLimit)
	if tx.Value, err = parseNumeric(&value); err != nil {
		return nil, err
	}
	tx.Fee.Type = types.FeeType(feeType)
	if tx.Fee.GasPrice, err = parseNumeric(gasPrice); err != nil {
		return nil, err
	}
	if tx.Fee.MaxFeePerGas, err = parseNumeric(maxFee); err != nil {
		return nil, err
	}
	if tx.Fee.MaxPriorityFeePerGas, err = parseNumeric(maxPriority); err != nil {
		return nil, err
	}
	if tx.ChainID, err = parseNumeric(chainID); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		tx.Data = data
	}
	if nonce != nil {
		n := uint64(*nonce)
		tx.Nonce = &n
	}
	if len(signedPayload) > 0 {
		tx.SignedPayload = signedPayload
	}
	tx.SignedTxHash = parseHash(signedHash)
	tx.NetworkTxHash = parseHash(networkHash)
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.SignedAt = utc(signedAt)
	tx.SubmittedAt = utc(submittedAt)
	tx.AbortedAt = utc(abortedAt)
	return &tx, nil
}

func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNumeric(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(*s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", *s)
	}
	return v, nil
}

func hashText(h *common.Hash) *string {
	if h == nil {
		return nil
	}
	s := h.Hex()
	return &s
}

func parseHash(s *string) *common.Hash {
	if s == nil {
		return nil
	}
	h := common.HexToHash(*s)
	return &h
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
