package types

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

type FeeType string

const (
	FeeLegacy  FeeType = "legacy"
	FeeEIP1559 FeeType = "eip1559"
)

// FeeModel is a tagged variant: GasPrice is set for FeeLegacy,
// MaxFeePerGas and MaxPriorityFeePerGas for FeeEIP1559. Never both.
type FeeModel struct {
	Type                 FeeType  `json:"type"`
	GasPrice             *big.Int `json:"gas_price,omitempty"`
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas,omitempty"`
}

func LegacyFee(gasPrice *big.Int) FeeModel {
	return FeeModel{Type: FeeLegacy, GasPrice: gasPrice}
}

func EIP1559Fee(maxFeePerGas, maxPriorityFeePerGas *big.Int) FeeModel {
	return FeeModel{Type: FeeEIP1559, MaxFeePerGas: maxFeePerGas, MaxPriorityFeePerGas: maxPriorityFeePerGas}
}

// Validate checks that exactly the fields of the variant are populated.
func (f FeeModel) Validate() error {
	switch f.Type {
	case FeeLegacy:
		if f.GasPrice == nil || f.GasPrice.Sign() < 0 {
			return errors.New("legacy fee requires a non-negative gas price")
		}
		if f.MaxFeePerGas != nil || f.MaxPriorityFeePerGas != nil {
			return errors.New("legacy fee must not carry eip1559 fields")
		}
	case FeeEIP1559:
		if f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
			return errors.New("eip1559 fee requires max fee and max priority fee")
		}
		if f.MaxFeePerGas.Sign() < 0 || f.MaxPriorityFeePerGas.Sign() < 0 {
			return errors.New("eip1559 fees must be non-negative")
		}
		if f.MaxPriorityFeePerGas.Cmp(f.MaxFeePerGas) > 0 {
			return errors.New("max priority fee exceeds max fee")
		}
		if f.GasPrice != nil {
			return errors.New("eip1559 fee must not carry a gas price")
		}
	default:
		return fmt.Errorf("unknown fee type %q", f.Type)
	}
	return nil
}

// Transaction is the custodian's record of one outbound transaction.
type Transaction struct {
	ID            uuid.UUID         `json:"id"`
	Status        TransactionStatus `json:"status"`
	From          common.Address    `json:"from"`
	To            common.Address    `json:"to"`
	Value         *big.Int          `json:"value"`
	GasLimit      uint64            `json:"gas_limit"`
	Fee           FeeModel          `json:"fee"`
	Data          hexutil.Bytes     `json:"data,omitempty"`
	ChainID       *big.Int          `json:"chain_id,omitempty"`
	Nonce         *uint64           `json:"nonce,omitempty"`
	SignedPayload hexutil.Bytes     `json:"signed_payload,omitempty"`
	SignedTxHash  *common.Hash      `json:"signed_tx_hash,omitempty"`
	NetworkTxHash *common.Hash      `json:"network_tx_hash,omitempty"`
	FailureReason *string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	SignedAt      *time.Time        `json:"signed_at,omitempty"`
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	AbortedAt     *time.Time        `json:"aborted_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Value = cloneBig(t.Value)
	c.Fee.GasPrice = cloneBig(t.Fee.GasPrice)
	c.Fee.MaxFeePerGas = cloneBig(t.Fee.MaxFeePerGas)
	c.Fee.MaxPriorityFeePerGas = cloneBig(t.Fee.MaxPriorityFeePerGas)
	c.ChainID = cloneBig(t.ChainID)
	c.Data = cloneBytes(t.Data)
	c.SignedPayload = cloneBytes(t.SignedPayload)
	if t.Nonce != nil {
		n := *t.Nonce
		c.Nonce = &n
	}
	if t.SignedTxHash != nil {
		h := *t.SignedTxHash
		c.SignedTxHash = &h
	}
	if t.NetworkTxHash != nil {
		h := *t.NetworkTxHash
		c.NetworkTxHash = &h
	}
	if t.FailureReason != nil {
		r := *t.FailureReason
		c.FailureReason = &r
	}
	c.SignedAt = cloneTime(t.SignedAt)
	c.SubmittedAt = cloneTime(t.SubmittedAt)
	c.AbortedAt = cloneTime(t.AbortedAt)
	return &c
}

// CheckConsistency verifies the lifecycle fields agree with Status.
func (t *Transaction) CheckConsistency() error {
	signed := t.SignedAt != nil && t.Nonce != nil && len(t.SignedPayload) > 0
	switch t.Status {
	case StatusCreated:
		if t.SignedAt != nil || t.SubmittedAt != nil || t.AbortedAt != nil || t.Nonce != nil || len(t.SignedPayload) > 0 {
			return errors.New("created transaction carries signing artifacts")
		}
	case StatusSigned:
		if !signed || t.SubmittedAt != nil || t.AbortedAt != nil {
			return errors.New("signed transaction is missing signing artifacts")
		}
	case StatusSubmitted:
		if !signed || t.SubmittedAt == nil || t.NetworkTxHash == nil || t.AbortedAt != nil {
			return errors.New("submitted transaction is missing signing or submission artifacts")
		}
	case StatusAborted:
		if !signed || t.AbortedAt == nil || t.SubmittedAt != nil {
			return errors.New("aborted transaction must have been signed and never submitted")
		}
	default:
		return fmt.Errorf("invalid status %q", t.Status)
	}
	return nil
}

// TransactionCreateRequest carries the immutable fields of a new transaction.
// Amounts are decimal strings so they survive JSON clients without precision loss.
type TransactionCreateRequest struct {
	From                 string  `json:"from"`
	To                   string  `json:"to"`
	Value                string  `json:"value"`
	GasLimit             uint64  `json:"gas_limit"`
	Type                 FeeType `json:"type"`
	GasPrice             string  `json:"gas_price,omitempty"`
	MaxFeePerGas         string  `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string  `json:"max_priority_fee_per_gas,omitempty"`
	Data                 string  `json:"data,omitempty"`
}

// IsValid checks if the create request is valid
func (r TransactionCreateRequest) IsValid() error {
	_, err := r.ToTransaction()
	return err
}

// ToTransaction parses the request into an unsaved record without id, status or timestamps.
func (r TransactionCreateRequest) ToTransaction() (*Transaction, error) {
	if !common.IsHexAddress(r.From) {
		return nil, errors.New("invalid from address")
	}
	if !common.IsHexAddress(r.To) {
		return nil, errors.New("invalid to address")
	}
	value, err := parseAmount("value", r.Value)
	if err != nil {
		return nil, err
	}
	// gas_limit is stored as a signed BIGINT.
	if r.GasLimit == 0 || r.GasLimit > math.MaxInt64 {
		return nil, errors.New("invalid gas limit")
	}

	var fee FeeModel
	switch r.Type {
	case FeeLegacy, "":
		gasPrice, err := parseAmount("gas price", r.GasPrice)
		if err != nil {
			return nil, err
		}
		if r.MaxFeePerGas != "" || r.MaxPriorityFeePerGas != "" {
			return nil, errors.New("legacy transaction must not set eip1559 fees")
		}
		fee = LegacyFee(gasPrice)
	case FeeEIP1559:
		maxFee, err := parseAmount("max fee per gas", r.MaxFeePerGas)
		if err != nil {
			return nil, err
		}
		maxPriority, err := parseAmount("max priority fee per gas", r.MaxPriorityFeePerGas)
		if err != nil {
			return nil, err
		}
		if r.GasPrice != "" {
			return nil, errors.New("eip1559 transaction must not set gas price")
		}
		fee = EIP1559Fee(maxFee, maxPriority)
	default:
		return nil, fmt.Errorf("invalid transaction type %q", r.Type)
	}
	if err := fee.Validate(); err != nil {
		return nil, err
	}

	var data []byte
	if r.Data != "" {
		raw := r.Data
		if !strings.HasPrefix(raw, "0x") {
			raw = "0x" + raw
		}
		data, err = hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid data: %w", err)
		}
	}

	return &Transaction{
		From:     common.HexToAddress(r.From),
		To:       common.HexToAddress(r.To),
		Value:    value,
		GasLimit: r.GasLimit,
		Fee:      fee,
		Data:     data,
	}, nil
}

func parseAmount(name, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
