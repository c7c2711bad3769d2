package types

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	CodeSigningFailed     ErrorCode = "SIGNING_FAILED"
	CodeSubmissionFailed  ErrorCode = "SUBMISSION_FAILED"
	CodeAllocationFailed  ErrorCode = "ALLOCATION_FAILED"
	CodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
)

// Reasons refine SUBMISSION_FAILED and SIGNING_FAILED.
const (
	// nonce related
	ReasonNonceTooLow  = "NONCE_TOO_LOW"
	ReasonNonceTooHigh = "NONCE_TOO_HIGH"

	// gas related
	ReasonGasTooLow        = "GAS_TOO_LOW"
	ReasonGasUnderpriced   = "GAS_UNDERPRICED"
	ReasonFeeCapTooLow     = "FEE_CAP_TOO_LOW"
	ReasonIntrinsicGas     = "INTRINSIC_GAS_TOO_LOW"
	ReasonInsufficientFund = "INSUFFICIENT_FUNDS"

	// network/RPC related
	ReasonRPCConnectionFailed = "RPC_CONNECTION_FAILED"
	ReasonTimeout             = "TX_TIMEOUT"
	ReasonAlreadyKnown        = "ALREADY_KNOWN"
	ReasonMalformed           = "MALFORMED_PAYLOAD"

	// custody related
	ReasonUnknownAccount = "UNKNOWN_ACCOUNT"
	ReasonAccountLocked  = "ACCOUNT_LOCKED"
	ReasonUnsupportedFee = "UNSUPPORTED_FEE_MODEL"
	ReasonUnknownChain   = "UNKNOWN_CHAIN"
	ReasonSenderMismatch = "SENDER_MISMATCH"

	// storage related
	ReasonPersistFailed = "PERSIST_FAILED"

	ReasonUnknown = "UNKNOWN_ERROR"
)

// TransactionError is the typed failure returned by every operation of the core.
type TransactionError struct {
	Code      ErrorCode
	Reason    string
	Message   string
	Retriable bool
	Err       error
}

func (e *TransactionError) Error() string {
	msg := string(e.Code)
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// Is matches on Code so errors.Is(err, ErrNotFound) works for any NOT_FOUND error.
func (e *TransactionError) Is(target error) bool {
	var t *TransactionError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrNotFound          = &TransactionError{Code: CodeNotFound}
	ErrIllegalTransition = &TransactionError{Code: CodeIllegalTransition}
	ErrSigningFailed     = &TransactionError{Code: CodeSigningFailed}
	ErrSubmissionFailed  = &TransactionError{Code: CodeSubmissionFailed}
	ErrAllocationFailed  = &TransactionError{Code: CodeAllocationFailed}
	ErrInvalidRequest    = &TransactionError{Code: CodeInvalidRequest}
)

func NewNotFound(format string, args ...any) *TransactionError {
	return &TransactionError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func NewIllegalTransition(message string) *TransactionError {
	return &TransactionError{Code: CodeIllegalTransition, Message: message}
}

func NewInvalidRequest(err error) *TransactionError {
	return &TransactionError{Code: CodeInvalidRequest, Message: "invalid request", Err: err}
}

// NewSigningFailed marks timeouts as retriable; every other signing failure is not.
func NewSigningFailed(reason string, err error) *TransactionError {
	return &TransactionError{
		Code:      CodeSigningFailed,
		Reason:    reason,
		Message:   "fail to sign transaction",
		Retriable: reason == ReasonTimeout,
		Err:       err,
	}
}

// NewPersistFailed reports a side effect that succeeded but whose record could not be
// stored. status is the status the record was moving to.
func NewPersistFailed(status TransactionStatus, err error) *TransactionError {
	code := CodeSigningFailed
	if status == StatusSubmitted {
		code = CodeSubmissionFailed
	}
	return &TransactionError{
		Code:      code,
		Reason:    ReasonPersistFailed,
		Message:   fmt.Sprintf("fail to store %s transaction", status),
		Retriable: true,
		Err:       err,
	}
}

func NewAllocationFailed(address string, err error) *TransactionError {
	return &TransactionError{
		Code:      CodeAllocationFailed,
		Message:   fmt.Sprintf("fail to allocate nonce for %s", address),
		Retriable: true,
		Err:       err,
	}
}

// AsTransactionError extracts the typed error, if any.
func AsTransactionError(err error) (*TransactionError, bool) {
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr, true
	}
	return nil, false
}
