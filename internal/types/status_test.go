package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTransitionTable(t *testing.T) {
	legal := map[[2]TransactionStatus]TransitionAction{
		{StatusCreated, StatusSigned}:   ActionSign,
		{StatusSigned, StatusSubmitted}: ActionSubmit,
		{StatusSigned, StatusAborted}:   ActionAbort,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			action, err := ResolveTransition(from, to)
			want, ok := legal[[2]TransactionStatus{from, to}]
			if ok {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, want, action)
				continue
			}
			assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", from, to)
		}
	}
}

func TestResolveTransitionMessages(t *testing.T) {
	testCases := []struct {
		from, to TransactionStatus
		message  string
	}{
		{StatusSigned, StatusSigned, "transaction already signed"},
		{StatusCreated, StatusSubmitted, "transaction must be signed first: current status created"},
		{StatusSubmitted, StatusAborted, "illegal transition from submitted to aborted"},
		{StatusCreated, "confirmed", "invalid status confirmed"},
		{"bogus", StatusSigned, "invalid current status bogus"},
	}
	for _, tc := range testCases {
		_, err := ResolveTransition(tc.from, tc.to)
		txErr, ok := AsTransactionError(err)
		require.True(t, ok)
		assert.Equal(t, CodeIllegalTransition, txErr.Code)
		assert.Equal(t, tc.message, txErr.Message)
	}
}

func TestParseTransactionStatus(t *testing.T) {
	testCases := []struct {
		input       string
		expected    TransactionStatus
		shouldError bool
	}{
		{input: "created", expected: StatusCreated},
		{input: " Signed ", expected: StatusSigned},
		{input: "SUBMITTED", expected: StatusSubmitted},
		{input: "aborted", expected: StatusAborted},
		{input: "", shouldError: true},
		{input: "pending", shouldError: true},
	}
	for _, tc := range testCases {
		got, err := ParseTransactionStatus(tc.input)
		if tc.shouldError {
			assert.ErrorIs(t, err, ErrInvalidRequest, tc.input)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tc.expected, got)
	}
}

func TestParseStatusFilter(t *testing.T) {
	testCases := []struct {
		name        string
		input       string
		expected    []TransactionStatus
		shouldError bool
	}{
		{name: "Empty", input: "", expected: nil},
		{name: "Single", input: "signed", expected: []TransactionStatus{StatusSigned}},
		{name: "Mixed case and spaces", input: " Created , SUBMITTED", expected: []TransactionStatus{StatusCreated, StatusSubmitted}},
		{name: "Duplicates", input: "aborted,aborted", expected: []TransactionStatus{StatusAborted}},
		{name: "Trailing comma", input: "created,", expected: []TransactionStatus{StatusCreated}},
		{name: "Unknown", input: "created,pending", shouldError: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseStatusFilter(tc.input)
			if tc.shouldError {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}
