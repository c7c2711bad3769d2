package types

import (
	"fmt"
	"strings"
)

type TransactionStatus string

const (
	StatusCreated   TransactionStatus = "created"
	StatusSigned    TransactionStatus = "signed"
	StatusSubmitted TransactionStatus = "submitted"
	StatusAborted   TransactionStatus = "aborted"
)

// AllStatuses lists every status; the transition table is checked against it.
var AllStatuses = []TransactionStatus{StatusCreated, StatusSigned, StatusSubmitted, StatusAborted}

func (s TransactionStatus) IsValid() bool {
	switch s {
	case StatusCreated, StatusSigned, StatusSubmitted, StatusAborted:
		return true
	}
	return false
}

// ParseTransactionStatus matches s case-insensitively and rejects anything outside
// the closed set.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	status := TransactionStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", NewInvalidRequest(fmt.Errorf("invalid status %q", s))
	}
	return status, nil
}

type TransitionAction int

const (
	ActionSign TransitionAction = iota + 1
	ActionSubmit
	ActionAbort
)

func (a TransitionAction) String() string {
	switch a {
	case ActionSign:
		return "sign"
	case ActionSubmit:
		return "submit"
	case ActionAbort:
		return "abort"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type transition struct {
	from TransactionStatus
	to   TransactionStatus
}

// Only the pairs listed here are legal. Anything else is rejected.
var transitions = map[transition]TransitionAction{
	{StatusCreated, StatusSigned}:   ActionSign,
	{StatusSigned, StatusSubmitted}: ActionSubmit,
	{StatusSigned, StatusAborted}:   ActionAbort,
}

// ResolveTransition returns the action that moves a record from one status to another,
// or an IllegalTransition error.
func ResolveTransition(from, to TransactionStatus) (TransitionAction, error) {
	if !to.IsValid() {
		return 0, NewIllegalTransition(fmt.Sprintf("invalid status %s", to))
	}
	if !from.IsValid() {
		return 0, NewIllegalTransition(fmt.Sprintf("invalid current status %s", from))
	}
	if action, ok := transitions[transition{from, to}]; ok {
		return action, nil
	}
	switch {
	case from == StatusSigned && to == StatusSigned:
		return 0, NewIllegalTransition("transaction already signed")
	case from == StatusCreated && to == StatusSubmitted:
		return 0, NewIllegalTransition(fmt.Sprintf("transaction must be signed first: current status %s", from))
	}
	return 0, NewIllegalTransition(fmt.Sprintf("illegal transition from %s to %s", from, to))
}

// ParseStatusFilter parses a comma separated status list. Empty input means no filter.
func ParseStatusFilter(s string) ([]TransactionStatus, error) {
	var out []TransactionStatus
	seen := make(map[TransactionStatus]bool)
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		status, err := ParseTransactionStatus(part)
		if err != nil {
			return nil, err
		}
		if !seen[status] {
			seen[status] = true
			out = append(out, status)
		}
	}
	return out, nil
}
