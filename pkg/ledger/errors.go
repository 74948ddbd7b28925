package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// RevertKind classifies a reverted transaction into something the caller
// can act on without string-matching the node's error message itself.
type RevertKind int

const (
	RevertUnknown RevertKind = iota
	RevertInsufficientFunds
	RevertPrecondition
	RevertOutOfGas
)

var revertKindNames = map[RevertKind]string{
	RevertUnknown:           "Unknown",
	RevertInsufficientFunds: "InsufficientFunds",
	RevertPrecondition:      "Precondition",
	RevertOutOfGas:          "OutOfGas",
}

func (k RevertKind) String() string {
	if name, ok := revertKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", int(k))
}

// ErrReverted is returned by submission paths when a transaction reverted
// on-chain and the caller asked for an error rather than a Confirmation.
type ErrReverted struct {
	Kind   RevertKind
	Reason string
}

func (e ErrReverted) Error() string {
	return fmt.Sprintf("transaction reverted (%s): %s", e.Kind, e.Reason)
}

// ErrPrecondition marks failures of read-verify-then-write prechecks, such
// as submitting against stale chain state or an underfunded escrow. Never
// retried blindly.
type ErrPrecondition struct {
	Op     string
	Reason string
}

func (e ErrPrecondition) Error() string {
	return fmt.Sprintf("precondition failed for %s: %s", e.Op, e.Reason)
}

func NewErrPrecondition(op, format string, args ...interface{}) ErrPrecondition {
	return ErrPrecondition{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// ErrContractNotFound indicates a call against a contract name missing from
// the registry. This is a configuration bug, fatal and never retried.
type ErrContractNotFound struct {
	Name string
}

func (e ErrContractNotFound) Error() string {
	return fmt.Sprintf("contract %s not found in registry", e.Name)
}

// ErrDecode marks ABI packing/unpacking failures. These are fatal for the
// call and surfaced immediately without retry.
type ErrDecode struct {
	Op  string
	Err error
}

func (e ErrDecode) Error() string {
	return fmt.Sprintf("decode error in %s: %s", e.Op, e.Err)
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an RPC error is worth retrying with backoff:
// connection trouble and timeouts are; everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.As(err, &ErrDecode{}) || errors.As(err, &ErrContractNotFound{}) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"EOF",
		"too many requests",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// revert reason keywords, matched lowercased. The contracts use require
// messages; the exact text is protocol-defined so a keyword match is the
// best a client can do without the full error selector table.
var (
	fundsKeywords = []string{
		"insufficient funds",
		"insufficient balance",
		"insufficient stake",
		"transfer amount exceeds balance",
		"insufficient allowance",
		"exceeds allowance",
	}
	preconditionKeywords = []string{
		"not whitelisted",
		"already registered",
		"already submitted",
		"already revealed",
		"already assigned",
		"already confirmed",
		"already started",
		"wrong phase",
		"invalid phase",
		"invalid state",
		"wrong epoch",
		"not assigned",
		"not the assigned node",
		"nothing to process",
	}
)

// ClassifyRevert maps a revert reason string (possibly empty) and a
// gas-exhaustion hint into a RevertKind.
func ClassifyRevert(reason string, outOfGas bool) RevertKind {
	if outOfGas {
		return RevertOutOfGas
	}
	lowered := strings.ToLower(reason)
	for _, kw := range fundsKeywords {
		if strings.Contains(lowered, kw) {
			return RevertInsufficientFunds
		}
	}
	for _, kw := range preconditionKeywords {
		if strings.Contains(lowered, kw) {
			return RevertPrecondition
		}
	}
	return RevertUnknown
}
