// Package errs classifies validator errors into the kinds spec.md §7
// enumerates, so callers can decide propagation (component-local retry,
// invalid-artifact recording, scope abort, or fatal termination) by kind
// rather than by string-matching error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind names one of spec.md §7's error categories.
type Kind int

const (
	// Validation covers signature mismatch, duplicate batch/txn, missing
	// dependency, declared-address violation, on-chain rule violation,
	// consensus verify failure, and state-root mismatch. Surfaced as an
	// invalid block/transaction; never crashes the validator.
	Validation Kind = iota
	// Processor covers INVALID_TRANSACTION (treated like Validation),
	// INTERNAL_ERROR (retry once, then invalid), and processor timeout.
	Processor
	// Authorization covers context-operation and peer-handshake
	// violations; the offending scope is closed or aborted.
	Authorization
	// Network covers transient failures — peer disconnect, ping timeout —
	// that trigger unpeer and rediscovery rather than any escalation.
	Network
	// Fatal covers corrupt block store, a missing Merkle node along a
	// live chain, a detected dual-chain-head commit race, or genesis
	// failure. The process terminates with nonzero status.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Processor:
		return "processor"
	case Authorization:
		return "authorization"
	case Network:
		return "network"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with the Kind that determines how the
// enclosing pipeline stage should propagate it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as the given Kind, tagged with the operation that produced
// it (e.g. "block_validator.validateOne").
func New(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is an *Error of the given Kind, unwrapping once.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		e, ok = errors.Unwrap(err).(*Error)
	}
	return ok && e.Kind == kind
}

// Retryable reports whether kind should be retried component-locally before
// escalating, per spec.md §7's "component-local recovery first (retry for
// transient)".
func Retryable(kind Kind) bool {
	return kind == Processor || kind == Network
}

// IsFatal reports whether kind bypasses recovery and should terminate the
// process with nonzero status.
func IsFatal(kind Kind) bool {
	return kind == Fatal
}
