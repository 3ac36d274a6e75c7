// Package derrors defines the coded domain errors surfaced to callers.
//
// The taxonomy follows three classes:
//   - validation errors: rejected synchronously, never partially applied
//   - conflict errors: surfaced for retry-with-fresh-state, never merged
//   - invariant violations: programmer-error conditions, logged loudly and
//     aborted, since they indicate a bug in the engine's own accounting
//
// External-dependency failures are not domain errors; they are retried with
// backoff by the caller and escalated to reconciliation when exhausted.
package derrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error for transport mapping and retry decisions.
type Code string

const (
	// Validation.
	CodeBadRequest                       Code = "bad_request"
	CodeInsufficientEvidence             Code = "insufficient_evidence"
	CodeIllegalTransition                Code = "illegal_transition"
	CodeMilestoneNotAwaitingVerification Code = "milestone_not_awaiting_verification"
	CodeRefundExceedsContribution        Code = "refund_exceeds_contribution"
	CodeFundsNotHeld                     Code = "funds_not_held"

	// Conflict.
	CodeDuplicateContribution Code = "duplicate_contribution"
	CodeAlreadyRatified       Code = "already_ratified"
	CodeConflict              Code = "conflict"

	// Authorization.
	CodeForbidden Code = "forbidden"

	// Lookup.
	CodeNotFound Code = "not_found"

	// Invariant violation. Indicates a bug, not a runtime condition.
	CodeInsufficientHeldFunds Code = "insufficient_held_funds"

	CodeInternal Code = "internal"
)

// Error carries a code plus a human-readable message. It wraps an optional
// cause so errors.Is/As keep working through the domain layer.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a code to its HTTP status. The transport layer owns the
// only call site; services never reason about HTTP.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInsufficientEvidence, CodeIllegalTransition,
		CodeMilestoneNotAwaitingVerification, CodeRefundExceedsContribution,
		CodeFundsNotHeld:
		return http.StatusBadRequest
	case CodeDuplicateContribution, CodeAlreadyRatified, CodeConflict:
		return http.StatusConflict
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
