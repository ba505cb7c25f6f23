// Package svcerr contains the error taxonomy shared by the bundle and secret managers.
//
// Every operation exposed to callers returns either a value or an *Error. Callers branch
// on the Category with Is; the Message is safe to return to the user, the wrapped Err is
// for logs only.
package svcerr

import (
	"errors"
	"strings"
)

type Category int

const (
	CategoryInternal Category = iota
	// CategoryValidation malformed input, detected before any external call
	CategoryValidation
	// CategoryNotFound unknown bundle, order or secret id
	CategoryNotFound
	// CategoryUnauthorized caller is not the owner of the resource
	CategoryUnauthorized
	// CategoryRelay simulate/send failure, network error or timeout talking to the relay or chain
	CategoryRelay
	// CategoryAggregator quote, order, escrow or secret API failure
	CategoryAggregator
	// CategoryEscrowNotReady the escrow is not funded yet, the caller may poll again
	CategoryEscrowNotReady
	// CategoryTimeout the escrow wait budget was exceeded
	CategoryTimeout
	// CategoryConflict the operation would duplicate an in-flight or completed one
	CategoryConflict
)

func (c Category) String() string {
	switch c {
	case CategoryValidation:
		return "ValidationError"
	case CategoryNotFound:
		return "NotFoundError"
	case CategoryUnauthorized:
		return "UnauthorizedError"
	case CategoryRelay:
		return "RelayError"
	case CategoryAggregator:
		return "AggregatorError"
	case CategoryEscrowNotReady:
		return "EscrowNotReadyError"
	case CategoryTimeout:
		return "TimeoutError"
	case CategoryConflict:
		return "ConflictError"
	default:
		return "InternalError"
	}
}

type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks that err is an *Error of the given category
func Is(err error, cat Category) bool {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Category == cat
	}
	return false
}

// CategoryOf returns the category of err, CategoryInternal for foreign errors
func CategoryOf(err error) Category {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Category
	}
	return CategoryInternal
}

func newError(cat Category, err error, message string) *Error {
	if err == nil {
		err = errors.New(message)
	}
	return &Error{Category: cat, Message: message, Err: err}
}

func Validation(message string) error {
	return newError(CategoryValidation, nil, message)
}

// ValidationList joins every violation into a single message so the caller sees all of them at once
func ValidationList(violations []string) error {
	return newError(CategoryValidation, nil, "Validation failed: "+strings.Join(violations, "; "))
}

func NotFound(message string) error {
	return newError(CategoryNotFound, nil, message)
}

func Unauthorized(message string) error {
	return newError(CategoryUnauthorized, nil, message)
}

func Relay(err error, message string) error {
	return newError(CategoryRelay, err, message)
}

func Aggregator(err error, message string) error {
	return newError(CategoryAggregator, err, message)
}

func EscrowNotReady(message string) error {
	return newError(CategoryEscrowNotReady, nil, message)
}

func Timeout(err error, message string) error {
	return newError(CategoryTimeout, err, message)
}

func Conflict(message string) error {
	return newError(CategoryConflict, nil, message)
}

// Internal hides the cause from the caller, it is expected to be logged
func Internal(err error) error {
	return newError(CategoryInternal, err, "internal service error")
}

// ErrorCode is the JSON-RPC error code of the category
func (e *Error) ErrorCode() int {
	switch e.Category {
	case CategoryValidation:
		return -32602
	case CategoryNotFound:
		return -32001
	case CategoryUnauthorized:
		return -32003
	case CategoryConflict:
		return -32009
	case CategoryRelay:
		return -32010
	case CategoryAggregator:
		return -32011
	case CategoryEscrowNotReady:
		return -32012
	case CategoryTimeout:
		return -32013
	default:
		return -32603
	}
}
