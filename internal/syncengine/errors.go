package syncengine

import (
	"errors"
	"fmt"
)

// ErrStale is returned by Reconcile when its result was discarded because
// a newer reconciliation, a settled mutation or a reset overtook it, or
// because the engine was torn down while it was fetching.
var ErrStale = errors.New("reconcile result is stale")

// ErrWriteSettled is the ErrStale returned when a local mutation settled
// during the fetch. The fetched rows may predate that write, so the caller
// should fetch again.
var ErrWriteSettled = fmt.Errorf("%w: a local write settled during the fetch", ErrStale)

// MutationError reports a rejected or failed mutation.
//
// Validation failures (NOT_FOUND, INVALID_TRANSITION, DIFFERENT_BUSINESS_DAY,
// INVALID_INPUT) leave local state untouched. PERSIST_FAILED is returned
// after the optimistic change was rolled back, or, for Update, left pinned
// until the ledger entry expires.
type MutationError struct {
	// Code identifies the error category.
	Code MutationErrorCode

	// Op is the mutation that failed ("create", "update", ...).
	Op string

	// OrderID identifies the affected order, if known.
	OrderID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// MutationErrorCode categorizes mutation errors.
type MutationErrorCode string

const (
	// ErrCodeNotFound means no order with the id is in either collection.
	ErrCodeNotFound MutationErrorCode = "NOT_FOUND"

	// ErrCodeInvalidTransition means the order's status does not allow it.
	ErrCodeInvalidTransition MutationErrorCode = "INVALID_TRANSITION"

	// ErrCodeDifferentBusinessDay means a completed order from another
	// business day was asked to reopen.
	ErrCodeDifferentBusinessDay MutationErrorCode = "DIFFERENT_BUSINESS_DAY"

	// ErrCodeInvalidInput means the mutation's arguments were rejected.
	ErrCodeInvalidInput MutationErrorCode = "INVALID_INPUT"

	// ErrCodePersistFailed means the backend call failed permanently or
	// ran out of attempts.
	ErrCodePersistFailed MutationErrorCode = "PERSIST_FAILED"
)

// Error implements the error interface.
func (e *MutationError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Code, e.Message)
	if e.OrderID != "" {
		msg = fmt.Sprintf("%s (order=%s)", msg, e.OrderID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *MutationError) Unwrap() error { return e.Err }

func hasCode(err error, code MutationErrorCode) bool {
	var me *MutationError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND mutation error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsInvalidTransition reports whether err is an INVALID_TRANSITION
// mutation error.
func IsInvalidTransition(err error) bool { return hasCode(err, ErrCodeInvalidTransition) }

// IsDifferentBusinessDay reports whether err is a DIFFERENT_BUSINESS_DAY
// mutation error.
func IsDifferentBusinessDay(err error) bool { return hasCode(err, ErrCodeDifferentBusinessDay) }

// IsInvalidInput reports whether err is an INVALID_INPUT mutation error.
func IsInvalidInput(err error) bool { return hasCode(err, ErrCodeInvalidInput) }

// IsPersistFailed reports whether err is a PERSIST_FAILED mutation error.
func IsPersistFailed(err error) bool { return hasCode(err, ErrCodePersistFailed) }

func newNotFound(op, id string) *MutationError {
	return &MutationError{Code: ErrCodeNotFound, Op: op, OrderID: id, Message: "no such order"}
}

func newInvalidTransition(op, id string, from string) *MutationError {
	return &MutationError{
		Code:    ErrCodeInvalidTransition,
		Op:      op,
		OrderID: id,
		Message: fmt.Sprintf("not allowed from %s", from),
	}
}

func newInvalidInput(op, id string, err error) *MutationError {
	return &MutationError{Code: ErrCodeInvalidInput, Op: op, OrderID: id, Message: "invalid input", Err: err}
}

func newPersistFailed(op, id string, err error) *MutationError {
	return &MutationError{Code: ErrCodePersistFailed, Op: op, OrderID: id, Message: "backend rejected the change", Err: err}
}
