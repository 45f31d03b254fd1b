package ports

import "errors"

// Sentinel errors shared by stores, services and the CLI. Callers detect
// them with errors.Is; implementations wrap them with context via %w.
var (
	// ErrNotFound: unknown approval, template or step. Not retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict: precondition failed (record not in the expected status,
	// lost compare-and-swap, template in use). Recoverable by re-fetching.
	ErrConflict = errors.New("conflict")

	// ErrDuplicate: the request id already produced an approval.
	ErrDuplicate error = &duplicateError{msg: "already exists"}

	// ErrForbidden: role or ownership mismatch.
	ErrForbidden = errors.New("forbidden")

	// ErrValidation: malformed template, step or input.
	ErrValidation = errors.New("validation failed")

	// ErrDispatchTransient marks connector failures worth retrying.
	ErrDispatchTransient = errors.New("transient dispatch failure")

	// ErrDispatchPermanent marks failures that halt the plan.
	ErrDispatchPermanent = errors.New("permanent dispatch failure")
)

// duplicateError is a Conflict that can still be told apart from other conflicts.
type duplicateError struct{ msg string }

func (e *duplicateError) Error() string      { return e.msg }
func (*duplicateError) Is(target error) bool { return target == ErrConflict }
