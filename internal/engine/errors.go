package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors. Every rejected command carries a specific
// kind plus the offending field or guard, never a generic failure.
type Kind int

const (
	// KindValidation: bad input shape or values. Never retried.
	KindValidation Kind = iota + 1
	// KindGuard: a state, cap, or deadline guard failed. The caller must
	// change the request; the engine never retries.
	KindGuard
	// KindConflict: the command carried a stale task version. The caller
	// should refetch and resubmit.
	KindConflict
	// KindNotFound: the referenced entity does not exist.
	KindNotFound
	// KindExternal: the ledger or content host failed. Engine-side state was
	// not committed, or was compensated. Retryable by the caller.
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindGuard:
		return "guard_violation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindExternal:
		return "external_dependency"
	}
	return "unknown"
}

// Error codes identifying the failed check.
const (
	CodeInvalidDeadline      = "invalid_deadline"
	CodeInvalidReward        = "invalid_reward"
	CodeInvalidField         = "invalid_field"
	CodeInvalidState         = "invalid_state"
	CodeDeadlineExpired      = "deadline_expired"
	CodeSlotCap              = "slot_cap"
	CodeDuplicateApplication = "duplicate_application"
	CodeNotTaskCreator       = "not_task_creator"
	CodeNotTaskSolver        = "not_task_solver"
	CodeConflict             = "conflict"
	CodeNotFound             = "not_found"
	CodeInsufficientBalance  = "insufficient_balance"
	CodeLedgerFailure        = "ledger_failure"
)

// Error is the engine's domain error type.
type Error struct {
	Kind  Kind
	Code  string
	Field string // offending field or guard
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Kind, e.Code, e.Field, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is lets callers match on a prototype by kind and code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind && (other.Code == "" || e.Code == other.Code)
}

// AsError extracts an *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsKind reports whether err is an engine error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

func validationErr(code, field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func guardErr(code, field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindGuard, Code: code, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func conflictErr(taskID string) *Error {
	return &Error{Kind: KindConflict, Code: CodeConflict, Field: "version",
		Msg: fmt.Sprintf("task %s was modified concurrently, refetch and resubmit", taskID)}
}

func notFoundErr(field, id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Field: field, Msg: fmt.Sprintf("%s %s not found", field, id)}
}

func externalErr(code string, cause error) *Error {
	return &Error{Kind: KindExternal, Code: code, Msg: cause.Error(), cause: cause}
}
