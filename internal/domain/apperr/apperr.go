// Package apperr defines the structured errors returned to callers of the core.
//
// Every error carries a stable Code, a human-readable Message, the detail
// needed to decide whether to resubmit (current state, attempted event, ...)
// and an explicit Retryable flag. Errors are JSON-serialisable so the
// idempotency ledger can store a failure and replay it verbatim.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies a class of failure
type Code string

const (
	CodeIllegalTransition      Code = "ILLEGAL_TRANSITION"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeIdempotencyKeyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeLedgerInProgress       Code = "LEDGER_IN_PROGRESS"
	CodePersistenceUnavailable Code = "PERSISTENCE_UNAVAILABLE"
	CodeLeaseLost              Code = "LEASE_LOST"
	CodeNotFound               Code = "NOT_FOUND"
	CodeAlreadyExists          Code = "ALREADY_EXISTS"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeRateLimited            Code = "RATE_LIMITED"
)

var retryableCodes = map[Code]bool{
	CodeConcurrentModification: true,
	CodeLedgerInProgress:       true,
	CodePersistenceUnavailable: true,
	CodeRateLimited:            true,
}

// Retryable reports whether callers may resubmit the same request unchanged
func (c Code) Retryable() bool {
	return retryableCodes[c]
}

// Error is a structured, caller-facing failure
type Error struct {
	Code      Code              `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`

	cause    error
	replayed bool
}

// Sentinels for errors.Is matching by code
var (
	ErrIllegalTransition      = &Error{Code: CodeIllegalTransition}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification}
	ErrIdempotencyKeyConflict = &Error{Code: CodeIdempotencyKeyConflict}
	ErrLedgerInProgress       = &Error{Code: CodeLedgerInProgress}
	ErrPersistenceUnavailable = &Error{Code: CodePersistenceUnavailable}
	ErrLeaseLost              = &Error{Code: CodeLeaseLost}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrAlreadyExists          = &Error{Code: CodeAlreadyExists}
	ErrInvalidRequest         = &Error{Code: CodeInvalidRequest}
)

// New creates an error whose retryability follows its code
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Retryable: code.Retryable(),
	}
}

// Wrap creates an error that keeps cause in its unwrap chain
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	e := New(code, format, args...)
	e.cause = cause
	return e
}

// Error implements error
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// With returns a copy of e carrying an extra detail
func (e *Error) With(key, value string) *Error {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// AsReplay returns a copy of e marked as served from a stored outcome.
// The mark is not serialised.
func (e *Error) AsReplay() *Error {
	cp := *e
	cp.replayed = true
	return &cp
}

// IsReplayed reports whether err was replayed from a stored outcome
func IsReplayed(err error) bool {
	if e, ok := As(err); ok {
		return e.replayed
	}
	return false
}

// Detail returns a detail value or ""
func (e *Error) Detail(key string) string {
	return e.Details[key]
}

// As extracts an *Error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's code, or "" for unstructured errors
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err is explicitly marked retryable
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// From normalises any error into an *Error. Unstructured errors become
// PERSISTENCE_UNAVAILABLE, the only class of failure the core does not classify itself.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(CodePersistenceUnavailable, err, "collaborator failure")
}
