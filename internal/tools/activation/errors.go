package activation

import (
	"errors"
	"fmt"
)

// ErrorKind is the activation failure taxonomy.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "not_found"
	KindBlockedByPolicy     ErrorKind = "blocked_by_policy"
	KindDependencyMissing   ErrorKind = "dependency_missing"
	KindCyclicDependency    ErrorKind = "cyclic_dependency"
	KindLinkFailure         ErrorKind = "link_failure"
	KindConstructionFailure ErrorKind = "construction_failure"
)

// Retryable reports whether a later attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConstructionFailure, KindLinkFailure:
		return true
	default:
		return false
	}
}

// Error is a categorized activation failure with a remediation hint.
type Error struct {
	Kind      ErrorKind
	Tool      string
	Message   string
	Hint      string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind ErrorKind, tool, message, hint string) *Error {
	return &Error{
		Kind:      kind,
		Tool:      tool,
		Message:   message,
		Hint:      hint,
		Retryable: kind.Retryable(),
	}
}

func (e *Error) withCause(err error) *Error {
	e.Cause = err
	return e
}

// AsError extracts an activation Error from an error chain.
func AsError(err error) (*Error, bool) {
	var actErr *Error
	if errors.As(err, &actErr) {
		return actErr, true
	}
	return nil, false
}

// IsKind reports whether err is an activation error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	actErr, ok := AsError(err)
	return ok && actErr.Kind == kind
}
