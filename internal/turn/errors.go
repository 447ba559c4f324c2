package turn

import (
	"context"
	"errors"
	"fmt"

	"github.com/zipsaai/zipsa/internal/todo"
	"github.com/zipsaai/zipsa/internal/tool"
)

// ErrorKind labels every failure the orchestration engine can surface. A turn
// never fails with an unlabeled error.
type ErrorKind string

const (
	KindClassification    ErrorKind = "classification_error"
	KindPlanning          ErrorKind = "planning_error"
	KindToolNotFound      ErrorKind = "tool_not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindRetrieval         ErrorKind = "retrieval_failure"
	KindTimeout           ErrorKind = "timeout"
	KindAggregation       ErrorKind = "aggregation_failure"
)

// Error attaches an ErrorKind to an underlying cause.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies an arbitrary error into an ErrorKind. Branch-boundary
// code uses it so sibling branches always report a labeled failure.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	var it todo.InvalidTransitionError
	if errors.As(err, &it) {
		return KindInvalidTransition
	}
	if errors.Is(err, tool.ErrToolNotFound) {
		return KindToolNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindRetrieval
}
