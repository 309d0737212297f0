package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies a storage failure for the service layer.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	// KindConflict covers duplicate IDs and failed preconditions such as a stale update time.
	KindConflict
	// KindContention is an aborted transaction, usually two checkouts racing on the same stock
	// document after the retry budget ran out.
	KindContention
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindContention:
		return "contention"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is the repositories.RepositoryError implementation for every Firestore-backed store.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%v (%s)", e.Err, e.Kind)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Kind)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *Error) IsNotFound() bool { return e != nil && e.Kind == KindNotFound }

// IsConflict includes contention: callers see both as "state changed underneath you".
func (e *Error) IsConflict() bool {
	return e != nil && (e.Kind == KindConflict || e.Kind == KindContention)
}

func (e *Error) IsUnavailable() bool { return e != nil && e.Kind == KindUnavailable }

func kindOf(code codes.Code) ErrorKind {
	switch code {
	case codes.NotFound:
		return KindNotFound
	case codes.AlreadyExists, codes.FailedPrecondition, codes.OutOfRange:
		return KindConflict
	case codes.Aborted:
		return KindContention
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return KindUnavailable
	default:
		return KindUnknown
	}
}

// WrapError tags err with op and a kind derived from its gRPC status. Caller cancellation is
// returned as the plain context error so handlers can tell it apart from backend failures.
func WrapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), status.Code(err) == codes.Canceled:
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op == "" {
			existing.Op = op
		}
		return existing
	}
	return &Error{Op: op, Kind: kindOf(status.Code(err)), Err: err}
}

// NotFoundError reports an entity missing from a query result rather than a direct read.
func NotFoundError(op, what string) error {
	return &Error{Op: op, Kind: KindNotFound, Err: fmt.Errorf("%s not found", what)}
}

// ConflictError reports a uniqueness violation detected in application code, e.g. a promotion
// code already taken by another document.
func ConflictError(op, what string) error {
	return &Error{Op: op, Kind: KindConflict, Err: fmt.Errorf("%s already exists", what)}
}
