package helpers

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// -----------------------------------------------------------------------------
// Error taxonomy
// -----------------------------------------------------------------------------

type ErrorKind string

const (
	KindTransport ErrorKind = "transport"
	KindDecode    ErrorKind = "decode"
	KindOrdering  ErrorKind = "ordering"
	KindFetch     ErrorKind = "fetch"
	KindLifecycle ErrorKind = "lifecycle"
	KindConfig    ErrorKind = "config"
	KindStorage   ErrorKind = "storage"
)

// SyncError is the error type shared by every package of the engine.
type SyncError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

var (
	ErrUnknownChart    = &SyncError{Kind: KindLifecycle, Message: "unknown chart"}
	ErrStoreReleased   = &SyncError{Kind: KindLifecycle, Message: "store released"}
	ErrStaleGeneration = &SyncError{Kind: KindLifecycle, Message: "stale store generation"}
	ErrOutOfOrder      = &SyncError{Kind: KindOrdering, Message: "point older than last buffered point"}
)

// -----------------------------------------------------------------------------

// NewError builds a SyncError. The cause, when present, gets a stack trace.
func NewError(kind ErrorKind, cause error, format string, args ...interface{}) *SyncError {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &SyncError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// -----------------------------------------------------------------------------

// Wrap annotates a sentinel (or any error) with context while keeping it
// reachable through errors.Is.
func Wrap(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// -----------------------------------------------------------------------------

// KindOf returns the kind of the first SyncError in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return ""
}
