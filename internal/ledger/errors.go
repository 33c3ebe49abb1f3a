package ledger

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure that reaches a caller as a notification carries
// one of these through *Error.
var (
	ErrPayloadParse       = errors.New("payload parse error")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrEncoding           = errors.New("encoding error")
	ErrKeyNotFound        = errors.New("key not found")
)

var (
	ErrWriterBusy       = errors.New("a transaction is already open on this table")
	ErrTxnClosed        = errors.New("transaction is no longer open")
	ErrInvalidTableName = errors.New("invalid table name")
)

// Error is a failure with a human-readable message meant to be notified as-is.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error of the given kind with a formatted message.
func NewError(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindName returns a short label for the kind of err, or "internal" when it
// has none.
func KindName(err error) string {
	switch {
	case errors.Is(err, ErrPayloadParse):
		return "payload_parse"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrEncoding):
		return "encoding"
	case errors.Is(err, ErrKeyNotFound):
		return "not_found"
	case errors.Is(err, ErrWriterBusy):
		return "writer_busy"
	default:
		return "internal"
	}
}

func storageError(cause error, format string, args ...any) *Error {
	return NewError(ErrStorageUnavailable, cause, format, args...)
}
