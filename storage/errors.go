package storage

import (
	"context"

	"github.com/pkg/errors"
)

// Error classes attached to adapter errors. Test with errors.Is.
var (
	// ErrTransient marks failures worth retrying: lost connections, busy or
	// locked databases, aborted pooler sessions, racing appends.
	ErrTransient = errors.New("transient storage failure")

	// ErrSerialization marks snapshot encode/decode failures. Never retried.
	ErrSerialization = errors.New("snapshot serialization failure")
)

type classifiedError struct {
	class error
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }

func (e *classifiedError) Unwrap() error { return e.err }

func (e *classifiedError) Is(target error) bool { return target == e.class }

// MarkTransient tags err as ErrTransient. Context cancellation is never
// tagged: the caller's deadline wins over retries.
func MarkTransient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &classifiedError{class: ErrTransient, err: err}
}

// IsTransient reports whether err carries ErrTransient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func markSerialization(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ErrSerialization, err: err}
}
