package rulecache

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a technology or rule does not exist upstream.
	// It is never retried and surfaces as an omitted result.
	ErrNotFound = errors.New("not found")

	// ErrTransient is returned for network failures, timeouts, rate limiting and
	// intermittent upstream errors. These are retried with backoff.
	ErrTransient = errors.New("transient upstream failure")

	// ErrFatal is returned for credential rejection and invalid configuration.
	// It aborts the current request.
	ErrFatal = errors.New("fatal")
)

// ErrorKind classifies an error within the failure taxonomy.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindTransient ErrorKind = "transient"
	KindFatal     ErrorKind = "fatal"
	KindUnknown   ErrorKind = "unknown"
)

// Classify maps an error onto the failure taxonomy. Context cancellation and
// deadline errors are treated as transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsFatal reports whether err must abort the whole request.
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}
