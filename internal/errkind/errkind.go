// Package errkind names the core's error taxonomy (spec §7) in spec
// vocabulary while classifying every error through containerd/errdefs'
// sentinel errors, so callers across package boundaries can still do
// errdefs.IsInvalidArgument(err) instead of matching on a bespoke type.
package errkind

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// InputArgument wraps a malformed or missing required field.
func InputArgument(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(errdefs.ErrInvalidArgument))...)
}

// InputArgumentNull wraps a missing required field.
func InputArgumentNull(field string) error {
	return fmt.Errorf("%s: required field is absent: %w", field, errdefs.ErrInvalidArgument)
}

// InputArgumentOutOfRange wraps an enum/integer out of the accepted range,
// or an address that names no known addressee.
func InputArgumentOutOfRange(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(errdefs.ErrInvalidArgument))...)
}

// Init wraps a one-time initialization failure (TLS, timer, queue construction).
func Init(format string, args ...any) error {
	return fmt.Errorf("init: "+format+": %w", append(args, error(errdefs.ErrInternal))...)
}

// Thread wraps a failure to start a worker.
func Thread(format string, args ...any) error {
	return fmt.Errorf("thread: "+format+": %w", append(args, error(errdefs.ErrInternal))...)
}

// Timeout wraps an expired wait.
func Timeout(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(errdefs.ErrDeadlineExceeded))...)
}

// Closed wraps an operation attempted against a closed queue/connection.
func Closed(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(errdefs.ErrUnavailable))...)
}

// NoChange wraps an operation that was a no-op: already in the desired
// state, or the peer/target is unknown.
func NoChange(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(errdefs.ErrFailedPrecondition))...)
}

// NotImplemented wraps an unsupported command classifier or function type.
func NotImplemented(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, error(errdefs.ErrNotImplemented))...)
}

// IsTimeout reports whether err is (or wraps) a Timeout.
func IsTimeout(err error) bool { return errdefs.IsDeadlineExceeded(err) }

// IsClosed reports whether err is (or wraps) a Closed.
func IsClosed(err error) bool { return errdefs.IsUnavailable(err) }

// IsNoChange reports whether err is (or wraps) a NoChange.
func IsNoChange(err error) bool { return errdefs.IsFailedPrecondition(err) }

// IsNotImplemented reports whether err is (or wraps) a NotImplemented.
func IsNotImplemented(err error) bool { return errdefs.IsNotImplemented(err) }

// IsInputArgument reports whether err is (or wraps) an InputArgument* kind.
func IsInputArgument(err error) bool { return errdefs.IsInvalidArgument(err) }
