// Package errors provides error handling for the traffic engine.
//
// This package re-exports github.com/cockroachdb/errors and defines the
// engine's error taxonomy. Errors built with the constructors below carry a
// mark for their class, so errors.Is keeps working through any amount of
// wrapping:
//
//	err := errors.Validationf("sub-volume %d: empty window", i)
//	errors.Is(errors.Wrap(err, "declare"), errors.ErrValidation) // true
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	FlattenHints  = crdb.FlattenHints
	GetAllDetails = crdb.GetAllDetails
)

// Error classes. Match with errors.Is.
var (
	// ErrValidation marks malformed input rejected at the boundary. Never retried.
	ErrValidation = New("validation failed")

	// ErrMalformedRecord marks a raw track record missing identity, timestamp or position.
	ErrMalformedRecord = New("malformed record")

	// ErrStaleRecord marks late or duplicate track data. Dropped and counted.
	ErrStaleRecord = New("stale record")

	// ErrRemoteUnavailable marks a transient failure of the remote directory.
	ErrRemoteUnavailable = New("remote service unavailable")

	// ErrRemoteConflict marks a rejection by the remote directory because
	// another operator's volume overlaps. Terminal for the volume.
	ErrRemoteConflict = New("remote conflict")

	// ErrGeometry marks a volume whose geometry cannot be evaluated.
	ErrGeometry = New("geometry error")

	// ErrNotFound indicates the requested volume or flight does not exist.
	ErrNotFound = New("not found")

	// ErrInvalidTransition indicates a lifecycle transition the state machine forbids.
	ErrInvalidTransition = New("invalid state transition")

	// ErrVersionConflict indicates an optimistic write lost against a newer version.
	ErrVersionConflict = New("version conflict")
)

// Validationf returns a new error marked as ErrValidation.
func Validationf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrValidation)
}

// Malformedf returns a new error marked as ErrMalformedRecord.
func Malformedf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrMalformedRecord)
}

// Stalef returns a new error marked as ErrStaleRecord.
func Stalef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrStaleRecord)
}

// Geometryf returns a new error marked as ErrGeometry.
func Geometryf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrGeometry)
}

// NotFoundf returns a new error marked as ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// InvalidTransitionf returns a new error marked as ErrInvalidTransition.
func InvalidTransitionf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidTransition)
}

// VersionConflictf returns a new error marked as ErrVersionConflict.
func VersionConflictf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrVersionConflict)
}

// Unavailable wraps err and marks it as ErrRemoteUnavailable.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, "remote unavailable"), ErrRemoteUnavailable)
}

// ConflictError is returned by the remote directory when a volume overlaps
// volumes owned by other operators.
type ConflictError struct {
	ConflictingVolumeIDs []string
	Reason               string
}

// NewConflict builds a ConflictError for the given conflicting volumes.
func NewConflict(reason string, conflicting ...string) error {
	return WithStack(&ConflictError{ConflictingVolumeIDs: conflicting, Reason: reason})
}

func (e *ConflictError) Error() string {
	msg := "remote conflict"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.ConflictingVolumeIDs) > 0 {
		msg += " (conflicts with " + strings.Join(e.ConflictingVolumeIDs, ", ") + ")"
	}
	return msg
}

// Is reports ConflictError as a member of the ErrRemoteConflict class.
func (e *ConflictError) Is(target error) bool {
	return target == ErrRemoteConflict
}

// ConflictingVolumes extracts the conflicting volume identities from err, if any.
func ConflictingVolumes(err error) []string {
	var ce *ConflictError
	if As(err, &ce) {
		return ce.ConflictingVolumeIDs
	}
	return nil
}

// IsRetryable reports whether err is transient and worth retrying.
func IsRetryable(err error) bool {
	return err != nil && Is(err, ErrRemoteUnavailable) && !Is(err, ErrRemoteConflict)
}
