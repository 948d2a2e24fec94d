package transport

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/provider"
)

// Errors returned synchronously from machine operations.
var (
	ErrQueueEmpty = errors.New("queue is empty")
	ErrNotActive  = errors.New("no active track")
)

// ErrorKind classifies playback-path failures.
type ErrorKind int

const (
	KindUnresolvable  ErrorKind = iota // Provider could not resolve the track
	KindUnreachable                    // Stream location could not be fetched
	KindDecodeFailure                  // Stream fetched but not decodable
	KindDeviceFailure                  // Output device failure
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnresolvable:
		return "unresolvable"
	case KindUnreachable:
		return "unreachable"
	case KindDecodeFailure:
		return "decode_failure"
	case KindDeviceFailure:
		return "device_failure"
	default:
		return "unknown"
	}
}

// PlaybackError describes why a playback attempt failed. It is emitted
// as a terminal event once the bounded auto-skip policy is exhausted,
// and immediately for device failures.
type PlaybackError struct {
	Kind  ErrorKind
	Track track.Ref
	Err   error
}

// Error implements the error interface.
func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback failed (%s): track=%s: %v", e.Kind, e.Track.URI(), e.Err)
}

// Unwrap returns the underlying cause.
func (e *PlaybackError) Unwrap() error {
	return e.Err
}

// kindFromProviderError maps provider error kinds onto the playback
// error taxonomy at the boundary.
func kindFromProviderError(err error) ErrorKind {
	switch {
	case errors.Is(err, provider.ErrUnavailable), errors.Is(err, provider.ErrRateLimited):
		return KindUnreachable
	default:
		return KindUnresolvable
	}
}
