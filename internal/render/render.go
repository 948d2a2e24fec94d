// Package render defines the audio output port.
//
// Implementations perform the blocking work (stream fetch, decode,
// device writes) in their own goroutines; the command loop only
// dispatches into the port and consumes its event channel.
package render

import (
	"time"

	"github.com/osa030/playdeck/internal/domain/track"
)

// EventKind discriminates render events.
type EventKind int

const (
	EventStarted  EventKind = iota // Stream loaded, audio output running
	EventComplete                  // Track played to the end
	EventPosition                  // Advisory elapsed-position update
	EventFailed                    // Load or render failed
)

// FailureKind classifies render failures.
type FailureKind int

const (
	FailureUnreachable FailureKind = iota // Stream location could not be fetched
	FailureDecode                         // Stream fetched but not decodable
	FailureDevice                         // Output device failure
)

// Event is an asynchronous emission from the render context. Token
// echoes the value passed to LoadAndStart so consumers can discard
// events from superseded render sessions.
type Event struct {
	Kind     EventKind
	Token    uint64
	Duration time.Duration // Started: total track duration
	Position time.Duration // Position: elapsed since track start
	Failure  FailureKind   // Failed
	Err      error         // Failed
}

// Port is the abstraction over the audio output device.
type Port interface {
	// LoadAndStart begins fetching and rendering the stream. It returns
	// immediately; success and failure are reported on Events carrying
	// the given token. Any previous render session is superseded.
	LoadAndStart(token uint64, loc track.StreamLocation)

	// Pause suspends output, retaining the position. No-op when not playing.
	Pause()

	// Resume continues a paused session. No-op when not paused.
	Resume()

	// Stop releases the device and discards the current session.
	Stop()

	// SetVolume sets the output gain as a percentage in [0,100].
	SetVolume(percent int)

	// Seek moves the play position. Valid only while a session is loaded.
	Seek(offset time.Duration) error

	// Position returns the elapsed time of the current session.
	Position() time.Duration

	// Duration returns the total duration of the current session, or 0
	// if none is loaded.
	Duration() time.Duration

	// Events returns the emission channel. It is closed by Close.
	Events() <-chan Event

	// Close releases the device permanently.
	Close()
}
