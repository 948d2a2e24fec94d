// Package transport provides the playback transport state machine.
package transport

import "time"

// Status represents the transport status.
type Status int

const (
	StatusStopped Status = iota // No active render session
	StatusPlaying               // Render port actively outputting the cursor's track
	StatusPaused                // Render session suspended, position retained
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// State is a snapshot of the transport state. It is owned by the
// machine and mutated only in response to commands and render events.
type State struct {
	Status   Status
	Volume   int // 0..100
	Muted    bool
	Shuffle  bool
	Repeat   bool
	Position time.Duration // Elapsed since track start (advisory)
	Duration time.Duration // Current track duration, 0 when unknown
}
