// Package command provides the single serialization point for
// controller commands and render events.
package command

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/playdeck/internal/app/queue"
	"github.com/osa030/playdeck/internal/app/transport"
	"github.com/osa030/playdeck/internal/domain/track"
)

// ErrInvalidCommand is returned for unknown or malformed commands.
// State is never affected by a rejected command.
var ErrInvalidCommand = errors.New("invalid command")

// Type identifies a controller command.
type Type string

// Controller command types.
const (
	TypePlay                  Type = "play"
	TypePause                 Type = "pause"
	TypeResume                Type = "resume"
	TypeStop                  Type = "stop"
	TypeNext                  Type = "next"
	TypePrevious              Type = "previous"
	TypeSeek                  Type = "seek"
	TypeRestart               Type = "restart"
	TypeSetVolume             Type = "set_volume"
	TypeChangeVolume          Type = "change_volume"
	TypeToggleMute            Type = "toggle_mute"
	TypeToggleShuffle         Type = "toggle_shuffle"
	TypeToggleRepeat          Type = "toggle_repeat"
	TypeQueueReplace          Type = "queue_replace"
	TypeQueueAppend           Type = "queue_append"
	TypeQueueInsert           Type = "queue_insert"
	TypeQueueRemove           Type = "queue_remove"
	TypeQueueReorder          Type = "queue_reorder"
	TypeQueueClearKeepCurrent Type = "queue_clear_keep_current"
	TypeQueueClearAll         Type = "queue_clear_all"
	TypeQueueJump             Type = "queue_jump"
	TypeBrowse                Type = "browse"
	TypeGetState              Type = "get_state"
)

// Command is one controller command. Fields beyond Type are
// interpreted per command type.
type Command struct {
	Type   Type     `json:"type"`
	Slot   uint64   `json:"slot,omitempty"`    // play, queue_remove, queue_reorder, queue_jump
	Index  int      `json:"index,omitempty"`   // queue_reorder target index
	SeekMs int64    `json:"seek_ms,omitempty"` // seek position in milliseconds
	Volume int      `json:"volume,omitempty"`  // set_volume, 0..100
	Delta  int      `json:"delta,omitempty"`   // change_volume
	URIs   []string `json:"uris,omitempty"`    // queue mutations: track URIs or container paths
	Path   string   `json:"path,omitempty"`    // browse
}

// Snapshot is the full observable state broadcast after every applied
// command or render-origin event.
type Snapshot struct {
	State      transport.State
	Queue      []queue.Entry
	CursorSlot uint64
}

// Result is the synchronous reply to a submitted command.
type Result struct {
	Snapshot *Snapshot
	Node     *track.LibraryNode // browse only
}

// EventKind discriminates broadcast events.
type EventKind int

const (
	EventSnapshot EventKind = iota // Full state snapshot
	EventPosition                  // Advisory position update
	EventError                     // Terminal playback error
)

// Event is a broadcast emission to subscribed controllers.
type Event struct {
	Kind     EventKind
	Snapshot *Snapshot
	Position time.Duration
	Duration time.Duration
	Err      *transport.PlaybackError
}
