// Package ws exposes the command processor to controllers over a
// websocket, and provides the matching client used by the CLI.
package ws

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/playdeck/internal/app/command"
	"github.com/osa030/playdeck/internal/app/transport"
	"github.com/osa030/playdeck/internal/domain/track"
)

// MessageType discriminates wire messages.
type MessageType string

const (
	// MessageCommand is inbound: a controller command, payload is a
	// command.Command. ID, when set, is echoed on the result.
	MessageCommand MessageType = "command"
	// MessageResult is the reply to one command.
	MessageResult MessageType = "result"
	// MessageSnapshot is a broadcast full-state snapshot.
	MessageSnapshot MessageType = "snapshot"
	// MessagePosition is a broadcast advisory position update.
	MessagePosition MessageType = "position"
	// MessageError is a broadcast terminal playback error.
	MessageError MessageType = "error"
)

// Message is the wire envelope.
type Message struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload any         `json:"payload,omitempty"`
}

// receivedMessage defers payload decoding until the type is known.
type receivedMessage struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ResultPayload is the payload of a MessageResult. Exactly one of
// Error or the success fields is populated.
type ResultPayload struct {
	Error    string           `json:"error,omitempty"`
	Snapshot *SnapshotPayload `json:"snapshot,omitempty"`
	Node     *NodePayload     `json:"node,omitempty"` // browse only
}

// StatePayload is the wire form of the transport state.
type StatePayload struct {
	Status     string `json:"status"`
	Volume     int    `json:"volume"`
	Muted      bool   `json:"muted"`
	Shuffle    bool   `json:"shuffle"`
	Repeat     bool   `json:"repeat"`
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
}

// TrackPayload is the wire form of track metadata.
type TrackPayload struct {
	URI        string   `json:"uri"`
	Title      string   `json:"title"`
	Artists    []string `json:"artists,omitempty"`
	Album      string   `json:"album,omitempty"`
	ArtworkURL string   `json:"artwork_url,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// QueueEntryPayload is one queue slot on the wire.
type QueueEntryPayload struct {
	Slot  uint64       `json:"slot"`
	Track TrackPayload `json:"track"`
}

// SnapshotPayload is the wire form of a full state snapshot.
type SnapshotPayload struct {
	State      StatePayload        `json:"state"`
	Queue      []QueueEntryPayload `json:"queue"`
	CursorSlot uint64              `json:"cursor_slot,omitempty"`
}

// PositionPayload is the wire form of an advisory position update.
type PositionPayload struct {
	PositionMs int64 `json:"position_ms"`
	DurationMs int64 `json:"duration_ms"`
}

// ErrorPayload is the wire form of a terminal playback error.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Track   string `json:"track,omitempty"`
	Message string `json:"message"`
}

// NodePayload is the wire form of a library node.
type NodePayload struct {
	Path     string        `json:"path"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"` // "container" or "track"
	Track    *TrackPayload `json:"track,omitempty"`
	Children []NodePayload `json:"children,omitempty"`
}

func convertState(s transport.State) StatePayload {
	return StatePayload{
		Status:     s.Status.String(),
		Volume:     s.Volume,
		Muted:      s.Muted,
		Shuffle:    s.Shuffle,
		Repeat:     s.Repeat,
		PositionMs: s.Position.Milliseconds(),
		DurationMs: s.Duration.Milliseconds(),
	}
}

func convertTrack(t track.Metadata) TrackPayload {
	return TrackPayload{
		URI:        t.Ref.URI(),
		Title:      t.Title,
		Artists:    t.Artists,
		Album:      t.Album,
		ArtworkURL: t.ArtworkURL,
		DurationMs: t.Duration.Milliseconds(),
	}
}

func convertSnapshot(s *command.Snapshot) *SnapshotPayload {
	if s == nil {
		return nil
	}
	out := &SnapshotPayload{
		State:      convertState(s.State),
		Queue:      make([]QueueEntryPayload, 0, len(s.Queue)),
		CursorSlot: s.CursorSlot,
	}
	for _, e := range s.Queue {
		out.Queue = append(out.Queue, QueueEntryPayload{Slot: e.Slot, Track: convertTrack(e.Track)})
	}
	return out
}

func convertNode(n *track.LibraryNode) *NodePayload {
	if n == nil {
		return nil
	}
	out := &NodePayload{Path: n.Path, Name: n.Name, Kind: "container"}
	if n.Kind == track.NodeTrack {
		out.Kind = "track"
	}
	if n.Track != nil {
		t := convertTrack(*n.Track)
		out.Track = &t
	}
	for i := range n.Children {
		out.Children = append(out.Children, *convertNode(&n.Children[i]))
	}
	return out
}

func convertError(pe *transport.PlaybackError) ErrorPayload {
	return ErrorPayload{
		Kind:    pe.Kind.String(),
		Track:   pe.Track.URI(),
		Message: pe.Error(),
	}
}

// convertEvent maps a broadcast processor event onto a wire message.
func convertEvent(ev command.Event) (Message, bool) {
	switch ev.Kind {
	case command.EventSnapshot:
		return Message{Type: MessageSnapshot, Payload: convertSnapshot(ev.Snapshot)}, true
	case command.EventPosition:
		return Message{Type: MessagePosition, Payload: PositionPayload{
			PositionMs: ev.Position.Milliseconds(),
			DurationMs: ev.Duration.Milliseconds(),
		}}, true
	case command.EventError:
		if ev.Err == nil {
			return Message{}, false
		}
		return Message{Type: MessageError, Payload: convertError(ev.Err)}, true
	}
	return Message{}, false
}

func decodeCommand(raw json.RawMessage) (command.Command, error) {
	var cmd command.Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return command.Command{}, errors.Wrap(err, "malformed command payload")
	}
	if cmd.Type == "" {
		return command.Command{}, errors.New("command payload missing type")
	}
	return cmd, nil
}

// Wire timing shared by server and client.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)
