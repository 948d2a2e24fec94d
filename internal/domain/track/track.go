// Package track provides the track and library domain types.
package track

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRef is returned when a track URI cannot be parsed.
var ErrInvalidRef = errors.New("invalid track reference")

// Ref identifies a track within a provider's catalog.
// Immutable once created; the same track may appear in the queue
// more than once under different queue slots.
type Ref struct {
	Provider string // Provider name (e.g. "spotify")
	ID       string // Provider-scoped track ID
}

const refPrefix = "track:"

// URI returns the canonical string form "track:<provider>:<id>".
func (r Ref) URI() string {
	return refPrefix + r.Provider + ":" + r.ID
}

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool {
	return r.Provider == "" && r.ID == ""
}

// IsTrackURI reports whether the given URI names a track
// (as opposed to a browsable container path).
func IsTrackURI(uri string) bool {
	return strings.HasPrefix(uri, refPrefix)
}

// ParseRef parses the canonical "track:<provider>:<id>" form.
func ParseRef(uri string) (Ref, error) {
	rest, ok := strings.CutPrefix(uri, refPrefix)
	if !ok {
		return Ref{}, errors.Wrapf(ErrInvalidRef, "missing %q prefix: %s", refPrefix, uri)
	}
	provider, id, ok := strings.Cut(rest, ":")
	if !ok || provider == "" || id == "" {
		return Ref{}, errors.Wrapf(ErrInvalidRef, "want track:<provider>:<id>, got %s", uri)
	}
	return Ref{Provider: provider, ID: id}, nil
}

// Metadata holds display information for a track.
type Metadata struct {
	Ref        Ref
	Title      string
	Artists    []string
	Album      string
	ArtworkURL string
	Duration   time.Duration
}

// StreamLocation is a concrete, fetchable location for a track's audio.
type StreamLocation struct {
	URL      string // HTTP(S) URL of the audio stream
	MimeType string // e.g. "audio/mpeg"
}

// NodeKind discriminates library nodes.
type NodeKind int

const (
	NodeContainer NodeKind = iota // Playlist/album/folder with fetchable children
	NodeTrack                     // Leaf track
)

// LibraryNode is a read-only snapshot of one level of a provider's
// catalog. Children of containers are listed shallow; browsing a child
// path re-fetches it from the provider.
type LibraryNode struct {
	Path     string        // Browse path of this node
	Name     string        // Display name
	Kind     NodeKind      // Container or track
	Track    *Metadata     // Set when Kind == NodeTrack
	Children []LibraryNode // Immediate children (containers only)
}

// Tracks returns the track metadata of all immediate track children.
func (n *LibraryNode) Tracks() []Metadata {
	if n.Kind == NodeTrack {
		if n.Track != nil {
			return []Metadata{*n.Track}
		}
		return nil
	}
	var out []Metadata
	for i := range n.Children {
		if n.Children[i].Kind == NodeTrack && n.Children[i].Track != nil {
			out = append(out, *n.Children[i].Track)
		}
	}
	return out
}
