// Package provider defines the music-provider port and its registry.
package provider

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/osa030/playdeck/internal/domain/track"
)

// Error kinds surfaced by providers. Checked with errors.Is; concrete
// providers wrap these with request context.
var (
	ErrUnauthenticated = errors.New("provider: unauthenticated")
	ErrNotFound        = errors.New("provider: not found")
	ErrUnavailable     = errors.New("provider: unavailable")
	ErrRateLimited     = errors.New("provider: rate limited")
)

// Port is the abstraction over a music catalog. Implementations are
// selected by configuration at session start.
type Port interface {
	// Name returns the provider name used in track refs and browse paths.
	Name() string

	// Browse returns a shallow snapshot of the node at the given
	// provider-relative path ("" is the provider root).
	Browse(ctx context.Context, path string) (*track.LibraryNode, error)

	// Metadata fetches display metadata for a track.
	Metadata(ctx context.Context, ref track.Ref) (*track.Metadata, error)

	// ResolveStream converts a track ref into a fetchable stream location.
	ResolveStream(ctx context.Context, ref track.Ref) (track.StreamLocation, error)
}

// Reauthenticator is implemented by providers whose credentials can
// expire mid-session. The session supervisor calls Reauthenticate when
// a call fails with ErrUnauthenticated.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Registry routes catalog operations to the provider named in the
// track ref or browse path.
type Registry struct {
	providers map[string]Port
	order     []string
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(providers ...Port) *Registry {
	r := &Registry{providers: make(map[string]Port, len(providers))}
	for _, p := range providers {
		if _, dup := r.providers[p.Name()]; dup {
			continue
		}
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// Get returns the provider with the given name.
func (r *Registry) Get(name string) (Port, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "unknown provider %q", name)
	}
	return p, nil
}

// All returns the registered providers in registration order.
func (r *Registry) All() []Port {
	out := make([]Port, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Browse resolves a library path. The root path "/" lists one
// container per registered provider; deeper paths are routed to the
// named provider with the prefix stripped.
func (r *Registry) Browse(ctx context.Context, path string) (*track.LibraryNode, error) {
	if path == "" || path == "/" {
		root := &track.LibraryNode{Path: "/", Name: "Library", Kind: track.NodeContainer}
		for _, name := range r.order {
			root.Children = append(root.Children, track.LibraryNode{
				Path: name,
				Name: name,
				Kind: track.NodeContainer,
			})
		}
		return root, nil
	}
	name, rest := splitPath(path)
	p, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	node, err := p.Browse(ctx, rest)
	if err != nil {
		return nil, err
	}
	qualifyPaths(node, name)
	return node, nil
}

// Metadata routes the metadata fetch to the ref's provider.
func (r *Registry) Metadata(ctx context.Context, ref track.Ref) (*track.Metadata, error) {
	p, err := r.Get(ref.Provider)
	if err != nil {
		return nil, err
	}
	return p.Metadata(ctx, ref)
}

// ResolveStream routes the stream resolution to the ref's provider.
func (r *Registry) ResolveStream(ctx context.Context, ref track.Ref) (track.StreamLocation, error) {
	p, err := r.Get(ref.Provider)
	if err != nil {
		return track.StreamLocation{}, err
	}
	return p.ResolveStream(ctx, ref)
}

// Flatten collects every track reachable under the given path, depth
// first. Containers that fail to browse are skipped.
func (r *Registry) Flatten(ctx context.Context, path string) ([]track.Metadata, error) {
	node, err := r.Browse(ctx, path)
	if err != nil {
		return nil, err
	}
	var out []track.Metadata
	var walk func(n *track.LibraryNode)
	walk = func(n *track.LibraryNode) {
		if n.Kind == track.NodeTrack {
			if n.Track != nil {
				out = append(out, *n.Track)
			}
			return
		}
		out = append(out, n.Tracks()...)
		for i := range n.Children {
			if n.Children[i].Kind != track.NodeContainer {
				continue
			}
			child, err := r.Browse(ctx, n.Children[i].Path)
			if err != nil {
				continue
			}
			walk(child)
		}
	}
	walk(node)
	return out, nil
}

func splitPath(path string) (provider, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// qualifyPaths prefixes provider-relative container paths with the
// provider name so they are routable through the registry. Track nodes
// carry a track URI, not a browse path, and stay untouched.
func qualifyPaths(n *track.LibraryNode, provider string) {
	if n.Kind == track.NodeTrack {
		return
	}
	if n.Path == "" {
		n.Path = provider
	} else {
		n.Path = provider + "/" + n.Path
	}
	for i := range n.Children {
		qualifyPaths(&n.Children[i], provider)
	}
}
