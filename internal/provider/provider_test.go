package provider

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/playdeck/internal/domain/track"
)

// memProvider serves a fixed two-level catalog: albums at the root,
// tracks inside each album.
type memProvider struct {
	name   string
	albums map[string][]track.Metadata
	broken map[string]bool // albums whose browse fails
}

func newMemProvider(name string) *memProvider {
	return &memProvider{
		name:   name,
		albums: make(map[string][]track.Metadata),
		broken: make(map[string]bool),
	}
}

func (p *memProvider) addAlbum(album string, ids ...string) {
	for _, id := range ids {
		p.albums[album] = append(p.albums[album], track.Metadata{
			Ref:      track.Ref{Provider: p.name, ID: id},
			Title:    "Track " + id,
			Duration: 2 * time.Minute,
		})
	}
}

func (p *memProvider) Name() string { return p.name }

func (p *memProvider) Browse(_ context.Context, path string) (*track.LibraryNode, error) {
	if path == "" {
		root := &track.LibraryNode{Path: "", Name: p.name, Kind: track.NodeContainer}
		for album := range p.albums {
			root.Children = append(root.Children, track.LibraryNode{
				Path: "albums/" + album,
				Name: album,
				Kind: track.NodeContainer,
			})
		}
		return root, nil
	}
	album, found := "", false
	for name := range p.albums {
		if path == "albums/"+name {
			album, found = name, true
			break
		}
	}
	if !found {
		return nil, errors.Wrapf(ErrNotFound, "unknown path %q", path)
	}
	if p.broken[album] {
		return nil, errors.Wrap(ErrUnavailable, "backend down")
	}
	node := &track.LibraryNode{Path: path, Name: album, Kind: track.NodeContainer}
	for i := range p.albums[album] {
		meta := p.albums[album][i]
		node.Children = append(node.Children, track.LibraryNode{
			Path:  meta.Ref.URI(),
			Name:  meta.Title,
			Kind:  track.NodeTrack,
			Track: &meta,
		})
	}
	return node, nil
}

func (p *memProvider) Metadata(_ context.Context, ref track.Ref) (*track.Metadata, error) {
	for _, tracks := range p.albums {
		for i := range tracks {
			if tracks[i].Ref == ref {
				return &tracks[i], nil
			}
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "unknown track %s", ref.ID)
}

func (p *memProvider) ResolveStream(_ context.Context, ref track.Ref) (track.StreamLocation, error) {
	if _, err := p.Metadata(context.Background(), ref); err != nil {
		return track.StreamLocation{}, err
	}
	return track.StreamLocation{URL: "http://streams.local/" + ref.ID + ".mp3", MimeType: "audio/mpeg"}, nil
}

func TestRegistryRootListsProviders(t *testing.T) {
	alpha := newMemProvider("alpha")
	beta := newMemProvider("beta")
	r := NewRegistry(alpha, beta)

	root, err := r.Browse(context.Background(), "/")
	require.NoError(t, err)
	require.Len(t, root.Children, 2)
	assert.Equal(t, "alpha", root.Children[0].Path)
	assert.Equal(t, "beta", root.Children[1].Path)
	assert.Equal(t, track.NodeContainer, root.Children[0].Kind)
}

func TestRegistryBrowseQualifiesContainerPaths(t *testing.T) {
	alpha := newMemProvider("alpha")
	alpha.addAlbum("one", "a", "b")
	r := NewRegistry(alpha)

	node, err := r.Browse(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, node.Children, 1)
	assert.Equal(t, "alpha/albums/one", node.Children[0].Path)

	album, err := r.Browse(context.Background(), node.Children[0].Path)
	require.NoError(t, err)
	require.Len(t, album.Children, 2)
	// Track nodes keep their URI path untouched.
	assert.Equal(t, "track:alpha:a", album.Children[0].Path)
}

func TestRegistryBrowseUnknownProvider(t *testing.T) {
	r := NewRegistry(newMemProvider("alpha"))
	_, err := r.Browse(context.Background(), "gamma/albums/one")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRoutesByRefProvider(t *testing.T) {
	alpha := newMemProvider("alpha")
	alpha.addAlbum("one", "a")
	beta := newMemProvider("beta")
	beta.addAlbum("two", "x")
	r := NewRegistry(alpha, beta)

	meta, err := r.Metadata(context.Background(), track.Ref{Provider: "beta", ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Track x", meta.Title)

	_, err = r.Metadata(context.Background(), track.Ref{Provider: "alpha", ID: "x"})
	assert.ErrorIs(t, err, ErrNotFound)

	loc, err := r.ResolveStream(context.Background(), track.Ref{Provider: "alpha", ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "http://streams.local/a.mp3", loc.URL)
}

func TestRegistryFlattenCollectsNestedTracks(t *testing.T) {
	alpha := newMemProvider("alpha")
	alpha.addAlbum("one", "a", "b")
	alpha.addAlbum("two", "c")
	r := NewRegistry(alpha)

	tracks, err := r.Flatten(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Len(t, tracks, 3)
}

func TestRegistryFlattenSkipsBrokenContainers(t *testing.T) {
	alpha := newMemProvider("alpha")
	alpha.addAlbum("one", "a", "b")
	alpha.addAlbum("two", "c")
	alpha.broken["two"] = true
	r := NewRegistry(alpha)

	tracks, err := r.Flatten(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}

func TestRegistryFlattenSingleTrackPath(t *testing.T) {
	alpha := newMemProvider("alpha")
	alpha.addAlbum("one", "a")
	r := NewRegistry(alpha)

	tracks, err := r.Flatten(context.Background(), "alpha/albums/one")
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "Track a", tracks[0].Title)
}

func TestNewRegistryFromConfig(t *testing.T) {
	RegisterFactory("mem", func(_ context.Context, settings map[string]any) (Port, error) {
		name, _ := settings["name"].(string)
		if name == "" {
			return nil, errors.New("name required")
		}
		return newMemProvider(name), nil
	})

	t.Run("builds configured providers", func(t *testing.T) {
		r, err := NewRegistryFromConfig(context.Background(), []Spec{
			{Type: "mem", Settings: map[string]any{"name": "alpha"}},
		})
		require.NoError(t, err)
		_, err = r.Get("alpha")
		assert.NoError(t, err)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := NewRegistryFromConfig(context.Background(), []Spec{{Type: "bogus"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider type")
	})

	t.Run("factory failure", func(t *testing.T) {
		_, err := NewRegistryFromConfig(context.Background(), []Spec{{Type: "mem"}})
		require.Error(t, err)
	})

	t.Run("no providers", func(t *testing.T) {
		_, err := NewRegistryFromConfig(context.Background(), nil)
		require.Error(t, err)
	})
}
