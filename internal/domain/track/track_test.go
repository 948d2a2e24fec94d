package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    Ref
		wantErr bool
	}{
		{
			name: "canonical form",
			uri:  "track:spotify:4uLU6hMCjMI75M1A2tKUQC",
			want: Ref{Provider: "spotify", ID: "4uLU6hMCjMI75M1A2tKUQC"},
		},
		{
			name: "id containing colons",
			uri:  "track:files:albums:one:03",
			want: Ref{Provider: "files", ID: "albums:one:03"},
		},
		{
			name:    "missing prefix",
			uri:     "spotify:4uLU6hMCjMI75M1A2tKUQC",
			wantErr: true,
		},
		{
			name:    "missing id",
			uri:     "track:spotify",
			wantErr: true,
		},
		{
			name:    "empty provider",
			uri:     "track::abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseRef(tt.uri)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ref)
		})
	}
}

func TestRefURIRoundTrip(t *testing.T) {
	ref := Ref{Provider: "spotify", ID: "abc123"}
	assert.Equal(t, "track:spotify:abc123", ref.URI())
	assert.True(t, IsTrackURI(ref.URI()))
	assert.False(t, IsTrackURI("spotify/playlist/abc"))

	parsed, err := ParseRef(ref.URI())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)
}

func TestLibraryNodeTracks(t *testing.T) {
	meta := Metadata{Ref: Ref{Provider: "test", ID: "a"}, Title: "Track a"}
	node := LibraryNode{
		Path: "test/album",
		Kind: NodeContainer,
		Children: []LibraryNode{
			{Path: meta.Ref.URI(), Kind: NodeTrack, Track: &meta},
			{Path: "test/album/sub", Kind: NodeContainer},
		},
	}

	tracks := node.Tracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, "Track a", tracks[0].Title)

	leaf := node.Children[0]
	require.Len(t, leaf.Tracks(), 1)
}
