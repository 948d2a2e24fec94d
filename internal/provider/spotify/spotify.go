// Package spotify provides the Spotify-backed music provider.
package spotify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/provider"
)

// ProviderName is the registered provider type and track ref provider id.
const ProviderName = "spotify"

func init() {
	provider.RegisterFactory(ProviderName, func(ctx context.Context, settings map[string]any) (provider.Port, error) {
		var cfg Config
		if err := mapstructure.Decode(settings, &cfg); err != nil {
			return nil, errors.Wrap(err, "failed to decode settings")
		}
		if err := defaults.Set(&cfg); err != nil {
			return nil, errors.Wrap(err, "failed to set defaults")
		}
		if err := validator.New().Struct(&cfg); err != nil {
			return nil, errors.Wrap(err, "invalid spotify settings")
		}
		return New(ctx, cfg)
	})
}

// Config represents Spotify provider configuration.
type Config struct {
	ClientID     string   `yaml:"client_id" mapstructure:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret" mapstructure:"client_secret" validate:"required"`
	RefreshToken string   `yaml:"refresh_token" mapstructure:"refresh_token" validate:"required"`
	Playlists    []string `yaml:"playlists" mapstructure:"playlists"`
	MaxRetries   int      `yaml:"max_retries" mapstructure:"max_retries" default:"3" validate:"gte=1"`
}

// Provider serves the library from configured Spotify playlists and
// resolves tracks to their preview streams.
type Provider struct {
	mu     sync.RWMutex
	client *spotify.Client

	auth         *spotifyauth.Authenticator
	refreshToken string
	playlists    []string
	maxRetries   int
	retryDelay   time.Duration
}

// New creates a Spotify provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	auth := spotifyauth.New(
		spotifyauth.WithClientID(cfg.ClientID),
		spotifyauth.WithClientSecret(cfg.ClientSecret),
		spotifyauth.WithScopes(
			spotifyauth.ScopePlaylistReadPrivate,
		),
	)

	p := &Provider{
		auth:         auth,
		refreshToken: cfg.RefreshToken,
		playlists:    cfg.Playlists,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   time.Second,
	}
	p.client = p.newClient(ctx)
	return p, nil
}

// newClient builds an API client with a fresh auto-refreshing token.
func (p *Provider) newClient(ctx context.Context) *spotify.Client {
	token := &oauth2.Token{RefreshToken: p.refreshToken}
	return spotify.New(p.auth.Client(ctx, token))
}

// Name implements provider.Port.
func (p *Provider) Name() string {
	return ProviderName
}

// Reauthenticate rebuilds the API client from the refresh token. The
// session supervisor calls this when a request fails with
// ErrUnauthenticated.
func (p *Provider) Reauthenticate(ctx context.Context) error {
	client := p.newClient(ctx)
	// Probe the new client so a dead refresh token fails here, not on
	// the next playback attempt.
	if _, err := client.CurrentUser(ctx); err != nil {
		return mapErr(err)
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *Provider) api() *spotify.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

// Browse implements provider.Port. The provider root lists the
// configured playlists; a playlist path lists its tracks.
func (p *Provider) Browse(ctx context.Context, path string) (*track.LibraryNode, error) {
	if path == "" || path == "/" {
		return p.browseRoot(ctx)
	}
	id, ok := strings.CutPrefix(path, "playlist/")
	if !ok {
		return nil, errors.Wrapf(provider.ErrNotFound, "unknown path %q", path)
	}
	return p.browsePlaylist(ctx, extractPlaylistID(id))
}

func (p *Provider) browseRoot(ctx context.Context) (*track.LibraryNode, error) {
	root := &track.LibraryNode{Path: "", Name: "Spotify", Kind: track.NodeContainer}
	for _, pl := range p.playlists {
		id := extractPlaylistID(pl)
		var full *spotify.FullPlaylist
		err := p.retry(func() error {
			f, err := p.api().GetPlaylist(ctx, spotify.ID(id))
			if err != nil {
				return err
			}
			full = f
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(mapErr(err), "failed to get playlist %s", id)
		}
		root.Children = append(root.Children, track.LibraryNode{
			Path: "playlist/" + id,
			Name: full.Name,
			Kind: track.NodeContainer,
		})
	}
	return root, nil
}

func (p *Provider) browsePlaylist(ctx context.Context, id string) (*track.LibraryNode, error) {
	node := &track.LibraryNode{Path: "playlist/" + id, Name: id, Kind: track.NodeContainer}

	offset := 0
	limit := 100
	for {
		var page *spotify.PlaylistItemPage
		err := p.retry(func() error {
			pg, err := p.api().GetPlaylistItems(ctx, spotify.ID(id),
				spotify.Limit(limit),
				spotify.Offset(offset),
			)
			if err != nil {
				return err
			}
			page = pg
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(mapErr(err), "failed to get playlist items %s", id)
		}

		for _, item := range page.Items {
			// Episodes have no track payload; skip them.
			if item.Track.Track == nil || item.Track.Track.ID == "" {
				continue
			}
			meta := convertTrack(item.Track.Track)
			node.Children = append(node.Children, track.LibraryNode{
				Path:  meta.Ref.URI(),
				Name:  meta.Title,
				Kind:  track.NodeTrack,
				Track: &meta,
			})
		}

		if len(page.Items) < limit {
			break
		}
		offset += limit
	}
	return node, nil
}

// Metadata implements provider.Port.
func (p *Provider) Metadata(ctx context.Context, ref track.Ref) (*track.Metadata, error) {
	full, err := p.getTrack(ctx, ref)
	if err != nil {
		return nil, err
	}
	meta := convertTrack(full)
	return &meta, nil
}

// ResolveStream implements provider.Port. Tracks resolve to their
// 30-second preview MP3; Spotify carries no preview for some catalog
// entries, which surfaces as ErrNotFound.
func (p *Provider) ResolveStream(ctx context.Context, ref track.Ref) (track.StreamLocation, error) {
	full, err := p.getTrack(ctx, ref)
	if err != nil {
		return track.StreamLocation{}, err
	}
	if full.PreviewURL == "" {
		return track.StreamLocation{}, errors.Wrapf(provider.ErrNotFound, "no preview stream for track %s", ref.ID)
	}
	return track.StreamLocation{URL: full.PreviewURL, MimeType: "audio/mpeg"}, nil
}

func (p *Provider) getTrack(ctx context.Context, ref track.Ref) (*spotify.FullTrack, error) {
	var full *spotify.FullTrack
	err := p.retry(func() error {
		t, err := p.api().GetTrack(ctx, spotify.ID(ref.ID))
		if err != nil {
			return err
		}
		full = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(mapErr(err), "failed to get track %s", ref.ID)
	}
	return full, nil
}

// retry retries transient failures with linear backoff.
func (p *Provider) retry(fn func() error) error {
	var lastErr error
	for i := 0; i < p.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
		if i < p.maxRetries-1 {
			time.Sleep(p.retryDelay * time.Duration(i+1))
		}
	}
	return lastErr
}

func isRetryable(err error) bool {
	var se spotify.Error
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	// Transport-level errors are worth one more try.
	return true
}

// mapErr translates API errors into the provider error taxonomy.
func mapErr(err error) error {
	var se spotify.Error
	if errors.As(err, &se) {
		switch {
		case se.Status == 401 || se.Status == 403:
			return errors.Wrapf(provider.ErrUnauthenticated, "%s", se.Message)
		case se.Status == 404:
			return errors.Wrapf(provider.ErrNotFound, "%s", se.Message)
		case se.Status == 429:
			return errors.Wrapf(provider.ErrRateLimited, "%s", se.Message)
		}
	}
	return errors.Wrapf(provider.ErrUnavailable, "%v", err)
}

func convertTrack(t *spotify.FullTrack) track.Metadata {
	artists := make([]string, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = a.Name
	}
	var artwork string
	if len(t.Album.Images) > 0 {
		artwork = t.Album.Images[0].URL
	}
	return track.Metadata{
		Ref:        track.Ref{Provider: ProviderName, ID: string(t.ID)},
		Title:      t.Name,
		Artists:    artists,
		Album:      t.Album.Name,
		ArtworkURL: artwork,
		Duration:   time.Duration(t.Duration) * time.Millisecond,
	}
}

// extractPlaylistID accepts a bare ID, spotify: URI or open.spotify.com URL.
func extractPlaylistID(s string) string {
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "?"); i >= 0 {
		s = s[:i]
	}
	return s
}
