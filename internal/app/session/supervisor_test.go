package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/playdeck/internal/app/command"
	"github.com/osa030/playdeck/internal/app/transport"
	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/provider"
	"github.com/osa030/playdeck/internal/render"
)

// expiringProvider rejects every call with ErrUnauthenticated until it
// is re-authenticated.
type expiringProvider struct {
	mu       sync.Mutex
	expired  bool
	reauths  int
	failNext error // returned by the next Reauthenticate, then cleared
}

func (p *expiringProvider) Name() string { return "test" }

func (p *expiringProvider) guard() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expired {
		return errors.Wrap(provider.ErrUnauthenticated, "token expired")
	}
	return nil
}

func (p *expiringProvider) Browse(_ context.Context, path string) (*track.LibraryNode, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	return &track.LibraryNode{Path: "test", Name: "Test", Kind: track.NodeContainer}, nil
}

func (p *expiringProvider) Metadata(_ context.Context, ref track.Ref) (*track.Metadata, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	return &track.Metadata{Ref: ref, Title: "Track " + ref.ID}, nil
}

func (p *expiringProvider) ResolveStream(_ context.Context, ref track.Ref) (track.StreamLocation, error) {
	if err := p.guard(); err != nil {
		return track.StreamLocation{}, err
	}
	return track.StreamLocation{URL: "http://streams.local/" + ref.ID + ".mp3"}, nil
}

func (p *expiringProvider) Reauthenticate(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reauths++
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return err
	}
	p.expired = false
	return nil
}

type nullRender struct {
	events chan render.Event
}

func newNullRender() *nullRender {
	return &nullRender{events: make(chan render.Event, 16)}
}

func (n *nullRender) LoadAndStart(uint64, track.StreamLocation) {}
func (n *nullRender) Pause()                                    {}
func (n *nullRender) Resume()                                   {}
func (n *nullRender) Stop()                                     {}
func (n *nullRender) SetVolume(int)                             {}
func (n *nullRender) Seek(time.Duration) error                  { return nil }
func (n *nullRender) Position() time.Duration                   { return 0 }
func (n *nullRender) Duration() time.Duration                   { return 0 }
func (n *nullRender) Events() <-chan render.Event               { return n.events }
func (n *nullRender) Close()                                    { close(n.events) }

func TestReauthCatalogRetriesAfterRefresh(t *testing.T) {
	p := &expiringProvider{expired: true}
	catalog := &reauthCatalog{registry: provider.NewRegistry(p)}

	meta, err := catalog.Metadata(context.Background(), track.Ref{Provider: "test", ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "Track a", meta.Title)
	assert.Equal(t, 1, p.reauths)

	// Subsequent calls hit the refreshed session directly.
	_, err = catalog.ResolveStream(context.Background(), track.Ref{Provider: "test", ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.reauths)
}

func TestReauthCatalogSurfacesFailedRefresh(t *testing.T) {
	p := &expiringProvider{expired: true, failNext: errors.New("refresh token revoked")}
	catalog := &reauthCatalog{registry: provider.NewRegistry(p)}

	_, err := catalog.Metadata(context.Background(), track.Ref{Provider: "test", ID: "a"})
	assert.ErrorIs(t, err, provider.ErrUnauthenticated)
	assert.Equal(t, 1, p.reauths)
}

func TestReauthCatalogBrowseQualifiedPath(t *testing.T) {
	p := &expiringProvider{expired: true}
	catalog := &reauthCatalog{registry: provider.NewRegistry(p)}

	_, err := catalog.Browse(context.Background(), "test/albums")
	require.NoError(t, err)
	assert.Equal(t, 1, p.reauths)
}

func TestSupervisorLifecycle(t *testing.T) {
	p := &expiringProvider{}
	renderer := newNullRender()
	sup := New(command.Config{
		Transport: transport.Config{
			ResolveTimeout: time.Second,
			AutoSkipLimit:  3,
			InitialVolume:  50,
		},
		LookupTimeout: time.Second,
	}, provider.NewRegistry(p), renderer)
	sup.Start()

	res, err := sup.Processor().Submit(context.Background(), command.Command{Type: command.TypeGetState})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusStopped, res.Snapshot.State.Status)

	sup.Close()
	select {
	case <-sup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	_, err = sup.Processor().Submit(context.Background(), command.Command{Type: command.TypeGetState})
	assert.ErrorIs(t, err, command.ErrClosed)
}
