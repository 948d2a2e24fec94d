// Package session provides the process-wide playback session owner.
package session

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/playdeck/internal/app/command"
	"github.com/osa030/playdeck/internal/app/queue"
	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/provider"
	"github.com/osa030/playdeck/internal/render"
)

// Supervisor owns the one live queue, transport machine and command
// processor for the process. It wraps the provider registry with
// authentication recovery and keeps render failures observable instead
// of fatal: queue and cursor state survive both.
type Supervisor struct {
	queue     *queue.Queue
	processor *command.Processor
	renderer  render.Port

	subID string
	done  chan struct{}
}

// New creates the session components. The session holds exactly one
// queue and machine for its whole lifetime.
func New(cfg command.Config, registry *provider.Registry, renderer render.Port) *Supervisor {
	q := queue.New()
	catalog := &reauthCatalog{registry: registry}
	return &Supervisor{
		queue:     q,
		processor: command.NewProcessor(cfg, q, catalog, renderer),
		renderer:  renderer,
		done:      make(chan struct{}),
	}
}

// Processor returns the command processor controllers submit to.
func (s *Supervisor) Processor() *command.Processor {
	return s.processor
}

// Start runs the command loop and the supervisor's event watcher.
func (s *Supervisor) Start() {
	go s.processor.Run()

	id, events := s.processor.Subscribe()
	s.subID = id
	go s.watch(events)
}

// watch logs terminal playback errors. Device-level failures already
// transition the machine to Stopped; nothing here may crash the
// session.
func (s *Supervisor) watch(events <-chan command.Event) {
	defer close(s.done)
	for ev := range events {
		if ev.Kind != command.EventError || ev.Err == nil {
			continue
		}
		zlog.Error().Msgf("session: playback error surfaced to controllers: %v", ev.Err)
	}
}

// Done is closed when the session has fully shut down.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Close stops the command loop and releases the render device.
func (s *Supervisor) Close() {
	s.processor.Unsubscribe(s.subID)
	s.processor.Close()
	s.renderer.Close()
	<-s.done
}

// reauthCatalog wraps the provider registry with single-flight
// re-authentication: when a call fails with ErrUnauthenticated the
// offending provider is re-authenticated and the call retried once.
// Pending attempts wait on the in-flight refresh rather than stacking
// redundant ones; queue and cursor state are untouched throughout.
type reauthCatalog struct {
	registry *provider.Registry
	mu       sync.Mutex
}

func (c *reauthCatalog) Browse(ctx context.Context, path string) (*track.LibraryNode, error) {
	node, err := c.registry.Browse(ctx, path)
	if errors.Is(err, provider.ErrUnauthenticated) {
		name, _ := splitProvider(path)
		if rerr := c.reauth(ctx, name); rerr == nil {
			return c.registry.Browse(ctx, path)
		}
	}
	return node, err
}

func (c *reauthCatalog) Metadata(ctx context.Context, ref track.Ref) (*track.Metadata, error) {
	meta, err := c.registry.Metadata(ctx, ref)
	if errors.Is(err, provider.ErrUnauthenticated) {
		if rerr := c.reauth(ctx, ref.Provider); rerr == nil {
			return c.registry.Metadata(ctx, ref)
		}
	}
	return meta, err
}

func (c *reauthCatalog) ResolveStream(ctx context.Context, ref track.Ref) (track.StreamLocation, error) {
	loc, err := c.registry.ResolveStream(ctx, ref)
	if errors.Is(err, provider.ErrUnauthenticated) {
		if rerr := c.reauth(ctx, ref.Provider); rerr == nil {
			return c.registry.ResolveStream(ctx, ref)
		}
	}
	return loc, err
}

func (c *reauthCatalog) Flatten(ctx context.Context, path string) ([]track.Metadata, error) {
	tracks, err := c.registry.Flatten(ctx, path)
	if errors.Is(err, provider.ErrUnauthenticated) {
		name, _ := splitProvider(path)
		if rerr := c.reauth(ctx, name); rerr == nil {
			return c.registry.Flatten(ctx, path)
		}
	}
	return tracks, err
}

func (c *reauthCatalog) reauth(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.registry.Get(name)
	if err != nil {
		return err
	}
	ra, ok := p.(provider.Reauthenticator)
	if !ok {
		return errors.Newf("provider %q cannot re-authenticate", name)
	}
	zlog.Info().Msgf("session: re-authenticating provider %q", name)
	if err := ra.Reauthenticate(ctx); err != nil {
		zlog.Error().Msgf("session: re-authentication of %q failed: %v", name, err)
		return err
	}
	return nil
}

func splitProvider(path string) (name, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}
