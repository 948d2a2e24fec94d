package transport

import (
	"context"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/playdeck/internal/app/queue"
	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/render"
)

// Config holds machine configuration.
type Config struct {
	ResolveTimeout time.Duration // Bound on a single stream resolution
	AutoSkipLimit  int           // Failed attempts before a terminal PlaybackError
	InitialVolume  int           // Volume at session start, 0..100
}

// Resolver converts a track ref into a fetchable stream location.
type Resolver interface {
	ResolveStream(ctx context.Context, ref track.Ref) (track.StreamLocation, error)
}

// ResolveResult is posted back into the command loop when an
// asynchronous stream resolution completes. Results whose token no
// longer matches the machine's generation are discarded.
type ResolveResult struct {
	Token    uint64
	Slot     uint64
	Location track.StreamLocation
	Err      error
}

// Machine owns the transport state and drives the render port. It is
// not safe for concurrent use: every method runs on the command loop,
// which serializes controller commands and render events into a single
// total order. Blocking provider resolution happens on short-lived
// goroutines whose results re-enter the loop via the post callback.
type Machine struct {
	cfg      Config
	queue    *queue.Queue
	resolver Resolver
	renderer render.Port

	post    func(ResolveResult)  // Re-enqueue a resolution result into the command loop
	onError func(*PlaybackError) // Terminal playback error sink

	state      State
	generation uint64 // Bumped on every start/stop; stale tokens are dropped
	attempts   int    // Consecutive failed attempts in the current auto-skip chain
}

// NewMachine creates a machine in the Stopped state.
func NewMachine(cfg Config, q *queue.Queue, resolver Resolver, renderer render.Port,
	post func(ResolveResult), onError func(*PlaybackError)) *Machine {
	m := &Machine{
		cfg:      cfg,
		queue:    q,
		resolver: resolver,
		renderer: renderer,
		post:     post,
		onError:  onError,
	}
	m.state.Volume = clampVolume(cfg.InitialVolume)
	renderer.SetVolume(m.state.Volume)
	return m
}

// State returns a snapshot of the transport state.
func (m *Machine) State() State {
	return m.state
}

// Play starts playback at the given slot, or at the cursor when slot
// is zero. A zero-slot play while already playing is a no-op; while
// paused it resumes.
func (m *Machine) Play(slot uint64) error {
	if slot == 0 {
		switch m.state.Status {
		case StatusPlaying:
			return nil
		case StatusPaused:
			m.Resume()
			return nil
		}
		if !m.queue.EnsureCursor() {
			return ErrQueueEmpty
		}
	} else {
		if err := m.queue.JumpTo(slot); err != nil {
			return err
		}
	}
	m.attempts = 0
	cur, _ := m.queue.Current()
	m.startEntry(cur)
	return nil
}

// StartCursor starts playback at the current cursor regardless of the
// present status. Used when a queue mutation decides what plays next.
func (m *Machine) StartCursor() error {
	if !m.queue.EnsureCursor() {
		return ErrQueueEmpty
	}
	m.attempts = 0
	cur, _ := m.queue.Current()
	m.startEntry(cur)
	return nil
}

// Pause suspends playback. No-op unless playing.
func (m *Machine) Pause() {
	if m.state.Status != StatusPlaying {
		return
	}
	m.renderer.Pause()
	m.state.Status = StatusPaused
}

// Resume continues paused playback. No-op unless paused.
func (m *Machine) Resume() {
	if m.state.Status != StatusPaused {
		return
	}
	m.renderer.Resume()
	m.state.Status = StatusPlaying
}

// Stop releases the render device and discards any in-flight
// resolution. The queue cursor is retained.
func (m *Machine) Stop() {
	m.generation++
	m.renderer.Stop()
	m.state.Status = StatusStopped
	m.state.Position = 0
	m.state.Duration = 0
	m.attempts = 0
}

// Skip moves the cursor one step and restarts rendering there. When
// stopped it only moves the cursor. Exhausting the queue stops
// playback.
func (m *Machine) Skip(dir queue.Direction) {
	m.attempts = 0
	e, ok := m.queue.Advance(dir, m.state.Repeat, m.state.Shuffle)
	if m.state.Status == StatusStopped {
		return
	}
	if !ok {
		m.Stop()
		return
	}
	m.startEntry(e)
}

// CursorRemoved is called after the queue entry under the cursor was
// removed. An active render session restarts at the entry the cursor
// moved to, or stops if the queue became empty.
func (m *Machine) CursorRemoved() {
	if m.state.Status == StatusStopped {
		return
	}
	cur, ok := m.queue.Current()
	if !ok {
		m.Stop()
		return
	}
	m.attempts = 0
	m.startEntry(cur)
}

// SetVolume sets the volume, clamped to [0,100].
func (m *Machine) SetVolume(v int) {
	m.state.Volume = clampVolume(v)
	if !m.state.Muted {
		m.renderer.SetVolume(m.state.Volume)
	}
}

// ChangeVolume applies a delta to the current volume.
func (m *Machine) ChangeVolume(delta int) {
	m.SetVolume(m.state.Volume + delta)
}

// ToggleMute flips mute. The configured volume level is retained.
func (m *Machine) ToggleMute() {
	m.state.Muted = !m.state.Muted
	if m.state.Muted {
		m.renderer.SetVolume(0)
	} else {
		m.renderer.SetVolume(m.state.Volume)
	}
}

// ToggleShuffle flips shuffle; affects future advances only.
func (m *Machine) ToggleShuffle() {
	m.state.Shuffle = !m.state.Shuffle
}

// ToggleRepeat flips repeat; affects future advances only.
func (m *Machine) ToggleRepeat() {
	m.state.Repeat = !m.state.Repeat
}

// Seek moves the play position, clamped to the track bounds. Valid
// only while playing or paused.
func (m *Machine) Seek(offset time.Duration) error {
	if m.state.Status == StatusStopped {
		return ErrNotActive
	}
	if offset < 0 {
		offset = 0
	}
	if d := m.renderer.Duration(); d > 0 && offset > d {
		offset = d
	}
	if err := m.renderer.Seek(offset); err != nil {
		return err
	}
	m.state.Position = offset
	return nil
}

// Restart seeks the active track back to its start.
func (m *Machine) Restart() error {
	return m.Seek(0)
}

// HandleResolveResult applies a completed stream resolution. Stale
// results (superseded by a later start or stop) are dropped, so a slow
// resolve can never clobber a faster subsequent command.
func (m *Machine) HandleResolveResult(res ResolveResult) {
	if res.Token != m.generation {
		zlog.Debug().Msgf("transport: dropping stale resolution: token=%d current=%d", res.Token, m.generation)
		return
	}
	e, ok := m.queue.Get(res.Slot)
	if !ok || m.queue.CursorSlot() != res.Slot {
		// Entry removed or cursor moved while resolving.
		return
	}
	if res.Err != nil {
		m.attemptFailed(kindFromProviderError(res.Err), e.Track.Ref, res.Err)
		return
	}
	zlog.Info().Msgf("transport: starting render: track=%s url=%s", e.Track.Ref.URI(), res.Location.URL)
	m.renderer.LoadAndStart(m.generation, res.Location)
	m.state.Status = StatusPlaying
	m.state.Position = 0
	m.state.Duration = e.Track.Duration
}

// HandleRenderEvent applies an asynchronous render emission. Events
// from superseded render sessions are dropped.
func (m *Machine) HandleRenderEvent(ev render.Event) {
	if ev.Token != m.generation {
		return
	}
	switch ev.Kind {
	case render.EventStarted:
		m.state.Status = StatusPlaying
		m.state.Position = 0
		m.state.Duration = ev.Duration
		m.attempts = 0
	case render.EventPosition:
		m.state.Position = ev.Position
	case render.EventComplete:
		m.advanceAfterComplete()
	case render.EventFailed:
		cur, _ := m.queue.Current()
		switch ev.Failure {
		case render.FailureDevice:
			// Device failures are always fatal to the attempt and
			// always surfaced.
			m.fail(KindDeviceFailure, cur.Track.Ref, ev.Err)
		case render.FailureDecode:
			m.attemptFailed(KindDecodeFailure, cur.Track.Ref, ev.Err)
		default:
			m.attemptFailed(KindUnreachable, cur.Track.Ref, ev.Err)
		}
	}
}

func (m *Machine) advanceAfterComplete() {
	e, ok := m.queue.Advance(queue.Forward, m.state.Repeat, m.state.Shuffle)
	if !ok {
		zlog.Info().Msg("transport: queue exhausted")
		m.Stop()
		return
	}
	m.startEntry(e)
}

// startEntry dispatches an asynchronous stream resolution for the
// entry. The generation token stamped on the request lets the machine
// discard the result if a later command supersedes it.
func (m *Machine) startEntry(e queue.Entry) {
	m.generation++
	token := m.generation
	ref := e.Track.Ref
	slot := e.Slot
	timeout := m.cfg.ResolveTimeout
	zlog.Debug().Msgf("transport: resolving stream: track=%s slot=%d token=%d", ref.URI(), slot, token)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		loc, err := m.resolver.ResolveStream(ctx, ref)
		m.post(ResolveResult{Token: token, Slot: slot, Location: loc, Err: err})
	}()
}

// attemptFailed advances the bounded auto-skip chain: try the next
// entry until the attempt cap or the queue is exhausted, then stop and
// surface a single terminal PlaybackError.
func (m *Machine) attemptFailed(kind ErrorKind, ref track.Ref, err error) {
	m.attempts++
	zlog.Warn().Msgf("transport: playback attempt failed: track=%s kind=%s attempt=%d/%d err=%v",
		ref.URI(), kind, m.attempts, m.cfg.AutoSkipLimit, err)
	if m.attempts >= m.cfg.AutoSkipLimit {
		m.fail(kind, ref, err)
		return
	}
	e, ok := m.queue.Advance(queue.Forward, m.state.Repeat, m.state.Shuffle)
	if !ok {
		m.fail(kind, ref, err)
		return
	}
	m.startEntry(e)
}

func (m *Machine) fail(kind ErrorKind, ref track.Ref, err error) {
	m.Stop()
	pe := &PlaybackError{Kind: kind, Track: ref, Err: err}
	zlog.Error().Msgf("transport: %v", pe)
	if m.onError != nil {
		m.onError(pe)
	}
}

func clampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
