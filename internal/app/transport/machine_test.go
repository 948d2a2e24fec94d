package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/playdeck/internal/app/queue"
	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/render"
)

var errResolveFailed = errors.New("resolve failed")

type fakeResolver struct {
	mu      sync.Mutex
	failAll bool
	failIDs map[string]bool
	calls   []track.Ref
}

func (r *fakeResolver) ResolveStream(_ context.Context, ref track.Ref) (track.StreamLocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ref)
	if r.failAll || r.failIDs[ref.ID] {
		return track.StreamLocation{}, errResolveFailed
	}
	return track.StreamLocation{URL: "http://streams.local/" + ref.ID + ".mp3", MimeType: "audio/mpeg"}, nil
}

type loadCall struct {
	token uint64
	loc   track.StreamLocation
}

type fakeRender struct {
	mu       sync.Mutex
	loads    []loadCall
	pauses   int
	resumes  int
	stops    int
	volumes  []int
	duration time.Duration
	events   chan render.Event
}

func newFakeRender() *fakeRender {
	return &fakeRender{events: make(chan render.Event, 16)}
}

func (f *fakeRender) LoadAndStart(token uint64, loc track.StreamLocation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, loadCall{token: token, loc: loc})
}

func (f *fakeRender) Pause()  { f.mu.Lock(); f.pauses++; f.mu.Unlock() }
func (f *fakeRender) Resume() { f.mu.Lock(); f.resumes++; f.mu.Unlock() }
func (f *fakeRender) Stop()   { f.mu.Lock(); f.stops++; f.mu.Unlock() }

func (f *fakeRender) SetVolume(percent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, percent)
}

func (f *fakeRender) Seek(time.Duration) error { return nil }
func (f *fakeRender) Position() time.Duration  { return 0 }

func (f *fakeRender) Duration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

func (f *fakeRender) Events() <-chan render.Event { return f.events }
func (f *fakeRender) Close()                      {}

func (f *fakeRender) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.loads)
}

func (f *fakeRender) lastLoad() loadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads[len(f.loads)-1]
}

func (f *fakeRender) lastVolume() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[len(f.volumes)-1]
}

type machineFixture struct {
	machine  *Machine
	queue    *queue.Queue
	resolver *fakeResolver
	renderer *fakeRender
	posts    chan ResolveResult
	errMu    sync.Mutex
	errs     []*PlaybackError
}

func newFixture(t *testing.T, trackCount int, cfg Config) *machineFixture {
	t.Helper()
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = time.Second
	}
	if cfg.AutoSkipLimit == 0 {
		cfg.AutoSkipLimit = 3
	}
	if cfg.InitialVolume == 0 {
		cfg.InitialVolume = 50
	}
	fx := &machineFixture{
		queue:    queue.New(),
		resolver: &fakeResolver{},
		renderer: newFakeRender(),
		posts:    make(chan ResolveResult, 16),
	}
	fx.machine = NewMachine(cfg, fx.queue, fx.resolver, fx.renderer,
		func(res ResolveResult) { fx.posts <- res },
		func(pe *PlaybackError) {
			fx.errMu.Lock()
			fx.errs = append(fx.errs, pe)
			fx.errMu.Unlock()
		})

	tracks := make([]track.Metadata, 0, trackCount)
	for i := 0; i < trackCount; i++ {
		id := string(rune('a' + i))
		tracks = append(tracks, track.Metadata{
			Ref:      track.Ref{Provider: "test", ID: id},
			Title:    "Track " + id,
			Duration: 3 * time.Minute,
		})
	}
	if len(tracks) > 0 {
		require.NoError(t, fx.queue.Append(tracks))
	}
	return fx
}

// pump waits for the next resolution result and applies it, as the
// command loop would.
func (fx *machineFixture) pump(t *testing.T) ResolveResult {
	t.Helper()
	select {
	case res := <-fx.posts:
		fx.machine.HandleResolveResult(res)
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolution result")
		return ResolveResult{}
	}
}

func (fx *machineFixture) playbackErrors() []*PlaybackError {
	fx.errMu.Lock()
	defer fx.errMu.Unlock()
	return append([]*PlaybackError(nil), fx.errs...)
}

func TestPlayResolvesAndStartsRender(t *testing.T) {
	fx := newFixture(t, 2, Config{})

	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)

	assert.Equal(t, StatusPlaying, fx.machine.State().Status)
	assert.Equal(t, 1, fx.renderer.loadCount())
	assert.Equal(t, "http://streams.local/a.mp3", fx.renderer.lastLoad().loc.URL)
	assert.Equal(t, 3*time.Minute, fx.machine.State().Duration)
}

func TestPlayOnEmptyQueue(t *testing.T) {
	fx := newFixture(t, 0, Config{})
	assert.ErrorIs(t, fx.machine.Play(0), ErrQueueEmpty)
}

func TestPlayWhilePlayingIsNoop(t *testing.T) {
	fx := newFixture(t, 2, Config{})
	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)

	require.NoError(t, fx.machine.Play(0))
	select {
	case <-fx.posts:
		t.Fatal("play while playing must not start a new resolution")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, fx.renderer.loadCount())
}

func TestPlayWhilePausedResumes(t *testing.T) {
	fx := newFixture(t, 2, Config{})
	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)

	fx.machine.Pause()
	assert.Equal(t, StatusPaused, fx.machine.State().Status)

	require.NoError(t, fx.machine.Play(0))
	assert.Equal(t, StatusPlaying, fx.machine.State().Status)
	assert.Equal(t, 1, fx.renderer.resumes)
	assert.Equal(t, 1, fx.renderer.loadCount())
}

func TestPlaySpecificSlot(t *testing.T) {
	fx := newFixture(t, 3, Config{})
	entries := fx.queue.Entries()

	require.NoError(t, fx.machine.Play(entries[2].Slot))
	res := fx.pump(t)

	assert.Equal(t, entries[2].Slot, res.Slot)
	assert.Equal(t, entries[2].Slot, fx.queue.CursorSlot())
	assert.Equal(t, "http://streams.local/c.mp3", fx.renderer.lastLoad().loc.URL)
}

func TestStopDiscardsInflightResolution(t *testing.T) {
	fx := newFixture(t, 2, Config{})
	require.NoError(t, fx.machine.Play(0))

	// Stop before the resolution lands; the stale result must not
	// restart rendering.
	fx.machine.Stop()
	res := <-fx.posts
	fx.machine.HandleResolveResult(res)

	assert.Equal(t, StatusStopped, fx.machine.State().Status)
	assert.Equal(t, 0, fx.renderer.loadCount())
	// Cursor survives a stop.
	assert.NotZero(t, fx.queue.CursorSlot())
}

func TestSkipForwardAndExhaustion(t *testing.T) {
	fx := newFixture(t, 2, Config{})
	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)

	fx.machine.Skip(queue.Forward)
	fx.pump(t)
	assert.Equal(t, "http://streams.local/b.mp3", fx.renderer.lastLoad().loc.URL)
	assert.Equal(t, StatusPlaying, fx.machine.State().Status)

	// No repeat: advancing past the end stops playback.
	fx.machine.Skip(queue.Forward)
	assert.Equal(t, StatusStopped, fx.machine.State().Status)
}

func TestSkipWhileStoppedOnlyMovesCursor(t *testing.T) {
	fx := newFixture(t, 3, Config{})
	first := fx.queue.CursorSlot()

	fx.machine.Skip(queue.Forward)
	assert.Equal(t, StatusStopped, fx.machine.State().Status)
	assert.NotEqual(t, first, fx.queue.CursorSlot())
	assert.Equal(t, 0, fx.renderer.loadCount())
}

func TestCompleteAdvancesToNextTrack(t *testing.T) {
	fx := newFixture(t, 2, Config{})
	require.NoError(t, fx.machine.Play(0))
	res := fx.pump(t)

	fx.machine.HandleRenderEvent(render.Event{Kind: render.EventComplete, Token: res.Token})
	fx.pump(t)

	assert.Equal(t, "http://streams.local/b.mp3", fx.renderer.lastLoad().loc.URL)
	assert.Equal(t, StatusPlaying, fx.machine.State().Status)
}

func TestCompleteOnLastTrackStops(t *testing.T) {
	fx := newFixture(t, 1, Config{})
	require.NoError(t, fx.machine.Play(0))
	res := fx.pump(t)

	fx.machine.HandleRenderEvent(render.Event{Kind: render.EventComplete, Token: res.Token})
	assert.Equal(t, StatusStopped, fx.machine.State().Status)
	assert.Empty(t, fx.playbackErrors())
}

func TestStaleRenderEventsAreDropped(t *testing.T) {
	fx := newFixture(t, 2, Config{})
	require.NoError(t, fx.machine.Play(0))
	res := fx.pump(t)

	fx.machine.Skip(queue.Forward)
	fx.pump(t)

	// Completion of the superseded session must not advance again.
	fx.machine.HandleRenderEvent(render.Event{Kind: render.EventComplete, Token: res.Token})
	select {
	case <-fx.posts:
		t.Fatal("stale completion triggered a new resolution")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAutoSkipStopsAtAttemptCap(t *testing.T) {
	fx := newFixture(t, 5, Config{AutoSkipLimit: 3})
	fx.resolver.failAll = true

	require.NoError(t, fx.machine.Play(0))
	for i := 0; i < 3; i++ {
		fx.pump(t)
	}

	errs := fx.playbackErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, KindUnresolvable, errs[0].Kind)
	assert.Equal(t, StatusStopped, fx.machine.State().Status)

	fx.resolver.mu.Lock()
	attempts := len(fx.resolver.calls)
	fx.resolver.mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestAutoSkipStopsWhenQueueExhausted(t *testing.T) {
	fx := newFixture(t, 2, Config{AutoSkipLimit: 5})
	fx.resolver.failAll = true

	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)
	fx.pump(t)

	errs := fx.playbackErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, StatusStopped, fx.machine.State().Status)
}

func TestAutoSkipRecoversMidChain(t *testing.T) {
	fx := newFixture(t, 3, Config{AutoSkipLimit: 3})
	// First track is broken; the second resolves fine, ending the
	// chain without an error.
	fx.resolver.failIDs = map[string]bool{"a": true}

	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)
	fx.pump(t)

	assert.Empty(t, fx.playbackErrors())
	assert.Equal(t, StatusPlaying, fx.machine.State().Status)
	assert.Equal(t, "http://streams.local/b.mp3", fx.renderer.lastLoad().loc.URL)
}

func TestDeviceFailureIsTerminal(t *testing.T) {
	fx := newFixture(t, 3, Config{AutoSkipLimit: 3})
	require.NoError(t, fx.machine.Play(0))
	res := fx.pump(t)

	fx.machine.HandleRenderEvent(render.Event{
		Kind:    render.EventFailed,
		Token:   res.Token,
		Failure: render.FailureDevice,
		Err:     errors.New("device gone"),
	})

	errs := fx.playbackErrors()
	require.Len(t, errs, 1)
	assert.Equal(t, KindDeviceFailure, errs[0].Kind)
	assert.Equal(t, StatusStopped, fx.machine.State().Status)
}

func TestDecodeFailureAutoSkips(t *testing.T) {
	fx := newFixture(t, 2, Config{AutoSkipLimit: 3})
	require.NoError(t, fx.machine.Play(0))
	res := fx.pump(t)

	fx.machine.HandleRenderEvent(render.Event{
		Kind:    render.EventFailed,
		Token:   res.Token,
		Failure: render.FailureDecode,
		Err:     errors.New("bad frame"),
	})
	fx.pump(t)

	assert.Empty(t, fx.playbackErrors())
	assert.Equal(t, "http://streams.local/b.mp3", fx.renderer.lastLoad().loc.URL)
}

func TestCursorRemovedRestartsAtNewCursor(t *testing.T) {
	fx := newFixture(t, 3, Config{})
	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)

	slot := fx.queue.CursorSlot()
	wasCursor, err := fx.queue.Remove(slot)
	require.NoError(t, err)
	require.True(t, wasCursor)

	fx.machine.CursorRemoved()
	fx.pump(t)
	assert.Equal(t, "http://streams.local/b.mp3", fx.renderer.lastLoad().loc.URL)
}

func TestCursorRemovedOnLastEntryStops(t *testing.T) {
	fx := newFixture(t, 1, Config{})
	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)

	slot := fx.queue.CursorSlot()
	_, err := fx.queue.Remove(slot)
	require.NoError(t, err)

	fx.machine.CursorRemoved()
	assert.Equal(t, StatusStopped, fx.machine.State().Status)
}

func TestVolumeAndMute(t *testing.T) {
	fx := newFixture(t, 1, Config{InitialVolume: 50})
	assert.Equal(t, 50, fx.machine.State().Volume)

	fx.machine.SetVolume(150)
	assert.Equal(t, 100, fx.machine.State().Volume)

	fx.machine.ChangeVolume(-30)
	assert.Equal(t, 70, fx.machine.State().Volume)
	assert.Equal(t, 70, fx.renderer.lastVolume())

	fx.machine.ToggleMute()
	assert.True(t, fx.machine.State().Muted)
	assert.Equal(t, 0, fx.renderer.lastVolume())
	// Configured level survives the mute.
	assert.Equal(t, 70, fx.machine.State().Volume)

	// Volume changes while muted do not touch the device.
	fx.machine.SetVolume(30)
	assert.Equal(t, 0, fx.renderer.lastVolume())

	fx.machine.ToggleMute()
	assert.False(t, fx.machine.State().Muted)
	assert.Equal(t, 30, fx.renderer.lastVolume())
}

func TestSeekRequiresActiveTrack(t *testing.T) {
	fx := newFixture(t, 1, Config{})
	assert.ErrorIs(t, fx.machine.Seek(time.Second), ErrNotActive)

	require.NoError(t, fx.machine.Play(0))
	fx.pump(t)
	fx.renderer.duration = 3 * time.Minute

	require.NoError(t, fx.machine.Seek(10*time.Minute))
	assert.Equal(t, 3*time.Minute, fx.machine.State().Position)

	require.NoError(t, fx.machine.Restart())
	assert.Equal(t, time.Duration(0), fx.machine.State().Position)
}

func TestRepeatWrapsSingleTrack(t *testing.T) {
	fx := newFixture(t, 1, Config{})
	fx.machine.ToggleRepeat()
	require.NoError(t, fx.machine.Play(0))
	res := fx.pump(t)

	fx.machine.HandleRenderEvent(render.Event{Kind: render.EventComplete, Token: res.Token})
	fx.pump(t)
	assert.Equal(t, StatusPlaying, fx.machine.State().Status)
	assert.Equal(t, 2, fx.renderer.loadCount())
}
