// Package audio renders streams to the local output device via beep.
package audio

import (
	"bytes"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/render"
)

// outputRate is the fixed device sample rate; track streams are
// resampled onto it so the speaker is initialized exactly once.
const outputRate = beep.SampleRate(44100)

// ErrNoSession is returned by Seek when no stream is loaded.
var ErrNoSession = errors.New("no stream loaded")

// Config holds audio engine configuration.
type Config struct {
	PositionInterval time.Duration // Cadence of advisory position events
	FetchTimeout     time.Duration // Bound on fetching a stream into memory
	BufferSize       time.Duration // Speaker buffer length
}

// Engine implements render.Port on the gopxl/beep stack: streams are
// fetched into memory, decoded as MP3 and mixed onto the speaker.
// LoadAndStart returns immediately; the fetch and decode run on a
// session goroutine whose emissions carry the caller's token.
//
// Lock order is engine mutex first, speaker lock second, everywhere.
// The completion callback runs inside the mixer, so it hops to a fresh
// goroutine before touching engine state.
type Engine struct {
	cfg    Config
	client *http.Client
	events chan render.Event

	mu          sync.Mutex
	token       uint64
	loaded      bool
	streamer    beep.StreamSeekCloser
	format      beep.Format
	ctrl        *beep.Ctrl
	volume      *effects.Volume
	duration    time.Duration
	percent     int
	sessionDone chan struct{}
	closed      bool
}

// New initializes the output device and returns the engine.
func New(cfg Config) (*Engine, error) {
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100 * time.Millisecond
	}
	if err := speaker.Init(outputRate, outputRate.N(cfg.BufferSize)); err != nil {
		return nil, errors.Wrap(err, "failed to initialize output device")
	}
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		events: make(chan render.Event, 64),
	}, nil
}

// LoadAndStart implements render.Port.
func (e *Engine) LoadAndStart(token uint64, loc track.StreamLocation) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.supersedeLocked()
	e.token = token
	e.mu.Unlock()

	go e.load(token, loc)
}

// load fetches and decodes the stream, then hands it to the mixer.
func (e *Engine) load(token uint64, loc track.StreamLocation) {
	body, err := e.fetch(loc.URL)
	if err != nil {
		e.emit(render.Event{Kind: render.EventFailed, Token: token, Failure: render.FailureUnreachable, Err: err})
		return
	}
	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(body)))
	if err != nil {
		e.emit(render.Event{
			Kind: render.EventFailed, Token: token, Failure: render.FailureDecode,
			Err: errors.Wrapf(err, "failed to decode stream %s", loc.URL),
		})
		return
	}

	e.mu.Lock()
	if e.closed || e.token != token {
		// Superseded while fetching.
		e.mu.Unlock()
		streamer.Close()
		return
	}
	ctrl := &beep.Ctrl{Streamer: beep.Resample(4, format.SampleRate, outputRate, streamer)}
	vol := &effects.Volume{
		Streamer: ctrl,
		Base:     2,
		Volume:   percentToGain(e.percent),
		Silent:   e.percent <= 0,
	}
	done := make(chan struct{})
	e.streamer = streamer
	e.format = format
	e.ctrl = ctrl
	e.volume = vol
	e.duration = format.SampleRate.D(streamer.Len())
	e.sessionDone = done
	e.loaded = true
	duration := e.duration

	speaker.Clear()
	speaker.Play(beep.Seq(vol, beep.Callback(func() {
		// Runs inside the mixer; leave before taking the engine mutex.
		go e.complete(token)
	})))
	e.mu.Unlock()

	e.emit(render.Event{Kind: render.EventStarted, Token: token, Duration: duration})
	go e.trackPosition(token, done)
}

func (e *Engine) fetch(url string) ([]byte, error) {
	resp, err := e.client.Get(url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch stream %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("failed to fetch stream %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read stream %s", url)
	}
	return body, nil
}

func (e *Engine) complete(token uint64) {
	e.mu.Lock()
	stale := e.closed || !e.loaded || e.token != token
	e.mu.Unlock()
	if stale {
		return
	}
	e.emit(render.Event{Kind: render.EventComplete, Token: token})
}

// trackPosition emits advisory position events until the session is
// superseded.
func (e *Engine) trackPosition(token uint64, done <-chan struct{}) {
	tick := time.NewTicker(e.cfg.PositionInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-tick.C:
			e.mu.Lock()
			if e.closed || !e.loaded || e.token != token {
				e.mu.Unlock()
				return
			}
			if e.ctrl.Paused {
				e.mu.Unlock()
				continue
			}
			speaker.Lock()
			pos := e.format.SampleRate.D(e.streamer.Position())
			speaker.Unlock()
			e.mu.Unlock()
			e.emit(render.Event{Kind: render.EventPosition, Token: token, Position: pos})
		}
	}
}

// Pause implements render.Port.
func (e *Engine) Pause() {
	e.setPaused(true)
}

// Resume implements render.Port.
func (e *Engine) Resume() {
	e.setPaused(false)
}

func (e *Engine) setPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return
	}
	speaker.Lock()
	e.ctrl.Paused = paused
	speaker.Unlock()
}

// Stop implements render.Port. A load still in flight is invalidated
// along with the active session.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.token = 0
	e.supersedeLocked()
}

// supersedeLocked discards the current session: the mixer is cleared,
// the decoder closed and the position ticker released. Callers hold
// the engine mutex.
func (e *Engine) supersedeLocked() {
	if e.sessionDone != nil {
		close(e.sessionDone)
		e.sessionDone = nil
	}
	if !e.loaded {
		return
	}
	speaker.Clear()
	e.streamer.Close()
	e.streamer = nil
	e.ctrl = nil
	e.volume = nil
	e.duration = 0
	e.loaded = false
}

// SetVolume implements render.Port.
func (e *Engine) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.percent = percent
	if e.volume == nil {
		return
	}
	speaker.Lock()
	e.volume.Volume = percentToGain(percent)
	e.volume.Silent = percent <= 0
	speaker.Unlock()
}

// Seek implements render.Port.
func (e *Engine) Seek(offset time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return ErrNoSession
	}
	speaker.Lock()
	err := e.streamer.Seek(e.format.SampleRate.N(offset))
	speaker.Unlock()
	if err != nil {
		return errors.Wrap(err, "failed to seek stream")
	}
	return nil
}

// Position implements render.Port.
func (e *Engine) Position() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return 0
	}
	speaker.Lock()
	pos := e.format.SampleRate.D(e.streamer.Position())
	speaker.Unlock()
	return pos
}

// Duration implements render.Port.
func (e *Engine) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

// Events implements render.Port.
func (e *Engine) Events() <-chan render.Event {
	return e.events
}

// Close implements render.Port.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.supersedeLocked()
	e.closed = true
	e.mu.Unlock()

	close(e.events)
	speaker.Close()
}

// emit delivers an event without ever blocking the render context.
func (e *Engine) emit(ev render.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
		zlog.Warn().Msgf("audio: dropping event, consumer too slow: kind=%d token=%d", ev.Kind, ev.Token)
	}
}

// percentToGain maps a 0..100 volume percentage onto beep's base-2
// logarithmic gain: 100 is unity, 50 is one octave down, 0 is silent.
func percentToGain(percent int) float64 {
	if percent <= 0 {
		return -10
	}
	if percent >= 100 {
		return 0
	}
	return math.Log2(float64(percent) / 100)
}
