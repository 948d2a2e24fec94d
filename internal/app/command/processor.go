package command

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/playdeck/internal/app/queue"
	"github.com/osa030/playdeck/internal/app/transport"
	"github.com/osa030/playdeck/internal/domain/track"
	"github.com/osa030/playdeck/internal/render"
)

// ErrClosed is returned when submitting to a closed processor.
var ErrClosed = errors.New("command processor closed")

// Catalog is the provider surface the processor needs: browsing,
// metadata enrichment, container flattening and stream resolution.
type Catalog interface {
	transport.Resolver
	Browse(ctx context.Context, path string) (*track.LibraryNode, error)
	Metadata(ctx context.Context, ref track.Ref) (*track.Metadata, error)
	Flatten(ctx context.Context, path string) ([]track.Metadata, error)
}

// Config holds processor configuration.
type Config struct {
	Transport     transport.Config
	LookupTimeout time.Duration // Bound on metadata/browse provider calls
	EventBuffer   int           // Per-subscriber event channel depth
}

// input is one item on the serialized inbound channel: a controller
// command, a render-origin event, or a completed stream resolution.
type input struct {
	req      *request
	renderEv *render.Event
	resolve  *transport.ResolveResult
}

type request struct {
	cmd   Command
	reply chan reply
}

type reply struct {
	result Result
	err    error
}

// Processor serializes every mutation of the queue and the transport
// machine: commands from any number of controllers and events from the
// render context are drained by one consumer loop and applied in
// arrival order, then the resulting snapshot is broadcast. This single
// total order is what keeps concurrent controllers consistent without
// fine-grained locking.
type Processor struct {
	cfg      Config
	queue    *queue.Queue
	machine  *transport.Machine
	catalog  Catalog
	renderer render.Port

	in chan input

	subMu sync.RWMutex
	subs  map[string]chan Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates a processor owning a new transport machine over
// the given queue, catalog and renderer.
func NewProcessor(cfg Config, q *queue.Queue, catalog Catalog, renderer render.Port) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		cfg:      cfg,
		queue:    q,
		catalog:  catalog,
		renderer: renderer,
		in:       make(chan input, 32),
		subs:     make(map[string]chan Event),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.machine = transport.NewMachine(cfg.Transport, q, catalog, renderer, p.postResolve, p.emitError)
	return p
}

// Machine exposes the transport machine for state reads.
func (p *Processor) Machine() *transport.Machine {
	return p.machine
}

// Run drains the inbound channel until Close. It blocks; callers run
// it on its own goroutine.
func (p *Processor) Run() {
	defer close(p.done)
	go p.pumpRenderEvents()

	for {
		select {
		case <-p.ctx.Done():
			return
		case in := <-p.in:
			p.dispatch(in)
		}
	}
}

// Close stops the loop and releases subscribers.
func (p *Processor) Close() {
	p.cancel()
	<-p.done

	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}
}

// Done is closed when the loop has exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// Submit sends a command and waits for it to be fully applied.
// Validation errors are returned synchronously and leave state
// untouched; commands are idempotent-safe to resend.
func (p *Processor) Submit(ctx context.Context, cmd Command) (Result, error) {
	req := &request{cmd: cmd, reply: make(chan reply, 1)}
	select {
	case p.in <- input{req: req}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, ErrClosed
	}
	select {
	case rep := <-req.reply:
		return rep.result, rep.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.ctx.Done():
		return Result{}, ErrClosed
	}
}

// Subscribe registers an event channel and returns its id. Slow
// subscribers have events dropped rather than blocking the loop.
func (p *Processor) Subscribe() (string, <-chan Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()

	depth := p.cfg.EventBuffer
	if depth <= 0 {
		depth = 16
	}
	id := uuid.New().String()
	ch := make(chan Event, depth)
	p.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscription.
func (p *Processor) Unsubscribe(id string) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

// postResolve re-enters a completed resolution into the loop. Called
// from resolution goroutines.
func (p *Processor) postResolve(res transport.ResolveResult) {
	select {
	case p.in <- input{resolve: &res}:
	case <-p.ctx.Done():
	}
}

func (p *Processor) pumpRenderEvents() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-p.renderer.Events():
			if !ok {
				return
			}
			select {
			case p.in <- input{renderEv: &ev}:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

func (p *Processor) dispatch(in input) {
	switch {
	case in.req != nil:
		result, err := p.apply(in.req.cmd)
		if err == nil {
			result.Snapshot = p.snapshot()
		}
		in.req.reply <- reply{result: result, err: err}
		if err == nil && in.req.cmd.Type != TypeGetState && in.req.cmd.Type != TypeBrowse {
			p.broadcastSnapshot()
		}
	case in.renderEv != nil:
		p.machine.HandleRenderEvent(*in.renderEv)
		if in.renderEv.Kind == render.EventPosition {
			// Advisory; broadcast as a discrete event instead of a
			// full snapshot.
			p.broadcast(Event{
				Kind:     EventPosition,
				Position: in.renderEv.Position,
				Duration: p.machine.State().Duration,
			})
			return
		}
		p.broadcastSnapshot()
	case in.resolve != nil:
		p.machine.HandleResolveResult(*in.resolve)
		p.broadcastSnapshot()
	}
}

// apply runs one command against the queue and the machine. Commands
// span both; only after the whole mutation is applied does the caller
// broadcast the resulting snapshot.
func (p *Processor) apply(cmd Command) (Result, error) {
	zlog.Debug().Msgf("command: applying %s", cmd.Type)
	switch cmd.Type {
	case TypePlay:
		return Result{}, p.machine.Play(cmd.Slot)
	case TypePause:
		p.machine.Pause()
	case TypeResume:
		p.machine.Resume()
	case TypeStop:
		p.machine.Stop()
	case TypeNext:
		p.machine.Skip(queue.Forward)
	case TypePrevious:
		p.machine.Skip(queue.Backward)
	case TypeSeek:
		if cmd.SeekMs < 0 {
			return Result{}, errors.Wrap(ErrInvalidCommand, "negative seek position")
		}
		return Result{}, p.machine.Seek(time.Duration(cmd.SeekMs) * time.Millisecond)
	case TypeRestart:
		return Result{}, p.machine.Restart()
	case TypeSetVolume:
		if cmd.Volume < 0 || cmd.Volume > 100 {
			return Result{}, errors.Wrapf(ErrInvalidCommand, "volume %d out of range", cmd.Volume)
		}
		p.machine.SetVolume(cmd.Volume)
	case TypeChangeVolume:
		p.machine.ChangeVolume(cmd.Delta)
	case TypeToggleMute:
		p.machine.ToggleMute()
	case TypeToggleShuffle:
		p.machine.ToggleShuffle()
	case TypeToggleRepeat:
		p.machine.ToggleRepeat()
	case TypeQueueReplace:
		tracks, err := p.collectTracks(cmd.URIs)
		if err != nil {
			return Result{}, err
		}
		p.queue.Replace(tracks)
		if len(tracks) == 0 {
			// Replacing with nothing is the clear case.
			p.machine.Stop()
			return Result{}, nil
		}
		return Result{}, p.machine.StartCursor()
	case TypeQueueAppend:
		tracks, err := p.collectTracks(cmd.URIs)
		if err != nil {
			return Result{}, err
		}
		return Result{}, p.queue.Append(tracks)
	case TypeQueueInsert:
		tracks, err := p.collectTracks(cmd.URIs)
		if err != nil {
			return Result{}, err
		}
		return Result{}, p.queue.InsertAtCursor(tracks)
	case TypeQueueRemove:
		wasCursor, err := p.queue.Remove(cmd.Slot)
		if err != nil {
			return Result{}, err
		}
		if wasCursor {
			p.machine.CursorRemoved()
		}
	case TypeQueueReorder:
		return Result{}, p.queue.Reorder(cmd.Slot, cmd.Index)
	case TypeQueueClearKeepCurrent:
		p.queue.ClearKeepCurrent()
	case TypeQueueClearAll:
		p.queue.ClearAll()
		p.machine.Stop()
	case TypeQueueJump:
		if err := p.queue.JumpTo(cmd.Slot); err != nil {
			return Result{}, err
		}
		if p.machine.State().Status != transport.StatusStopped {
			return Result{}, p.machine.StartCursor()
		}
	case TypeBrowse:
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.LookupTimeout)
		defer cancel()
		node, err := p.catalog.Browse(ctx, cmd.Path)
		if err != nil {
			return Result{}, err
		}
		return Result{Node: node}, nil
	case TypeGetState:
		// Snapshot is attached by the dispatcher.
	default:
		return Result{}, errors.Wrapf(ErrInvalidCommand, "unknown command %q", cmd.Type)
	}
	return Result{}, nil
}

// collectTracks resolves queue-mutation URIs into track metadata:
// track URIs are enriched via the provider, container paths are
// flattened. Tracks the provider cannot describe are skipped with a
// warning; a malformed URI rejects the whole command.
func (p *Processor) collectTracks(uris []string) ([]track.Metadata, error) {
	if len(uris) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.LookupTimeout)
	defer cancel()

	var out []track.Metadata
	for _, uri := range uris {
		if track.IsTrackURI(uri) {
			ref, err := track.ParseRef(uri)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidCommand, "%v", err)
			}
			meta, err := p.catalog.Metadata(ctx, ref)
			if err != nil {
				zlog.Warn().Msgf("command: skipping unresolvable track %s: %v", uri, err)
				continue
			}
			out = append(out, *meta)
			continue
		}
		tracks, err := p.catalog.Flatten(ctx, uri)
		if err != nil {
			zlog.Warn().Msgf("command: skipping unbrowsable path %s: %v", uri, err)
			continue
		}
		out = append(out, tracks...)
	}
	return out, nil
}

func (p *Processor) snapshot() *Snapshot {
	return &Snapshot{
		State:      p.machine.State(),
		Queue:      p.queue.Entries(),
		CursorSlot: p.queue.CursorSlot(),
	}
}

func (p *Processor) broadcastSnapshot() {
	p.broadcast(Event{Kind: EventSnapshot, Snapshot: p.snapshot()})
}

// emitError surfaces a terminal playback error. Runs on the loop.
func (p *Processor) emitError(pe *transport.PlaybackError) {
	p.broadcast(Event{Kind: EventError, Err: pe})
}

func (p *Processor) broadcast(ev Event) {
	p.subMu.RLock()
	defer p.subMu.RUnlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			zlog.Warn().Msgf("command: dropping event for slow subscriber %s", id)
		}
	}
}
