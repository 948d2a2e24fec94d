// Package queue provides the slot-addressed play queue.
package queue

import (
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/osa030/playdeck/internal/domain/track"
)

// Errors
var (
	ErrSlotNotFound = errors.New("queue slot not found")
	ErrEmptyInput   = errors.New("no tracks given")
)

// Direction selects which way Advance moves the cursor.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Entry is one queue position. The slot id is locally unique and never
// reused, so the same track queued twice is individually addressable.
type Entry struct {
	Slot  uint64
	Track track.Metadata
}

// Queue is an ordered sequence of entries plus a cursor marking the
// current one. It is not safe for concurrent use; all mutation is
// serialized by the command processor.
type Queue struct {
	entries  []Entry
	nextSlot uint64
	cursor   uint64 // slot id of the current entry, 0 = none

	// Shuffle bookkeeping: slots played since the last reshuffle, in
	// play order. history[len-1] is the cursor while a cursor exists.
	history []uint64
	rng     *rand.Rand
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Entries returns a copy of the entries in queue order.
func (q *Queue) Entries() []Entry {
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// CursorSlot returns the cursor's slot id, or 0 if there is no cursor.
func (q *Queue) CursorSlot() uint64 {
	return q.cursor
}

// Current returns the cursor's entry.
func (q *Queue) Current() (Entry, bool) {
	return q.bySlot(q.cursor)
}

// Get returns the entry with the given slot id.
func (q *Queue) Get(slot uint64) (Entry, bool) {
	return q.bySlot(slot)
}

func (q *Queue) bySlot(slot uint64) (Entry, bool) {
	if slot == 0 {
		return Entry{}, false
	}
	for _, e := range q.entries {
		if e.Slot == slot {
			return e, true
		}
	}
	return Entry{}, false
}

func (q *Queue) indexOf(slot uint64) int {
	for i, e := range q.entries {
		if e.Slot == slot {
			return i
		}
	}
	return -1
}

func (q *Queue) newEntries(tracks []track.Metadata) []Entry {
	entries := make([]Entry, len(tracks))
	for i, t := range tracks {
		q.nextSlot++
		entries[i] = Entry{Slot: q.nextSlot, Track: t}
	}
	return entries
}

func (q *Queue) setCursor(slot uint64) {
	q.cursor = slot
	if slot == 0 {
		q.history = q.history[:0]
	} else {
		q.history = append(q.history[:0], slot)
	}
}

// Replace clears the queue, inserts the given tracks and sets the
// cursor to the first new entry. An empty input is the clear case, not
// an error: the queue becomes empty and the cursor none.
func (q *Queue) Replace(tracks []track.Metadata) {
	q.entries = q.newEntries(tracks)
	if len(q.entries) > 0 {
		q.setCursor(q.entries[0].Slot)
	} else {
		q.setCursor(0)
	}
}

// Append inserts tracks at the end. If the queue was empty, the cursor
// is set to the first appended entry.
func (q *Queue) Append(tracks []track.Metadata) error {
	if len(tracks) == 0 {
		return ErrEmptyInput
	}
	wasEmpty := len(q.entries) == 0
	added := q.newEntries(tracks)
	q.entries = append(q.entries, added...)
	if wasEmpty {
		q.setCursor(added[0].Slot)
	}
	return nil
}

// InsertAtCursor inserts tracks immediately after the cursor, or at the
// start if there is no cursor. The cursor itself is unchanged.
func (q *Queue) InsertAtCursor(tracks []track.Metadata) error {
	if len(tracks) == 0 {
		return ErrEmptyInput
	}
	at := 0
	if idx := q.indexOf(q.cursor); idx >= 0 {
		at = idx + 1
	}
	added := q.newEntries(tracks)
	q.entries = append(q.entries[:at], append(added, q.entries[at:]...)...)
	return nil
}

// Remove removes the entry with the given slot id. If it was the
// cursor, the cursor moves to the next remaining entry, or the previous
// one if none follows, or none if the queue becomes empty. Returns
// whether the removed entry was the cursor so the caller can stop or
// restart the active render.
func (q *Queue) Remove(slot uint64) (wasCursor bool, err error) {
	idx := q.indexOf(slot)
	if idx < 0 {
		return false, errors.Wrapf(ErrSlotNotFound, "slot %d", slot)
	}
	wasCursor = slot == q.cursor
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.dropHistory(slot)

	if wasCursor {
		switch {
		case len(q.entries) == 0:
			q.setCursor(0)
		case idx < len(q.entries):
			q.setCursor(q.entries[idx].Slot)
		default:
			q.setCursor(q.entries[idx-1].Slot)
		}
	}
	return wasCursor, nil
}

func (q *Queue) dropHistory(slot uint64) {
	for i, s := range q.history {
		if s == slot {
			q.history = append(q.history[:i], q.history[i+1:]...)
			return
		}
	}
}

// ClearKeepCurrent removes every entry except the cursor's.
func (q *Queue) ClearKeepCurrent() {
	cur, ok := q.Current()
	if !ok {
		q.entries = nil
		return
	}
	q.entries = []Entry{cur}
	q.setCursor(cur.Slot)
}

// ClearAll empties the queue and clears the cursor. Stopping the active
// render is the state machine's responsibility.
func (q *Queue) ClearAll() {
	q.entries = nil
	q.setCursor(0)
}

// Reorder moves the entry with the given slot id to a new index. The
// cursor tracks its entry by slot identity, so reordering never changes
// which entry is current.
func (q *Queue) Reorder(slot uint64, newIndex int) error {
	idx := q.indexOf(slot)
	if idx < 0 {
		return errors.Wrapf(ErrSlotNotFound, "slot %d", slot)
	}
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(q.entries)-1 {
		newIndex = len(q.entries) - 1
	}
	e := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.entries = append(q.entries[:newIndex], append([]Entry{e}, q.entries[newIndex:]...)...)
	return nil
}

// JumpTo sets the cursor directly to the given slot. The shuffle
// history restarts from the target entry.
func (q *Queue) JumpTo(slot uint64) error {
	if _, ok := q.bySlot(slot); !ok {
		return errors.Wrapf(ErrSlotNotFound, "slot %d", slot)
	}
	q.setCursor(slot)
	return nil
}

// EnsureCursor sets the cursor to the first entry when the queue is
// non-empty but no cursor exists (possible after InsertAtCursor into an
// empty queue). Reports whether a cursor exists afterwards.
func (q *Queue) EnsureCursor() bool {
	if q.cursor == 0 && len(q.entries) > 0 {
		q.setCursor(q.entries[0].Slot)
	}
	return q.cursor != 0
}

// Advance moves the cursor one step in the given direction and returns
// the new current entry. wrap applies repeat semantics at the queue
// edges; shuffle picks a pseudo-random unvisited entry instead of the
// next one, reshuffling once every entry has been visited. When no
// entry is available (queue exhausted and wrap off, or empty queue) the
// cursor is left unchanged and ok is false.
func (q *Queue) Advance(dir Direction, wrap, shuffle bool) (Entry, bool) {
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	if q.cursor == 0 {
		// No cursor yet: enter the queue at the edge.
		if dir == Forward {
			q.setCursor(q.entries[0].Slot)
		} else {
			q.setCursor(q.entries[len(q.entries)-1].Slot)
		}
		return q.Current()
	}
	if shuffle {
		return q.advanceShuffle(dir, wrap)
	}
	return q.advanceLinear(dir, wrap)
}

func (q *Queue) advanceLinear(dir Direction, wrap bool) (Entry, bool) {
	idx := q.indexOf(q.cursor)
	if idx < 0 {
		return Entry{}, false
	}
	var next int
	if dir == Forward {
		next = idx + 1
		if next >= len(q.entries) {
			if !wrap {
				return Entry{}, false
			}
			next = 0
		}
	} else {
		next = idx - 1
		if next < 0 {
			if !wrap {
				return Entry{}, false
			}
			next = len(q.entries) - 1
		}
	}
	q.setCursor(q.entries[next].Slot)
	return q.Current()
}

func (q *Queue) advanceShuffle(dir Direction, wrap bool) (Entry, bool) {
	if dir == Backward {
		// Walk back through the play history.
		if len(q.history) < 2 {
			return Entry{}, false
		}
		q.history = q.history[:len(q.history)-1]
		q.cursor = q.history[len(q.history)-1]
		return q.Current()
	}
	unvisited := q.unvisitedSlots()
	if len(unvisited) == 0 {
		if !wrap {
			return Entry{}, false
		}
		// Every entry visited: start a fresh shuffle round.
		q.history = q.history[:0]
		unvisited = q.unvisitedSlots()
	}
	slot := unvisited[q.rng.Intn(len(unvisited))]
	q.cursor = slot
	q.history = append(q.history, slot)
	return q.Current()
}

func (q *Queue) unvisitedSlots() []uint64 {
	seen := make(map[uint64]bool, len(q.history))
	for _, s := range q.history {
		seen[s] = true
	}
	var out []uint64
	for _, e := range q.entries {
		if !seen[e.Slot] {
			out = append(out, e.Slot)
		}
	}
	return out
}
