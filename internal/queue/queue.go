// ABOUTME: Ordered playback queue of current, next and queued entries
// ABOUTME: Computes positions on every change and reports promotions
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Resonate-Protocol/playout/internal/passages"
	"github.com/google/uuid"
)

// ErrUnknownEntry is returned for ids not in the queue.
var ErrUnknownEntry = errors.New("unknown queue entry")

// NoChain marks an entry without an assigned decode chain.
const NoChain = -1

// Entry is one queued passage.
type Entry struct {
	ID         uuid.UUID
	Passage    passages.Passage
	Position   Position
	ChainID    int
	EnqueuedAt time.Time
}

// HasChain reports whether a decode chain serves the entry.
func (e Entry) HasChain() bool { return e.ChainID != NoChain }

// Promotion records an entry whose priority improved after a removal.
type Promotion struct {
	EntryID uuid.UUID
	From    Position
	To      Position
}

// Queue is safe for concurrent use. Methods return copies.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	now     func() time.Time
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{now: time.Now}
}

// Enqueue appends p. The returned entry carries the position computed
// before insertion, which is also its position after it.
func (q *Queue) Enqueue(p passages.Passage) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &Entry{
		ID:         uuid.New(),
		Passage:    p,
		Position:   PositionAt(len(q.entries)),
		ChainID:    NoChain,
		EnqueuedAt: q.now(),
	}
	q.entries = append(q.entries, e)
	return *e
}

// Advance removes the current entry.
func (q *Queue) Advance() (Entry, []Promotion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return Entry{}, nil, false
	}
	removed, promos := q.removeAt(0)
	return removed, promos, true
}

// Remove deletes the entry with id from any position.
func (q *Queue) Remove(id uuid.UUID) (Entry, []Promotion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return Entry{}, nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	removed, promos := q.removeAt(i)
	return removed, promos, nil
}

// removeAt deletes index i and returns the entries whose priority improved.
// Identities of Next and Queued[0] are captured before the removal; after it
// the only entries that can change priority are those two.
func (q *Queue) removeAt(i int) (Entry, []Promotion) {
	var watched []*Entry
	for _, idx := range []int{1, 2} {
		if idx < len(q.entries) && idx != i {
			watched = append(watched, q.entries[idx])
		}
	}
	before := make(map[uuid.UUID]Position, len(watched))
	for _, e := range watched {
		before[e.ID] = e.Position
	}

	removed := *q.entries[i]
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	q.renumber()

	var promos []Promotion
	for _, e := range watched {
		from := before[e.ID]
		if e.Position.Priority() < from.Priority() {
			promos = append(promos, Promotion{EntryID: e.ID, From: from, To: e.Position})
		}
	}
	return removed, promos
}

func (q *Queue) renumber() {
	for i, e := range q.entries {
		e.Position = PositionAt(i)
	}
}

func (q *Queue) indexOf(id uuid.UUID) int {
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// SetChain records the decode chain serving id. Use NoChain to clear.
func (q *Queue) SetChain(id uuid.UUID, chainID int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	q.entries[i].ChainID = chainID
	return nil
}

// Get returns the entry with id.
func (q *Queue) Get(id uuid.UUID) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.indexOf(id); i >= 0 {
		return *q.entries[i], true
	}
	return Entry{}, false
}

// At returns the entry at list index i.
func (q *Queue) At(i int) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i < 0 || i >= len(q.entries) {
		return Entry{}, false
	}
	return *q.entries[i], true
}

// Current returns the head entry.
func (q *Queue) Current() (Entry, bool) { return q.At(0) }

// Next returns the entry after Current.
func (q *Queue) Next() (Entry, bool) { return q.At(1) }

// Entries returns a snapshot in queue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
