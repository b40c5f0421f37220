package position

import (
	"errors"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("position not found")

type entry struct {
	// checkMu serializes whole health-check passes for one position.
	// It may be held across gateway I/O; mu protects the struct and
	// is only held for short copy/mutate sections.
	checkMu sync.Mutex
	mu      sync.Mutex
	pos     HedgedPosition
}

// Book is the arena of live positions keyed by id plus the completed
// history. External readers only ever receive copies.
type Book struct {
	mu      sync.RWMutex
	active  map[string]*entry
	history []HedgedPosition
}

func NewBook() *Book {
	return &Book{active: make(map[string]*entry)}
}

func (b *Book) add(pos HedgedPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active[pos.ID] = &entry{pos: pos}
}

func (b *Book) get(id string) (*entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.active[id]
	return e, ok
}

// snapshot returns a copy of the position under its entry lock.
func (e *entry) snapshot() HedgedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.pos
	pos.Notes = append([]string(nil), e.pos.Notes...)
	return pos
}

func (e *entry) update(fn func(*HedgedPosition)) HedgedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.pos)
	pos := e.pos
	pos.Notes = append([]string(nil), e.pos.Notes...)
	return pos
}

// recordFailed writes a position that never became active straight to
// history.
func (b *Book) recordFailed(pos HedgedPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, pos)
}

// retire moves a terminal position out of the arena into history.
func (b *Book) retire(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.active[id]
	if !ok {
		return
	}
	delete(b.active, id)
	b.history = append(b.history, e.snapshot())
}

// Active returns copies of all live positions, oldest first.
func (b *Book) Active() []HedgedPosition {
	b.mu.RLock()
	entries := make([]*entry, 0, len(b.active))
	for _, e := range b.active {
		entries = append(entries, e)
	}
	b.mu.RUnlock()
	out := make([]HedgedPosition, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Completed returns copies of the position history.
func (b *Book) Completed() []HedgedPosition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]HedgedPosition, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Book) ActiveIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
