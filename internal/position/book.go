package position

import (
	"fmt"
	"sync"

	"talon/internal/types"
)

// Book is the arena of live positions. One mutex guards the arena; exactly
// one Mutation may be in flight per position, which is how the exit
// evaluator and the order coordinator are kept from racing each other on
// the same position.
type Book struct {
	mu    sync.Mutex
	arena map[string]*types.Position
	busy  map[string]bool
}

func NewBook() *Book {
	return &Book{
		arena: make(map[string]*types.Position),
		busy:  make(map[string]bool),
	}
}

// Add registers a freshly admitted position. It must arrive Proposed.
func (b *Book) Add(p *types.Position) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("position: nil or missing id")
	}
	if p.Status != types.StatusProposed {
		return &IllegalTransition{From: p.Status, To: types.StatusProposed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.arena[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	b.arena[p.ID] = p.Clone()
	return nil
}

// Restore loads a persisted position during crash recovery, whatever its
// status.
func (b *Book) Restore(p *types.Position) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("position: nil or missing id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.arena[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	b.arena[p.ID] = p.Clone()
	return nil
}

// Get returns a deep copy; callers never see live arena memory.
func (b *Book) Get(id string) (*types.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.arena[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// List returns copies of positions in any of the given statuses; with no
// filter it returns everything.
func (b *Book) List(statuses ...types.PositionStatus) []*types.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*types.Position
	for _, p := range b.arena {
		if len(statuses) == 0 {
			out = append(out, p.Clone())
			continue
		}
		for _, s := range statuses {
			if p.Status == s {
				out = append(out, p.Clone())
				break
			}
		}
	}
	return out
}

// Mutation is the single-writer handle on one position. It works on a
// private copy; nothing is visible to readers until Commit. Either Commit
// or Abort must be called exactly once.
type Mutation struct {
	book *Book
	id   string
	work *types.Position
	done bool
}

// Begin acquires the transition slot for the position. A second initiator
// gets ErrTransitionInFlight instead of blocking, which is what lets the
// exit evaluator skip positions the coordinator is already resolving.
func (b *Book) Begin(id string) (*Mutation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.arena[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, id)
	}
	if b.busy[id] {
		return nil, fmt.Errorf("%w: %s", ErrTransitionInFlight, id)
	}
	b.busy[id] = true
	return &Mutation{book: b, id: id, work: p.Clone()}, nil
}

// Position is the mutation's private working copy.
func (m *Mutation) Position() *types.Position { return m.work }

// To moves the working copy through the state machine, rejecting any
// transition the table forbids.
func (m *Mutation) To(status types.PositionStatus) error {
	if !CanTransition(m.work.Status, status) {
		return &IllegalTransition{From: m.work.Status, To: status}
	}
	m.work.Status = status
	return nil
}

// Checkpoint publishes the current working copy while keeping the slot.
// The coordinator uses it so readers observe PartiallyFilled/Resolving in
// the middle of a long submit without the writer giving up exclusivity.
func (m *Mutation) Checkpoint() {
	if m.done {
		return
	}
	m.book.mu.Lock()
	m.book.arena[m.id] = m.work.Clone()
	m.book.mu.Unlock()
}

// Commit publishes the working copy and frees the transition slot.
func (m *Mutation) Commit() {
	if m.done {
		return
	}
	m.done = true
	m.book.mu.Lock()
	m.book.arena[m.id] = m.work.Clone()
	m.book.busy[m.id] = false
	m.book.mu.Unlock()
}

// Abort discards the working copy and frees the slot.
func (m *Mutation) Abort() {
	if m.done {
		return
	}
	m.done = true
	m.book.mu.Lock()
	m.book.busy[m.id] = false
	m.book.mu.Unlock()
}
