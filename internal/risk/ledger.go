// Package risk owns the shared mutable trading limits: correlation-group
// capacity and the aggregate buying-power counter. Both live behind one
// explicitly owned Ledger guarded by a single critical section; nothing in
// the engine reaches them through globals.
package risk

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"talon/internal/types"
)

// Token identifies one reservation. The ledger hands tokens out; positions
// store the token string, never a pointer back into the ledger.
type Token string

// GroupConfig declares one correlation group. BaseCapacity is the phase-1
// slot count; capacity grows by one slot per later phase.
type GroupConfig struct {
	Name         string   `mapstructure:"name"`
	Symbols      []string `mapstructure:"symbols"`
	BaseCapacity int      `mapstructure:"base_capacity"`
}

// MaxAllowed is the pure phase-scaling rule shared by the ledger and its
// diagnostics surface.
func (g GroupConfig) MaxAllowed(phase types.Phase) int {
	if !phase.Valid() {
		phase = types.Phase1
	}
	return g.BaseCapacity + int(phase) - 1
}

type reservation struct {
	group      string
	committed  bool
	capital    float64
	positionID string
}

type groupState struct {
	cfg   GroupConfig
	count int
}

// Ledger tracks reserved correlation slots and reserved buying power.
// Reserve/Commit/Release are atomic with respect to each other: a single
// mutex spans every read-modify-write, so concurrent admission attempts can
// never double-count a slot or exceed a cap.
type Ledger struct {
	mu           sync.Mutex
	groups       map[string]*groupState
	bySymbol     map[string]string
	reservations map[Token]*reservation

	equity          float64
	bpCapFraction   float64
	capitalReserved float64
}

func NewLedger(groups []GroupConfig, equity float64) *Ledger {
	l := &Ledger{
		groups:        make(map[string]*groupState, len(groups)),
		bySymbol:      make(map[string]string),
		reservations:  make(map[Token]*reservation),
		equity:        equity,
		bpCapFraction: 1,
	}
	for _, g := range groups {
		l.groups[g.Name] = &groupState{cfg: g}
		for _, sym := range g.Symbols {
			l.bySymbol[sym] = g.Name
		}
	}
	return l
}

// GroupForSymbol resolves a member symbol to its correlation group name.
func (l *Ledger) GroupForSymbol(symbol string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.bySymbol[symbol]
	return g, ok
}

// SetEquity refreshes the account equity used for the buying-power cap.
func (l *Ledger) SetEquity(equity float64) {
	l.mu.Lock()
	l.equity = equity
	l.mu.Unlock()
}

// SetBPCapFraction applies the current regime's buying-power cap.
func (l *Ledger) SetBPCapFraction(f float64) {
	l.mu.Lock()
	l.bpCapFraction = f
	l.mu.Unlock()
}

// Reserve takes one slot in the group and, when capital > 0, the matching
// buying power, as a single atomic step. Either both are taken or neither.
func (l *Ledger) Reserve(group string, phase types.Phase, capital float64) (Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	gs, ok := l.groups[group]
	if !ok {
		return "", &ValidationError{Field: "group", Reason: fmt.Sprintf("unknown correlation group %q", group)}
	}
	max := gs.cfg.MaxAllowed(phase)
	if gs.count+1 > max {
		return "", fmt.Errorf("%w: %s at %d/%d (phase %d)", ErrCorrelationLimit, group, gs.count, max, phase)
	}
	if capital > 0 {
		budget := l.equity * l.bpCapFraction
		if l.capitalReserved+capital > budget {
			return "", fmt.Errorf("%w: need %.2f, %.2f of %.2f already reserved",
				ErrCapitalExhausted, capital, l.capitalReserved, budget)
		}
	}

	gs.count++
	l.capitalReserved += capital
	if gs.count > max {
		// A logic defect, not contention: halt rather than trade on.
		panic(CorrelationInvariant(group, gs.count, max))
	}

	tok := Token(uuid.NewString())
	l.reservations[tok] = &reservation{group: group, capital: capital}
	return tok, nil
}

// Commit pins the reservation to an opened position. Committing twice is a
// no-op; committing an unknown token is an error because it means a slot is
// about to be occupied without ever having been reserved.
func (l *Ledger) Commit(tok Token, positionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[tok]
	if !ok {
		return fmt.Errorf("%w: commit %s", ErrUnknownToken, tok)
	}
	r.committed = true
	r.positionID = positionID
	return nil
}

// Release frees the slot and its capital. Releasing an already-released or
// unknown token is a no-op so the rollback path stays idempotent.
func (l *Ledger) Release(tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reservations[tok]
	if !ok {
		return
	}
	delete(l.reservations, tok)
	if gs, ok := l.groups[r.group]; ok && gs.count > 0 {
		gs.count--
	}
	l.capitalReserved -= r.capital
	if l.capitalReserved < 0 {
		l.capitalReserved = 0
	}
}

// GroupStat is a read-only slice of ledger state for diagnostics.
type GroupStat struct {
	Name     string `json:"name"`
	Count    int    `json:"count"`
	Capacity int    `json:"capacity"`
}

// Stats snapshots per-group occupancy at the given phase plus the capital
// counter, for the ops HTTP surface and logs.
func (l *Ledger) Stats(phase types.Phase) (groups []GroupStat, capitalReserved, budget float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, gs := range l.groups {
		groups = append(groups, GroupStat{Name: name, Count: gs.count, Capacity: gs.cfg.MaxAllowed(phase)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, l.capitalReserved, l.equity * l.bpCapFraction
}
