package risk

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talon/internal/types"
)

func testGroups() []GroupConfig {
	return []GroupConfig{
		{Name: "equity-index", Symbols: []string{"SPX", "ES", "NDX"}, BaseCapacity: 3},
		{Name: "energy", Symbols: []string{"CL", "NG"}, BaseCapacity: 2},
	}
}

func TestReserve_RejectsAtCapacity(t *testing.T) {
	l := NewLedger(testGroups(), 1_000_000)

	var toks []Token
	for i := 0; i < 3; i++ {
		tok, err := l.Reserve("equity-index", types.Phase1, 0)
		require.NoError(t, err)
		toks = append(toks, tok)
	}

	// 4th request for a full group is rejected, not queued.
	_, err := l.Reserve("equity-index", types.Phase1, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrelationLimit)

	// Releasing one slot frees exactly one admission.
	l.Release(toks[0])
	_, err = l.Reserve("equity-index", types.Phase1, 0)
	assert.NoError(t, err)
}

func TestReserve_PhaseScalesCapacity(t *testing.T) {
	l := NewLedger(testGroups(), 1_000_000)

	// Phase 3 grants base+2 slots.
	for i := 0; i < 5; i++ {
		_, err := l.Reserve("equity-index", types.Phase3, 0)
		require.NoError(t, err, "slot %d", i+1)
	}
	_, err := l.Reserve("equity-index", types.Phase3, 0)
	assert.ErrorIs(t, err, ErrCorrelationLimit)
}

func TestReserve_CapitalBudget(t *testing.T) {
	l := NewLedger(testGroups(), 100_000)
	l.SetBPCapFraction(0.50) // budget 50k

	tok, err := l.Reserve("equity-index", types.Phase1, 30_000)
	require.NoError(t, err)

	_, err = l.Reserve("energy", types.Phase1, 25_000)
	assert.ErrorIs(t, err, ErrCapitalExhausted)

	l.Release(tok)
	_, err = l.Reserve("energy", types.Phase1, 25_000)
	assert.NoError(t, err)
}

func TestReleaseAndCommit_Idempotent(t *testing.T) {
	l := NewLedger(testGroups(), 0)
	tok, err := l.Reserve("energy", types.Phase1, 0)
	require.NoError(t, err)

	require.NoError(t, l.Commit(tok, "pos-1"))
	require.NoError(t, l.Commit(tok, "pos-1"))

	l.Release(tok)
	l.Release(tok) // second release is a no-op
	l.Release(Token("never-issued"))

	groups, _, _ := l.Stats(types.Phase1)
	for _, g := range groups {
		assert.Zero(t, g.Count, "group %s should be empty", g.Name)
	}

	assert.ErrorIs(t, l.Commit(Token("never-issued"), "pos-2"), ErrUnknownToken)
}

// TestReserve_ConcurrentNeverExceedsCap hammers one group from many
// goroutines with interleaved reserve/release and checks occupancy never
// exceeds the cap at any observable instant.
func TestReserve_ConcurrentNeverExceedsCap(t *testing.T) {
	const workers = 32
	const iterations = 200

	l := NewLedger(testGroups(), 0)
	var wg sync.WaitGroup
	granted := make(chan Token, workers*iterations)

	observe := func() {
		groups, _, _ := l.Stats(types.Phase1)
		for _, g := range groups {
			if g.Name == "equity-index" && g.Count > g.Capacity {
				t.Errorf("observed %d/%d slots", g.Count, g.Capacity)
			}
		}
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				tok, err := l.Reserve("equity-index", types.Phase1, 0)
				if err != nil {
					continue
				}
				observe()
				granted <- tok
				if i%2 == 0 {
					l.Release(tok)
				}
			}
		}()
	}
	wg.Wait()
	close(granted)

	// Drain everything and verify the ledger returns to empty.
	for tok := range granted {
		l.Release(tok)
	}
	groups, _, _ := l.Stats(types.Phase1)
	for _, g := range groups {
		assert.Zero(t, g.Count)
	}
}
