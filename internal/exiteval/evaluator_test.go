package exiteval

import (
	"context"
	"testing"
	"time"

	"talon/internal/broker"
	"talon/internal/exitrule"
	"talon/internal/position"
	"talon/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var evalNow = time.Date(2026, time.March, 10, 15, 0, 0, 0, time.UTC)

type staticRules map[string]exitrule.Rules

func (s staticRules) RulesFor(strategy string) (exitrule.Rules, bool) {
	r, ok := s[strategy]
	return r, ok
}

var strangleRules = staticRules{
	"short-strangle": {
		ProfitTargetPct: 0.50,
		StopLossPct:     2.0,
		DefensiveDTE:    21,
		DefendLossPct:   1.0,
	},
}

type evalEnv struct {
	book *position.Book
	brk  *broker.Paper
	eval *Evaluator
}

func newEvalEnv(t *testing.T) *evalEnv {
	t.Helper()
	env := &evalEnv{book: position.NewBook(), brk: broker.NewPaper()}
	env.eval = NewEvaluator(env.book, env.brk, strangleRules)
	env.eval.nowFn = func() time.Time { return evalNow }
	return env
}

// addStrangle restores an open short strangle with a 2.00 opening credit and
// expiry dte days out. Leg symbols are SPX-P and SPX-C.
func (e *evalEnv) addStrangle(t *testing.T, id string, dte int) {
	t.Helper()
	expiry := evalNow.Add(time.Duration(dte) * 24 * time.Hour)
	pos := &types.Position{
		ID:            id,
		Strategy:      "short-strangle",
		Group:         "equity-vol",
		Phase:         types.Phase2,
		Status:        types.StatusOpen,
		OpeningCredit: 2.00,
		Components: []types.Component{
			{Symbol: "SPX-P", Kind: types.KindPut, Strike: 5600, Expiry: expiry, Side: types.SideShort, Quantity: 1, FillStatus: types.FillFilled, FillPrice: 1.00},
			{Symbol: "SPX-C", Kind: types.KindCall, Strike: 6200, Expiry: expiry, Side: types.SideShort, Quantity: 1, FillStatus: types.FillFilled, FillPrice: 1.00},
		},
	}
	require.NoError(t, e.book.Restore(pos))
}

// quoteLegs marks both legs at the given mid by setting bid == ask.
func (e *evalEnv) quoteLegs(mid float64) {
	e.brk.SetQuote("SPX-P", broker.Quote{Bid: mid, Ask: mid})
	e.brk.SetQuote("SPX-C", broker.Quote{Bid: mid, Ask: mid})
}

func mustEvaluate(t *testing.T, e *evalEnv) []types.ExitDecision {
	t.Helper()
	out, err := e.eval.Evaluate(context.Background())
	require.NoError(t, err)
	return out
}

func TestProfitTargetTriggersExactlyAtBoundary(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	// Cost to close 1.00 against a 2.00 credit: exactly 50% captured.
	env.quoteLegs(0.50)

	out := mustEvaluate(t, env)
	require.Len(t, out, 1)
	assert.Equal(t, types.ActionClose, out[0].Action)
	assert.Equal(t, ReasonProfitTarget, out[0].Reason)
	assert.InDelta(t, 0.50, out[0].PnLPct, 1e-9)
}

func TestJustUnderProfitTargetHolds(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	// Cost to close 1.02: 49% captured, one tick shy of the target.
	env.quoteLegs(0.51)

	assert.Empty(t, mustEvaluate(t, env))
}

func TestStopLossTriggersAndPrecedesTarget(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	// Cost to close 6.00 against a 2.00 credit: -200%, exactly at the stop.
	env.quoteLegs(3.00)

	out := mustEvaluate(t, env)
	require.Len(t, out, 1)
	assert.Equal(t, types.ActionClose, out[0].Action)
	assert.Equal(t, ReasonStopLoss, out[0].Reason)
	assert.InDelta(t, -2.0, out[0].PnLPct, 1e-9)
}

func TestDTEBoundaryProfitableCloses(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 21) // exactly at the defensive window
	env.quoteLegs(0.80)             // +20%, under the profit target

	out := mustEvaluate(t, env)
	require.Len(t, out, 1)
	assert.Equal(t, types.ActionClose, out[0].Action)
	assert.Equal(t, ReasonDTEProfit, out[0].Reason)
}

func TestDTEBoundaryLosingRolls(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 21)
	env.quoteLegs(1.20) // -20%, above defend and stop thresholds

	out := mustEvaluate(t, env)
	require.Len(t, out, 1)
	assert.Equal(t, types.ActionRoll, out[0].Action)
	assert.Equal(t, ReasonDTERoll, out[0].Reason)
}

func TestOutsideDTEWindowHolds(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 22)
	env.quoteLegs(0.80)

	assert.Empty(t, mustEvaluate(t, env))
}

func TestDefendThresholdMarksPosition(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	// Cost to close 4.00: -100%, exactly at defend_loss_pct.
	env.quoteLegs(2.00)

	out := mustEvaluate(t, env)
	require.Len(t, out, 1)
	assert.Equal(t, types.ActionDefend, out[0].Action)
	assert.Equal(t, ReasonDefend, out[0].Reason)
}

func TestDefendingPositionNotReDefended(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	env.quoteLegs(2.00)

	mut, err := env.book.Begin("POS-1")
	require.NoError(t, err)
	require.NoError(t, mut.To(types.StatusDefending))
	mut.Commit()

	assert.Empty(t, mustEvaluate(t, env))
}

func TestUnpricedPositionIsSkipped(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	env.addStrangle(t, "POS-2", 45)
	env.brk.SetDown(true)

	assert.Empty(t, mustEvaluate(t, env))

	env.brk.SetDown(false)
	env.quoteLegs(0.50)
	assert.Len(t, mustEvaluate(t, env), 2)
}

func TestEvaluateCachesAggregateGreeks(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	env.brk.SetQuote("SPX-P", broker.Quote{
		Bid: 0.80, Ask: 0.80,
		Greeks: types.Greeks{Delta: -0.20, Gamma: 0.01, Theta: -0.05, Vega: 0.10},
	})
	env.brk.SetQuote("SPX-C", broker.Quote{
		Bid: 0.80, Ask: 0.80,
		Greeks: types.Greeks{Delta: 0.25, Gamma: 0.02, Theta: -0.04, Vega: 0.12},
	})

	// +20% holds, but the mark still lands on the book.
	assert.Empty(t, mustEvaluate(t, env))

	got, ok := env.book.Get("POS-1")
	require.True(t, ok)
	// Both legs are short, so leg greeks enter negated.
	assert.InDelta(t, -0.05, got.Greeks.Delta, 1e-9)
	assert.InDelta(t, -0.03, got.Greeks.Gamma, 1e-9)
	assert.InDelta(t, 0.09, got.Greeks.Theta, 1e-9)
	assert.InDelta(t, -0.22, got.Greeks.Vega, 1e-9)
}

func TestUnknownStrategyHolds(t *testing.T) {
	env := newEvalEnv(t)
	env.addStrangle(t, "POS-1", 45)
	env.quoteLegs(0.50)
	env.eval.rules = staticRules{}

	assert.Empty(t, mustEvaluate(t, env))
}

func TestClosedPositionsNotScanned(t *testing.T) {
	env := newEvalEnv(t)
	pos := &types.Position{
		ID:       "POS-DONE",
		Strategy: "short-strangle",
		Status:   types.StatusClosed,
	}
	require.NoError(t, env.book.Restore(pos))

	assert.Empty(t, mustEvaluate(t, env))
}
